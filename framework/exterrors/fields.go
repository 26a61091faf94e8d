/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"errors"
)

// fielder is implemented by errors carrying structured context.
type fielder interface {
	Fields() map[string]interface{}
}

// annotated adds context fields to an error without changing its
// message.
type annotated struct {
	error
	fields map[string]interface{}
}

func (a annotated) Unwrap() error {
	return a.error
}

func (a annotated) Fields() map[string]interface{} {
	return a.fields
}

// WithFields attaches the given fields to err. The fields map is kept
// by reference and must not be written to afterwards.
func WithFields(err error, fields map[string]interface{}) error {
	return annotated{error: err, fields: fields}
}

// Fields flattens the context of the whole wrap chain into one map.
// When a key is set at several depths the value closest to the caller
// wins: wrapping refines what the wrapped error reported.
func Fields(err error) map[string]interface{} {
	merged := map[string]interface{}{}
	for ; err != nil; err = errors.Unwrap(err) {
		f, ok := err.(fielder)
		if !ok {
			continue
		}
		for k, v := range f.Fields() {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return merged
}
