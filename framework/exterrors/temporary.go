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

// Package exterrors attaches delivery-relevant context to error values:
// whether the failed operation is worth retrying, and structured fields
// describing it for logs.
package exterrors

import (
	"errors"
)

// classified pins the retry classification of an error, overriding
// whatever the wrapped chain would report.
type classified struct {
	error
	temp bool
}

func (c classified) Unwrap() error {
	return c.error
}

func (c classified) Temporary() bool {
	return c.temp
}

// WithTemporary wraps err so that IsTemporary reports the given value
// for it. errors.Unwrap recovers the original.
func WithTemporary(err error, temporary bool) error {
	return classified{error: err, temp: temporary}
}

// IsTemporary reports whether err describes a condition that can pass
// on retry. The answer comes from a Temporary() method anywhere in the
// wrap chain; smtp replies and net errors carry one. An error without
// a classification counts as permanent.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// IsTemporaryOrUnspec is IsTemporary for call sites where not knowing
// means trying again: an error without a classification counts as
// temporary.
func IsTemporaryOrUnspec(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
