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

package limiters

import "context"

// MultiLimit combines several limiters into one. A take claims them in
// the order they are listed and undoes the claims made so far when one
// of them fails.
//
// An empty MultiLimit is a no-op.
type MultiLimit struct {
	Wrapped []L
}

func (ml *MultiLimit) Take() bool {
	return ml.TakeContext(context.Background()) == nil
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			releaseAll(ml.Wrapped[:i])
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) Release() {
	releaseAll(ml.Wrapped)
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}

func releaseAll(ls []L) {
	for _, l := range ls {
		l.Release()
	}
}
