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

// Package limiters bounds resource use: concurrent sessions, connection
// rates, per-peer variants of both.
package limiters

import "context"

// L is a blocking limiter. Take blocks while the bound is exceeded until
// enough resources are freed.
type L interface {
	Take() bool
	TakeContext(context.Context) error
	Release()

	// Close frees any book-keeping resources held by the limiter.
	Close()
}
