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

// Package buffer abstracts temporary storage of message bodies so that
// components can hand around content of arbitrary size without
// committing to keeping it in memory.
package buffer

import (
	"io"
)

// Buffer is immutable stored content. Every Open returns an independent
// reader over the same bytes.
//
// Lifetime follows one rule: whoever created the Buffer calls Remove
// once the content is no longer needed. A function that received a
// Buffer must not use it after returning; to keep the content it
// re-buffers it into storage of its own. Several Buffer values may
// share one underlying storage, in which case Remove is called once
// per storage, not once per value.
type Buffer interface {
	// Open returns a reader over the content. Readers opened before
	// Remove stay readable.
	Open() (io.ReadCloser, error)

	// Len is the content size: the bytes a fresh reader yields before
	// io.EOF.
	Len() int

	// Remove releases the storage. Open fails afterwards.
	Remove() error
}
