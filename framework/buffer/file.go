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

package buffer

import (
	"fmt"
	"io"
	"os"
)

// FileBuffer stores the content in a file, or in the tail of one.
type FileBuffer struct {
	Path string

	// Offset is where the content starts. Storage formats that keep a
	// record header in front of the content set it so that readers see
	// the content only.
	Offset int64

	// LenHint, when not zero, is trusted to be the content size and
	// saves the stat in Len.
	LenHint int
}

func (fb FileBuffer) Open() (io.ReadCloser, error) {
	f, err := os.Open(fb.Path)
	if err != nil {
		return nil, err
	}
	if fb.Offset != 0 {
		if _, err := f.Seek(fb.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("buffer: cannot seek to content: %w", err)
		}
	}
	return f, nil
}

func (fb FileBuffer) Len() int {
	if fb.LenHint != 0 {
		return fb.LenHint
	}
	info, err := os.Stat(fb.Path)
	if err != nil {
		// Open is about to fail the same way, the caller finds out
		// then.
		return 0
	}
	return int(info.Size() - fb.Offset)
}

func (fb FileBuffer) Remove() error {
	return os.Remove(fb.Path)
}

// BufferInFile drains r into a freshly created file inside dir.
func BufferInFile(r io.Reader, dir string) (Buffer, error) {
	f, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("buffer: cannot create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("buffer: cannot write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("buffer: cannot write file: %w", err)
	}
	return FileBuffer{Path: f.Name(), LenHint: int(n)}, nil
}
