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

package smtp

import (
	"bufio"
	"io"
)

// DataReader reads message content sent after a DATA command, undoing
// transparency dot-stuffing. It consumes input up to and including the
// terminating dot line and then reports io.EOF, leaving anything sent after
// the terminator in the connection buffer for the next command read.
//
// Line endings are passed through as received. Lines are not length-limited,
// a line longer than the connection buffer is consumed in fragments.
//
// If maxSize is non-zero and the unstuffed content exceeds it, the reader
// still consumes input through the terminator so the session stays in sync,
// then reports ErrMessageTooBig instead of io.EOF. Content of exactly
// maxSize bytes is not an error.
type DataReader struct {
	c       *Conn
	maxSize int

	buf       []byte
	pending   []byte
	lineStart bool
	size      int
	over      bool
	done      bool
}

func (c *Conn) DataReader(maxSize int) *DataReader {
	return &DataReader{c: c, maxSize: maxSize, lineStart: true}
}

func (d *DataReader) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.done {
			if d.over {
				return 0, ErrMessageTooBig
			}
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *DataReader) fill() error {
	d.c.setReadDeadline()
	line, err := d.c.r.ReadSlice('\n')
	full := err == nil
	if err != nil && err != bufio.ErrBufferFull {
		// The terminator was never received, even a clean close here
		// means the message is incomplete.
		if err == io.EOF {
			return ErrConnectionLost
		}
		return mapConnErr(err)
	}
	if d.lineStart && len(line) > 0 && line[0] == '.' {
		if full && isEndOfData(line) {
			d.done = true
			return nil
		}
		line = line[1:]
	}
	d.lineStart = full
	if d.over {
		return nil
	}
	d.size += len(line)
	if d.maxSize != 0 && d.size > d.maxSize {
		d.over = true
		d.pending = nil
		return nil
	}
	d.buf = append(d.buf[:0], line...)
	d.pending = d.buf
	return nil
}

// isEndOfData reports whether a complete line (including the trailing
// newline) is the terminating dot line: a dot followed by nothing but
// whitespace.
func isEndOfData(line []byte) bool {
	if line[0] != '.' {
		return false
	}
	for _, b := range line[1 : len(line)-1] {
		if b != ' ' && b != '\t' && b != '\r' {
			return false
		}
	}
	return true
}

// DataWriter writes message content after a DATA command, applying
// transparency dot-stuffing. Close appends the terminating dot line,
// inserting a line break first unless the content already ends with CRLF,
// and flushes the connection.
type DataWriter struct {
	c         *Conn
	lineStart bool
	last      [2]byte
	n         int64
	closed    bool
}

func (c *Conn) DataWriter() *DataWriter {
	return &DataWriter{c: c, lineStart: true}
}

func (d *DataWriter) Write(p []byte) (int, error) {
	d.c.setWriteDeadline()
	start := 0
	for i := 0; i < len(p); i++ {
		if d.lineStart && p[i] == '.' {
			if _, err := d.c.w.Write(p[start:i]); err != nil {
				return start, mapConnErr(err)
			}
			// Double the dot, the original is written with the
			// next chunk.
			if err := d.c.w.WriteByte('.'); err != nil {
				return i, mapConnErr(err)
			}
			start = i
		}
		d.lineStart = p[i] == '\n'
	}
	if _, err := d.c.w.Write(p[start:]); err != nil {
		return start, mapConnErr(err)
	}
	switch {
	case len(p) >= 2:
		d.last[0], d.last[1] = p[len(p)-2], p[len(p)-1]
	case len(p) == 1:
		d.last[0], d.last[1] = d.last[1], p[0]
	}
	d.n += int64(len(p))
	return len(p), nil
}

func (d *DataWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.c.setWriteDeadline()
	term := "\r\n.\r\n"
	if d.n == 0 || (d.last[0] == '\r' && d.last[1] == '\n') {
		term = ".\r\n"
	}
	if _, err := d.c.w.WriteString(term); err != nil {
		return mapConnErr(err)
	}
	return d.c.Flush()
}
