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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Output is the sink behind a Logger. It receives formatted event lines
// together with the event time and the debug flag and decides how to
// present and store them.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

type writerOutput struct {
	wc         io.WriteCloser
	timestamps bool
}

func (o writerOutput) Write(stamp time.Time, debug bool, msg string) {
	var b strings.Builder
	if o.timestamps {
		b.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		b.WriteString("[debug] ")
	}
	b.WriteString(msg)
	b.WriteByte('\n')

	if _, err := io.WriteString(o.wc, b.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (o writerOutput) Close() error {
	return o.wc.Close()
}

// WriteCloserOutput returns an Output writing one line per event to wc,
// prefixed with a millisecond UTC timestamp when timestamps is set and
// with "[debug] " for debug events. Closing the Output closes wc.
//
// Lines are written with a single Write call each but no locking is
// done beyond that. With sinks that have atomic stream writes, an
// os.File in particular, sharing the Output between goroutines is fine.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return writerOutput{wc, timestamps}
}

// WriterOutput is WriteCloserOutput for sinks that should stay open,
// closing the returned Output does not touch w.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return writerOutput{keepOpen{w}, timestamps}
}

type keepOpen struct {
	io.Writer
}

func (keepOpen) Close() error { return nil }

// MultiOutput returns an Output that duplicates every event to each of
// outs. Closing it closes them all, stopping at the first error.
func MultiOutput(outs ...Output) Output {
	return multiOutput(outs)
}

type multiOutput []Output

func (m multiOutput) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOutput) Close() error {
	for _, out := range m {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FuncOutput turns a pair of functions into an Output. Mostly useful
// for capturing events in tests.
func FuncOutput(write func(time.Time, bool, string), close func() error) Output {
	return funcOutput{write, close}
}

type funcOutput struct {
	write func(time.Time, bool, string)
	close func() error
}

func (f funcOutput) Write(stamp time.Time, debug bool, msg string) {
	f.write(stamp, debug, msg)
}

func (f funcOutput) Close() error {
	return f.close()
}
