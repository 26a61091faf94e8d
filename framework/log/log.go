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

// Package log is the logging facility used across kurier.
//
// It is deliberately small. A Logger carries a name, a debug flag and a
// set of fixed fields, formats each event into one line with a sorted
// JSON tail and hands the line to an Output. Timestamps, fan-out and
// locking are Output business.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kurier-mta/kurier/framework/exterrors"
)

// Logger formats events and forwards them to an Output.
//
// The zero Out falls back to DefaultLogger.Out, so a zero Logger is
// usable. Logger is a value type without state of its own, copies are
// independent except for the shared Output. Serialization of
// concurrent writes, if needed, is up to the Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields is attached to the JSON tail of every event. On a key
	// collision with per-event fields, Fields wins.
	Fields map[string]interface{}
}

// Msg writes an event described by a message and key-value pairs:
//
//	name: msg\t{"key":"value","other":3}
//
// fields lists keys and values alternately, as in
// []interface{}{"key", "value", "other", 3}. How values render in the
// JSON tail is described at LogFormatter.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	pairsToMap(fields, m)
	l.emit(false, l.format(msg, m))
}

// Error writes an event for an error that was handled at this point.
// msg names the operation that failed, not the cause: the cause comes
// from the error itself, as the "reason" field plus whatever fields the
// error carries (see exterrors.Fields). Extra key-value pairs are
// appended as in Msg.
//
// A nil err writes nothing.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	merged := make(map[string]interface{}, len(fields)/2+2)
	for k, v := range exterrors.Fields(err) {
		merged[k] = v
	}
	// An explicit reason field usually says more than the error text.
	if merged["reason"] == nil {
		merged["reason"] = err.Error()
	}
	pairsToMap(fields, merged)

	l.emit(false, l.format(msg, merged))
}

// DebugMsg is Msg for events only interesting when debugging. It writes
// nothing unless the Debug flag is set.
func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	pairsToMap(fields, m)
	l.emit(true, l.format(kind, m))
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, l.format(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, l.format(strings.TrimSuffix(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.emit(false, l.format(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.emit(false, l.format(strings.TrimSuffix(fmt.Sprintln(val...), "\n"), nil))
}

// Write implements io.Writer so that a Logger can stand in wherever a
// plain text sink is expected, the standard library log.Logger in
// particular. Each Write call becomes one event.
func (l Logger) Write(s []byte) (int, error) {
	l.emit(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// pairsToMap folds an alternating key-value slice into dst. A key that
// is not a string gets a generated name so the value stays visible.
func pairsToMap(kv []interface{}, dst map[string]interface{}) {
	var key string
	for i, v := range kv {
		if i%2 == 1 {
			dst[key] = v
			continue
		}
		name, ok := v.(string)
		if !ok {
			dst[fmt.Sprintf("field%d", i)] = v
			continue
		}
		key = name
	}
}

// format renders "msg\tJSON", with the JSON tail omitted when there are
// no fields at all.
func (l Logger) format(msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	b.WriteByte('\t')

	if len(fields) == 0 && len(l.Fields) == 0 {
		return b.String()
	}
	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		fields[k] = v
	}
	if err := writeJSONFields(&b, fields); err != nil {
		// The event must not get lost over a formatting problem.
		return fmt.Sprintf("[broken formatting: %v] %v %+v", err, msg, fields)
	}
	return b.String()
}

func (l Logger) emit(debug bool, line string) {
	if l.Name != "" {
		line = l.Name + ": " + line
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		// Logging is disabled.
		return
	}
	out.Write(time.Now(), debug, line)
}

// DefaultLogger is what package-level logging functions and Loggers
// with a nil Out write through.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }

var _ io.Writer = Logger{}
