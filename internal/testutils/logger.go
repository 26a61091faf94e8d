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

// Package testutils carries the pieces most package tests need: a logger
// bound to the test, prebuilt envelopes and an independently implemented
// SMTP peer to deliver to.
package testutils

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kurier-mta/kurier/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(kurier) include debug-level log records")
	directLog = flag.Bool("test.directlog", false, "(kurier) write log records to stderr as they happen, not via t.Log")
)

// Logger returns a logger for use in the test t. Records normally go
// through t.Log so they interleave with the test output and vanish for
// passing tests. -test.directlog writes them straight to stderr instead,
// which survives a deadlocked or crashed test binary.
func Logger(t *testing.T, name string) log.Logger {
	l := log.Logger{Name: name, Debug: *debugLog}

	if *directLog {
		l.Out = log.WriterOutput(os.Stderr, true)
		return l
	}

	l.Out = log.FuncOutput(func(_ time.Time, debug bool, text string) {
		t.Helper()
		text = strings.TrimSuffix(text, "\n")
		if debug {
			text = "[debug] " + text
		}
		t.Log(text)
	}, func() error {
		return nil
	})
	return l
}
