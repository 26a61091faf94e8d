//go:build !windows && !plan9
// +build !windows,!plan9

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
	"log/syslog"
	"os"
	"time"
)

type syslogOutput struct {
	w *syslog.Writer
}

func (o syslogOutput) Write(stamp time.Time, debug bool, msg string) {
	var err error
	if debug {
		err = o.w.Debug(msg + "\n")
	} else {
		err = o.w.Info(msg + "\n")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to send message to syslog daemon: %v\n", err)
	}
}

func (o syslogOutput) Close() error {
	return o.w.Close()
}

// SyslogOutput returns an Output sending events to the local syslog
// daemon under the MAIL facility. Debug events use the DEBUG priority,
// everything else INFO. The daemon supplies timestamps.
//
// The returned Output is safe for concurrent use.
func SyslogOutput() (Output, error) {
	w, err := syslog.New(syslog.LOG_MAIL|syslog.LOG_INFO, "kurier")
	return syslogOutput{w}, err
}
