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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap returns a *zap.Logger feeding events into l, for use with
// libraries that log through zap natively. Entries below the info
// level are treated as debug events and follow the Debug flag.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l})
}

type zapCore struct {
	l Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	return c.l.Debug || level > zapcore.DebugLevel
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make(map[string]interface{}, len(c.l.Fields)+len(fields))
	for k, v := range c.l.Fields {
		merged[k] = v
	}
	for k, v := range zapFields(fields) {
		merged[k] = v
	}
	c.l.Fields = merged
	return zapCore{c.l}
}

func (c zapCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	l := c.l
	if entry.LoggerName != "" {
		if l.Name != "" {
			l.Name += "/"
		}
		l.Name += entry.LoggerName
	}
	l.emit(entry.Level == zapcore.DebugLevel, l.format(entry.Message, zapFields(fields)))
	return nil
}

func (zapCore) Sync() error { return nil }

func zapFields(fields []zapcore.Field) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}
