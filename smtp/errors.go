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
	"errors"
	"net"
)

var (
	// ErrConnectionLost is returned when the peer closed or reset the
	// connection mid-session.
	ErrConnectionLost = errors.New("smtp: connection lost")

	// ErrMessageTooBig is returned by DataReader when the message exceeds
	// the allowed size. The reader consumes input through the terminator
	// before returning it, so the session stays usable.
	ErrMessageTooBig = errors.New("smtp: message exceeds size limit")

	// ErrLineTooLong is returned when a single protocol line does not fit
	// into the read buffer.
	ErrLineTooLong = errors.New("smtp: line too long")
)

// BadReplyError is returned when a line received from the peer cannot be
// parsed as an SMTP reply, or when lines of a multiline reply carry
// different codes.
type BadReplyError struct {
	Line string
}

func (e BadReplyError) Error() string {
	return "smtp: malformed reply: " + e.Line
}

// IsTimeout reports whether err resulted from an expired I/O deadline.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
