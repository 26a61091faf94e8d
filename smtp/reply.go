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

// Package smtp implements the SMTP protocol layer used by kurier: the wire
// codec, the Reply object, DATA framing and the server and client session
// state machines.
package smtp

import (
	"regexp"
	"strconv"
)

var messageEscPattern = regexp.MustCompile(`^([245])\.(\d{1,3})\.(\d{1,3}) +`)

// Reply is a single SMTP reply: the three-digit code, an optional enhanced
// status code (RFC 2034) and a free-form text.
//
// The enhanced status code is usually managed automatically: setting a
// message that begins with a well-formed "N.N.N " prefix extracts it, and
// when none was extracted one is derived from the reply code class. Banner
// and EHLO replies disable it entirely.
//
// Reply implements the error interface so that delivery failures can be
// passed around and logged as errors directly.
type Reply struct {
	// Code is the three-digit SMTP reply code. Zero means the reply is not
	// populated yet.
	Code int

	// Command is the verb this reply answers. Set by the client session for
	// error reporting, empty on the server side.
	Command string

	// NewlineFirst makes the writer emit a CRLF before the reply. Used for
	// asynchronous replies, such as the timeout 421, that may interleave
	// with a partially written client line.
	NewlineFirst bool

	message    string
	escSubject string
	escDetail  string
	escOff     bool
}

// NewReply creates a populated reply. The message is processed the same way
// SetMessage does.
func NewReply(code int, message string) *Reply {
	r := &Reply{Code: code}
	r.SetMessage(message)
	return r
}

// SetMessage replaces the reply text. A leading enhanced status code is
// extracted and stored separately. Without such prefix any previously
// extracted status code is reset to the class default.
func (r *Reply) SetMessage(msg string) {
	if m := messageEscPattern.FindStringSubmatch(msg); m != nil {
		r.escSubject = m[2]
		r.escDetail = m[3]
		r.escOff = false
		r.message = msg[len(m[0]):]
		return
	}
	r.message = msg
	r.escSubject = ""
	r.escDetail = ""
}

// EnhancedStatus returns the effective enhanced status code, or an empty
// string when the reply carries none. The class digit always follows the
// reply code, not the stored status.
func (r *Reply) EnhancedStatus() string {
	if r.escOff {
		return ""
	}
	class := r.Code / 100
	if class != 2 && class != 4 && class != 5 {
		return ""
	}
	classS := strconv.Itoa(class)
	if r.escSubject != "" {
		return classS + "." + r.escSubject + "." + r.escDetail
	}
	return classS + ".0.0"
}

// DisableEnhancedStatus makes the reply render without an enhanced status
// code. Used for the banner and EHLO replies.
func (r *Reply) DisableEnhancedStatus() {
	r.escOff = true
	r.escSubject = ""
	r.escDetail = ""
}

// Message returns the reply text with the enhanced status code prefixed,
// when there is one.
func (r *Reply) Message() string {
	esc := r.EnhancedStatus()
	if esc != "" && r.message != "" {
		return esc + " " + r.message
	}
	if esc != "" {
		return esc
	}
	return r.message
}

// RawMessage returns the reply text without the enhanced status code.
func (r *Reply) RawMessage() string {
	return r.message
}

// Populated reports whether the reply holds a received or constructed value.
// Useful for replies that are buffered during pipelining and filled later.
func (r *Reply) Populated() bool {
	return r.Code != 0
}

// IsError reports whether the reply indicates an error (4xx or 5xx).
func (r *Reply) IsError() bool {
	return r.Code >= 400 && r.Code < 600
}

// Temporary reports whether the reply indicates a transient condition (4xx).
// It makes Reply compatible with exterrors temporary classification.
func (r *Reply) Temporary() bool {
	return r.Code >= 400 && r.Code < 500
}

// Copy copies the code, text and enhanced status state from other. Useful
// for responding with one of the canned replies while keeping the identity
// of the reply object handlers mutate.
func (r *Reply) Copy(other *Reply) {
	r.Code = other.Code
	r.message = other.message
	r.escSubject = other.escSubject
	r.escDetail = other.escDetail
	r.escOff = other.escOff
	r.NewlineFirst = other.NewlineFirst
}

// Clone returns an independent copy of the reply.
func (r *Reply) Clone() *Reply {
	cpy := *r
	return &cpy
}

// String renders the reply as it appears on the wire, without the trailing
// CRLF: code, enhanced status code (if any) and text separated by spaces.
func (r *Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Message()
}

func (r *Reply) Error() string {
	if r.Command != "" {
		return "smtp: " + r.Command + ": " + r.String()
	}
	return "smtp: " + r.String()
}

// Fields implements the field-carrying error convention of
// framework/exterrors.
func (r *Reply) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":     r.Code,
		"smtp_enchcode": r.EnhancedStatus(),
		"smtp_msg":      r.message,
	}
}

// Canned replies for the common protocol failure modes. Sessions copy them
// into the live reply object, the originals are never mutated.
var (
	// Sent when an unknown SMTP command is received by a server.
	UnknownCommand = NewReply(500, "5.5.2 Syntax error, command unrecognized")

	// Sent when a parameter is sent that is not supported.
	UnknownParameter = NewReply(504, "5.5.4 Command parameter not implemented")

	// Sent when commands are sent out of standard SMTP sequence.
	BadSequence = NewReply(503, "5.5.1 Bad sequence of commands")

	// Sent when an expected parameter is invalid.
	BadArguments = NewReply(501, "5.5.4 Syntax error in parameters or arguments")

	// Sent when an unhandled error is raised in a command handler.
	UnhandledError = NewReply(421, "4.3.0 Unhandled system error")

	// Sent when a TLS negotiation error occurs.
	TLSFailure = NewReply(421, "4.7.0 TLS negotiation failed")

	// Used when a connection fails unexpectedly.
	ConnectionFailed = NewReply(451, "4.3.0 Connection failed")

	// Sent when the session times out waiting for the peer.
	TimedOut = func() *Reply {
		r := NewReply(421, "4.4.2 Connection timed out")
		r.NewlineFirst = true
		return r
	}()

	// Sent when an authentication attempt used invalid credentials.
	InvalidCredentials = NewReply(535, "5.7.8 Authentication credentials invalid")

	// Sent when a mechanism may not be used on an unencrypted link.
	EncryptionRequired = NewReply(538, "5.7.11 Encryption required for requested authentication mechanism")
)
