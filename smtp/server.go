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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kurier-mta/kurier/framework/log"
)

// ServerConfig carries the session-independent parts of a server-side SMTP
// endpoint.
type ServerConfig struct {
	// Hostname is used in the banner and in CRAM-MD5 challenges.
	Hostname string
	// Name is the software name shown in the banner.
	Name string

	// TLSConfig enables STARTTLS. With TLSImmediately set the connection
	// is wrapped before the banner instead and STARTTLS is not
	// advertised.
	TLSConfig      *tls.Config
	TLSImmediately bool

	// Auth enables the AUTH extension.
	Auth *ServerAuth
	// AllowInsecureAuth permits cleartext mechanisms on unencrypted
	// connections. Attempts are rejected with a 538 reply otherwise.
	AllowInsecureAuth bool

	// MaxMessageSize advertises the SIZE extension and bounds message
	// content. Zero disables both.
	MaxMessageSize int

	// CommandTimeout bounds waiting for each command line. DataTimeout
	// bounds individual reads of message content and falls back to
	// CommandTimeout when zero.
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	Log log.Logger
}

// Handler receives session events. nil hooks are skipped. Hooks may mutate
// the passed reply before it is written, a hook that sets code 221 or 421
// closes the session after the reply is sent. State transitions tied to a
// success code are skipped if a hook overrides the code.
type Handler struct {
	Banner   func(s *Session, r *Reply)
	Ehlo     func(s *Session, r *Reply, ehloAs string)
	Helo     func(s *Session, r *Reply, heloAs string)
	StartTLS func(s *Session, r *Reply)
	// TLSHandshake runs after a successful handshake, immediate or via
	// STARTTLS.
	TLSHandshake func(s *Session)
	Auth         func(s *Session, r *Reply, identity string)
	Mail         func(s *Session, r *Reply, sender string, params map[string]string)
	Rcpt         func(s *Session, r *Reply, recipient string, params map[string]string)
	// Data runs before the 354 go-ahead is sent.
	Data func(s *Session, r *Reply)
	// HaveData runs after complete message content was received, before
	// the final reply is sent.
	HaveData func(s *Session, r *Reply, data []byte)
	Rset     func(s *Session, r *Reply)
	Noop     func(s *Session, r *Reply)
	Quit     func(s *Session, r *Reply)
	// Unknown runs for commands without built-in handling.
	Unknown func(s *Session, r *Reply, verb, arg string)
	// Close runs when the session ends cleanly.
	Close func(s *Session)
}

// Session drives one server-side SMTP session over a connection. The
// zero-value states follow RFC 5321: the transaction begins after the
// banner and a greeting, recipients require a sender, content requires
// recipients.
type Session struct {
	conn    *Conn
	cfg     *ServerConfig
	handler *Handler
	log     log.Logger

	// Extensions advertised to the client. Hooks may adjust the set
	// before EHLO is answered.
	Extensions Extensions

	bannered     bool
	greeted      bool
	esmtp        bool
	helloAs      string
	haveMailFrom bool
	haveRcptTo   bool
	authed       bool
	identity     string
}

// NewSession wraps an accepted connection. The caller keeps ownership of
// conn and closes it after Handle returns.
func NewSession(conn net.Conn, cfg *ServerConfig, handler *Handler) *Session {
	if handler == nil {
		handler = &Handler{}
	}
	s := &Session{
		conn:    NewConn(conn),
		cfg:     cfg,
		handler: handler,
		log:     cfg.Log,
	}
	s.conn.ReadTimeout = cfg.CommandTimeout
	s.conn.WriteTimeout = cfg.CommandTimeout

	s.Extensions.Add("8BITMIME", "")
	s.Extensions.Add("PIPELINING", "")
	s.Extensions.Add("ENHANCEDSTATUSCODES", "")
	s.Extensions.Add("SMTPUTF8", "")
	if cfg.MaxMessageSize > 0 {
		s.Extensions.Add("SIZE", strconv.Itoa(cfg.MaxMessageSize))
	}
	if cfg.TLSConfig != nil && !cfg.TLSImmediately {
		s.Extensions.Add("STARTTLS", "")
	}
	if cfg.Auth != nil {
		if mechs := cfg.Auth.Mechanisms(); len(mechs) != 0 {
			s.Extensions.Add("AUTH", strings.Join(mechs, " "))
		}
	}
	return s
}

// Conn exposes the protocol connection, e.g. for TLS state inspection.
func (s *Session) Conn() *Conn {
	return s.conn
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Session) Encrypted() bool {
	return s.conn.IsTLS()
}

// HelloName returns the EHLO/HELO argument of the current greeting, "" if
// the session is not greeted.
func (s *Session) HelloName() string {
	return s.helloAs
}

// AuthIdentity returns the authenticated identity, "" if the session did
// not authenticate.
func (s *Session) AuthIdentity() string {
	return s.identity
}

// Protocol returns the RFC 3848 transmission type name matching the
// session state, e.g. ESMTPSA for an encrypted and authenticated session.
func (s *Session) Protocol() string {
	proto := "SMTP"
	if s.esmtp {
		proto = "ESMTP"
	}
	if s.conn.IsTLS() {
		proto += "S"
	}
	if s.authed {
		proto += "A"
	}
	return proto
}

// Handle runs the session until it ends. It returns nil when the session
// ends in a protocol-defined way: QUIT, a closing reply code, peer
// disconnect or timeout. Unexpected I/O failures are returned.
func (s *Session) Handle() error {
	if s.cfg.TLSConfig != nil && s.cfg.TLSImmediately {
		if !s.handshake() {
			_ = s.conn.WriteReply(TLSFailure)
			_ = s.conn.Flush()
			return nil
		}
	}

	closing := s.cmdBanner()
	for {
		if err := s.conn.Flush(); err != nil {
			if errors.Is(err, ErrConnectionLost) || IsTimeout(err) {
				return nil
			}
			return err
		}
		if closing {
			if s.handler.Close != nil {
				s.handler.Close(s)
			}
			return nil
		}

		s.conn.ReadTimeout = s.cfg.CommandTimeout
		verb, arg, ok, err := s.conn.ReadCommand()
		if err != nil {
			if IsTimeout(err) {
				_ = s.conn.WriteReply(TimedOut)
				_ = s.conn.Flush()
				return nil
			}
			if errors.Is(err, ErrConnectionLost) {
				return nil
			}
			return err
		}
		if !ok {
			closing = s.send(UnknownCommand.Clone())
			continue
		}
		closing = s.dispatch(verb, arg)
	}
}

func (s *Session) dispatch(verb, arg string) bool {
	if verb == "AUTH" {
		s.log.Debugf("command from %v: AUTH", s.conn.RemoteAddr())
	} else {
		s.log.Debugf("command from %v: %s %s", s.conn.RemoteAddr(), verb, arg)
	}
	switch verb {
	case "EHLO":
		return s.cmdHello(arg, true)
	case "HELO":
		return s.cmdHello(arg, false)
	case "STARTTLS":
		return s.cmdStartTLS(arg)
	case "AUTH":
		return s.cmdAuth(arg)
	case "MAIL":
		return s.cmdMail(arg)
	case "RCPT":
		return s.cmdRcpt(arg)
	case "DATA":
		return s.cmdData(arg)
	case "RSET":
		return s.cmdRset(arg)
	case "NOOP":
		return s.cmdNoop()
	case "VRFY":
		return s.cmdVrfy(arg)
	case "QUIT":
		return s.cmdQuit(arg)
	default:
		return s.cmdUnknown(verb, arg)
	}
}

// send buffers a reply and reports whether its code ends the session.
// Write errors surface at the next Flush.
func (s *Session) send(r *Reply) bool {
	_ = s.conn.WriteReply(r)
	return r.Code == 221 || r.Code == 421
}

func (s *Session) cmdBanner() bool {
	text := s.cfg.Hostname + " ESMTP"
	if s.cfg.Name != "" {
		text += " " + s.cfg.Name
	}
	r := NewReply(220, text)
	r.DisableEnhancedStatus()
	if s.handler.Banner != nil {
		s.handler.Banner(s, r)
	}
	closing := s.send(r)
	if r.Code == 220 {
		s.bannered = true
	}
	return closing
}

func (s *Session) cmdHello(arg string, esmtp bool) bool {
	if !s.bannered {
		return s.send(BadSequence.Clone())
	}
	if !esmtp && arg == "" {
		return s.send(BadArguments.Clone())
	}
	text := "Hello"
	if arg != "" {
		text += " " + arg
	}
	r := NewReply(250, text)
	r.DisableEnhancedStatus()

	if esmtp {
		if s.handler.Ehlo != nil {
			s.handler.Ehlo(s, r, arg)
		}
		if r.Code == 250 {
			r.SetMessage(s.Extensions.BuildString(r.RawMessage()))
			r.DisableEnhancedStatus()
			s.haveMailFrom, s.haveRcptTo = false, false
			s.greeted, s.esmtp, s.helloAs = true, true, arg
		}
		return s.send(r)
	}

	if s.handler.Helo != nil {
		s.handler.Helo(s, r, arg)
	}
	closing := s.send(r)
	if r.Code == 250 {
		s.haveMailFrom, s.haveRcptTo = false, false
		s.greeted, s.esmtp, s.helloAs = true, false, arg
		s.Extensions.Reset()
	}
	return closing
}

func (s *Session) cmdStartTLS(arg string) bool {
	if s.conn.IsTLS() {
		return s.send(BadSequence.Clone())
	}
	if !s.Extensions.Has("STARTTLS") {
		return s.send(UnknownCommand.Clone())
	}
	if arg != "" {
		return s.send(BadArguments.Clone())
	}
	if !s.greeted {
		return s.send(BadSequence.Clone())
	}

	r := NewReply(220, "2.7.0 Go ahead")
	if s.handler.StartTLS != nil {
		s.handler.StartTLS(s, r)
	}
	_ = s.conn.WriteReply(r)
	if err := s.conn.Flush(); err != nil {
		return true
	}
	if r.Code == 221 || r.Code == 421 {
		return true
	}
	if r.Code != 220 {
		return false
	}

	if !s.handshake() {
		s.send(TLSFailure.Clone())
		return true
	}
	// The peer must greet again, the pre-handshake EHLO is void.
	s.greeted, s.esmtp, s.helloAs = false, false, ""
	s.Extensions.Drop("STARTTLS")
	return false
}

func (s *Session) handshake() bool {
	tlsConn := tls.Server(s.conn.RawConn(), s.cfg.TLSConfig)
	if s.cfg.CommandTimeout > 0 {
		tlsConn.SetDeadline(time.Now().Add(s.cfg.CommandTimeout))
		defer tlsConn.SetDeadline(time.Time{})
	}
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", err, "remote", s.conn.RemoteAddr())
		return false
	}
	s.conn.Upgrade(tlsConn)
	if s.handler.TLSHandshake != nil {
		s.handler.TLSHandshake(s)
	}
	return true
}

func (s *Session) cmdAuth(arg string) bool {
	if !s.Extensions.Has("AUTH") {
		return s.send(UnknownCommand.Clone())
	}
	if !s.greeted || s.authed || s.haveMailFrom {
		return s.send(BadSequence.Clone())
	}

	identity, failure, err := serverAuthAttempt(s.conn, s.cfg.Auth, s.cfg.Hostname,
		s.conn.IsTLS(), s.cfg.AllowInsecureAuth, arg)
	if err != nil {
		return true
	}
	if failure != nil {
		return s.send(failure)
	}

	r := NewReply(235, "2.7.0 Authentication successful")
	if s.handler.Auth != nil {
		s.handler.Auth(s, r, identity)
	}
	closing := s.send(r)
	if r.Code == 235 {
		s.authed, s.identity = true, identity
	}
	return closing
}

func (s *Session) cmdMail(arg string) bool {
	addr, rest, ok := parsePathArg(arg, mailFromPrefix)
	if !ok {
		return s.send(BadArguments.Clone())
	}
	if !s.greeted {
		return s.send(BadSequence.Clone())
	}
	if s.haveMailFrom {
		return s.send(BadSequence.Clone())
	}

	params := gatherParams(rest)
	if sizeParam, ok := params["SIZE"]; ok {
		declared, err := strconv.Atoi(sizeParam)
		if err != nil {
			return s.send(BadArguments.Clone())
		}
		max, ok := s.Extensions.IntParam("SIZE")
		if !ok {
			return s.send(UnknownParameter.Clone())
		}
		if declared > max {
			return s.send(NewReply(552, fmt.Sprintf("5.3.4 Message size exceeds %d limit", max)))
		}
	}

	r := NewReply(250, fmt.Sprintf("2.1.0 Sender <%s> Ok", addr))
	if s.handler.Mail != nil {
		s.handler.Mail(s, r, addr, params)
	}
	closing := s.send(r)
	if r.Code == 250 {
		s.haveMailFrom = true
	}
	return closing
}

func (s *Session) cmdRcpt(arg string) bool {
	addr, rest, ok := parsePathArg(arg, rcptToPrefix)
	if !ok {
		return s.send(BadArguments.Clone())
	}
	if !s.haveMailFrom {
		return s.send(BadSequence.Clone())
	}

	params := gatherParams(rest)
	r := NewReply(250, fmt.Sprintf("2.1.5 Recipient <%s> Ok", addr))
	if s.handler.Rcpt != nil {
		s.handler.Rcpt(s, r, addr, params)
	}
	closing := s.send(r)
	if r.Code == 250 {
		s.haveRcptTo = true
	}
	return closing
}

func (s *Session) cmdData(arg string) bool {
	if arg != "" {
		return s.send(BadArguments.Clone())
	}
	if !s.haveMailFrom {
		return s.send(BadSequence.Clone())
	}
	if !s.haveRcptTo {
		return s.send(NewReply(554, "5.5.1 No valid recipients"))
	}

	r := NewReply(354, "Start mail input; end with <CRLF>.<CRLF>")
	if s.handler.Data != nil {
		s.handler.Data(s, r)
	}
	_ = s.conn.WriteReply(r)
	if err := s.conn.Flush(); err != nil {
		return true
	}
	if r.Code == 221 || r.Code == 421 {
		return true
	}
	if r.Code != 354 {
		return false
	}
	return s.readMessageData()
}

func (s *Session) readMessageData() bool {
	timeout := s.cfg.DataTimeout
	if timeout == 0 {
		timeout = s.cfg.CommandTimeout
	}
	s.conn.ReadTimeout = timeout

	data, err := io.ReadAll(s.conn.DataReader(s.cfg.MaxMessageSize))
	if err != nil {
		switch {
		case errors.Is(err, ErrMessageTooBig):
			// Input was consumed through the terminator, the
			// session stays in sync.
			closing := s.send(NewReply(552, fmt.Sprintf("5.3.4 Message size exceeds %d limit", s.cfg.MaxMessageSize)))
			s.haveMailFrom, s.haveRcptTo = false, false
			return closing
		case IsTimeout(err):
			s.send(TimedOut)
			return true
		default:
			return true
		}
	}

	r := NewReply(250, "2.6.0 Message accepted for delivery")
	if s.handler.HaveData != nil {
		s.handler.HaveData(s, r, data)
	}
	closing := s.send(r)
	s.haveMailFrom, s.haveRcptTo = false, false
	return closing
}

func (s *Session) cmdRset(arg string) bool {
	if arg != "" {
		return s.send(BadArguments.Clone())
	}
	r := NewReply(250, "Ok")
	if s.handler.Rset != nil {
		s.handler.Rset(s, r)
	}
	closing := s.send(r)
	if r.Code == 250 {
		s.haveMailFrom, s.haveRcptTo = false, false
	}
	return closing
}

func (s *Session) cmdNoop() bool {
	r := NewReply(250, "Ok")
	if s.handler.Noop != nil {
		s.handler.Noop(s, r)
	}
	return s.send(r)
}

func (s *Session) cmdVrfy(string) bool {
	return s.send(NewReply(252, "Cannot VRFY user, but will accept message and attempt delivery"))
}

func (s *Session) cmdQuit(arg string) bool {
	if arg != "" {
		return s.send(BadArguments.Clone())
	}
	r := NewReply(221, "Bye")
	if s.handler.Quit != nil {
		s.handler.Quit(s, r)
	}
	return s.send(r)
}

func (s *Session) cmdUnknown(verb, arg string) bool {
	r := UnknownCommand.Clone()
	if s.handler.Unknown != nil {
		s.handler.Unknown(s, r, verb, arg)
	}
	return s.send(r)
}
