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

package testutils

import (
	"io"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-smtp"
)

// SMTPMessage is one mail transaction as the receiving peer saw it.
type SMTPMessage struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
	AuthPass string
}

// SMTPBackend is an in-memory mailbox behind an emersion/go-smtp server.
// Relay and client tests use it as an independently implemented remote
// peer, so a wire-level misunderstanding shared with our own server code
// cannot mask itself.
//
// The *Err fields, when set, are returned from the corresponding SMTP
// phase. go-smtp turns non-SMTPError values into a generic 554.
type SMTPBackend struct {
	Messages       []*SMTPMessage
	SessionCounter int

	MailErr     error
	RcptErr     map[string]error
	DataErr     error
	LMTPDataErr []error
}

func (be *SMTPBackend) NewSession(smtp.ConnectionState, string) (smtp.Session, error) {
	be.SessionCounter++
	return &peerSession{backend: be}, nil
}

// CheckMsg fails the test unless message indx was received with the
// given envelope and the DeliveryData payload. Recipient order is not
// significant.
func (be *SMTPBackend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string) {
	t.Helper()

	if len(be.Messages) <= indx {
		t.Errorf("Expected at least %d messages in mailbox, got %d", indx+1, len(be.Messages))
		return
	}
	msg := be.Messages[indx]

	if msg.From != from {
		t.Errorf("Wrong MAIL FROM: %v", msg.From)
	}

	sort.Strings(msg.To)
	sort.Strings(rcptTo)
	if !reflect.DeepEqual(msg.To, rcptTo) {
		t.Errorf("Wrong RCPT TO: %v", msg.To)
	}

	if string(msg.Data) != DeliveryData {
		t.Errorf("Wrong DATA payload: %v (%v)", string(msg.Data), msg.Data)
	}
}

type peerSession struct {
	backend  *SMTPBackend
	user     string
	password string
	msg      *SMTPMessage
}

func (s *peerSession) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *peerSession) Logout() error {
	return nil
}

func (s *peerSession) AuthPlain(username, password string) error {
	s.user = username
	s.password = password
	return nil
}

func (s *peerSession) Mail(from string, _ *smtp.MailOptions) error {
	if err := s.backend.MailErr; err != nil {
		return err
	}

	s.Reset()
	s.msg.From = from
	return nil
}

func (s *peerSession) Rcpt(to string) error {
	if err := s.backend.RcptErr[to]; err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *peerSession) Data(r io.Reader) error {
	if err := s.backend.DataErr; err != nil {
		return err
	}
	return s.accept(r)
}

// LMTPData reports one status per accepted recipient, taken from
// backend.LMTPDataErr in RCPT order.
func (s *peerSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if err := s.backend.DataErr; err != nil {
		return err
	}
	if err := s.accept(r); err != nil {
		return err
	}

	for i, rcpt := range s.msg.To {
		status.SetStatus(rcpt, s.backend.LMTPDataErr[i])
	}
	return nil
}

func (s *peerSession) accept(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.msg.Data = b
	s.msg.AuthUser = s.user
	s.msg.AuthPass = s.password
	s.backend.Messages = append(s.backend.Messages, s.msg)
	return nil
}
