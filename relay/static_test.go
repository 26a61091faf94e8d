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

package relay

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/kurier-mta/kurier/internal/testutils"
	"github.com/kurier-mta/kurier/smtp"
)

func testAddr(offset int) string {
	return "127.0.0.1:" + strconv.Itoa(smtpPort+offset)
}

func testStatic(t *testing.T, cfg StaticConfig) *Static {
	t.Helper()

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = smtpPort
	}
	if cfg.Client.Hostname == "" {
		cfg.Client.Hostname = "mx.kurier.test"
	}
	cfg.Log = testutils.Logger(t, "static")

	s, err := NewStatic(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStaticDelivery(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	res, err := s.Attempt(context.Background(), e, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("Unexpected per-recipient results: %v", res)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestStaticDelivery_Auth(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{
		Client: ClientConfig{
			Hostname:    "mx.kurier.test",
			Credentials: &smtp.ClientAuth{Username: "user", Password: "pass"},
		},
	})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	if _, err := s.Attempt(context.Background(), e, 0); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
	if be.Messages[0].AuthUser != "user" || be.Messages[0].AuthPass != "pass" {
		t.Errorf("Wrong credentials used: %q, %q", be.Messages[0].AuthUser, be.Messages[0].AuthPass)
	}
}

func TestStaticDelivery_PerRcptReject(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.RcptErr = map[string]error{
		"bad@example.com": &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		},
	}

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "good@example.com", "bad@example.com")
	res, err := s.Attempt(context.Background(), e, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 {
		t.Fatalf("Expected one failed recipient, got %v", res)
	}
	if reply := res["bad@example.com"]; reply == nil || reply.Code != 550 {
		t.Fatalf("Wrong reply for rejected recipient: %v", reply)
	}

	// The message still went out to the accepted recipient.
	be.CheckMsg(t, 0, "sender@example.org", []string{"good@example.com"})
}

func TestStaticDelivery_AllRcptsRejected(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.RcptErr = map[string]error{
		"one@example.com": &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		},
		"two@example.com": &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		},
	}

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "one@example.com", "two@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 550 {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_MailFromReject(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.MailErr = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Go away",
	}

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 554 || reply.Command != "MAIL" {
		t.Fatalf("Wrong reply: %v, command %q", reply, reply.Command)
	}
}

func TestStaticDelivery_UTF8Recipient(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	// The server does not announce SMTPUTF8 and a non-ASCII mailbox name
	// has no A-label form to fall back to. The failure is permanent and
	// local, the other recipient still gets the message.
	e := testutils.Envelope(t, "sender@example.org", "good@example.com", "bücher@example.com")
	res, err := s.Attempt(context.Background(), e, 0)
	if err != nil {
		t.Fatal(err)
	}
	reply := res["bücher@example.com"]
	if reply == nil || reply.Code != 553 || reply.Temporary() {
		t.Fatalf("Wrong reply for UTF-8 recipient: %v", reply)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"good@example.com"})
}

func TestStaticDelivery_UTF8Sender(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "bücher@example.org", "rcpt@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 550 || reply.Command != "MAIL" {
		t.Fatalf("Wrong reply: %v, command %q", reply, reply.Command)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_DataReject(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.DataErr = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "Message too big",
	}

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 552 {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_BodyOpenError(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	// The message content went missing between queueing and delivery.
	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	e.Body = testutils.FailingBuffer{OpenError: errors.New("blob is gone")}

	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 451 {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_BodyReadError(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	e.Body = testutils.FailingBuffer{
		Blob:    []byte("foobar\r\n"),
		IOError: errors.New("read failed"),
	}

	// The transfer dies mid-DATA, so the terminating dot is never sent
	// and the server must not accept a truncated message.
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 451 {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_SessionReuse(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{IdleTimeout: time.Minute})
	defer s.Close()

	for i := 0; i < 3; i++ {
		e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
		if _, err := s.Attempt(context.Background(), e, i); err != nil {
			t.Fatal(err)
		}
	}

	if len(be.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(be.Messages))
	}
	if be.SessionCounter != 1 {
		t.Errorf("Expected a single session, got %d", be.SessionCounter)
	}
}

func TestStaticDelivery_STARTTLS(t *testing.T) {
	clientCfg, be, srv := testutils.SMTPServerSTARTTLS(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{
		Client: ClientConfig{
			Hostname:   "mx.kurier.test",
			TLS:        clientCfg,
			RequireTLS: true,
		},
	})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	if _, err := s.Attempt(context.Background(), e, 0); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestStaticDelivery_RequireTLSRefused(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{
		Client: ClientConfig{
			Hostname:   "mx.kurier.test",
			RequireTLS: true,
		},
	})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if !reply.IsError() {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if len(be.Messages) != 0 {
		t.Fatal("No delivered messages expected")
	}
}

func TestStaticDelivery_ImplicitTLS(t *testing.T) {
	clientCfg, be, srv := testutils.SMTPServerTLS(t, testAddr(0))
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	s := testStatic(t, StaticConfig{
		Client: ClientConfig{
			Hostname:    "mx.kurier.test",
			TLS:         clientCfg,
			ImplicitTLS: true,
		},
	})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	if _, err := s.Attempt(context.Background(), e, 0); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.com"})
}

func TestStaticDelivery_ConnectionRefused(t *testing.T) {
	// Nothing listens on the port.
	s := testStatic(t, StaticConfig{})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "rcpt@example.com")
	_, err := s.Attempt(context.Background(), e, 0)
	var reply *smtp.Reply
	if !errors.As(err, &reply) {
		t.Fatalf("Expected a reply error, got %v", err)
	}
	if reply.Code != 451 || !reply.Temporary() {
		t.Fatalf("Wrong reply: %v", reply)
	}
	if reply.Command != "[CONNECT]" {
		t.Errorf("Wrong command recorded: %q", reply.Command)
	}
}

func TestStaticDelivery_LMTP(t *testing.T) {
	be, srv := testutils.SMTPServer(t, testAddr(0), func(s *gosmtp.Server) {
		s.LMTP = true
	})
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	be.LMTPDataErr = []error{
		nil,
		&gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 2, 2},
			Message:      "Mailbox full",
		},
	}

	s := testStatic(t, StaticConfig{
		Client: ClientConfig{
			Hostname: "mx.kurier.test",
			LMTP:     true,
		},
		Port: smtpPort,
	})
	defer s.Close()

	e := testutils.Envelope(t, "sender@example.org", "one@example.com", "two@example.com")
	res, err := s.Attempt(context.Background(), e, 0)
	if err != nil {
		t.Fatal(err)
	}

	if reply := res["one@example.com"]; reply == nil || reply.IsError() {
		t.Errorf("Wrong reply for delivered recipient: %v", reply)
	}
	if reply := res["two@example.com"]; reply == nil || reply.Code != 452 {
		t.Errorf("Wrong reply for failed recipient: %v", reply)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"one@example.com", "two@example.com"})
}

func TestMain(m *testing.M) {
	port := flag.Int("test.smtpport", 0, "port to use for test SMTP servers, random when 0")
	flag.Parse()

	if *port == 0 {
		rand.Seed(time.Now().UnixNano())
		*port = rand.Intn(65536-10000) + 10000
	}
	smtpPort = *port
	os.Exit(m.Run())
}
