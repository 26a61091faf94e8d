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

package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/kurier-mta/kurier/envelope"
)

func testEnvelope(t *testing.T, sender string, rcpts ...string) *envelope.Envelope {
	t.Helper()

	e := envelope.New(sender, rcpts...)
	msg := "From: <" + sender + ">\r\n" +
		"Subject: test\r\n" +
		"\r\n" +
		"Body line.\r\n"
	if err := e.Parse(strings.NewReader(msg)); err != nil {
		t.Fatal(err)
	}
	return e
}

type policyFunc func(e *envelope.Envelope) ([]*envelope.Envelope, error)

func (f policyFunc) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	return f(e)
}

func TestRun(t *testing.T) {
	upcase := policyFunc(func(e *envelope.Envelope) ([]*envelope.Envelope, error) {
		e.Sender = strings.ToUpper(e.Sender)
		return nil, nil
	})

	e := testEnvelope(t, "sender@example.com", "one@example.org", "two@example.org")
	set, err := Run([]Policy{upcase, RecipientSplit{}}, e)
	if err != nil {
		t.Fatal(err)
	}

	if len(set) != 2 {
		t.Fatalf("envelopes: got %d, want 2", len(set))
	}
	for i, part := range set {
		if part.Sender != "SENDER@EXAMPLE.COM" {
			t.Errorf("envelope %d sender: got %q", i, part.Sender)
		}
		if len(part.Recipients) != 1 {
			t.Errorf("envelope %d recipients: got %v", i, part.Recipients)
		}
	}
}

func TestRunReject(t *testing.T) {
	reject := policyFunc(func(e *envelope.Envelope) ([]*envelope.Envelope, error) {
		return nil, Reject(550, "5.7.1 Message refused")
	})

	e := testEnvelope(t, "sender@example.com", "rcpt@example.org")
	_, err := Run([]Policy{reject}, e)
	if err == nil {
		t.Fatal("expected an error")
	}

	rej := &RejectError{}
	if !errors.As(err, &rej) {
		t.Fatalf("expected a RejectError, got %T", err)
	}
	if rej.Reply.Code != 550 {
		t.Errorf("reply code: got %d, want 550", rej.Reply.Code)
	}
	if rej.Reply.EnhancedStatus() != "5.7.1" {
		t.Errorf("enhanced status: got %q, want 5.7.1", rej.Reply.EnhancedStatus())
	}
}

func TestApplyKeepsEnvelopeOnNilResult(t *testing.T) {
	noop := policyFunc(func(e *envelope.Envelope) ([]*envelope.Envelope, error) {
		return nil, nil
	})

	e := testEnvelope(t, "sender@example.com", "rcpt@example.org")
	set, err := Apply(noop, []*envelope.Envelope{e})
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 || set[0] != e {
		t.Errorf("expected the input envelope back, got %v", set)
	}
}
