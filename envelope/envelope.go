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

// Package envelope defines the message container passed between the edge,
// the queue and the relays.
package envelope

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/kurier-mta/kurier/framework/buffer"
)

// Security describes the transport security of the link a message was
// received over.
type Security string

const (
	SecurityNone Security = "none"
	SecurityTLS  Security = "tls"
)

// Client identifies the peer an envelope was received from. All fields are
// optional, zero values mean "unknown".
type Client struct {
	// IP of the connected peer.
	IP net.IP
	// Host is the reverse DNS name of IP, when resolved.
	Host string
	// Name is the identification string from HELO/EHLO/LHLO.
	Name string
	// Protocol is the protocol label used in trace headers: SMTP, ESMTP,
	// ESMTPS, ESMTPA, ESMTPSA or LMTP.
	Protocol string
	// Security of the link.
	Security Security
	// Auth is the authenticated identity, empty when the session was not
	// authenticated.
	Auth string
}

// Envelope is a message together with its SMTP addressing and the metadata
// of the session it was received on.
//
// The Body follows the buffer.Buffer ownership convention: whoever created
// the envelope is responsible for calling Body.Remove when the envelope is
// no longer needed.
type Envelope struct {
	// ID is the reception trace identifier. The edge stamps it when the
	// message is handed to the queue and it shows up in trace headers,
	// log lines and queue record names.
	ID string

	// Sender is the reverse-path mailbox. Empty string is the null sender
	// used by delivery status notifications.
	Sender string
	// Recipients are forward-path mailboxes in the order they were
	// accepted. Duplicates are allowed.
	Recipients []string

	// Header is the ordered message header block. Insertion order is
	// preserved, duplicate fields are allowed.
	Header textproto.Header
	// Body is the message content following the header separator line.
	// It is opaque, no MIME processing is done on it.
	Body buffer.Buffer

	// Client describes the peer the message was received from.
	Client Client
	// Receiver is the hostname of the edge that accepted the message.
	Receiver string
	// Timestamp of the handoff to the queue.
	Timestamp time.Time

	// EightBit is set when the sender declared BODY=8BITMIME. Relays
	// refuse to pass such messages to hops without the 8BITMIME
	// extension.
	EightBit bool
}

func New(sender string, recipients ...string) *Envelope {
	return &Envelope{
		Sender:     sender,
		Recipients: recipients,
	}
}

// Parse reads a message in the RFC 5322 format from r, splitting the header
// block from the body at the first empty line. The body is buffered in
// memory. Previous Header and Body values are discarded.
func (e *Envelope) Parse(r io.Reader) error {
	bufr := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(bufr)
	if err != nil {
		return fmt.Errorf("envelope: cannot parse header: %w", err)
	}

	body, err := buffer.BufferInMemory(bufr)
	if err != nil {
		return fmt.Errorf("envelope: cannot buffer body: %w", err)
	}

	e.Header = hdr
	e.Body = body
	return nil
}

// Flatten writes the header block, the separator line and the body to w.
// The header is written with CRLF line endings no matter how it was read.
func (e *Envelope) Flatten(w io.Writer) error {
	if err := textproto.WriteHeader(w, e.Header); err != nil {
		return fmt.Errorf("envelope: cannot write header: %w", err)
	}
	if e.Body == nil {
		return nil
	}

	r, err := e.Body.Open()
	if err != nil {
		return fmt.Errorf("envelope: cannot open body: %w", err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("envelope: cannot write body: %w", err)
	}
	return nil
}

// Size returns the amount of bytes Flatten would write.
func (e *Envelope) Size() (int, error) {
	cw := countWriter{}
	if err := textproto.WriteHeader(&cw, e.Header); err != nil {
		return 0, fmt.Errorf("envelope: cannot measure header: %w", err)
	}
	n := cw.n
	if e.Body != nil {
		n += e.Body.Len()
	}
	return n, nil
}

// Copy returns an envelope with the given recipient list and an independent
// header block. The body storage and the session metadata are shared with
// the original, so Body.Remove must be called only once per storage.
func (e *Envelope) Copy(recipients []string) *Envelope {
	cpy := *e
	cpy.Header = e.Header.Copy()
	cpy.Recipients = recipients
	return &cpy
}

type countWriter struct {
	n int
}

func (cw *countWriter) Write(b []byte) (int, error) {
	cw.n += len(b)
	return len(b), nil
}
