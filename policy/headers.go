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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kurier-mta/kurier/envelope"
)

// AddDateHeader inserts the Date header required by RFC 5322 when the
// message carries none, using the reception timestamp in the local
// timezone.
type AddDateHeader struct{}

func (AddDateHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	if e.Header.Has("Date") {
		return nil, nil
	}
	e.Header.Add("Date", envTime(e).Local().Format(time.RFC1123Z))
	return nil, nil
}

// AddMessageIDHeader inserts a Message-Id header of the form
// <timestamp.random@hostname> when the message carries none.
type AddMessageIDHeader struct {
	// Hostname is used as the id-right part. Empty means the OS
	// hostname.
	Hostname string
}

func (p AddMessageIDHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	if e.Header.Has("Message-Id") {
		return nil, nil
	}
	host := p.Hostname
	if host == "" {
		var err error
		host, err = os.Hostname()
		if err != nil {
			host = "localhost"
		}
	}
	random := uuid.New()
	e.Header.Add("Message-Id", fmt.Sprintf("<%d.%x@%s>", envTime(e).Unix(), random[:], host))
	return nil, nil
}

// AddReceivedHeader prepends the trace header for the local hop. The
// header names the sending IP and its reverse name, the HELO/EHLO
// string, the local hostname, the protocol, the reception id and, for
// single-recipient envelopes, the recipient.
//
// This policy should run on every queued message, downstream hops and
// loop detection depend on the trace chain.
type AddReceivedHeader struct {
	// Hostname names the local host in the by clause. Empty means the
	// envelope Receiver.
	Hostname string
}

func (p AddReceivedHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	b := strings.Builder{}
	b.Grow(256)

	name := e.Client.Name
	if name == "" {
		name = "unknown"
	}
	host := e.Client.Host
	if host == "" {
		host = "unknown"
	}
	ip := "unknown"
	if e.Client.IP != nil {
		ip = e.Client.IP.String()
	}
	b.WriteString("from ")
	b.WriteString(sanitizeForHeader(name))
	b.WriteString(" (")
	b.WriteString(sanitizeForHeader(host))
	b.WriteString(" [")
	b.WriteString(ip)
	b.WriteString("])")

	by := p.Hostname
	if by == "" {
		by = e.Receiver
	}
	if by != "" {
		b.WriteString(" by ")
		b.WriteString(sanitizeForHeader(by))
	}

	if e.Client.Protocol != "" {
		b.WriteString(" with ")
		b.WriteString(e.Client.Protocol)
	}
	if e.ID != "" {
		b.WriteString(" id ")
		b.WriteString(e.ID)
	}
	if len(e.Recipients) == 1 {
		b.WriteString(" for <")
		b.WriteString(sanitizeForHeader(e.Recipients[0]))
		b.WriteString(">")
	}

	b.WriteString("; ")
	b.WriteString(envTime(e).Format(time.RFC1123Z))

	e.Header.Add("Received", b.String())
	return nil, nil
}

func envTime(e *envelope.Envelope) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now()
	}
	return e.Timestamp
}

var headerSanitizer = strings.NewReplacer("\r", "", "\n", "")

func sanitizeForHeader(raw string) string {
	return headerSanitizer.Replace(raw)
}
