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

// Package bounce builds non-delivery reports in the RFC 3464 format.
//
// A report is a new envelope with the null sender addressed to the
// failed message's sender. The body is a multipart/report with a
// human-readable notification, a machine-readable delivery status and
// the original message.
package bounce

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/buffer"
	"github.com/kurier-mta/kurier/smtp"
)

// Failure names one recipient the message could not be delivered to,
// with the reply that ended the delivery.
type Failure struct {
	Recipient string
	Reply     *smtp.Reply
}

// Generator builds bounce envelopes for failed messages.
type Generator struct {
	// Hostname identifies the reporting MTA in the notification text
	// and the delivery status part. Empty means the OS hostname.
	Hostname string
	// From overrides the From header of generated reports. Empty means
	// MAILER-DAEMON.
	From string
}

// notificationText is the human-readable part of the report.
var notificationText = template.Must(template.New("bounce-text").Parse(`
This is the mail delivery system at {{.Hostname}}.

Unfortunately, your message could not be delivered to one or more
recipients. The usual cause of this problem is an invalid recipient
address or maintenance at the recipient side. The failed message is
attached below.

Contact the postmaster for further assistance, provide the message id:

Message ID: {{.ID}}

`))

// Generate builds the report envelope for the failed recipients of e.
// It returns nil for messages with the null reverse-path, a failed
// report is never reported again.
//
// The returned envelope carries no Date or Message-Id headers, the
// header policies of the queue it is enqueued on are expected to add
// them.
func (g Generator) Generate(e *envelope.Envelope, failures []Failure) (*envelope.Envelope, error) {
	if e.Sender == "" {
		return nil, nil
	}

	hostname := g.Hostname
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
	}

	body := bytes.Buffer{}
	partWriter := textproto.NewMultipartWriter(&body)

	// Header.Add prepends, fields are added in reverse of the wire
	// order.
	hdr := textproto.Header{}
	hdr.Add("Content-Transfer-Encoding", "8bit")
	hdr.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	hdr.Add("MIME-Version", "1.0")
	hdr.Add("Auto-Submitted", "auto-replied")
	hdr.Add("Subject", "Undelivered Mail Returned to Sender")
	hdr.Add("To", "<"+e.Sender+">")
	from := g.From
	if from == "" {
		from = "MAILER-DAEMON"
	}
	hdr.Add("From", from)

	if _, err := io.WriteString(&body, "This is a multi-part message in MIME format.\r\n"); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	if err := writeNotification(partWriter, hostname, e, failures); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	if err := writeDeliveryStatus(partWriter, hostname, e, failures); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	if err := writeOriginal(partWriter, e); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}
	if err := partWriter.Close(); err != nil {
		return nil, fmt.Errorf("bounce: %w", err)
	}

	report := envelope.New("", e.Sender)
	report.Header = hdr
	report.Body = buffer.MemoryBuffer{Slice: body.Bytes()}
	report.Receiver = hostname
	report.Timestamp = time.Now()
	return report, nil
}

func writeNotification(w *textproto.MultipartWriter, hostname string, e *envelope.Envelope, failures []Failure) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	partHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	partHeader.Add("Content-Description", "Notification")
	partWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}

	err = notificationText.Execute(partWriter, struct {
		Hostname, ID string
	}{hostname, e.ID})
	if err != nil {
		return err
	}

	for _, f := range failures {
		if _, err := fmt.Fprintf(partWriter, "Delivery to %s failed with error: %s\n", f.Recipient, f.Reply.String()); err != nil {
			return err
		}
	}
	return nil
}

func writeDeliveryStatus(w *textproto.MultipartWriter, hostname string, e *envelope.Envelope, failures []Failure) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Type", "message/delivery-status")
	partHeader.Add("Content-Description", "Delivery report")
	partWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}

	// The DSN format uses a structure similar to a MIME header, the
	// MIME generator is reused for it. WriteHeader adds the empty line
	// terminating each block.
	perMessage := textproto.Header{}
	perMessage.Add("Last-Attempt-Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	if !e.Timestamp.IsZero() {
		perMessage.Add("Arrival-Date", e.Timestamp.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	if e.ID != "" {
		perMessage.Add("X-Kurier-MsgID", e.ID)
	}
	perMessage.Add("X-Kurier-Sender", "rfc822; "+e.Sender)
	perMessage.Add("Reporting-MTA", "dns; "+hostname)
	if err := textproto.WriteHeader(partWriter, perMessage); err != nil {
		return err
	}

	for _, f := range failures {
		status := f.Reply.EnhancedStatus()
		if status == "" {
			status = fmt.Sprintf("%d.0.0", f.Reply.Code/100)
		}
		// The reply text may contain newlines when it came from a
		// multiline server response.
		diagnostic := strings.ReplaceAll(strings.ReplaceAll(f.Reply.String(), "\n", " "), "\r", " ")

		perRecipient := textproto.Header{}
		perRecipient.Add("Diagnostic-Code", "smtp; "+diagnostic)
		perRecipient.Add("Status", status)
		perRecipient.Add("Action", "failed")
		perRecipient.Add("Final-Recipient", "rfc822; "+f.Recipient)
		if err := textproto.WriteHeader(partWriter, perRecipient); err != nil {
			return err
		}
	}
	return nil
}

func writeOriginal(w *textproto.MultipartWriter, e *envelope.Envelope) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	partHeader.Add("Content-Type", "message/rfc822")
	partHeader.Add("Content-Description", "Undelivered message")
	partWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return e.Flatten(partWriter)
}
