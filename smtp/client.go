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
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kurier-mta/kurier/framework/address"
)

// ErrUTF8Address is returned when an address requires the SMTPUTF8
// extension, the server did not advertise it and downgrading the
// address to ASCII is not possible.
var ErrUTF8Address = errors.New("smtp: address requires SMTPUTF8 support")

// ErrNoSupportedAuth is returned when the server offers no authentication
// mechanism usable with the configured credentials.
var ErrNoSupportedAuth = errors.New("smtp: no supported authentication mechanism offered")

// Client performs SMTP commands on a connection. Each command returns a
// Reply. When the server advertises PIPELINING, MailFrom, RcptTo and
// SendData buffer their command and return an unpopulated reply that is
// filled once a non-pipelined command or FlushPipeline drains the pipeline.
//
// Errors returned by the command methods are connection-level failures.
// Protocol-level failures are expressed through reply codes.
type Client struct {
	conn  *Conn
	queue []*Reply

	// Extensions advertised by the server, populated by Ehlo.
	Extensions Extensions

	// LastError is the most recent error reply received, nil if none was.
	LastError *Reply
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: NewConn(conn)}
}

func (c *Client) Conn() *Conn {
	return c.conn
}

func (c *Client) enqueue(command string) *Reply {
	r := &Reply{Command: command}
	c.queue = append(c.queue, r)
	return r
}

// FlushPipeline sends all buffered commands and populates the pending
// replies in order. On a connection error the remaining replies stay
// unpopulated.
func (c *Client) FlushPipeline() error {
	if err := c.conn.Flush(); err != nil {
		return err
	}
	for len(c.queue) != 0 {
		pending := c.queue[0]
		c.queue = c.queue[1:]
		code, msg, err := c.conn.readReplyParts()
		if err != nil {
			return err
		}
		pending.Code = code
		pending.SetMessage(msg)
		if pending.IsError() {
			c.LastError = pending
		}
	}
	return nil
}

// HasReplyWaiting reports whether the server already sent something that
// was not read yet, e.g. an asynchronous timeout 421 on a pooled idle
// connection.
func (c *Client) HasReplyWaiting() bool {
	return c.conn.Pending(10 * time.Millisecond)
}

// GetReply reads a reply that was not triggered by a command. command is
// recorded on the reply for error reporting.
func (c *Client) GetReply(command string) (*Reply, error) {
	r := c.enqueue(command)
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetBanner waits for the 220 banner that opens the session.
func (c *Client) GetBanner() (*Reply, error) {
	banner := c.enqueue("[BANNER]")
	banner.DisableEnhancedStatus()
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	return banner, nil
}

// CustomCommand sends an arbitrary command and waits for its reply.
func (c *Client) CustomCommand(verb, arg string) (*Reply, error) {
	r := c.enqueue(strings.ToUpper(verb))
	if err := c.conn.WriteCommand(verb, arg); err != nil {
		return nil, err
	}
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	return r, nil
}

// Ehlo sends EHLO and waits for the reply. On success the Extensions set is
// repopulated from the reply and the reply message is reduced to the
// greeting line.
func (c *Client) Ehlo(ehloAs string) (*Reply, error) {
	return c.hello("EHLO", ehloAs)
}

// Helo sends the legacy HELO greeting, for servers that reject EHLO.
func (c *Client) Helo(heloAs string) (*Reply, error) {
	r := c.enqueue("HELO")
	r.DisableEnhancedStatus()
	if err := c.conn.WriteCommand("HELO", heloAs); err != nil {
		return nil, err
	}
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) hello(verb, name string) (*Reply, error) {
	r := c.enqueue(verb)
	r.DisableEnhancedStatus()
	if err := c.conn.WriteCommand(verb, name); err != nil {
		return nil, err
	}
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	if r.Code == 250 {
		c.Extensions.Reset()
		r.SetMessage(c.Extensions.ParseString(r.RawMessage()))
	}
	return r, nil
}

// Encrypt wraps the connection in TLS immediately, for servers that expect
// encryption before the banner.
func (c *Client) Encrypt(cfg *tls.Config) error {
	tlsConn := tls.Client(c.conn.RawConn(), cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn.Upgrade(tlsConn)
	return nil
}

// StartTLS sends STARTTLS and negotiates encryption on a 220 reply. The
// caller should issue Ehlo again afterwards.
func (c *Client) StartTLS(cfg *tls.Config) (*Reply, error) {
	r, err := c.CustomCommand("STARTTLS", "")
	if err != nil {
		return nil, err
	}
	if r.Code == 220 {
		if err := c.Encrypt(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Auth authenticates the session, picking the strongest mechanism offered
// by the server. The pipeline is drained first. ErrNoSupportedAuth is
// returned when credentials and the offered mechanisms do not intersect.
func (c *Client) Auth(auth *ClientAuth) (*Reply, error) {
	if err := c.FlushPipeline(); err != nil {
		return nil, err
	}
	offered, _ := c.Extensions.Param("AUTH")
	mech := auth.pick(offered)
	if mech == "" {
		return nil, ErrNoSupportedAuth
	}
	sc := auth.client(mech)
	_, ir, err := sc.Start()
	if err != nil {
		return nil, err
	}

	arg := mech
	if ir != nil {
		if len(ir) == 0 {
			arg += " ="
		} else {
			arg += " " + base64.StdEncoding.EncodeToString(ir)
		}
	}
	if err := c.conn.WriteCommand("AUTH", arg); err != nil {
		return nil, err
	}
	if err := c.conn.Flush(); err != nil {
		return nil, err
	}
	for {
		code, msg, err := c.conn.readReplyParts()
		if err != nil {
			return nil, err
		}
		r := &Reply{Command: "AUTH"}
		r.Code = code
		r.SetMessage(msg)
		if code != 334 {
			if r.IsError() {
				c.LastError = r
			}
			return r, nil
		}
		challenge, err := base64.StdEncoding.DecodeString(r.RawMessage())
		if err != nil {
			return nil, BadReplyError{Line: r.RawMessage()}
		}
		resp, err := sc.Next(challenge)
		if err != nil {
			return nil, err
		}
		if err := c.conn.WriteLine(base64.StdEncoding.EncodeToString(resp)); err != nil {
			return nil, err
		}
		if err := c.conn.Flush(); err != nil {
			return nil, err
		}
	}
}

// prepareAddress returns addr in a form the server accepts. When the
// server lacks SMTPUTF8 a Unicode domain is downgraded to its A-label
// form. A Unicode mailbox name has no such form and fails with
// ErrUTF8Address.
func (c *Client) prepareAddress(addr string) (string, error) {
	if c.Extensions.Has("SMTPUTF8") || address.IsASCII(addr) {
		return addr, nil
	}
	ascii, err := address.ToASCII(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUTF8Address, err)
	}
	return ascii, nil
}

// MailFrom sends MAIL. dataSize, if non-zero, is declared through the SIZE
// parameter when the server supports it. eightBit adds BODY=8BITMIME.
func (c *Client) MailFrom(addr string, dataSize int, eightBit bool) (*Reply, error) {
	addr, err := c.prepareAddress(addr)
	if err != nil {
		return nil, err
	}
	r := c.enqueue("MAIL")
	arg := "FROM:<" + addr + ">"
	if dataSize > 0 && c.Extensions.Has("SIZE") {
		arg += " SIZE=" + strconv.Itoa(dataSize)
	}
	if eightBit {
		arg += " BODY=8BITMIME"
	}
	if err := c.conn.WriteCommand("MAIL", arg); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RcptTo sends RCPT.
func (c *Client) RcptTo(addr string) (*Reply, error) {
	addr, err := c.prepareAddress(addr)
	if err != nil {
		return nil, err
	}
	r := c.enqueue("RCPT")
	if err := c.conn.WriteCommand("RCPT", "TO:<"+addr+">"); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Data sends DATA and waits for the go-ahead. Message content should be
// sent with SendData on a 354.
func (c *Client) Data() (*Reply, error) {
	return c.CustomCommand("DATA", "")
}

// SendData writes dot-stuffed message content read from r, followed by the
// terminator.
func (c *Client) SendData(r io.Reader) (*Reply, error) {
	reply := c.enqueue("[SEND_DATA]")
	w := c.conn.DataWriter()
	if _, err := io.Copy(w, r); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// SendEmptyData terminates a DATA transfer without any content.
func (c *Client) SendEmptyData() (*Reply, error) {
	reply := c.enqueue("[SEND_DATA]")
	if err := c.conn.WriteLine("."); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// Rset aborts the pending mail transaction.
func (c *Client) Rset() (*Reply, error) {
	return c.CustomCommand("RSET", "")
}

// Quit ends the session. The connection should be closed once the reply,
// normally a 221, is received.
func (c *Client) Quit() (*Reply, error) {
	return c.CustomCommand("QUIT", "")
}

// RecipientReply pairs a recipient with the per-recipient data reply LMTP
// servers send.
type RecipientReply struct {
	Recipient string
	Reply     *Reply
}

// LmtpClient speaks LMTP: the greeting is LHLO and after the message
// content the server replies once per accepted recipient, in RCPT order.
// Ehlo and Helo must not be used.
type LmtpClient struct {
	Client
	rcpts []RecipientReply
}

func NewLmtpClient(conn net.Conn) *LmtpClient {
	return &LmtpClient{Client: Client{conn: NewConn(conn)}}
}

func (c *LmtpClient) Ehlo(string) (*Reply, error) {
	return nil, errors.New("smtp: LMTP sessions greet with LHLO")
}

func (c *LmtpClient) Helo(string) (*Reply, error) {
	return nil, errors.New("smtp: LMTP sessions greet with LHLO")
}

// Lhlo sends the LHLO greeting and populates Extensions from the reply.
func (c *LmtpClient) Lhlo(lhloAs string) (*Reply, error) {
	r, err := c.hello("LHLO", lhloAs)
	if err != nil {
		return nil, err
	}
	if r.Code == 250 {
		c.rcpts = nil
	}
	return r, nil
}

func (c *LmtpClient) RcptTo(addr string) (*Reply, error) {
	r, err := c.Client.RcptTo(addr)
	if err != nil {
		return nil, err
	}
	c.rcpts = append(c.rcpts, RecipientReply{Recipient: addr, Reply: r})
	return r, nil
}

// SendData writes the message content and returns one pending reply per
// recipient that was accepted at RCPT time. The caller must have drained
// the pipeline first so the RCPT outcomes are known.
func (c *LmtpClient) SendData(r io.Reader) ([]RecipientReply, error) {
	pending := c.dataReplies()
	w := c.conn.DataWriter()
	if _, err := io.Copy(w, r); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// SendEmptyData terminates a DATA transfer without content, returning the
// per-recipient replies.
func (c *LmtpClient) SendEmptyData() ([]RecipientReply, error) {
	pending := c.dataReplies()
	if err := c.conn.WriteLine("."); err != nil {
		return nil, err
	}
	if !c.Extensions.Has("PIPELINING") {
		if err := c.FlushPipeline(); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func (c *LmtpClient) dataReplies() []RecipientReply {
	pending := make([]RecipientReply, 0, len(c.rcpts))
	for _, rcpt := range c.rcpts {
		if rcpt.Reply.Populated() && rcpt.Reply.Code/100 == 2 {
			reply := c.enqueue("[SEND_DATA]")
			pending = append(pending, RecipientReply{Recipient: rcpt.Recipient, Reply: reply})
		}
	}
	c.rcpts = nil
	return pending
}

func (c *LmtpClient) Rset() (*Reply, error) {
	r, err := c.Client.Rset()
	if err != nil {
		return nil, err
	}
	c.rcpts = nil
	return r, nil
}
