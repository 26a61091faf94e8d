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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/smtp"
)

// ClientConfig holds the session settings shared by the SMTP-speaking
// relays.
type ClientConfig struct {
	// Hostname is the name announced in EHLO, HELO and LHLO. Required.
	Hostname string

	// TLS is the configuration used for outbound encryption. Nil means
	// library defaults with the destination host as the server name.
	TLS *tls.Config

	// ImplicitTLS encrypts the connection before the banner is read
	// instead of negotiating STARTTLS.
	ImplicitTLS bool

	// RequireTLS fails the delivery when the session cannot be
	// encrypted. Without it STARTTLS is attempted when offered and a
	// refusal falls back to plaintext.
	RequireTLS bool

	// Credentials authenticate the session after the handshake.
	Credentials *smtp.ClientAuth

	// LMTP switches the session to LMTP: LHLO greeting and one data
	// reply per accepted recipient.
	LMTP bool

	// Dialer opens the TCP connection. Nil means a net.Dialer bounded
	// by ConnectTimeout. Tests use it to redirect connections.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// ConnectTimeout bounds establishing the TCP connection.
	// CommandTimeout applies to each command exchange after that and
	// DataTimeout to the message content transfer. Zero values pick the
	// package defaults.
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultDataTimeout    = 2 * time.Minute
)

func (cfg *ClientConfig) fillDefaults() {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = defaultDataTimeout
	}
}

// conn is one client session to a destination host, usable for several
// deliveries in a row.
type conn struct {
	cfg  ClientConfig
	addr string
	host string

	client *smtp.Client
	lmtp   *smtp.LmtpClient

	// stage is the protocol step in progress, recorded on synthesized
	// replies so failures name the command that broke.
	stage string

	// dead is set when the session failed below the protocol level and
	// must not be reused.
	dead bool

	lastUse time.Time
}

func newConn(addr string, cfg ClientConfig) *conn {
	cfg.fillDefaults()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return &conn{cfg: cfg, addr: addr, host: host}
}

// base returns the plain client the session runs on, also for LMTP
// sessions.
func (c *conn) base() *smtp.Client {
	if c.lmtp != nil {
		return &c.lmtp.Client
	}
	return c.client
}

func (c *conn) tlsConfig() *tls.Config {
	cfg := c.cfg.TLS
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	return cfg
}

// connect dials the destination and runs the session handshake: banner,
// greeting, optional STARTTLS with a repeated greeting and optional
// authentication. Replies returned as errors are protocol outcomes, any
// other error is a connection failure.
func (c *conn) connect(ctx context.Context) error {
	c.stage = "[CONNECT]"
	dial := c.cfg.Dialer
	if dial == nil {
		dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
		dial = dialer.DialContext
	}
	raw, err := dial(ctx, "tcp", c.addr)
	if err != nil {
		c.dead = true
		return err
	}

	if c.cfg.LMTP {
		c.lmtp = smtp.NewLmtpClient(raw)
	} else {
		c.client = smtp.NewClient(raw)
	}
	cl := c.base()
	cl.Conn().ReadTimeout = c.cfg.CommandTimeout
	cl.Conn().WriteTimeout = c.cfg.CommandTimeout

	if c.cfg.ImplicitTLS {
		c.stage = "[TLS]"
		if err := cl.Encrypt(c.tlsConfig()); err != nil {
			c.dead = true
			return err
		}
	}

	c.stage = "[BANNER]"
	banner, err := cl.GetBanner()
	if err != nil {
		c.dead = true
		return err
	}
	if banner.IsError() {
		return banner
	}

	if err := c.hello(); err != nil {
		return err
	}

	if !c.cfg.ImplicitTLS {
		if c.cfg.RequireTLS || cl.Extensions.Has("STARTTLS") {
			c.stage = "STARTTLS"
			starttls, err := cl.StartTLS(c.tlsConfig())
			if err != nil {
				c.dead = true
				return err
			}
			switch {
			case !starttls.IsError():
				// The extension set may differ on the encrypted
				// channel.
				if err := c.hello(); err != nil {
					return err
				}
			case c.cfg.RequireTLS:
				return starttls
			}
		}
	}

	if c.cfg.Credentials != nil {
		c.stage = "AUTH"
		auth, err := cl.Auth(c.cfg.Credentials)
		if err != nil {
			c.dead = true
			return err
		}
		if auth.IsError() {
			return auth
		}
	}

	c.lastUse = time.Now()
	return nil
}

func (c *conn) hello() error {
	if c.lmtp != nil {
		c.stage = "LHLO"
		r, err := c.lmtp.Lhlo(c.cfg.Hostname)
		if err != nil {
			c.dead = true
			return err
		}
		if r.IsError() {
			return r
		}
		return nil
	}

	c.stage = "EHLO"
	r, err := c.client.Ehlo(c.cfg.Hostname)
	if err != nil {
		c.dead = true
		return err
	}
	if r.IsError() {
		// Pre-ESMTP servers answer EHLO with 500.
		if r.Code == 500 {
			c.stage = "HELO"
			r, err = c.client.Helo(c.cfg.Hostname)
			if err != nil {
				c.dead = true
				return err
			}
			if !r.IsError() {
				return nil
			}
		}
		return r
	}
	return nil
}

// attempt runs one mail transaction and classifies the outcome the way
// Relay.Attempt reports it. Connection-level failures are mapped to
// synthesized replies and mark the session dead.
func (c *conn) attempt(e *envelope.Envelope) (Result, error) {
	res, err := c.deliver(e)
	if err == nil {
		return res, nil
	}
	var reply *smtp.Reply
	if errors.As(err, &reply) {
		return nil, reply
	}
	c.dead = true
	return nil, c.errorReply(err)
}

func (c *conn) deliver(e *envelope.Envelope) (Result, error) {
	cl := c.base()

	if e.EightBit && !cl.Extensions.Has("8BITMIME") {
		// No downgrade path for 8-bit content.
		reply := smtp.NewReply(554, "5.6.3 Conversion not allowed")
		reply.Command = "MAIL"
		return nil, reply
	}

	size, err := e.Size()
	if err != nil {
		return nil, err
	}

	c.stage = "MAIL"
	mailfrom, err := cl.MailFrom(e.Sender, size, e.EightBit)
	if err != nil {
		if errors.Is(err, smtp.ErrUTF8Address) {
			reply := smtp.NewReply(550, "5.6.7 SMTPUTF8 not supported, cannot convert sender address")
			reply.Command = "MAIL"
			return nil, reply
		}
		return nil, err
	}

	c.stage = "RCPT"
	rcpttos := make([]*smtp.Reply, len(e.Recipients))
	for i, rcpt := range e.Recipients {
		var r *smtp.Reply
		if c.lmtp != nil {
			r, err = c.lmtp.RcptTo(rcpt)
		} else {
			r, err = c.client.RcptTo(rcpt)
		}
		if err != nil {
			if errors.Is(err, smtp.ErrUTF8Address) {
				// This recipient has no spelling the server would
				// take, it fails without a wire exchange.
				r = smtp.NewReply(553, "5.6.7 SMTPUTF8 not supported, cannot convert recipient address")
				r.Command = "RCPT"
				rcpttos[i] = r
				continue
			}
			return nil, err
		}
		rcpttos[i] = r
	}

	// Data flushes the pipeline, after it the replies above are filled.
	c.stage = "DATA"
	data, err := cl.Data()
	if err != nil {
		return nil, err
	}

	if reply := transactionError(mailfrom, rcpttos, data); reply != nil {
		if !data.IsError() {
			// The server already went ahead with 354, terminate the
			// transfer before giving up on the transaction.
			c.stage = "[SEND_DATA]"
			if c.lmtp != nil {
				_, err = c.lmtp.SendEmptyData()
			} else {
				_, err = c.client.SendEmptyData()
			}
			if err != nil {
				return nil, err
			}
			if err := cl.FlushPipeline(); err != nil {
				return nil, err
			}
		}
		c.stage = "RSET"
		if _, err := cl.Rset(); err != nil {
			return nil, err
		}
		c.lastUse = time.Now()
		return nil, reply
	}

	r, done, err := messageReader(e)
	if err != nil {
		return nil, err
	}
	defer done()

	c.stage = "[SEND_DATA]"
	cl.Conn().ReadTimeout = c.cfg.DataTimeout
	cl.Conn().WriteTimeout = c.cfg.DataTimeout
	res, err := c.sendData(e, rcpttos, r)
	cl.Conn().ReadTimeout = c.cfg.CommandTimeout
	cl.Conn().WriteTimeout = c.cfg.CommandTimeout
	if err != nil {
		return nil, err
	}
	c.lastUse = time.Now()
	return res, nil
}

func (c *conn) sendData(e *envelope.Envelope, rcpttos []*smtp.Reply, r io.Reader) (Result, error) {
	if c.lmtp != nil {
		pending, err := c.lmtp.SendData(r)
		if err != nil {
			return nil, err
		}
		if err := c.base().FlushPipeline(); err != nil {
			return nil, err
		}
		res := Result{}
		for i, rcpt := range e.Recipients {
			if rcpttos[i].IsError() {
				res[rcpt] = rcpttos[i]
			}
		}
		for _, rr := range pending {
			res[rr.Recipient] = rr.Reply
		}
		return res, nil
	}

	msg, err := c.client.SendData(r)
	if err != nil {
		return nil, err
	}
	if err := c.client.FlushPipeline(); err != nil {
		return nil, err
	}
	if msg.IsError() {
		return nil, msg
	}

	var res Result
	for i, rcpt := range e.Recipients {
		if rcpttos[i].IsError() {
			if res == nil {
				res = Result{}
			}
			res[rcpt] = rcpttos[i]
		}
	}
	return res, nil
}

// transactionError returns the reply that fails the transaction as a
// whole: a rejected MAIL, every RCPT rejected, or a rejected DATA.
func transactionError(mailfrom *smtp.Reply, rcpttos []*smtp.Reply, data *smtp.Reply) *smtp.Reply {
	if mailfrom.IsError() {
		return mailfrom
	}
	allFailed := len(rcpttos) != 0
	for _, r := range rcpttos {
		if !r.IsError() {
			allFailed = false
			break
		}
	}
	if allFailed {
		return rcpttos[0]
	}
	if data.IsError() {
		return data
	}
	return nil
}

// errorReply translates a connection-level failure into the reply that
// stands for it. An asynchronous 421 already received from the server
// wins over a synthesized reply.
func (c *conn) errorReply(err error) *smtp.Reply {
	if cl := c.base(); cl != nil && cl.LastError != nil && cl.LastError.Code == 421 {
		return cl.LastError
	}

	var (
		reply    *smtp.Reply
		netErr   net.Error
		badReply smtp.BadReplyError
	)
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		reply = smtp.TimedOut.Clone()
	case errors.As(err, &badReply):
		reply = smtp.NewReply(421, "4.3.0 "+err.Error())
	default:
		reply = smtp.ConnectionFailed.Clone()
	}
	reply.Command = c.stage
	return reply
}

// messageReader returns a reader over the flattened message. The header
// block is buffered, the body streams from its backing storage until
// done is called.
func messageReader(e *envelope.Envelope) (io.Reader, func(), error) {
	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, e.Header); err != nil {
		return nil, nil, err
	}
	if e.Body == nil {
		return &hdr, func() {}, nil
	}
	body, err := e.Body.Open()
	if err != nil {
		return nil, nil, err
	}
	return io.MultiReader(&hdr, body), func() { body.Close() }, nil
}

// Usable, LastUseAt and Close let idle sessions sit in a pool between
// deliveries.

func (c *conn) Usable() bool {
	if c.dead || c.base() == nil {
		return false
	}
	// An idle peer may have dropped the session or sent a timeout 421
	// in the meantime.
	return !c.base().HasReplyWaiting()
}

func (c *conn) LastUseAt() time.Time {
	return c.lastUse
}

// Close ends the session with QUIT. The peer may be long gone, errors
// are of no interest.
func (c *conn) Close() error {
	cl := c.base()
	if cl == nil {
		return nil
	}
	if !c.dead {
		c.stage = "QUIT"
		_, _ = cl.Quit()
	}
	return cl.Conn().Close()
}

// DirectClose drops the TCP connection without the QUIT exchange.
func (c *conn) DirectClose() error {
	cl := c.base()
	if cl == nil {
		return nil
	}
	return cl.Conn().Close()
}
