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

package edge

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/dns"
	"github.com/kurier-mta/kurier/internal/future"
	"github.com/kurier-mta/kurier/policy"
	"github.com/kurier-mta/kurier/smtp"
)

var (
	shuttingDown       = smtp.NewReply(421, "4.3.0 Service shutting down")
	tooManyConnections = smtp.NewReply(421, "4.7.0 Too many connections, try again later")
	queueFailure       = smtp.NewReply(451, "4.3.0 Error queuing message")
	malformedMessage   = smtp.NewReply(554, "5.6.0 Malformed message content")
)

// session is the state the edge keeps per SMTP session: the transaction
// being pieced together and the reverse DNS lookup running concurrently
// with it.
type session struct {
	edge *Server
	conn net.Conn
	user *smtp.Handler

	sender   string
	rcpts    []string
	eightBit bool
	inTxn    bool

	rdnsName   *future.Future
	cancelRDNS context.CancelFunc
}

func newSession(edge *Server, conn net.Conn) *session {
	sess := &session{edge: edge, conn: conn}
	if edge.cfg.Validator != nil {
		sess.user = edge.cfg.Validator()
	}
	if sess.user == nil {
		sess.user = &smtp.Handler{}
	}
	return sess
}

// handler assembles the hook set driving this session. Validator hooks run
// first, the edge bookkeeping follows only while the reply still stands on
// the success code.
func (sess *session) handler() *smtp.Handler {
	return &smtp.Handler{
		Banner:       sess.banner,
		Ehlo:         sess.ehlo,
		Helo:         sess.helo,
		StartTLS:     sess.startTLS,
		TLSHandshake: sess.user.TLSHandshake,
		Auth:         sess.user.Auth,
		Mail:         sess.mail,
		Rcpt:         sess.rcpt,
		Data:         sess.data,
		HaveData:     sess.haveData,
		Rset:         sess.rset,
		Noop:         sess.noop,
		Quit:         sess.user.Quit,
		Unknown:      sess.user.Unknown,
		Close:        sess.user.Close,
	}
}

// cleanup runs when the session is over, no matter how it ended.
func (sess *session) cleanup() {
	if sess.cancelRDNS != nil {
		sess.cancelRDNS()
	}
	sess.endTxn(false)
}

func (sess *session) banner(s *smtp.Session, r *smtp.Reply) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.edge.resolver != nil {
		rdnsCtx, cancel := context.WithCancel(sess.edge.closeCtx)
		sess.rdnsName = future.New()
		sess.cancelRDNS = cancel
		go sess.fetchRDNSName(rdnsCtx)
	}
	if sess.user.Banner != nil {
		sess.user.Banner(s, r)
	}
}

// fetchRDNSName resolves the PTR name of the peer while the session goes
// on. Failures degrade to an empty name.
func (sess *session) fetchRDNSName(ctx context.Context) {
	tcpAddr, ok := sess.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		sess.rdnsName.Set("", nil)
		return
	}

	name, err := dns.LookupAddr(ctx, sess.edge.resolver, tcpAddr.IP)
	if err != nil {
		if !dns.IsNotFound(err) && ctx.Err() == nil {
			sess.edge.Log.Debugf("rDNS lookup for %v failed: %v", tcpAddr.IP, err)
		}
		name = ""
	}
	sess.rdnsName.Set(name, nil)
}

func (sess *session) ehlo(s *smtp.Session, r *smtp.Reply, ehloAs string) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Ehlo != nil {
		sess.user.Ehlo(s, r, ehloAs)
	}
	if r.Code == 250 {
		// A new greeting aborts the transaction in progress.
		sess.endTxn(false)
	}
}

func (sess *session) helo(s *smtp.Session, r *smtp.Reply, heloAs string) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Helo != nil {
		sess.user.Helo(s, r, heloAs)
	}
	if r.Code == 250 {
		sess.endTxn(false)
	}
}

func (sess *session) startTLS(s *smtp.Session, r *smtp.Reply) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.StartTLS != nil {
		sess.user.StartTLS(s, r)
	}
}

func (sess *session) mail(s *smtp.Session, r *smtp.Reply, sender string, params map[string]string) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Mail != nil {
		sess.user.Mail(s, r, sender, params)
	}
	sess.countFailed("MAIL", r)
	if r.Code != 250 {
		return
	}

	sess.inTxn = true
	sess.sender = sender
	sess.rcpts = nil
	sess.eightBit = strings.EqualFold(params["BODY"], "8BITMIME")
	startedTransactions.WithLabelValues(sess.edge.name).Inc()
}

func (sess *session) rcpt(s *smtp.Session, r *smtp.Reply, recipient string, params map[string]string) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Rcpt != nil {
		sess.user.Rcpt(s, r, recipient, params)
	}
	sess.countFailed("RCPT", r)
	if r.Code != 250 {
		return
	}
	sess.rcpts = append(sess.rcpts, recipient)
}

func (sess *session) data(s *smtp.Session, r *smtp.Reply) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Data != nil {
		sess.user.Data(s, r)
	}
	sess.countFailed("DATA", r)
}

func (sess *session) haveData(s *smtp.Session, r *smtp.Reply, data []byte) {
	if sess.user.HaveData != nil {
		sess.user.HaveData(s, r, data)
	}
	if r.Code != 250 {
		sess.countFailed("DATA", r)
		sess.endTxn(false)
		return
	}

	e := envelope.New(sess.sender, sess.rcpts...)
	if err := e.Parse(bytes.NewReader(data)); err != nil {
		sess.edge.Log.Error("malformed message", err, "remote", sess.conn.RemoteAddr())
		r.Copy(malformedMessage)
		sess.countFailed("DATA", r)
		sess.endTxn(false)
		return
	}
	e.ID = newID()
	e.Client = sess.clientInfo(s)
	e.Receiver = sess.edge.hostname
	e.Timestamp = time.Now()
	e.EightBit = sess.eightBit

	ids, err := sess.edge.queue.Enqueue(e)
	if err != nil {
		var rej *policy.RejectError
		var reply *smtp.Reply
		switch {
		case errors.As(err, &rej):
			sess.edge.Log.Msg("message rejected", "id", e.ID, "reply", rej.Reply, "remote", sess.conn.RemoteAddr())
			r.Copy(rej.Reply)
		case errors.As(err, &reply):
			r.Copy(reply)
		default:
			sess.edge.Log.Error("cannot queue message", err, "id", e.ID, "remote", sess.conn.RemoteAddr())
			r.Copy(queueFailure)
		}
		sess.countFailed("DATA", r)
		sess.endTxn(false)
		return
	}

	r.SetMessage("2.6.0 Message accepted for delivery (" + strings.Join(ids, " ") + ")")
	sess.endTxn(true)
}

func (sess *session) rset(s *smtp.Session, r *smtp.Reply) {
	if sess.user.Rset != nil {
		sess.user.Rset(s, r)
	}
	if r.Code == 250 {
		sess.endTxn(false)
	}
}

func (sess *session) noop(s *smtp.Session, r *smtp.Reply) {
	if sess.edge.closing() {
		r.Copy(shuttingDown)
		return
	}
	if sess.user.Noop != nil {
		sess.user.Noop(s, r)
	}
}

// clientInfo captures the session metadata stamped onto the envelope at
// the queue handoff.
func (sess *session) clientInfo(s *smtp.Session) envelope.Client {
	info := envelope.Client{
		Name:     s.HelloName(),
		Protocol: s.Protocol(),
		Auth:     s.AuthIdentity(),
		Security: envelope.SecurityNone,
	}
	if s.Encrypted() {
		info.Security = envelope.SecurityTLS
	}
	if tcpAddr, ok := sess.conn.RemoteAddr().(*net.TCPAddr); ok {
		info.IP = tcpAddr.IP
	}
	if sess.rdnsName != nil {
		// The lookup ran during the transaction, grab whatever resolved
		// by now with a short grace for stragglers.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		val, _ := sess.rdnsName.Get(ctx)
		cancel()
		info.Host, _ = val.(string)
	}
	return info
}

// endTxn closes the transaction bookkeeping. Everything that did not end
// with the message queued counts as aborted.
func (sess *session) endTxn(queued bool) {
	if sess.inTxn {
		if queued {
			completedTransactions.WithLabelValues(sess.edge.name).Inc()
		} else {
			abortedTransactions.WithLabelValues(sess.edge.name).Inc()
		}
	}
	sess.inTxn = false
	sess.sender = ""
	sess.rcpts = nil
	sess.eightBit = false
}

func (sess *session) countFailed(cmd string, r *smtp.Reply) {
	if r.Code < 400 {
		return
	}
	failedCmds.WithLabelValues(sess.edge.name, cmd, strconv.Itoa(r.Code), r.EnhancedStatus()).Inc()
}

// newID mints the reception trace identifier stamped onto the envelope
// before the queue handoff.
func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
