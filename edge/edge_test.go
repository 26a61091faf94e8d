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
	"bufio"
	"bytes"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/internal/testutils"
	"github.com/kurier-mta/kurier/policy"
	"github.com/kurier-mta/kurier/smtp"
)

type queueStub struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	err  error
}

func (q *queueStub) Enqueue(e *envelope.Envelope) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.envs = append(q.envs, e)
	return []string{e.ID}, nil
}

func (q *queueStub) setErr(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *queueStub) received() []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*envelope.Envelope(nil), q.envs...)
}

func testServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.Addrs == nil {
		cfg.Addrs = []string{"127.0.0.1:0"}
	}
	if cfg.Server.Hostname == "" {
		cfg.Server.Hostname = "mx.example.com"
	}
	cfg.Log = testutils.Logger(t, "edge")

	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Error("edge close:", err)
		}
	})
	return srv
}

func testClient(t *testing.T, srv *Server) *smtp.Client {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	c := smtp.NewClient(conn)
	c.Conn().ReadTimeout = 5 * time.Second
	c.Conn().WriteTimeout = 5 * time.Second
	return c
}

func greet(t *testing.T, c *smtp.Client) {
	t.Helper()

	r, err := c.GetBanner()
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != 220 {
		t.Fatal("unexpected banner:", r)
	}
	r, err = c.Ehlo("client.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected EHLO reply:", r)
	}
}

// submit runs one transaction and returns the reply to the message
// content. MAIL and RCPT must succeed.
func submit(t *testing.T, c *smtp.Client, sender string, rcpts ...string) *smtp.Reply {
	t.Helper()

	mail, err := c.MailFrom(sender, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	rcptReplies := make([]*smtp.Reply, 0, len(rcpts))
	for _, rcpt := range rcpts {
		r, err := c.RcptTo(rcpt)
		if err != nil {
			t.Fatal(err)
		}
		rcptReplies = append(rcptReplies, r)
	}

	// DATA drains the pipeline, the earlier replies are in afterwards.
	data, err := c.Data()
	if err != nil {
		t.Fatal(err)
	}
	if mail.Code != 250 {
		t.Fatal("unexpected MAIL reply:", mail)
	}
	for _, r := range rcptReplies {
		if r.Code != 250 {
			t.Fatal("unexpected RCPT reply:", r)
		}
	}
	if data.Code != 354 {
		t.Fatal("unexpected DATA reply:", data)
	}

	final, err := c.SendData(strings.NewReader(testutils.DeliveryData))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	return final
}

func TestReceive(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q})
	c := testClient(t, srv)
	greet(t, c)

	final := submit(t, c, "sender@example.org", "rcpt@example.com")
	if final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}
	if _, err := c.Quit(); err != nil {
		t.Fatal(err)
	}

	envs := q.received()
	if len(envs) != 1 {
		t.Fatal("expected one queued message, got", len(envs))
	}
	e := envs[0]

	if len(e.ID) != 32 {
		t.Error("malformed envelope id:", e.ID)
	}
	if want := "Message accepted for delivery (" + e.ID + ")"; final.RawMessage() != want {
		t.Errorf("reply text %q, want %q", final.RawMessage(), want)
	}
	if final.EnhancedStatus() != "2.6.0" {
		t.Error("unexpected enhanced status:", final.EnhancedStatus())
	}

	if e.Sender != "sender@example.org" {
		t.Error("wrong sender:", e.Sender)
	}
	if len(e.Recipients) != 1 || e.Recipients[0] != "rcpt@example.com" {
		t.Error("wrong recipients:", e.Recipients)
	}
	if !e.Client.IP.IsLoopback() {
		t.Error("wrong client ip:", e.Client.IP)
	}
	if e.Client.Name != "client.example.org" {
		t.Error("wrong client name:", e.Client.Name)
	}
	if e.Client.Protocol != "ESMTP" {
		t.Error("wrong protocol:", e.Client.Protocol)
	}
	if e.Client.Security != envelope.SecurityNone {
		t.Error("wrong security:", e.Client.Security)
	}
	if e.Receiver != "mx.example.com" {
		t.Error("wrong receiver:", e.Receiver)
	}
	if e.Timestamp.IsZero() {
		t.Error("reception timestamp not set")
	}

	var flat bytes.Buffer
	if err := e.Flatten(&flat); err != nil {
		t.Fatal(err)
	}
	if flat.String() != testutils.DeliveryData {
		t.Errorf("message content %q, want %q", flat.String(), testutils.DeliveryData)
	}
}

func TestReceive_EightBit(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q})
	c := testClient(t, srv)
	greet(t, c)

	r, err := c.MailFrom("sender@example.org", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected MAIL reply:", r)
	}
	r, err = c.RcptTo("rcpt@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected RCPT reply:", r)
	}
	if r, err = c.Data(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 354 {
		t.Fatal("unexpected DATA reply:", r)
	}
	if r, err = c.SendData(strings.NewReader(testutils.DeliveryData)); err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected data reply:", r)
	}

	envs := q.received()
	if len(envs) != 1 {
		t.Fatal("expected one queued message, got", len(envs))
	}
	if !envs[0].EightBit {
		t.Error("BODY=8BITMIME not recorded on the envelope")
	}
}

func TestReceive_MultipleMessages(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q})
	c := testClient(t, srv)
	greet(t, c)

	first := submit(t, c, "sender@example.org", "one@example.com")
	if first.Code != 250 {
		t.Fatal("unexpected data reply:", first)
	}
	second := submit(t, c, "sender@example.org", "two@example.com")
	if second.Code != 250 {
		t.Fatal("unexpected data reply:", second)
	}

	envs := q.received()
	if len(envs) != 2 {
		t.Fatal("expected two queued messages, got", len(envs))
	}
	if envs[0].ID == envs[1].ID {
		t.Error("messages share an id:", envs[0].ID)
	}
	if envs[1].Recipients[0] != "two@example.com" {
		t.Error("transaction state leaked:", envs[1].Recipients)
	}
}

func TestReceive_QueueError(t *testing.T) {
	q := &queueStub{err: errors.New("spool full")}
	srv := testServer(t, Config{Queue: q})
	c := testClient(t, srv)
	greet(t, c)

	final := submit(t, c, "sender@example.org", "rcpt@example.com")
	if final.Code != 451 {
		t.Fatal("unexpected data reply:", final)
	}
	if final.Message() != "4.3.0 Error queuing message" {
		t.Error("unexpected reply text:", final.Message())
	}

	// The session survives the failure.
	q.setErr(nil)
	final = submit(t, c, "sender@example.org", "rcpt@example.com")
	if final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}
	if len(q.received()) != 1 {
		t.Fatal("expected one queued message")
	}
}

func TestReceive_PolicyReject(t *testing.T) {
	q := &queueStub{err: policy.Reject(550, "5.7.1 Content rejected")}
	srv := testServer(t, Config{Queue: q})
	c := testClient(t, srv)
	greet(t, c)

	final := submit(t, c, "sender@example.org", "rcpt@example.com")
	if final.Code != 550 {
		t.Fatal("unexpected data reply:", final)
	}
	if final.Message() != "5.7.1 Content rejected" {
		t.Error("unexpected reply text:", final.Message())
	}
}

func TestValidator_RejectRecipient(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{
		Queue: q,
		Validator: func() *smtp.Handler {
			return &smtp.Handler{
				Rcpt: func(_ *smtp.Session, r *smtp.Reply, recipient string, _ map[string]string) {
					if recipient == "nobody@example.com" {
						r.Code = 550
						r.SetMessage("5.1.1 No such user")
					}
				},
			}
		},
	})
	c := testClient(t, srv)
	greet(t, c)

	r, err := c.MailFrom("sender@example.org", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected MAIL reply:", r)
	}

	r, err = c.RcptTo("nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 550 {
		t.Fatal("unexpected RCPT reply:", r)
	}
	if r.Message() != "5.1.1 No such user" {
		t.Error("unexpected reply text:", r.Message())
	}

	r, err = c.RcptTo("postmaster@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected RCPT reply:", r)
	}

	if r, err = c.Data(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 354 {
		t.Fatal("unexpected DATA reply:", r)
	}
	if r, err = c.SendData(strings.NewReader(testutils.DeliveryData)); err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 250 {
		t.Fatal("unexpected data reply:", r)
	}

	envs := q.received()
	if len(envs) != 1 {
		t.Fatal("expected one queued message, got", len(envs))
	}
	if len(envs[0].Recipients) != 1 || envs[0].Recipients[0] != "postmaster@example.com" {
		t.Error("rejected recipient on the envelope:", envs[0].Recipients)
	}
}

func TestValidator_PerSessionState(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{
		Queue: q,
		Validator: func() *smtp.Handler {
			messages := 0
			return &smtp.Handler{
				Mail: func(_ *smtp.Session, r *smtp.Reply, _ string, _ map[string]string) {
					messages++
					if messages > 1 {
						r.Code = 450
						r.SetMessage("4.7.0 One message per connection")
					}
				},
			}
		},
	})

	c := testClient(t, srv)
	greet(t, c)
	if final := submit(t, c, "sender@example.org", "rcpt@example.com"); final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}
	r, err := c.MailFrom("sender@example.org", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.FlushPipeline(); err != nil {
		t.Fatal(err)
	}
	if r.Code != 450 {
		t.Fatal("second MAIL got past the validator:", r)
	}

	// A fresh connection gets a fresh validator.
	c2 := testClient(t, srv)
	greet(t, c2)
	if final := submit(t, c2, "sender@example.org", "rcpt@example.com"); final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}
}

func TestReceive_ClientHost(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{
		Queue: q,
		Resolver: &mockdns.Resolver{
			Zones: map[string]mockdns.Zone{
				"1.0.0.127.in-addr.arpa.": {
					PTR: []string{"client.example.org"},
				},
			},
		},
	})
	c := testClient(t, srv)
	greet(t, c)

	if final := submit(t, c, "sender@example.org", "rcpt@example.com"); final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}

	envs := q.received()
	if len(envs) != 1 {
		t.Fatal("expected one queued message, got", len(envs))
	}
	if envs[0].Client.Host != "client.example.org" {
		t.Error("wrong client host:", envs[0].Client.Host)
	}
}

func TestMaxConnections(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q, MaxConnections: 1})

	c := testClient(t, srv)
	greet(t, c)

	// The second connection is beyond the bound: it is not even greeted
	// until the first session ends.
	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := conn.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected no banner, got %q, %v", buf[:n], err)
	}

	if _, err := c.Quit(); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "220 ") {
		t.Fatal("unexpected banner:", line)
	}
}

func TestMaxConnectionsPerIP(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q, MaxConnectionsPerIP: 1})

	c := testClient(t, srv)
	greet(t, c)

	// Sessions beyond the per-address bound are turned away with a 421
	// once the admission wait runs out, while the first session stays
	// usable.
	c2 := testClient(t, srv)
	c2.Conn().ReadTimeout = 2 * peerAdmitTimeout
	r, err := c2.GetBanner()
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != 421 {
		t.Fatal("unexpected reply for the connection over the bound:", r)
	}

	if final := submit(t, c, "sender@example.org", "rcpt@example.com"); final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}
}

func TestClose_DrainsSessions(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q, CloseTimeout: 5 * time.Second})
	c := testClient(t, srv)
	greet(t, c)

	closed := make(chan error, 1)
	go func() { closed <- srv.Close() }()

	// Give the drain a moment to start before poking the session.
	time.Sleep(100 * time.Millisecond)

	r, err := c.CustomCommand("NOOP", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != 421 {
		t.Fatal("unexpected reply during shutdown:", r)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}

	if _, err := net.Dial("tcp", srv.Addrs()[0].String()); err == nil {
		t.Fatal("listener still accepting after Close")
	}
}

func TestProxyProtocol(t *testing.T) {
	q := &queueStub{}
	srv := testServer(t, Config{Queue: q, ProxyProtocol: &ProxyProtocol{}})

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Write([]byte("PROXY TCP4 203.0.113.7 203.0.113.1 56324 25\r\n")); err != nil {
		t.Fatal(err)
	}

	c := smtp.NewClient(conn)
	c.Conn().ReadTimeout = 5 * time.Second
	c.Conn().WriteTimeout = 5 * time.Second
	greet(t, c)

	if final := submit(t, c, "sender@example.org", "rcpt@example.com"); final.Code != 250 {
		t.Fatal("unexpected data reply:", final)
	}

	envs := q.received()
	if len(envs) != 1 {
		t.Fatal("expected one queued message, got", len(envs))
	}
	if envs[0].Client.IP.String() != "203.0.113.7" {
		t.Error("proxied source not on the envelope:", envs[0].Client.IP)
	}
}
