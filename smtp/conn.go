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
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// maxLineLength bounds a single command or reply line. Message content read
// through DataReader is not subject to it.
const maxLineLength = 4096

// Conn implements the SMTP wire protocol on top of a net.Conn: line-based
// commands and replies with buffered writes so pipelined output coalesces
// into as few packets as possible. Nothing is sent until Flush is called.
//
// Conn is used by both sides of the protocol. Server sessions read commands
// and write replies, client sessions do the reverse.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	// ReadTimeout and WriteTimeout bound individual I/O operations. Zero
	// means no deadline. They can be changed between operations, e.g. to
	// apply a different timeout while reading message content.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, maxLineLength),
		w:    bufio.NewWriterSize(conn, maxLineLength),
	}
}

// RawConn returns the underlying connection, e.g. for a TLS handshake.
func (c *Conn) RawConn() net.Conn {
	return c.conn
}

// Upgrade replaces the underlying connection after a TLS handshake.
// Buffered input is discarded, the protocol guarantees the peer sends
// nothing between the STARTTLS reply and the handshake.
func (c *Conn) Upgrade(conn net.Conn) {
	c.conn = conn
	c.r.Reset(conn)
	c.w.Reset(conn)
}

func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// TLSState returns the connection state if the underlying connection uses
// TLS.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Pending reports whether the peer already sent data that was not consumed
// yet, waiting at most grace for it to arrive. It is used to detect
// asynchronous replies (e.g. a 421 sent by an idle server) before reusing a
// cached connection.
func (c *Conn) Pending(grace time.Duration) bool {
	if c.r.Buffered() > 0 {
		return true
	}
	c.conn.SetReadDeadline(time.Now().Add(grace))
	_, err := c.r.Peek(1)
	return err == nil
}

func (c *Conn) setReadDeadline() {
	if c.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Conn) setWriteDeadline() {
	if c.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
}

// readLine reads one protocol line, with the trailing CRLF (or bare LF)
// removed.
func (c *Conn) readLine() (string, error) {
	c.setReadDeadline()
	line, err := c.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// Drain the oversized line so the session can report an error
		// and continue.
		for err == bufio.ErrBufferFull {
			_, err = c.r.ReadSlice('\n')
		}
		if err != nil {
			return "", mapConnErr(err)
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", mapConnErr(err)
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// ReadCommand reads and parses one command line. The verb is converted to
// upper case, surrounding whitespace of the argument is removed. A line
// that does not have the verb-argument shape is reported with ok = false
// and is fully consumed, the caller is expected to answer with a 500 reply.
func (c *Conn) ReadCommand() (verb, arg string, ok bool, err error) {
	line, err := c.readLine()
	if err == ErrLineTooLong {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	verb, arg, ok = parseCommand(line)
	return verb, arg, ok, nil
}

func parseCommand(line string) (verb, arg string, ok bool) {
	line = strings.TrimRight(line, " \t")
	i := 0
	for i < len(line) && isAlpha(line[i]) {
		i++
	}
	if i == 0 {
		return "", "", false
	}
	verb = strings.ToUpper(line[:i])
	rest := line[i:]
	if rest == "" {
		return verb, "", true
	}
	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t') {
		j++
	}
	if j == 0 {
		// Verb runs into non-letter characters without separating
		// whitespace.
		return "", "", false
	}
	return verb, rest[j:], true
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// ReadReply reads one complete, possibly multiline reply. Lines of a
// multiline reply are joined with CRLF into the reply message. A line that
// does not have the reply shape, or a continuation line with a different
// code, surfaces as BadReplyError.
func (c *Conn) ReadReply() (*Reply, error) {
	code, msg, err := c.readReplyParts()
	if err != nil {
		return nil, err
	}
	return NewReply(code, msg), nil
}

// readReplyParts returns the raw code and message so callers can populate a
// pre-constructed reply without disturbing its enhanced status mode.
func (c *Conn) readReplyParts() (int, string, error) {
	var (
		code  int
		parts []string
	)
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, "", err
		}
		lineCode, sep, text, ok := parseReplyLine(line)
		if !ok {
			return 0, "", BadReplyError{Line: line}
		}
		if code == 0 {
			code = lineCode
		} else if code != lineCode {
			return 0, "", BadReplyError{Line: line}
		}
		parts = append(parts, text)
		if sep != '-' {
			break
		}
	}
	return code, strings.Join(parts, "\r\n"), nil
}

func parseReplyLine(line string) (code int, sep byte, text string, ok bool) {
	if len(line) < 4 {
		return 0, 0, "", false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, "", false
		}
	}
	sep = line[3]
	if sep != ' ' && sep != '\t' && sep != '-' {
		return 0, 0, "", false
	}
	code = int(line[0]-'0')*100 + int(line[1]-'0')*10 + int(line[2]-'0')
	return code, sep, line[4:], true
}

// WriteReply buffers a reply for sending. All lines except the last use the
// dash continuation form.
func (c *Conn) WriteReply(r *Reply) error {
	c.setWriteDeadline()
	if r.NewlineFirst {
		if _, err := c.w.WriteString("\r\n"); err != nil {
			return mapConnErr(err)
		}
	}
	code := strconv.Itoa(r.Code)
	lines := strings.Split(strings.ReplaceAll(r.Message(), "\r\n", "\n"), "\n")
	for i, line := range lines {
		sep := " "
		if i != len(lines)-1 {
			sep = "-"
		}
		if _, err := c.w.WriteString(code + sep + line + "\r\n"); err != nil {
			return mapConnErr(err)
		}
	}
	return nil
}

// WriteCommand buffers a command for sending.
func (c *Conn) WriteCommand(verb, arg string) error {
	c.setWriteDeadline()
	line := verb
	if arg != "" {
		line += " " + arg
	}
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return mapConnErr(err)
	}
	return nil
}

// WriteLine buffers a bare CRLF-terminated line, e.g. a SASL response.
func (c *Conn) WriteLine(line string) error {
	c.setWriteDeadline()
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return mapConnErr(err)
	}
	return nil
}

// Flush sends all buffered output to the peer.
func (c *Conn) Flush() error {
	c.setWriteDeadline()
	return mapConnErr(c.w.Flush())
}

func mapConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ErrConnectionLost
	}
	return err
}
