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
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/smtp"
)

// PipeConfig configures delivery through an external command.
type PipeConfig struct {
	// Args is the command and its arguments. Occurrences of {sender},
	// {recipient}, {message_id}, {client_ip}, {client_host},
	// {client_ehlo}, {client_protocol} and {client_auth} inside an
	// argument are substituted before each run.
	Args []string

	// Timeout bounds the delivery of one envelope across all of its
	// recipients. Zero means no limit.
	Timeout time.Duration

	Log log.Logger
}

// Pipe delivers by running an external command once per recipient with
// the flattened message on stdin, the way local delivery agents like
// maildrop or dovecot-lda are invoked. An exit status of zero counts as
// delivered. Any other status fails the recipient: permanently when the
// first line of the command output carries an enhanced status code of
// class 5, transiently otherwise.
type Pipe struct {
	cfg PipeConfig
	Log log.Logger
}

func NewPipe(cfg PipeConfig) (*Pipe, error) {
	if len(cfg.Args) == 0 {
		return nil, errors.New("relay: no command configured")
	}
	return &Pipe{cfg: cfg, Log: cfg.Log}, nil
}

// Maildrop returns a Pipe invoking the courier-maildrop agent.
func Maildrop(extraArgs ...string) *Pipe {
	args := append([]string{"maildrop", "-f", "{sender}"}, extraArgs...)
	return &Pipe{cfg: PipeConfig{Args: args}}
}

// DovecotLDA returns a Pipe invoking the dovecot-lda agent at the given
// executable path.
func DovecotLDA(path string, extraArgs ...string) *Pipe {
	args := append([]string{path, "-f", "{sender}", "-d", "{recipient}"}, extraArgs...)
	return &Pipe{cfg: PipeConfig{Args: args}}
}

func (p *Pipe) Attempt(ctx context.Context, e *envelope.Envelope, attempts int) (Result, error) {
	var msg bytes.Buffer
	if err := e.Flatten(&msg); err != nil {
		return nil, err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	res := Result{}
	for _, rcpt := range e.Recipients {
		if reply := p.deliverOne(ctx, e, rcpt, msg.Bytes()); reply != nil {
			res[rcpt] = reply
		}
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

func (p *Pipe) deliverOne(ctx context.Context, e *envelope.Envelope, rcpt string, msg []byte) *smtp.Reply {
	args := make([]string, len(p.cfg.Args))
	for i, arg := range p.cfg.Args {
		args[i] = expandArg(arg, e, rcpt)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(msg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return smtp.NewReply(450, "4.4.2 Delivery timed out")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		p.Log.Error("cannot run delivery command", err, "command", args[0], "msg_id", e.ID)
		return smtp.NewReply(450, "4.3.0 "+err.Error())
	}

	reason := firstLine(stdout.String())
	if reason == "" {
		reason = firstLine(stderr.String())
	}
	if reason == "" {
		reason = "Delivery failed"
	}
	p.Log.Msg("delivery command failed", "command", args[0], "status", exitErr.ExitCode(), "reason", reason, "msg_id", e.ID)
	if permanentFailure.MatchString(reason) {
		return smtp.NewReply(550, reason)
	}
	return smtp.NewReply(450, reason)
}

// permanentFailure matches command output that starts with an enhanced
// status code of class 5, the convention local delivery agents use to
// ask for a bounce instead of a retry.
var permanentFailure = regexp.MustCompile(`^5\.\d+\.\d+\s`)

func expandArg(arg string, e *envelope.Envelope, rcpt string) string {
	clientIP := ""
	if e.Client.IP != nil {
		clientIP = e.Client.IP.String()
	}
	r := strings.NewReplacer(
		"{sender}", e.Sender,
		"{recipient}", rcpt,
		"{message_id}", e.Header.Get("Message-Id"),
		"{client_ip}", clientIP,
		"{client_host}", e.Client.Host,
		"{client_ehlo}", e.Client.Name,
		"{client_protocol}", e.Client.Protocol,
		"{client_auth}", e.Client.Auth,
	)
	return r.Replace(arg)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
