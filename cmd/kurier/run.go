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

package main

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kurier-mta/kurier/edge"
	"github.com/kurier-mta/kurier/framework/dns"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/policy"
	"github.com/kurier-mta/kurier/queue"
	"github.com/kurier-mta/kurier/relay"
	"github.com/kurier-mta/kurier/smtp"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Start the mail server",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "`ADDRESS` to accept SMTP connections on, repeatable",
				Value:   cli.NewStringSlice(":25"),
			},
			&cli.StringFlag{
				Name:  "hostname",
				Usage: "`FQDN` announced in the banner, EHLO and Received headers",
			},
			&cli.StringFlag{
				Name:  "spool",
				Usage: "`DIR` holding queued messages; empty keeps the queue in memory",
			},
			&cli.StringFlag{
				Name:  "relay-host",
				Usage: "deliver everything to `HOST[:PORT]` instead of the recipient MX hosts",
			},
			&cli.BoolFlag{
				Name:  "relay-require-tls",
				Usage: "fail deliveries that cannot be encrypted",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "server certificate chain `FILE`, enables STARTTLS",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "server key `FILE`",
			},
			&cli.StringFlag{
				Name:  "auth-file",
				Usage: "credential `FILE` with user:bcrypt-hash lines, enables AUTH",
			},
			&cli.StringFlag{
				Name:  "dkim-domain",
				Usage: "sender `DOMAIN` whose mail gets DKIM-signed",
			},
			&cli.StringFlag{
				Name:  "dkim-selector",
				Usage: "`SELECTOR` the DKIM key is published under",
				Value: "default",
			},
			&cli.StringFlag{
				Name:  "dkim-key",
				Usage: "PEM `FILE` with the DKIM signing key",
			},
			&cli.IntFlag{
				Name:  "max-message-size",
				Usage: "largest accepted message in bytes",
				Value: 50 * 1024 * 1024,
			},
			&cli.IntFlag{
				Name:  "max-connections",
				Usage: "inbound sessions served at once, 0 means unbounded",
			},
			&cli.IntFlag{
				Name:  "max-connections-per-ip",
				Usage: "inbound sessions served at once for one address, 0 means unbounded",
			},
			&cli.IntFlag{
				Name:  "retry-attempts",
				Usage: "delivery attempts before a message is returned to its sender",
				Value: 13,
			},
			&cli.DurationFlag{
				Name:  "retry-initial",
				Usage: "delay before the first retry, doubled per attempt",
				Value: 5 * time.Minute,
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "`ADDRESS` to serve Prometheus metrics on",
			},
			&cli.BoolFlag{
				Name:  "dns-ttl",
				Usage: "cache MX answers for their DNS TTL instead of a fixed five minutes",
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "comma-separated log `TARGETS`: stderr, syslog, off or a file path",
				Value: "stderr",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log debugging information",
			},
		},
	}
}

func run(ctx *cli.Context) error {
	out, err := logOutput(ctx.String("log"))
	if err != nil {
		return err
	}
	logger := log.Logger{Out: out, Debug: ctx.Bool("debug")}
	log.DefaultLogger = logger
	if out != nil {
		defer out.Close()
	}

	hostname := ctx.String("hostname")
	if hostname == "" {
		var err error
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("cannot determine the local hostname, pass --hostname: %w", err)
		}
	}

	var tlsCfg *tls.Config
	if certFile := ctx.String("tls-cert"); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, ctx.String("tls-key"))
		if err != nil {
			return fmt.Errorf("cannot load the TLS key pair: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var auth *smtp.ServerAuth
	if path := ctx.String("auth-file"); path != "" {
		users, err := loadUsers(path)
		if err != nil {
			return err
		}
		auth = &smtp.ServerAuth{AuthPlain: users.verify}
	}

	var storage queue.Storage
	if dir := ctx.String("spool"); dir != "" {
		fs, err := queue.OpenFSStorage(dir)
		if err != nil {
			return fmt.Errorf("cannot open the spool: %w", err)
		}
		storage = fs
	} else {
		logger.Msg("no spool directory configured, queued mail will not survive a restart")
		storage = queue.NewMemoryStorage()
	}

	rel, err := buildRelay(ctx, relay.ClientConfig{
		Hostname:   hostname,
		RequireTLS: ctx.Bool("relay-require-tls"),
	}, logger)
	if err != nil {
		return err
	}

	policies := []policy.Policy{
		policy.AddDateHeader{},
		policy.AddMessageIDHeader{Hostname: hostname},
		policy.AddReceivedHeader{},
	}
	if domain := ctx.String("dkim-domain"); domain != "" {
		signer, err := loadSigningKey(ctx.String("dkim-key"))
		if err != nil {
			return err
		}
		keyDomain, _ := dns.ForLookup(domain)
		policies = append(policies, policy.AddDKIMHeader{
			Keys: map[string]policy.DomainKey{
				keyDomain: {
					Selector: ctx.String("dkim-selector"),
					Signer:   signer,
				},
			},
			Log: log.Logger{Out: logger.Out, Name: "dkim", Debug: logger.Debug},
		})
	}

	q, err := queue.New(queue.Config{
		Storage:  storage,
		Relay:    rel,
		Policies: policies,
		Backoff:  queue.Exponential(ctx.Duration("retry-initial"), 2, ctx.Int("retry-attempts")),
		Hostname: hostname,
		Log:      log.Logger{Out: logger.Out, Name: "queue", Debug: logger.Debug},
	})
	if err != nil {
		return err
	}
	if err := q.Start(); err != nil {
		return err
	}

	edgeSrv, err := edge.New(edge.Config{
		Addrs: ctx.StringSlice("listen"),
		Server: smtp.ServerConfig{
			Hostname:       hostname,
			Name:           "Kurier",
			TLSConfig:      tlsCfg,
			Auth:           auth,
			MaxMessageSize: ctx.Int("max-message-size"),
		},
		Queue:               q,
		Resolver:            dns.DefaultResolver(),
		MaxConnections:      ctx.Int("max-connections"),
		MaxConnectionsPerIP: ctx.Int("max-connections-per-ip"),
		CloseTimeout:        30 * time.Second,
		Log:                 log.Logger{Out: logger.Out, Name: "edge", Debug: logger.Debug},
	})
	if err != nil {
		q.Close()
		return err
	}

	var metrics *metricsServer
	if addr := ctx.String("metrics"); addr != "" {
		metrics, err = serveMetrics(addr, log.Logger{Out: logger.Out, Name: "metrics", Debug: logger.Debug})
		if err != nil {
			edgeSrv.Close()
			q.Close()
			return err
		}
	}

	logger.Msg("server started", "version", buildInfo(), "hostname", hostname)
	sig := waitSignal(logger)
	logger.Msg("shutting down", "signal", sig.String())

	// Reception stops first so that everything still accepted makes it
	// into the queue before the queue stops dispatching.
	edgeSrv.Close()
	q.Close()
	rel.Close()
	if metrics != nil {
		metrics.Close()
	}
	return nil
}

// logOutput builds the log sink for the --log flag, a comma-separated
// target list fanned out through log.MultiOutput.
func logOutput(targets string) (log.Output, error) {
	if targets == "off" {
		return nil, nil
	}

	var outs []log.Output
	for _, target := range strings.Split(targets, ",") {
		switch target = strings.TrimSpace(target); target {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			out, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("cannot connect to syslog: %w", err)
			}
			outs = append(outs, out)
		case "off":
			return nil, errors.New("log target off cannot be combined with others")
		case "":
			return nil, errors.New("empty log target")
		default:
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
			if err != nil {
				return nil, fmt.Errorf("cannot open log file: %w", err)
			}
			outs = append(outs, log.WriteCloserOutput(f, true))
		}
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// closableRelay is what buildRelay constructs: a delivery backend the
// shutdown path can tear down.
type closableRelay interface {
	relay.Relay
	io.Closer
}

// extMXResolver answers MX queries through ExtResolver for true TTLs
// and everything else through the system resolver.
type extMXResolver struct {
	dns.MXResolver
	dns.Resolver
}

func buildRelay(ctx *cli.Context, client relay.ClientConfig, logger log.Logger) (closableRelay, error) {
	relayLog := log.Logger{Out: logger.Out, Name: "relay", Debug: logger.Debug}

	host := ctx.String("relay-host")
	if host == "" {
		cfg := relay.MXConfig{
			Client:      client,
			IdleTimeout: time.Minute,
			Log:         relayLog,
		}
		if ctx.Bool("dns-ttl") {
			// MX answers get cached for their real DNS lifetime
			// instead of the fixed default.
			res, err := dns.NewExtResolver()
			if err != nil {
				return nil, fmt.Errorf("cannot read resolver config: %w", err)
			}
			cfg.Resolver = extMXResolver{res, dns.DefaultResolver()}
		}
		return relay.NewMX(cfg)
	}

	port := 0
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("bad relay port in %q", ctx.String("relay-host"))
		}
	}
	return relay.NewStatic(relay.StaticConfig{
		Host:        host,
		Port:        port,
		Client:      client,
		IdleTimeout: time.Minute,
		Log:         relayLog,
	})
}

// loadSigningKey reads a DKIM private key in PKCS#8 or PKCS#1 PEM form.
func loadSigningKey(path string) (crypto.Signer, error) {
	if path == "" {
		return nil, errors.New("--dkim-domain needs --dkim-key")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read the DKIM key: %w", err)
	}
	block, _ := pem.Decode(blob)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: unusable key type %T", path, key)
	}
	return signer, nil
}

// waitSignal blocks until a termination signal arrives. The next signal
// after it forces an immediate exit.
func waitSignal(logger log.Logger) os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	s := <-sig
	go func() {
		s := <-sig
		logger.Msg("forced shutdown", "signal", s.String())
		os.Exit(1)
	}()
	return s
}
