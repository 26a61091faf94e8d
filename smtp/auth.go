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
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/text/secure/precis"
)

// CramMD5 is the CRAM-MD5 mechanism name. go-sasl does not implement it,
// the implementation here is used for both sides.
const CramMD5 = "CRAM-MD5"

// ServerAuth supplies credential verification for server sessions. The set
// of advertised mechanisms follows from which callbacks are present.
type ServerAuth struct {
	// AuthPlain verifies cleartext credentials, enabling the PLAIN and
	// LOGIN mechanisms. It returns the authorized identity, the empty
	// string means the username itself.
	AuthPlain func(username, password string) (string, error)

	// LookupSecret returns the stored cleartext secret of a username,
	// enabling the CRAM-MD5 mechanism.
	LookupSecret func(username string) (string, error)
}

// Mechanisms returns the mechanism names to advertise, strongest first.
func (a *ServerAuth) Mechanisms() []string {
	var mechs []string
	if a.LookupSecret != nil {
		mechs = append(mechs, CramMD5)
	}
	if a.AuthPlain != nil {
		mechs = append(mechs, sasl.Plain, sasl.Login)
	}
	return mechs
}

// newSASL creates the state machine for one authentication attempt. The
// authorized identity is stored through identity on success. nil is
// returned for mechanisms that are not enabled.
func (a *ServerAuth) newSASL(mech, hostname string, identity *string) sasl.Server {
	switch mech {
	case sasl.Plain:
		if a.AuthPlain == nil {
			return nil
		}
		return sasl.NewPlainServer(func(requested, username, password string) error {
			authzed, err := a.AuthPlain(username, password)
			if err != nil {
				return err
			}
			if authzed == "" {
				authzed = username
			}
			if requested != "" {
				if !precis.UsernameCaseMapped.Compare(authzed, requested) {
					return errors.New("smtp: not authorized to act as requested identity")
				}
				authzed = requested
			}
			*identity = authzed
			return nil
		})
	case sasl.Login:
		if a.AuthPlain == nil {
			return nil
		}
		return sasl.NewLoginServer(func(username, password string) error {
			authzed, err := a.AuthPlain(username, password)
			if err != nil {
				return err
			}
			if authzed == "" {
				authzed = username
			}
			*identity = authzed
			return nil
		})
	case CramMD5:
		if a.LookupSecret == nil {
			return nil
		}
		return &cramMD5Server{
			challenge: cramChallenge(hostname),
			lookup:    a.LookupSecret,
			identity:  identity,
		}
	}
	return nil
}

// isCleartextMech reports whether a mechanism transmits the secret in the
// clear and therefore requires an encrypted transport.
func isCleartextMech(mech string) bool {
	return mech == sasl.Plain || mech == sasl.Login
}

var (
	authNoArgPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	authArgPattern   = regexp.MustCompile(`^([a-zA-Z0-9_-]+)\s+(.+)$`)
)

// parseAuthArg splits an AUTH argument into the mechanism name and the
// optional initial response.
func parseAuthArg(arg string) (mech, initial string, ok bool) {
	if authNoArgPattern.MatchString(arg) {
		return strings.ToUpper(arg), "", true
	}
	if m := authArgPattern.FindStringSubmatch(arg); m != nil {
		return strings.ToUpper(m[1]), m[2], true
	}
	return "", "", false
}

// serverAuthAttempt runs a single AUTH command exchange on conn. A nil
// failure reply means the attempt succeeded and identity is set. err is
// only non-nil for connection-level failures, which end the session.
func serverAuthAttempt(conn *Conn, auth *ServerAuth, hostname string, encrypted, allowInsecure bool, arg string) (identity string, failure *Reply, err error) {
	mech, initial, ok := parseAuthArg(arg)
	if !ok {
		return "", NewReply(504, "5.5.4 Invalid authentication mechanism"), nil
	}
	var authzed string
	srv := auth.newSASL(mech, hostname, &authzed)
	if srv == nil {
		return "", NewReply(504, "5.5.4 Invalid authentication mechanism"), nil
	}
	if isCleartextMech(mech) && !encrypted && !allowInsecure {
		return "", EncryptionRequired.Clone(), nil
	}

	var resp []byte
	if initial != "" {
		// RFC 4954: "=" is an explicitly empty initial response.
		if initial == "=" {
			resp = []byte{}
		} else {
			resp, err = base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return "", NewReply(501, "5.5.2 Invalid authentication string"), nil
			}
		}
	}
	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return "", InvalidCredentials.Clone(), nil
		}
		if done {
			return authzed, nil, nil
		}
		if err := conn.WriteReply(NewReply(334, base64.StdEncoding.EncodeToString(challenge))); err != nil {
			return "", nil, err
		}
		if err := conn.Flush(); err != nil {
			return "", nil, err
		}
		line, err := conn.readLine()
		if err != nil {
			return "", nil, err
		}
		if line == "*" {
			return "", NewReply(501, "5.7.0 Authentication canceled by client"), nil
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return "", NewReply(501, "5.5.2 Invalid authentication string"), nil
		}
	}
}

func cramChallenge(hostname string) []byte {
	return []byte(fmt.Sprintf("<%d.%d@%s>", rand.Uint32(), time.Now().Unix(), hostname))
}

type cramMD5Server struct {
	challenge []byte
	lookup    func(username string) (string, error)
	identity  *string
	sent      bool
}

func (s *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if !s.sent {
		s.sent = true
		return s.challenge, false, nil
	}
	i := bytes.LastIndexByte(response, ' ')
	if i < 0 {
		return nil, false, errors.New("smtp: malformed CRAM-MD5 response")
	}
	username, digest := string(response[:i]), response[i+1:]
	secret, err := s.lookup(username)
	if err != nil {
		return nil, false, err
	}
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(s.challenge)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare(digest, []byte(expected)) != 1 {
		return nil, false, errors.New("smtp: CRAM-MD5 digest mismatch")
	}
	*s.identity = username
	return nil, true, nil
}

// ClientAuth holds credentials used to authenticate a client session.
type ClientAuth struct {
	Username string
	Password string
	// Identity is the optional authorization identity for PLAIN.
	Identity string
}

// Mechanism preference when the server offers several.
var clientMechPreference = []string{CramMD5, sasl.Plain, sasl.Login}

// pick selects the strongest mechanism offered by the AUTH parameter of an
// EHLO reply. The empty string means none is usable.
func (a *ClientAuth) pick(offered string) string {
	fields := strings.Fields(strings.ToUpper(offered))
	for _, pref := range clientMechPreference {
		for _, offer := range fields {
			if offer == pref {
				return pref
			}
		}
	}
	return ""
}

func (a *ClientAuth) client(mech string) sasl.Client {
	switch mech {
	case CramMD5:
		return &cramMD5Client{username: a.Username, secret: a.Password}
	case sasl.Plain:
		return sasl.NewPlainClient(a.Identity, a.Username, a.Password)
	case sasl.Login:
		return sasl.NewLoginClient(a.Username, a.Password)
	}
	return nil
}

type cramMD5Client struct {
	username, secret string
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	return CramMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(c.secret))
	mac.Write(challenge)
	return []byte(c.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
