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
	"crypto"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"golang.org/x/net/idna"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/address"
	"github.com/kurier-mta/kurier/framework/dns"
	"github.com/kurier-mta/kurier/framework/log"
)

var (
	// Oversigned fields get one extra h= entry, so a party downstream
	// prepending another instance invalidates the signature.
	oversignDefault = []string{
		// Shown to the reader.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Control how the body is decoded.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Drive replies and threading.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		// Key material distributed through the header.
		"Autocrypt",
		"Openpgp",
	}
	// Signed as present but not oversigned: these may legitimately be
	// added in transit.
	signDefault = []string{
		// By a mailing list manager the message is forwarded through.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// By a relay resending the message.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

// DomainKey is the signing key material for one sender domain.
type DomainKey struct {
	// Selector names the key under <selector>._domainkey.<domain>.
	Selector string
	// Signer is the private key. RSA and Ed25519 keys are supported.
	Signer crypto.Signer
	// Expiry sets the signature expiration relative to signing time.
	// Zero means signatures do not expire.
	Expiry time.Duration
}

// AddDKIMHeader signs queued messages with DKIM, prepending the
// DKIM-Signature header. The sender domain selects the key, messages
// from domains without a configured key pass through unsigned, as do
// bounces with the null sender.
//
// Signing should run after the other header policies so the added
// headers are covered by the signature.
type AddDKIMHeader struct {
	// Keys maps sender domains to their signing keys. Domains are
	// matched in the dns.ForLookup canonical form, plain lowercase
	// ASCII works as-is.
	Keys map[string]DomainKey

	// OversignHeaders and SignHeaders override the signed header sets.
	// Oversigned fields get one extra entry in h= so prepending another
	// instance downstream breaks the signature.
	OversignHeaders []string
	SignHeaders     []string

	Log log.Logger
}

func (p AddDKIMHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	if e.Sender == "" {
		// Bounces are never signed.
		return nil, nil
	}
	_, domain, err := address.Split(e.Sender)
	if err != nil {
		p.Log.Error("unsignable sender address", err, "sender", e.Sender)
		return nil, nil
	}
	if domain == "" {
		return nil, nil
	}
	domain, _ = dns.ForLookup(domain)
	key, ok := p.Keys[domain]
	if !ok {
		p.Log.DebugMsg("no key for domain", "domain", domain)
		return nil, nil
	}

	if err := p.sign(e, domain, key); err != nil {
		// A message we cannot sign is still deliverable.
		p.Log.Error("cannot sign message", err, "sender", e.Sender)
		return nil, nil
	}
	p.Log.DebugMsg("signed", "domain", domain)
	return nil, nil
}

func (p AddDKIMHeader) sign(e *envelope.Envelope, domain string, key DomainKey) error {
	// DNS-side names use A-labels.
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return err
	}
	selector, err := idna.ToASCII(key.Selector)
	if err != nil {
		return err
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 key.Signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             p.fieldsToSign(&e.Header),
	}
	if key.Expiry != 0 {
		opts.Expiration = time.Now().Add(key.Expiry)
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return err
	}
	if err := textproto.WriteHeader(signer, e.Header); err != nil {
		signer.Close()
		return err
	}
	if e.Body != nil {
		r, err := e.Body.Open()
		if err != nil {
			signer.Close()
			return err
		}
		_, err = io.Copy(signer, r)
		r.Close()
		if err != nil {
			signer.Close()
			return err
		}
	}
	if err := signer.Close(); err != nil {
		return err
	}

	e.Header.AddRaw([]byte(signer.Signature()))
	return nil
}

func (p AddDKIMHeader) fieldsToSign(h *textproto.Header) []string {
	oversign := p.OversignHeaders
	if oversign == nil {
		oversign = oversignDefault
	}
	sign := p.SignHeaders
	if sign == nil {
		sign = signDefault
	}

	// go-msgauth panics on duplicate names in HeaderKeys, so each name
	// is considered once no matter how the lists overlap.
	seen := make(map[string]struct{})
	res := make([]string, 0, len(oversign)+len(sign))

	add := func(keys []string, extra int) {
		for _, key := range keys {
			lower := strings.ToLower(key)
			if _, ok := seen[lower]; ok {
				continue
			}
			seen[lower] = struct{}{}

			// One h= entry per instance present in the header, plus the
			// extra ones.
			n := extra
			for f := h.FieldsByKey(key); f.Next(); {
				n++
			}
			for ; n > 0; n-- {
				res = append(res, key)
			}
		}
	}
	add(oversign, 1)
	add(sign, 0)
	return res
}
