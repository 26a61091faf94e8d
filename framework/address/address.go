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

// Package address implements parsing and validation of email addresses
// as they appear in SMTP envelopes (RFC 5321 reverse-path and
// forward-path), including the internationalized forms of RFC 6531.
package address

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Split separates an address into its mailbox (local part) and domain.
//
// The bare "postmaster" form permitted by RFC 5321 has no domain, Split
// returns it with domain == "". Beyond requiring both sides of the
// at-sign to be non-empty Split does not validate anything, callers
// that care should run the parts through ValidMailboxName and
// ValidDomain.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	// A quoted local part may itself contain at-signs, the delimiter is
	// the last one.
	at := strings.LastIndexByte(addr, '@')
	switch {
	case at < 0:
		return "", "", errors.New("address: no at-sign in address")
	case at == 0:
		return "", "", errors.New("address: local part is empty")
	case at == len(addr)-1:
		return "", "", errors.New("address: domain is empty")
	}
	return addr[:at], addr[at+1:], nil
}

// Valid reports whether addr is acceptable as a complete address in
// MAIL or RCPT arguments.
func Valid(addr string) bool {
	// RFC 3696 puts the upper bound for the whole address at 320
	// octets.
	if len(addr) > 320 {
		return false
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if domain == "" {
		// Split succeeds without a domain only for the bare postmaster
		// form.
		return true
	}

	return ValidMailboxName(mbox) && ValidDomain(domain)
}

// IsASCII reports whether s contains only ASCII and therefore may be
// sent to servers without SMTPUTF8 support as-is.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
