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

package address

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrUnicodeMailbox is returned by ToASCII for addresses whose local
// part is not ASCII. Unlike the domain, the local part has no encoded
// fallback form.
var ErrUnicodeMailbox = errors.New("address: unicode local part has no ASCII form")

// ValidDomain reports whether domain is plausible as a DNS name for an
// address. Length limits follow the A-label form since that is what
// goes on the wire, kurier itself keeps domains as U-labels.
func ValidDomain(domain string) bool {
	if domain == "" || len(domain) > 255 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) > 64 {
			return false
		}
	}
	return true
}

// ToASCII rewrites the domain of addr into the A-label (Punycode) form.
// A non-ASCII local part makes the conversion fail with
// ErrUnicodeMailbox. On error the address is returned unmodified.
func ToASCII(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mbox, nil
	}

	aLabels, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mbox + "@" + aLabels, nil
}

// ToUnicode rewrites the domain of addr into the U-label form,
// NFC-normalized.
func ToUnicode(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return norm.NFC.String(addr), err
	}
	if domain == "" {
		return mbox, nil
	}

	uLabels, err := idna.ToUnicode(domain)
	if err != nil {
		return norm.NFC.String(addr), err
	}
	return mbox + "@" + norm.NFC.String(uLabels), nil
}
