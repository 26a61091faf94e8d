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
)

// RFC 5322 specials, minus the dot. These force the quoted-string form
// of the local part.
const mboxSpecials = "()<>[]:;@\\,\" "

// Graphic characters atext permits in an unquoted local part, besides
// letters and digits. The dot is included even though dot-atom
// technically restricts where it may appear.
const mboxGraphic = "!#$%&'*+-/=?^_`{|}~."

// ValidMailboxName reports whether mbox is well-formed as the part of
// an address before the at-sign. Both the dot-atom and the
// quoted-string forms are accepted, with any non-ASCII characters
// allowed per RFC 6531.
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		content, err := UnquoteMbox(mbox)
		if err != nil {
			return false
		}
		// Quoting permits any graphic and the space, but never
		// controls.
		for _, ch := range content {
			if ch < ' ' || ch == 0x7F {
				return false
			}
		}
		return true
	}

	for _, ch := range mbox {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch > 0x7F:
		case strings.ContainsRune(mboxGraphic, ch):
		default:
			return false
		}
	}
	return true
}

// UnquoteMbox strips the quoted-string syntax from a local part,
// undoing backslash escapes. Input without quoting passes through
// unchanged as long as it uses no characters that would require
// quoting.
func UnquoteMbox(mbox string) (string, error) {
	var (
		out     strings.Builder
		inQuote bool
		escaped bool
		closed  bool
	)
	for _, ch := range mbox {
		if closed {
			return "", errors.New("address: text after closing quote")
		}
		if escaped {
			escaped = false
			out.WriteRune(ch)
			continue
		}

		switch ch {
		case '\\':
			if !inQuote {
				return "", errors.New("address: backslash outside quotes")
			}
			escaped = true
		case '"':
			if inQuote {
				closed = true
			}
			inQuote = !inQuote
		case '@':
			if !inQuote {
				return "", errors.New("address: at-sign outside quotes")
			}
			out.WriteRune(ch)
		default:
			out.WriteRune(ch)
		}
	}

	if out.Len() == 0 {
		return "", errors.New("address: empty local part")
	}
	return out.String(), nil
}

// QuoteMbox is the inverse of UnquoteMbox. The local part is returned
// unchanged unless it contains characters that require the
// quoted-string form.
func QuoteMbox(mbox string) string {
	if !strings.ContainsAny(mbox, mboxSpecials) {
		return mbox
	}

	var b strings.Builder
	b.Grow(len(mbox) + 2)
	b.WriteByte('"')
	for _, ch := range mbox {
		if ch == '\\' || ch == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	b.WriteByte('"')
	return b.String()
}
