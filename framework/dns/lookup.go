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

package dns

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ForLookup canonicalizes a domain for map keys and comparisons:
// U-label form, NFC-normalized, lowercased, trailing dot stripped.
// A-label and U-label spellings of one domain map to the same string.
//
// A domain failing IDNA conversion comes back merely lowercased,
// together with the error. It is still usable as an opaque key.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}

	// strings.ToLower does no full case folding, normalize first.
	uDomain = norm.NFC.String(uDomain)
	return strings.TrimSuffix(strings.ToLower(uDomain), "."), nil
}
