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
	"strings"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr    string
		mbox    string
		domain  string
		wantErr bool
	}{
		{addr: "user@example.org", mbox: "user", domain: "example.org"},
		{addr: `"quoted@user"@example.org`, mbox: `"quoted@user"`, domain: "example.org"},
		{addr: "postmaster", mbox: "postmaster"},
		{addr: "POSTMASTER", mbox: "POSTMASTER"},
		{addr: "user", wantErr: true},
		{addr: "@example.org", wantErr: true},
		{addr: "user@", wantErr: true},
		{addr: "", wantErr: true},
	}
	for _, tc := range cases {
		mbox, domain, err := Split(tc.addr)
		if (err != nil) != tc.wantErr {
			t.Errorf("Split(%q) err = %v, want err: %v", tc.addr, err, tc.wantErr)
			continue
		}
		if mbox != tc.mbox || domain != tc.domain {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)",
				tc.addr, mbox, domain, tc.mbox, tc.domain)
		}
	}
}

func TestValid(t *testing.T) {
	valid := []string{
		"user@example.org",
		"user.name+tag@example.org",
		"postmaster",
		`"user name"@example.org`,
		"бункер@почта.рф",
		"user@xn--80a1acny.xn--p1ai",
	}
	for _, addr := range valid {
		if !Valid(addr) {
			t.Errorf("Valid(%q) = false, want true", addr)
		}
	}

	invalid := []string{
		"",
		"user",
		"user@",
		"@example.org",
		"us er@example.org",
		"user@.example.org",
		"user@exa..mple.org",
		"user@" + strings.Repeat("a.", 160) + "org",
		strings.Repeat("a", 310) + "@example.org",
	}
	for _, addr := range invalid {
		if Valid(addr) {
			t.Errorf("Valid(%q) = true, want false", addr)
		}
	}
}

func TestIsASCII(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"user@example.org", true},
		{"", true},
		{"bücher@example.org", false},
		{"user@почта.рф", false},
	}
	for _, tc := range cases {
		if got := IsASCII(tc.s); got != tc.want {
			t.Errorf("IsASCII(%q) = %v, want %v", tc.s, got, tc.want)
		}
	}
}
