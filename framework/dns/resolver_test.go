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
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/miekg/dns"
)

func TestFixedTTLResolver(t *testing.T) {
	inner := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{{Host: "mx.example.org.", Pref: 10}},
		},
	}}
	r := FixedTTLResolver{Resolver: inner, TTL: 5 * time.Minute}

	recs, ttl, err := r.LookupMXTTL(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if ttl != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", ttl)
	}
	if len(recs) != 1 || recs[0].Host != "mx.example.org." {
		t.Errorf("records = %+v", recs)
	}
}

func TestLookupAddr(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"1.0.0.127.in-addr.arpa.": {
			PTR: []string{"mail.example.org."},
		},
	}}

	name, err := LookupAddr(context.Background(), r, net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if name != "mail.example.org" {
		t.Errorf("name = %q, want mail.example.org", name)
	}

	// No PTR record is not an error.
	name, err = LookupAddr(context.Background(), r, net.ParseIP("127.0.0.2"))
	if !IsNotFound(err) && err != nil {
		t.Fatal(err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty", name)
	}
}

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&net.DNSError{IsNotFound: true}, true},
		{&net.DNSError{IsTemporary: true}, false},
		{RCodeError{Name: "example.org.", Code: dns.RcodeNameError}, true},
		{RCodeError{Name: "example.org.", Code: dns.RcodeServerFailure}, false},
		{errors.New("unrelated"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsNotFound(tc.err); got != tc.want {
			t.Errorf("IsNotFound(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRCodeErrorTemporary(t *testing.T) {
	if !(RCodeError{Code: dns.RcodeServerFailure}).Temporary() {
		t.Error("SERVFAIL is not reported as temporary")
	}
	if (RCodeError{Code: dns.RcodeNameError}).Temporary() {
		t.Error("NXDOMAIN is reported as temporary")
	}
}

func TestForLookup(t *testing.T) {
	cases := []struct {
		domain string
		want   string
	}{
		{"example.org", "example.org"},
		{"EXAMPLE.ORG", "example.org"},
		{"example.org.", "example.org"},
		{"xn--80a1acny.xn--p1ai", "почта.рф"},
		{"ПОЧТА.РФ", "почта.рф"},
	}
	for _, tc := range cases {
		got, err := ForLookup(tc.domain)
		if err != nil {
			t.Errorf("ForLookup(%q): %v", tc.domain, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ForLookup(%q) = %q, want %q", tc.domain, got, tc.want)
		}
	}
}
