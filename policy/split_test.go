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
	"reflect"
	"testing"
)

func TestRecipientSplit(t *testing.T) {
	e := testEnvelope(t, "sender@example.com",
		"one@example.org", "two@example.org", "three@example.net")

	parts, err := (RecipientSplit{}).Apply(e)
	if err != nil {
		t.Fatal(err)
	}

	if len(parts) != 3 {
		t.Fatalf("parts: got %d, want 3", len(parts))
	}
	for i, want := range []string{"one@example.org", "two@example.org", "three@example.net"} {
		if !reflect.DeepEqual(parts[i].Recipients, []string{want}) {
			t.Errorf("part %d recipients: got %v, want [%s]", i, parts[i].Recipients, want)
		}
		if parts[i].Sender != "sender@example.com" {
			t.Errorf("part %d sender: got %q", i, parts[i].Sender)
		}
	}

	// Headers must be independent between the parts.
	parts[0].Header.Add("X-Part", "0")
	if parts[1].Header.Has("X-Part") {
		t.Error("headers are shared between split parts")
	}
}

func TestRecipientSplitSingleRecipient(t *testing.T) {
	e := testEnvelope(t, "sender@example.com", "one@example.org")

	parts, err := (RecipientSplit{}).Apply(e)
	if err != nil {
		t.Fatal(err)
	}
	if parts != nil {
		t.Errorf("expected the envelope to pass unchanged, got %d parts", len(parts))
	}
}

func TestRecipientDomainSplit(t *testing.T) {
	e := testEnvelope(t, "sender@example.com",
		"a@One.example", "b@two.example", "c@ONE.example", "postmaster", "no-at-sign")

	parts, err := (RecipientDomainSplit{}).Apply(e)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"a@One.example", "c@ONE.example"},
		{"b@two.example"},
		{"postmaster"},
		{"no-at-sign"},
	}
	if len(parts) != len(want) {
		t.Fatalf("parts: got %d, want %d", len(parts), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(parts[i].Recipients, want[i]) {
			t.Errorf("part %d recipients: got %v, want %v", i, parts[i].Recipients, want[i])
		}
	}
}

func TestRecipientDomainSplitSingleDomain(t *testing.T) {
	e := testEnvelope(t, "sender@example.com", "a@example.org", "b@EXAMPLE.ORG")

	parts, err := (RecipientDomainSplit{}).Apply(e)
	if err != nil {
		t.Fatal(err)
	}
	if parts != nil {
		t.Errorf("expected the envelope to pass unchanged, got %d parts", len(parts))
	}
}
