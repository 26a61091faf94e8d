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
	"reflect"
	"testing"
)

func TestParsePathArg(t *testing.T) {
	cases := []struct {
		arg      string
		wantAddr string
		wantRest string
		wantOK   bool
	}{
		{"FROM:<sender@example.org>", "sender@example.org", "", true},
		{"from:<sender@example.org>", "sender@example.org", "", true},
		{"FROM: <sender@example.org>", "sender@example.org", "", true},
		{"FROM:<>", "", "", true},
		{"FROM:<sender@example.org> SIZE=1024", "sender@example.org", " SIZE=1024", true},
		{`FROM:<"wild>local"@example.org>`, `"wild>local"@example.org`, "", true},
		{"FROM:sender@example.org", "", "", false},
		{"FROM:<unterminated@example.org", "", "", false},
		{"SIZE=10", "", "", false},
	}
	for _, tc := range cases {
		addr, rest, ok := parsePathArg(tc.arg, mailFromPrefix)
		if ok != tc.wantOK {
			t.Errorf("parsePathArg(%q) ok = %v, want %v", tc.arg, ok, tc.wantOK)
			continue
		}
		if addr != tc.wantAddr || rest != tc.wantRest {
			t.Errorf("parsePathArg(%q) = (%q, %q), want (%q, %q)",
				tc.arg, addr, rest, tc.wantAddr, tc.wantRest)
		}
	}
}

func TestGatherParams(t *testing.T) {
	cases := []struct {
		rest string
		want map[string]string
	}{
		{"", map[string]string{}},
		{" SIZE=1024", map[string]string{"SIZE": "1024"}},
		{" size=1024 BODY=8BITMIME", map[string]string{"SIZE": "1024", "BODY": "8BITMIME"}},
		{" SMTPUTF8", map[string]string{"SMTPUTF8": ""}},
		{" AUTH=<> SIZE=5", map[string]string{"AUTH": "<>", "SIZE": "5"}},
		{" SIZE=", map[string]string{"SIZE": ""}},
	}
	for _, tc := range cases {
		got := gatherParams(tc.rest)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("gatherParams(%q) = %v, want %v", tc.rest, got, tc.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line     string
		wantVerb string
		wantArg  string
		wantOK   bool
	}{
		{"NOOP", "NOOP", "", true},
		{"noop", "NOOP", "", true},
		{"MAIL FROM:<a@example.org>", "MAIL", "FROM:<a@example.org>", true},
		{"MAIL    FROM:<a@example.org>  ", "MAIL", "FROM:<a@example.org>", true},
		{"EHLO\tclient.example.org", "EHLO", "client.example.org", true},
		{"", "", "", false},
		{"123 nope", "", "", false},
		{"MAIL<a@example.org>", "", "", false},
	}
	for _, tc := range cases {
		verb, arg, ok := parseCommand(tc.line)
		if ok != tc.wantOK {
			t.Errorf("parseCommand(%q) ok = %v, want %v", tc.line, ok, tc.wantOK)
			continue
		}
		if verb != tc.wantVerb || arg != tc.wantArg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)",
				tc.line, verb, arg, tc.wantVerb, tc.wantArg)
		}
	}
}

func TestParseReplyLine(t *testing.T) {
	code, sep, text, ok := parseReplyLine("250-8BITMIME")
	if !ok || code != 250 || sep != '-' || text != "8BITMIME" {
		t.Errorf("parseReplyLine(250-8BITMIME) = (%d, %q, %q, %v)", code, sep, text, ok)
	}
	code, sep, text, ok = parseReplyLine("220 mx.example.org ESMTP")
	if !ok || code != 220 || sep != ' ' || text != "mx.example.org ESMTP" {
		t.Errorf("parseReplyLine(220 ...) = (%d, %q, %q, %v)", code, sep, text, ok)
	}
	for _, bad := range []string{"", "250", "2x0 nope", "hello there"} {
		if _, _, _, ok := parseReplyLine(bad); ok {
			t.Errorf("parseReplyLine(%q) accepted", bad)
		}
	}
}
