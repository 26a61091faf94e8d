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
	"regexp"
	"strings"
)

var (
	mailFromPrefix = regexp.MustCompile(`^[fF][rR][oO][mM]:\s*<`)
	rcptToPrefix   = regexp.MustCompile(`^[tT][oO]:\s*<`)

	paramKeyword = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9-]*)`)
	paramValue   = regexp.MustCompile(`^=([\x21-\x3C\x3E-\x7F]+)`)
)

// parsePathArg extracts the angle-bracketed path from a MAIL or RCPT
// argument. prefix matches the case-insensitive FROM:< or TO:< lead-in.
// rest is everything after the closing bracket, where ESMTP parameters may
// follow. ok is false if the argument does not have the path shape.
func parsePathArg(arg string, prefix *regexp.Regexp) (address, rest string, ok bool) {
	loc := prefix.FindStringIndex(arg)
	if loc == nil {
		return "", "", false
	}
	start := loc[1]
	end := findOutsideQuotes(arg, '>', start)
	if end == -1 {
		return "", "", false
	}
	return arg[start:end], arg[end+1:], true
}

// findOutsideQuotes returns the index of the first needle at or after start
// that is not inside a double-quoted section, or -1. Quoted local parts may
// contain the closing bracket.
func findOutsideQuotes(s string, needle byte, start int) int {
	quoted := false
	for i := start; i < len(s); i++ {
		if quoted {
			if s[i] == '"' {
				quoted = false
			}
			continue
		}
		switch s[i] {
		case needle:
			return i
		case '"':
			quoted = true
		}
	}
	return -1
}

// gatherParams collects ESMTP parameters following the path of a MAIL or
// RCPT command. Keywords are upper-cased, a keyword without a value maps to
// the empty string.
func gatherParams(remaining string) map[string]string {
	params := map[string]string{}
	pos := 0
	for {
		loc := paramKeyword.FindStringSubmatchIndex(remaining[pos:])
		if loc == nil {
			break
		}
		keyword := strings.ToUpper(remaining[pos+loc[2] : pos+loc[3]])
		pos += loc[1]
		if vloc := paramValue.FindStringSubmatchIndex(remaining[pos:]); vloc != nil {
			params[keyword] = remaining[pos+vloc[2] : pos+vloc[3]]
			pos += vloc[1]
		} else {
			params[keyword] = ""
		}
	}
	return params
}
