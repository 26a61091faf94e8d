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
	"sort"
	"strconv"
	"strings"
)

// Extensions tracks the ESMTP extensions available in a session, together
// with their optional parameters. Server sessions build the EHLO reply from
// it, client sessions populate it by parsing that reply. Extension names
// are case-insensitive.
type Extensions struct {
	m map[string]string
}

func (e *Extensions) Reset() {
	e.m = nil
}

func (e *Extensions) Has(name string) bool {
	_, ok := e.m[strings.ToUpper(name)]
	return ok
}

// Add makes an extension available. The empty param means the extension is
// advertised without one.
func (e *Extensions) Add(name, param string) {
	if e.m == nil {
		e.m = map[string]string{}
	}
	e.m[strings.ToUpper(name)] = param
}

func (e *Extensions) Drop(name string) bool {
	name = strings.ToUpper(name)
	if _, ok := e.m[name]; !ok {
		return false
	}
	delete(e.m, name)
	return true
}

// Param returns the parameter an extension was advertised with. ok is false
// if the extension is absent.
func (e *Extensions) Param(name string) (param string, ok bool) {
	param, ok = e.m[strings.ToUpper(name)]
	return param, ok
}

// IntParam returns the parameter of an extension interpreted as a decimal
// integer. ok is false if the extension is absent or the parameter does not
// parse.
func (e *Extensions) IntParam(name string) (int, bool) {
	param, ok := e.m[strings.ToUpper(name)]
	if !ok {
		return 0, false
	}
	val, err := strconv.Atoi(param)
	if err != nil {
		return 0, false
	}
	return val, true
}

// ParseString populates the set from an EHLO reply message. The first line
// is the greeting and is returned unchanged, each following line names one
// extension with an optional parameter. Malformed lines are skipped.
func (e *Extensions) ParseString(s string) string {
	var header string
	for i, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if i == 0 {
			header = line
			continue
		}
		name, param, ok := parseExtensionLine(line)
		if !ok {
			continue
		}
		e.Add(name, param)
	}
	return header
}

func parseExtensionLine(line string) (name, param string, ok bool) {
	line = strings.TrimSpace(line)
	i := 0
	for i < len(line) && isExtensionNameChar(line[i]) {
		i++
	}
	if i == 0 || !isAlphanumeric(line[0]) {
		return "", "", false
	}
	name = line[:i]
	rest := strings.TrimSpace(line[i:])
	return name, rest, true
}

func isExtensionNameChar(b byte) bool {
	return isAlphanumeric(b) || b == '-'
}

func isAlphanumeric(b byte) bool {
	return isAlpha(b) || (b >= '0' && b <= '9')
}

// BuildString renders the EHLO reply message: the greeting line followed by
// one line per extension, in a stable order.
func (e *Extensions) BuildString(header string) string {
	names := make([]string, 0, len(e.m))
	for name := range e.m {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names)+1)
	lines = append(lines, header)
	for _, name := range names {
		if param := e.m[name]; param != "" {
			lines = append(lines, name+" "+param)
		} else {
			lines = append(lines, name)
		}
	}
	return strings.Join(lines, "\r\n")
}
