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
	"regexp"

	"github.com/kurier-mta/kurier/envelope"
)

// ForwardRule rewrites recipients matching Pattern using Replacement as
// the expansion template, $1 style references included.
type ForwardRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Forward rewrites recipient addresses through an ordered rule list. At
// most one rule applies per recipient, the first whose pattern matches
// and whose substitution result is non-empty. Recipients matching no
// rule pass unchanged.
type Forward struct {
	Rules []ForwardRule
}

func (p Forward) Apply(e *envelope.Envelope) ([]*envelope.Envelope, error) {
	for i, rcpt := range e.Recipients {
		for _, rule := range p.Rules {
			if !rule.Pattern.MatchString(rcpt) {
				continue
			}
			rewritten := rule.Pattern.ReplaceAllString(rcpt, rule.Replacement)
			if rewritten == "" {
				continue
			}
			e.Recipients[i] = rewritten
			break
		}
	}
	return nil, nil
}
