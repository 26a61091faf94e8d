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

// Package policy implements synchronous envelope transformations applied
// by the queue before a message is written to storage.
//
// A policy may mutate the envelope in place, replace it with several
// envelopes (splitting) or refuse it altogether. Rewriting and splitting
// share the single Policy interface, the queue applies them in the order
// they were configured.
package policy

import (
	"fmt"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/smtp"
)

// Policy transforms an envelope on its way into the queue.
type Policy interface {
	// Apply inspects or modifies e. Returning a nil slice keeps e with
	// any in-place modifications. Returning a non-empty slice replaces
	// e with the returned envelopes.
	//
	// An error of type *RejectError refuses the message, any other
	// error marks the policy as failed without affecting the message.
	Apply(e *envelope.Envelope) ([]*envelope.Envelope, error)
}

// RejectError refuses a message on behalf of a policy. The edge turns
// the carried reply into the response for the pending command.
type RejectError struct {
	Reply *smtp.Reply
}

func (err *RejectError) Error() string {
	return fmt.Sprintf("policy: message rejected: %v", err.Reply)
}

// Reject returns a RejectError carrying a reply with the given code and
// message text.
func Reject(code int, message string) *RejectError {
	return &RejectError{Reply: smtp.NewReply(code, message)}
}

// Apply runs a single policy over every envelope in set, collecting the
// produced envelopes in order. The set is unchanged when the policy
// fails.
func Apply(p Policy, set []*envelope.Envelope) ([]*envelope.Envelope, error) {
	out := make([]*envelope.Envelope, 0, len(set))
	for _, e := range set {
		res, err := p.Apply(e)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			out = append(out, e)
			continue
		}
		out = append(out, res...)
	}
	return out, nil
}

// Run applies the policies in order, starting from the set {e}. Each
// policy sees every envelope produced by its predecessors. The first
// error stops the run.
//
// Callers that want failing policies skipped instead (the queue does)
// should drive Apply themselves.
func Run(policies []Policy, e *envelope.Envelope) ([]*envelope.Envelope, error) {
	set := []*envelope.Envelope{e}
	for _, p := range policies {
		var err error
		set, err = Apply(p, set)
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}
