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

// Package relay implements delivery of envelopes to their next hop: a
// fixed host, the MX servers responsible for each recipient domain, or an
// external command.
package relay

import (
	"context"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/smtp"
)

// Result maps each recipient of an attempted envelope to the SMTP reply
// recorded for it. A 2xx reply means the recipient was delivered, a 4xx
// reply that delivery should be retried later and a 5xx reply that the
// recipient failed permanently. Recipients missing from the map count as
// delivered.
type Result map[string]*smtp.Reply

// Relay hands envelopes to their next hop.
//
// Attempt returns (nil, nil) when every recipient was delivered. A non-nil
// Result reports mixed per-recipient outcomes. A non-nil error means the
// attempt failed for the envelope as a whole: when the error is or wraps a
// *smtp.Reply the reply code classifies the failure, otherwise the
// framework/exterrors temporary convention applies and unspecified errors
// are treated as transient.
//
// attempts is the number of delivery attempts already made for this
// envelope, zero for a fresh message. Relays may use it to rotate between
// equally preferred destination hosts.
type Relay interface {
	Attempt(ctx context.Context, e *envelope.Envelope, attempts int) (Result, error)
}
