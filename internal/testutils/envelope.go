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

package testutils

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/kurier-mta/kurier/envelope"
)

// DeliveryData is the flattened form of envelopes built by Envelope.
// SMTPBackend.CheckMsg compares received messages against it.
const DeliveryData = "A: 1\r\n" +
	"B: 2\r\n" +
	"\r\n" +
	"foobar\r\n"

// Envelope returns a small message addressed as given, with an id
// derived from the test name so concurrent tests stay distinguishable
// in logs.
func Envelope(t *testing.T, sender string, rcpts ...string) *envelope.Envelope {
	t.Helper()

	e := envelope.New(sender, rcpts...)
	if err := e.Parse(strings.NewReader(DeliveryData)); err != nil {
		t.Fatal(err)
	}
	id := sha1.Sum([]byte(t.Name()))
	e.ID = hex.EncodeToString(id[:])
	return e
}
