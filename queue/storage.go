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

package queue

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kurier-mta/kurier/envelope"
)

// ErrNoSuchMessage is returned by storage operations referring to an id
// that is not (or no longer) stored.
var ErrNoSuchMessage = errors.New("queue: no such message")

// Meta is the delivery state tracked for every stored message.
type Meta struct {
	// Attempts counts the delivery attempts already made.
	Attempts int

	// Timestamp is when the next delivery attempt is due. For a newly
	// written message it is the enqueue time.
	Timestamp time.Time
}

// Entry pairs a stored message id with its metadata.
type Entry struct {
	ID   string
	Meta Meta
}

// Storage persists queued messages between delivery attempts. The queue
// acknowledges a message to the edge only after Write returned, so Write
// must not return before the message would survive a process crash.
//
// Implementations keep their own copy of the message: the envelope passed
// to Write stays owned by the caller, except for the ID field which is
// stamped with the assigned record id.
type Storage interface {
	// Write stores a new message and returns its id. When e.ID is set and
	// not taken yet it becomes the record id, otherwise a fresh id is
	// generated. Either way the result is stamped back onto e.ID.
	Write(e *envelope.Envelope, meta Meta) (string, error)

	// SetRecipientsDelivered removes recipients from the stored recipient
	// set so that later Get calls no longer return them. The indexes refer
	// to the recipient list returned by the most recent Get. Used between
	// attempts for recipients that were delivered or failed permanently.
	SetRecipientsDelivered(id string, indexes []int) error

	// LoadAll returns the id and metadata of every stored message. Called
	// once on startup to reconstruct the delivery schedule.
	LoadAll() ([]Entry, error)

	// Get returns the stored message. The recipient list excludes those
	// marked by SetRecipientsDelivered.
	Get(id string) (*envelope.Envelope, Meta, error)

	// WriteMeta replaces the metadata of a stored message. It must not
	// touch the message itself.
	WriteMeta(id string, meta Meta) error

	// Remove deletes a stored message. Removing an unknown id is not an
	// error.
	Remove(id string) error
}

func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// removeRecipients returns rcpts without the elements at the given
// indexes. Indexes out of range are ignored.
func removeRecipients(rcpts []string, indexes []int) []string {
	drop := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		drop[i] = struct{}{}
	}
	kept := make([]string, 0, len(rcpts))
	for i, rcpt := range rcpts {
		if _, ok := drop[i]; ok {
			continue
		}
		kept = append(kept, rcpt)
	}
	return kept
}

// boundedStorage decorates a Storage with a semaphore so that slow
// backends are not hammered by parallel deliveries.
type boundedStorage struct {
	backend Storage
	sem     chan struct{}
}

func (b *boundedStorage) acquire() func() {
	b.sem <- struct{}{}
	return func() { <-b.sem }
}

func (b *boundedStorage) Write(e *envelope.Envelope, meta Meta) (string, error) {
	defer b.acquire()()
	return b.backend.Write(e, meta)
}

func (b *boundedStorage) SetRecipientsDelivered(id string, indexes []int) error {
	defer b.acquire()()
	return b.backend.SetRecipientsDelivered(id, indexes)
}

func (b *boundedStorage) LoadAll() ([]Entry, error) {
	defer b.acquire()()
	return b.backend.LoadAll()
}

func (b *boundedStorage) Get(id string) (*envelope.Envelope, Meta, error) {
	defer b.acquire()()
	return b.backend.Get(id)
}

func (b *boundedStorage) WriteMeta(id string, meta Meta) error {
	defer b.acquire()()
	return b.backend.WriteMeta(id, meta)
}

func (b *boundedStorage) Remove(id string) error {
	defer b.acquire()()
	return b.backend.Remove(id)
}
