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
	"sync"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/buffer"
)

// MemoryStorage keeps queued messages in process memory. Nothing survives
// a restart, which makes it suitable for tests and for proxy-style setups
// where losing the queue on crash is acceptable.
type MemoryStorage struct {
	mu   sync.Mutex
	msgs map[string]*memoryMsg
}

type memoryMsg struct {
	env  *envelope.Envelope
	meta Meta
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{msgs: map[string]*memoryMsg{}}
}

func (s *MemoryStorage) Write(e *envelope.Envelope, meta Meta) (string, error) {
	stored := e.Copy(append([]string(nil), e.Recipients...))
	if e.Body != nil {
		r, err := e.Body.Open()
		if err != nil {
			return "", err
		}
		body, err := buffer.BufferInMemory(r)
		r.Close()
		if err != nil {
			return "", err
		}
		stored.Body = body
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := e.ID
	for {
		if id == "" {
			id = newID()
		}
		if _, taken := s.msgs[id]; !taken {
			break
		}
		id = ""
	}
	e.ID = id
	stored.ID = id
	s.msgs[id] = &memoryMsg{env: stored, meta: meta}
	return id, nil
}

func (s *MemoryStorage) SetRecipientsDelivered(id string, indexes []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return ErrNoSuchMessage
	}
	msg.env.Recipients = removeRecipients(msg.env.Recipients, indexes)
	return nil
}

func (s *MemoryStorage) LoadAll() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.msgs))
	for id, msg := range s.msgs {
		entries = append(entries, Entry{ID: id, Meta: msg.meta})
	}
	return entries, nil
}

func (s *MemoryStorage) Get(id string) (*envelope.Envelope, Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil, Meta{}, ErrNoSuchMessage
	}
	return msg.env, msg.meta, nil
}

func (s *MemoryStorage) WriteMeta(id string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return ErrNoSuchMessage
	}
	msg.meta = meta
	return nil
}

func (s *MemoryStorage) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
	return nil
}
