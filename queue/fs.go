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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/buffer"
	"github.com/kurier-mta/kurier/framework/log"
)

// FSStorage keeps queued messages in a directory, two files per message:
// "<id>.env" holds the flattened message and "<id>.meta" a JSON record
// with the addressing and delivery state. Files are written into the
// scratch subdirectory first and moved into place with rename(2), so the
// directory must not span filesystems.
//
// The message file is written once and never modified, the meta file is
// small and rewritten on every state change.
type FSStorage struct {
	dir     string
	scratch string

	Log log.Logger
}

// fsRecord is the layout of a .meta file.
type fsRecord struct {
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`

	Envelope fsEnvelope `json:"envelope"`
}

// fsEnvelope carries the parts of an envelope that do not live in the
// message itself. Recipients holds the pending set, already shrunk by
// SetRecipientsDelivered.
type fsEnvelope struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Receiver   string    `json:"receiver,omitempty"`
	Received   time.Time `json:"received"`
	EightBit   bool      `json:"eight_bit,omitempty"`

	Client fsClient `json:"client"`
}

type fsClient struct {
	IP       net.IP            `json:"ip,omitempty"`
	Host     string            `json:"host,omitempty"`
	Name     string            `json:"name,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Security envelope.Security `json:"security,omitempty"`
	Auth     string            `json:"auth,omitempty"`
}

// OpenFSStorage prepares dir for use as queue storage, creating it and the
// scratch subdirectory when missing. Leftovers of writes interrupted by a
// crash are found in scratch and discarded: their messages were never
// acknowledged, so the client will send them again.
func OpenFSStorage(dir string) (*FSStorage, error) {
	s := &FSStorage{dir: dir, scratch: filepath.Join(dir, "scratch")}
	if err := os.MkdirAll(s.scratch, 0700); err != nil {
		return nil, fmt.Errorf("queue: cannot create storage directory: %w", err)
	}

	leftovers, err := os.ReadDir(s.scratch)
	if err != nil {
		return nil, fmt.Errorf("queue: cannot read scratch directory: %w", err)
	}
	for _, ent := range leftovers {
		if err := os.Remove(filepath.Join(s.scratch, ent.Name())); err != nil {
			return nil, fmt.Errorf("queue: cannot discard scratch leftover: %w", err)
		}
	}
	if len(leftovers) != 0 {
		s.Log.Printf("discarded %d interrupted queue file writes", len(leftovers))
	}

	return s, nil
}

func (s *FSStorage) Write(e *envelope.Envelope, meta Meta) (string, error) {
	id := e.ID
	for {
		if id == "" {
			id = newID()
		}
		_, err := os.Stat(filepath.Join(s.dir, id+".env"))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("queue: cannot probe storage: %w", err)
		}
		// Taken. Happens when a policy split the message and the copies
		// share the reception id.
		id = ""
	}
	e.ID = id

	if err := s.writeFile(id+".env", e.Flatten); err != nil {
		return "", fmt.Errorf("queue: cannot store message: %w", err)
	}
	rec := &fsRecord{
		Attempts:  meta.Attempts,
		Timestamp: meta.Timestamp,
		Envelope: fsEnvelope{
			ID:         id,
			Sender:     e.Sender,
			Recipients: append([]string(nil), e.Recipients...),
			Receiver:   e.Receiver,
			Received:   e.Timestamp,
			EightBit:   e.EightBit,
			Client: fsClient{
				IP:       e.Client.IP,
				Host:     e.Client.Host,
				Name:     e.Client.Name,
				Protocol: e.Client.Protocol,
				Security: e.Client.Security,
				Auth:     e.Client.Auth,
			},
		},
	}
	if err := s.writeRecord(id, rec); err != nil {
		s.removeQuiet(id + ".env")
		return "", fmt.Errorf("queue: cannot store metadata: %w", err)
	}
	return id, nil
}

func (s *FSStorage) SetRecipientsDelivered(id string, indexes []int) error {
	rec, err := s.readRecord(id)
	if err != nil {
		return err
	}
	rec.Envelope.Recipients = removeRecipients(rec.Envelope.Recipients, indexes)
	if err := s.writeRecord(id, rec); err != nil {
		return fmt.Errorf("queue: cannot update metadata: %w", err)
	}
	return nil
}

func (s *FSStorage) LoadAll() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: cannot read storage directory: %w", err)
	}

	var entries []Entry
	seen := map[string]bool{}
	for _, ent := range dirents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), ".meta")

		rec, err := s.readRecord(id)
		if err != nil {
			s.Log.Error("skipping unreadable meta file", err, "id", id)
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, id+".env")); err != nil {
			if os.IsNotExist(err) {
				s.Log.Msg("discarding meta file without a message", "id", id)
				s.removeQuiet(id + ".meta")
			}
			continue
		}

		seen[id] = true
		entries = append(entries, Entry{
			ID:   id,
			Meta: Meta{Attempts: rec.Attempts, Timestamp: rec.Timestamp},
		})
	}

	// The reverse direction: message files whose meta never made it.
	for _, ent := range dirents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".env") {
			continue
		}
		if id := strings.TrimSuffix(ent.Name(), ".env"); !seen[id] {
			s.Log.Msg("discarding message file without meta", "id", id)
			s.removeQuiet(ent.Name())
		}
	}

	return entries, nil
}

// Get parses the header block out of the message file and returns the
// body as a reference into that file, so a deferred message does not sit
// in memory while it waits for its next attempt. The body stays readable
// until Remove.
func (s *FSStorage) Get(id string) (*envelope.Envelope, Meta, error) {
	rec, err := s.readRecord(id)
	if err != nil {
		return nil, Meta{}, err
	}

	path := filepath.Join(s.dir, id+".env")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNoSuchMessage
		}
		return nil, Meta{}, fmt.Errorf("queue: cannot open message: %w", err)
	}
	defer f.Close()

	// The body starts where the header parser stopped consuming, minus
	// what the parser read ahead.
	cr := &countingReader{r: f}
	bufr := bufio.NewReader(cr)
	hdr, err := textproto.ReadHeader(bufr)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("queue: cannot read message: %w", err)
	}
	bodyOffset := cr.n - int64(bufr.Buffered())
	info, err := f.Stat()
	if err != nil {
		return nil, Meta{}, fmt.Errorf("queue: cannot read message: %w", err)
	}

	e := &envelope.Envelope{
		ID:         rec.Envelope.ID,
		Sender:     rec.Envelope.Sender,
		Recipients: rec.Envelope.Recipients,
		Header:     hdr,
		Body: buffer.FileBuffer{
			Path:    path,
			Offset:  bodyOffset,
			LenHint: int(info.Size() - bodyOffset),
		},
		Receiver:  rec.Envelope.Receiver,
		Timestamp: rec.Envelope.Received,
		EightBit:  rec.Envelope.EightBit,
		Client: envelope.Client{
			IP:       rec.Envelope.Client.IP,
			Host:     rec.Envelope.Client.Host,
			Name:     rec.Envelope.Client.Name,
			Protocol: rec.Envelope.Client.Protocol,
			Security: rec.Envelope.Client.Security,
			Auth:     rec.Envelope.Client.Auth,
		},
	}

	return e, Meta{Attempts: rec.Attempts, Timestamp: rec.Timestamp}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func (s *FSStorage) WriteMeta(id string, meta Meta) error {
	rec, err := s.readRecord(id)
	if err != nil {
		return err
	}
	rec.Attempts = meta.Attempts
	rec.Timestamp = meta.Timestamp
	if err := s.writeRecord(id, rec); err != nil {
		return fmt.Errorf("queue: cannot update metadata: %w", err)
	}
	return nil
}

func (s *FSStorage) Remove(id string) error {
	var firstErr error
	for _, name := range []string{id + ".env", id + ".meta"} {
		err := os.Remove(filepath.Join(s.dir, name))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FSStorage) readRecord(id string) (*fsRecord, error) {
	f, err := os.Open(filepath.Join(s.dir, id+".meta"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchMessage
		}
		return nil, fmt.Errorf("queue: cannot open metadata: %w", err)
	}
	defer f.Close()

	rec := &fsRecord{}
	if err := json.NewDecoder(f).Decode(rec); err != nil {
		return nil, fmt.Errorf("queue: cannot decode metadata: %w", err)
	}
	return rec, nil
}

func (s *FSStorage) writeRecord(id string, rec *fsRecord) error {
	return s.writeFile(id+".meta", func(w io.Writer) error {
		return json.NewEncoder(w).Encode(rec)
	})
}

// writeFile writes a storage file atomically: content goes to the scratch
// directory, is synced and then renamed into place.
func (s *FSStorage) writeFile(name string, write func(io.Writer) error) error {
	scratch := filepath.Join(s.scratch, name)
	f, err := os.Create(scratch)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(scratch)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(scratch)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(scratch)
		return err
	}
	return os.Rename(scratch, filepath.Join(s.dir, name))
}

func (s *FSStorage) removeQuiet(name string) {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		s.Log.Error("dangling file removal failed", err)
	}
}
