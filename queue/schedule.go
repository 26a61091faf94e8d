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
	"container/heap"
	"time"
)

// schedule is a min-heap of stored messages keyed on the time their next
// delivery attempt is due.
type schedule []Entry

func (s schedule) Len() int           { return len(s) }
func (s schedule) Less(i, j int) bool { return s[i].Meta.Timestamp.Before(s[j].Meta.Timestamp) }
func (s schedule) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

func (s *schedule) Push(v interface{}) {
	*s = append(*s, v.(Entry))
}

func (s *schedule) Pop() interface{} {
	old := *s
	n := len(old)
	v := old[n-1]
	*s = old[:n-1]
	return v
}

// dispatchLoop owns the schedule heap. Entries arrive over the add
// channel, are held until due and then dispatched. Only this goroutine
// touches the heap.
func (q *Queue) dispatchLoop() {
	var pending schedule
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		var due <-chan time.Time
		if len(pending) != 0 {
			wait := time.Until(pending[0].Meta.Timestamp)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			due = timer.C
		}

		select {
		case ent := <-q.add:
			heap.Push(&pending, ent)
		case <-q.flushReq:
			// Making every key equal keeps the heap ordering valid.
			now := time.Now()
			for i := range pending {
				pending[i].Meta.Timestamp = now
			}
		case <-due:
			now := time.Now()
			for len(pending) != 0 && !pending[0].Meta.Timestamp.After(now) {
				ent := heap.Pop(&pending).(Entry)
				q.dispatch(ent.ID)
			}
		case <-q.stop:
			close(q.done)
			return
		}

		if due != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// schedule hands an entry to the dispatch loop. After Close it is a no-op:
// the message stays in storage and is rescheduled on the next Start.
func (q *Queue) schedule(ent Entry) {
	select {
	case q.add <- ent:
	case <-q.done:
	}
}
