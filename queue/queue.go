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

/*
Package queue implements the durable retry queue between message reception
and delivery.

Messages enter through Enqueue: they are run through the configured
policies, written to a Storage implementation and scheduled for an
immediate first delivery through the configured relay. A message is
acknowledged to the caller only once it is safe on storage.

Delivery outcome is tracked per recipient:

  - a whole-envelope error from the relay counts against every pending
    recipient,
  - per-recipient replies are classified by code class: 2xx delivered,
    4xx retried later, 5xx failed permanently.

Permanent failures are reported back to the sender with a bounce message
built by the bounce factory and enqueued like any other message, except
that bounces of messages that themselves have the null sender are dropped.
Transient failures are retried on the schedule decided by the backoff
function; when it gives up, the failure becomes permanent. Recipients that
need no further attempts are flushed out of the stored recipient set
between attempts, so a retry talks only to the hops that still matter.
*/
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kurier-mta/kurier/bounce"
	"github.com/kurier-mta/kurier/envelope"
	"github.com/kurier-mta/kurier/framework/exterrors"
	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/policy"
	"github.com/kurier-mta/kurier/relay"
	"github.com/kurier-mta/kurier/smtp"
)

// dontRecover disables the delivery panic handler so that tests fail loud
// instead of masking bugs.
var dontRecover = false

// BackoffFunc decides when the next delivery attempt of a message should
// happen. attempts counts the attempts already made, including the one
// that just failed. Returning false gives up on the message: the pending
// recipients fail permanently.
type BackoffFunc func(e *envelope.Envelope, attempts int) (time.Duration, bool)

// Exponential returns a backoff schedule of the form
// initial * scale^(attempts-1), giving up after maxTries attempts.
func Exponential(initial time.Duration, scale float64, maxTries int) BackoffFunc {
	return func(_ *envelope.Envelope, attempts int) (time.Duration, bool) {
		if attempts >= maxTries {
			return 0, false
		}
		return time.Duration(float64(initial) * math.Pow(scale, float64(attempts-1))), true
	}
}

// BounceFactory builds the non-delivery report for permanently failed
// recipients. Returning a nil envelope suppresses the bounce and drops
// the message.
type BounceFactory func(e *envelope.Envelope, failures []bounce.Failure) (*envelope.Envelope, error)

// Enqueuer is the queue side of a message handoff.
type Enqueuer interface {
	Enqueue(e *envelope.Envelope) ([]string, error)
}

type Config struct {
	// Name labels log lines and metrics of this queue.
	Name string

	// Storage persists messages between delivery attempts. Required.
	Storage Storage

	// Relay delivers messages to their next hop. Required.
	Relay relay.Relay

	// Policies are applied in order to every envelope before it is
	// stored.
	Policies []policy.Policy

	// Backoff schedules retries after transient failures. When nil,
	// messages are never retried and the first failure is final.
	Backoff BackoffFunc

	// Bounces generates non-delivery reports. When nil, a
	// bounce.Generator with the configured Hostname is used.
	Bounces BounceFactory

	// Hostname identifies this host in generated bounce messages.
	Hostname string

	// MaxDeliveries bounds the number of delivery attempts running in
	// parallel. Zero means the default of 16.
	MaxDeliveries int

	// MaxStorageOps bounds the number of storage operations running in
	// parallel. Zero means unbounded.
	MaxStorageOps int

	Log log.Logger
}

// Queue delivers stored messages to a relay until every recipient is
// delivered or failed permanently. This is not a FIFO structure: the place
// of a message is decided entirely by the timestamp of its next delivery
// attempt.
type Queue struct {
	name     string
	storage  Storage
	relay    relay.Relay
	policies []policy.Policy
	backoff  BackoffFunc
	bounces  BounceFactory

	// bounceQueue is where generated bounces are enqueued. Defaults to
	// the queue itself.
	bounceQueue Enqueuer

	Log log.Logger

	add      chan Entry
	flushReq chan struct{}
	stop     chan struct{}
	done     chan struct{}

	flightMu sync.Mutex
	inFlight map[string]struct{}

	deliveryWg  sync.WaitGroup
	deliverySem chan struct{}
}

func New(cfg Config) (*Queue, error) {
	if cfg.Storage == nil {
		return nil, errors.New("queue: no storage configured")
	}
	if cfg.Relay == nil {
		return nil, errors.New("queue: no relay configured")
	}

	name := cfg.Name
	if name == "" {
		name = "queue"
	}
	storage := cfg.Storage
	if cfg.MaxStorageOps > 0 {
		storage = &boundedStorage{backend: storage, sem: make(chan struct{}, cfg.MaxStorageOps)}
	}
	parallelism := cfg.MaxDeliveries
	if parallelism <= 0 {
		parallelism = 16
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = func(*envelope.Envelope, int) (time.Duration, bool) { return 0, false }
	}
	bounces := cfg.Bounces
	if bounces == nil {
		gen := bounce.Generator{Hostname: cfg.Hostname}
		bounces = gen.Generate
	}

	q := &Queue{
		name:        name,
		storage:     storage,
		relay:       cfg.Relay,
		policies:    cfg.Policies,
		backoff:     backoff,
		bounces:     bounces,
		Log:         cfg.Log,
		add:         make(chan Entry),
		flushReq:    make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		inFlight:    map[string]struct{}{},
		deliverySem: make(chan struct{}, parallelism),
	}
	q.bounceQueue = q
	return q, nil
}

// SetBounceQueue routes generated bounce messages into another queue, for
// setups that deliver bounces over a different relay or policy chain. The
// default is the queue itself.
func (q *Queue) SetBounceQueue(bq Enqueuer) {
	q.bounceQueue = bq
}

// Start reconstructs the delivery schedule from storage and begins
// dispatching. Messages whose stored timestamp already passed are
// attempted immediately. Enqueue may be used only between Start and
// Close.
func (q *Queue) Start() error {
	entries, err := q.storage.LoadAll()
	if err != nil {
		return fmt.Errorf("queue: cannot load stored messages: %w", err)
	}

	go q.dispatchLoop()

	for _, ent := range entries {
		q.schedule(ent)
	}
	if len(entries) != 0 {
		queuedMsgs.WithLabelValues(q.name).Add(float64(len(entries)))
		q.Log.Printf("loaded %d stored messages", len(entries))
	}
	return nil
}

// Close stops dispatching and waits for the delivery attempts already in
// flight to finish. Messages scheduled for later stay in storage and are
// picked up by the next Start.
func (q *Queue) Close() error {
	select {
	case q.stop <- struct{}{}:
	case <-q.done:
		// Already closed.
	}
	q.deliveryWg.Wait()
	return nil
}

// Flush makes every scheduled message due immediately, regardless of its
// retry timer. This can be expensive on a long queue.
func (q *Queue) Flush() {
	select {
	case q.flushReq <- struct{}{}:
	case <-q.done:
	}
}

// Enqueue runs the queue policies on e, stores the resulting envelopes
// and schedules their first delivery attempt. The returned ids identify
// the stored messages, the first one is meant for the acknowledgement
// shown to the submitting client.
//
// A *policy.RejectError refuses the message on behalf of a policy and
// carries the reply to answer with. Any other error is a storage failure:
// nothing is scheduled and the client should see a transient reply.
func (q *Queue) Enqueue(e *envelope.Envelope) ([]string, error) {
	set := []*envelope.Envelope{e}
	for _, p := range q.policies {
		result, err := policy.Apply(p, set)
		if err != nil {
			var rej *policy.RejectError
			if errors.As(err, &rej) {
				return nil, err
			}
			// Failures local to one policy do not fail the write, the
			// policy is skipped.
			q.Log.Error("policy failed, skipped", err, "policy", fmt.Sprintf("%T", p), "id", e.ID)
			continue
		}
		set = result
	}

	now := time.Now()
	ids := make([]string, 0, len(set))
	for _, part := range set {
		id, err := q.storage.Write(part, Meta{Timestamp: now})
		if err != nil {
			for _, written := range ids {
				if rmErr := q.storage.Remove(written); rmErr != nil {
					q.Log.Error("cannot roll back partial enqueue", rmErr, "id", written)
				}
			}
			return nil, fmt.Errorf("queue: cannot store message: %w", err)
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		q.Log.Msg("queued", "id", id, "sender", set[i].Sender, "rcpts", set[i].Recipients)
		queuedMsgs.WithLabelValues(q.name).Inc()
		messageOutcomes.WithLabelValues(q.name, "queued").Inc()
		q.schedule(Entry{ID: id, Meta: Meta{Timestamp: now}})
	}
	return ids, nil
}

// dispatch starts the delivery of a stored message unless one is already
// running for the same id.
func (q *Queue) dispatch(id string) {
	q.flightMu.Lock()
	if _, active := q.inFlight[id]; active {
		q.flightMu.Unlock()
		return
	}
	q.inFlight[id] = struct{}{}
	q.flightMu.Unlock()

	q.deliveryWg.Add(1)
	go func() {
		q.deliverySem <- struct{}{}
		defer func() {
			<-q.deliverySem
			q.deliveryWg.Done()

			if dontRecover {
				return
			}
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during delivery of %s: %v\n%s", id, err, stack)
				// The in-flight flag stays set, so the message is not
				// touched again until the next restart.
			}
		}()

		q.attempt(id)
	}()
}

func (q *Queue) clearInFlight(id string) {
	q.flightMu.Lock()
	delete(q.inFlight, id)
	q.flightMu.Unlock()
}

func (q *Queue) attempt(id string) {
	e, meta, err := q.storage.Get(id)
	if err != nil {
		q.clearInFlight(id)
		if errors.Is(err, ErrNoSuchMessage) {
			// Raced with a removal, nothing left to do.
			return
		}
		q.Log.Error("cannot read stored message", err, "id", id)
		return
	}

	q.Log.DebugMsg("delivery attempt", "id", id, "attempt", meta.Attempts+1, "rcpts", e.Recipients)
	res, err := q.relay.Attempt(context.Background(), e, meta.Attempts)

	if err != nil {
		var reply *smtp.Reply
		if !errors.As(err, &reply) {
			q.Log.Error("relay failed", err, "id", id)
		}
		reply = replyForError(err)
		if reply.Temporary() {
			q.retryLater(id, e, meta, repeatReply(reply, len(e.Recipients)))
		} else {
			failures := make([]bounce.Failure, len(e.Recipients))
			for i, rcpt := range e.Recipients {
				q.Log.Msg("not delivered, permanent failure", "id", id, "rcpt", rcpt, "reply", reply.String())
				failures[i] = bounce.Failure{Recipient: rcpt, Reply: reply}
			}
			q.permFail(id, e, failures)
		}
		return
	}

	if res == nil {
		for _, rcpt := range e.Recipients {
			q.Log.Msg("delivered", "id", id, "rcpt", rcpt, "attempt", meta.Attempts+1)
		}
		q.remove(id)
		messageOutcomes.WithLabelValues(q.name, "delivered").Inc()
		return
	}

	q.handlePartial(id, e, meta, res)
}

// handlePartial sorts a per-recipient result into delivered, temporarily
// failed and permanently failed recipients and acts on each group.
func (q *Queue) handlePartial(id string, e *envelope.Envelope, meta Meta, res relay.Result) {
	var (
		finished    []int
		tempfails   []string
		tempReplies []*smtp.Reply
		permfails   []bounce.Failure
	)
	for i, rcpt := range e.Recipients {
		reply := res[rcpt]
		switch {
		case reply == nil || !reply.IsError():
			q.Log.Msg("delivered", "id", id, "rcpt", rcpt, "attempt", meta.Attempts+1)
			finished = append(finished, i)
		case reply.Temporary():
			q.Log.Msg("delivery deferred", "id", id, "rcpt", rcpt, "reply", reply.String())
			tempfails = append(tempfails, rcpt)
			tempReplies = append(tempReplies, reply)
		default:
			q.Log.Msg("not delivered, permanent failure", "id", id, "rcpt", rcpt, "reply", reply.String())
			finished = append(finished, i)
			permfails = append(permfails, bounce.Failure{Recipient: rcpt, Reply: reply})
		}
	}

	if len(permfails) != 0 {
		q.emitBounce(e, permfails)
	}
	if len(tempfails) == 0 {
		q.remove(id)
		if len(permfails) == 0 {
			messageOutcomes.WithLabelValues(q.name, "delivered").Inc()
		}
		return
	}

	// Narrow the stored recipient set while the message is still marked
	// in flight, so the rescheduled attempt reads only the pending
	// recipients.
	if len(finished) != 0 {
		if err := q.storage.SetRecipientsDelivered(id, finished); err != nil {
			q.Log.Error("cannot narrow recipient set", err, "id", id)
		}
	}
	q.retryLater(id, e.Copy(tempfails), meta, tempReplies)
}

// retryLater reschedules the remaining recipients of a message after a
// transient failure. replies holds the reply each pending recipient got,
// aligned with e.Recipients. When the backoff gives up, the failure
// becomes permanent instead.
func (q *Queue) retryLater(id string, e *envelope.Envelope, meta Meta, replies []*smtp.Reply) {
	meta.Attempts++
	wait, ok := q.backoff(e, meta.Attempts)
	if !ok {
		failures := make([]bounce.Failure, len(e.Recipients))
		for i, rcpt := range e.Recipients {
			reply := replies[i].Clone()
			reply.SetMessage(reply.Message() + " (Too many retries)")
			failures[i] = bounce.Failure{Recipient: rcpt, Reply: reply}
		}
		q.Log.Msg("giving up", "id", id, "attempts", meta.Attempts, "rcpts", e.Recipients)
		q.permFail(id, e, failures)
		return
	}

	meta.Timestamp = time.Now().Add(wait)
	if err := q.storage.WriteMeta(id, meta); err != nil {
		// Retry goes ahead on the in-memory state, a restart before the
		// next attempt reverts the counter.
		q.Log.Error("cannot update delivery state", err, "id", id)
	}
	q.Log.Msg("will retry", "id", id, "attempts", meta.Attempts, "next_try_delay", wait, "rcpts", e.Recipients)
	messageOutcomes.WithLabelValues(q.name, "retried").Inc()
	q.clearInFlight(id)
	q.schedule(Entry{ID: id, Meta: meta})
}

// permFail ends a message whose pending recipients all failed
// permanently: a bounce is emitted and the stored copy removed. The
// bounce goes first, it reads the failed body out of storage.
func (q *Queue) permFail(id string, e *envelope.Envelope, failures []bounce.Failure) {
	q.emitBounce(e, failures)
	q.remove(id)
}

func (q *Queue) emitBounce(e *envelope.Envelope, failures []bounce.Failure) {
	report, err := q.bounces(e, failures)
	if err != nil {
		q.Log.Error("cannot generate bounce", err, "id", e.ID)
		messageOutcomes.WithLabelValues(q.name, "dropped").Inc()
		return
	}
	if report == nil {
		// A failed bounce is not bounced again.
		q.Log.Msg("dropped without bounce", "id", e.ID, "rcpts", failedRecipients(failures))
		messageOutcomes.WithLabelValues(q.name, "dropped").Inc()
		return
	}
	if _, err := q.bounceQueue.Enqueue(report); err != nil {
		q.Log.Error("cannot enqueue bounce", err, "id", e.ID)
		messageOutcomes.WithLabelValues(q.name, "dropped").Inc()
		return
	}
	messageOutcomes.WithLabelValues(q.name, "bounced").Inc()
}

func (q *Queue) remove(id string) {
	if err := q.storage.Remove(id); err != nil {
		q.Log.Error("cannot remove stored message", err, "id", id)
	}
	queuedMsgs.WithLabelValues(q.name).Dec()
	q.clearInFlight(id)
}

// replyForError translates a relay error into the reply recorded for the
// affected recipients. Errors that do not carry a reply follow the
// exterrors convention: unspecified errors count as transient.
func replyForError(err error) *smtp.Reply {
	var reply *smtp.Reply
	if errors.As(err, &reply) {
		return reply
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return smtp.NewReply(450, "4.0.0 Unhandled delivery error: "+err.Error())
	}
	return smtp.NewReply(554, "5.0.0 Unhandled delivery error: "+err.Error())
}

func repeatReply(reply *smtp.Reply, n int) []*smtp.Reply {
	replies := make([]*smtp.Reply, n)
	for i := range replies {
		replies[i] = reply
	}
	return replies
}

func failedRecipients(failures []bounce.Failure) []string {
	rcpts := make([]string, len(failures))
	for i, f := range failures {
		rcpts[i] = f.Recipient
	}
	return rcpts
}
