// Copyright 2012-2023 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nats

import (
	"sync"
	"sync/atomic"
	"time"
)

// SubscriptionType enumerates how a Subscription delivers messages.
type SubscriptionType int

const (
	AsyncSubscription SubscriptionType = iota
	SyncSubscription
	ChanSubscription
	NilSubscription
)

// DefaultSubPendingMsgsLimit and DefaultSubPendingBytesLimit bound a
// subscription's internal queue before it is considered a slow consumer
// (spec.md §4.D).
const (
	DefaultSubPendingMsgsLimit  = 64 * 1024
	DefaultSubPendingBytesLimit = 64 * 1024 * 1024
)

// Subscription represents interest in a subject, as created by Subscribe,
// QueueSubscribe, SubscribeSync, or ChanSubscribe (spec.md §3).
type Subscription struct {
	mu  sync.Mutex
	sid uint64

	Subject string
	Queue   string

	delivered uint64
	max       uint64
	msgs      uint64
	bytes     uint64
	dropped   uint64

	pMsgsLimit  int
	pBytesLimit int
	mqBytes     uint64

	conn *Conn
	typ  SubscriptionType
	mcb  MsgHandler
	mch  chan *Msg

	sc       bool // slow consumer, until it recovers
	closed   bool
	draining bool

	worker *subWorker // non-nil when delivered by the shared worker pool

	// icb is an internal-control-message hook, reserved for higher layers
	// (e.g. JetStream pull consumers). Nothing in the core engine sets it.
	// When set, the shared worker loop hands it any message with an empty
	// subject; the per-subscription delivery goroutine never calls it.
	icb func(*Msg)

	timeout time.Duration
}

// MsgHandler processes messages delivered to async subscribers.
type MsgHandler func(msg *Msg)

func newSubscription(nc *Conn, subj, queue string, cb MsgHandler, typ SubscriptionType) *Subscription {
	limit := nc.Opts.SubChanLen
	if limit <= 0 {
		limit = DefaultSubPendingMsgsLimit
	}
	s := &Subscription{
		conn:        nc,
		Subject:     subj,
		Queue:       queue,
		mcb:         cb,
		typ:         typ,
		pMsgsLimit:  limit,
		pBytesLimit: DefaultSubPendingBytesLimit,
	}
	return s
}

// subTable is the sid -> *Subscription map, keyed per connection and
// protected by the connection's subs.lock (spec.md §4.D, §5).
type subTable struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

func newSubTable() *subTable {
	return &subTable{subs: make(map[uint64]*Subscription)}
}

func (t *subTable) insert(s *Subscription) {
	t.mu.Lock()
	t.subs[s.sid] = s
	t.mu.Unlock()
}

// lookup retains the subscription under the table lock only long enough
// to hand back the pointer; callers then operate on the subscription's
// own lock (lock order: subs.lock -> sub.lock, spec.md §5).
func (t *subTable) lookup(sid uint64) *Subscription {
	t.mu.Lock()
	s := t.subs[sid]
	t.mu.Unlock()
	return s
}

// remove deletes sid from the table and closes the subscription's queue.
// Returns the removed subscription, or nil if it was already gone.
func (t *subTable) remove(sid uint64) *Subscription {
	t.mu.Lock()
	s := t.subs[sid]
	delete(t.subs, sid)
	t.mu.Unlock()
	if s != nil {
		s.closeQueue()
	}
	return s
}

func (t *subTable) count() int {
	t.mu.Lock()
	n := len(t.subs)
	t.mu.Unlock()
	return n
}

func (t *subTable) all() []*Subscription {
	t.mu.Lock()
	out := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	t.mu.Unlock()
	return out
}

// deliverMsg enqueues data addressed to sub, updates stats, and hands it
// to whichever consumer is waiting: a per-subscription goroutine reading
// sub.mch, a shared worker's queue, or a sync NextMsg caller reading
// sub.mch directly (spec.md §4.D "process_msg"). If the queue would
// exceed its configured bounds the message is dropped and slow_consumer
// fires exactly once until the backlog recovers.
func (s *Subscription) deliverMsg(m *Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.max > 0 && s.msgs >= s.max {
		s.mu.Unlock()
		return
	}

	s.msgs++
	s.bytes += uint64(len(m.Data))

	ch := s.mch
	worker := s.worker
	overMsgs := s.pMsgsLimit > 0 && len(ch) >= s.pMsgsLimit
	overBytes := s.pBytesLimit > 0 && s.mqBytes+uint64(len(m.Data)) > uint64(s.pBytesLimit)
	if overMsgs || overBytes {
		s.dropped++
		wasSlow := s.sc
		s.sc = true
		nc := s.conn
		s.mu.Unlock()
		if !wasSlow && nc != nil {
			go nc.signalSlowConsumer(s)
		}
		return
	}
	s.sc = false
	s.mqBytes += uint64(len(m.Data))
	s.mu.Unlock()

	if worker != nil {
		worker.enqueue(m)
		return
	}
	select {
	case ch <- m:
	default:
		// Raced with a concurrent drop decision above; count it too.
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Pending reports queued message/byte counts (introspection, SPEC_FULL §11).
func (s *Subscription) Pending() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, 0, ErrBadSubscription
	}
	return len(s.mch), int(s.mqBytes), nil
}

// Dropped returns the number of messages dropped as a slow consumer.
func (s *Subscription) Dropped() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, ErrBadSubscription
	}
	return int(s.dropped), nil
}

// Delivered returns the number of messages delivered to the callback (or
// popped via NextMsg) so far.
func (s *Subscription) Delivered() (int64, error) {
	d := atomic.LoadUint64(&s.delivered)
	return int64(d), nil
}

func (s *Subscription) closeQueue() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.conn = nil
	if w := s.worker; w != nil {
		w.unbind(s)
	}
	if s.mch != nil {
		close(s.mch)
	}
	s.mu.Unlock()
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Type reports the delivery style of the subscription.
func (s *Subscription) Type() SubscriptionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// --- delivery engine (spec.md §4.E) ---

// runAsyncDelivery is the per-subscription delivery goroutine: the default
// delivery mode. It waits on sub.mch, invokes the user callback outside
// any lock, then re-checks delivered vs max. Reaching max removes the
// subscription with no further callback (spec.md §4.E, §3 invariant).
func (s *Subscription) runAsyncDelivery() {
	for m := range s.mch {
		s.mu.Lock()
		cb := s.mcb
		nc := s.conn
		s.mqBytes -= uint64(len(m.Data))
		s.mu.Unlock()
		if cb == nil || nc == nil {
			continue
		}

		cb(m)

		s.mu.Lock()
		s.delivered++
		reachedMax := s.max > 0 && s.delivered >= s.max
		s.mu.Unlock()

		if reachedMax {
			nc.removeSub(s)
			return
		}
	}
}

// subWorker is one member of the shared delivery worker pool (spec.md
// §4.E second mode). Subscriptions are statically bound to a worker at
// creation time; the worker multiplexes many subscriptions over a single
// queue, dispatching by each message's Sub back-reference. A message with
// an empty subject goes to the subscription's icb hook, when one is set,
// instead of its user callback. The core engine enqueues no such control
// messages: close and drain act by closing the subscription's queue, and
// no timeout signal is queued.
type subWorker struct {
	queue chan *Msg
	subs  sync.Map // sid -> *Subscription, bookkeeping only
}

func newSubWorker(queueLen int) *subWorker {
	return &subWorker{queue: make(chan *Msg, queueLen)}
}

func (w *subWorker) bind(s *Subscription) {
	w.subs.Store(s.sid, s)
	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
}

func (w *subWorker) unbind(s *Subscription) {
	w.subs.Delete(s.sid)
}

func (w *subWorker) enqueue(m *Msg) { w.queue <- m }

// run is the shared worker's main loop. Relative order across
// subscriptions sharing a worker equals enqueue order (spec.md §4.E
// ordering guarantee); no re-entrancy protection is provided.
func (w *subWorker) run() {
	for m := range w.queue {
		s := m.Sub
		if s == nil {
			continue
		}
		s.mu.Lock()
		closed := s.closed
		s.mqBytes -= uint64(len(m.Data))
		cb := s.mcb
		nc := s.conn
		icb := s.icb
		s.mu.Unlock()
		if closed {
			continue
		}

		if m.Subject == "" && icb != nil {
			icb(m)
			continue
		}
		if cb == nil || nc == nil {
			continue
		}

		cb(m)

		s.mu.Lock()
		s.delivered++
		reachedMax := s.max > 0 && s.delivered >= s.max
		s.mu.Unlock()

		if reachedMax {
			nc.removeSub(s)
		}
	}
}

func (w *subWorker) stop() { close(w.queue) }

// --- public Subscription API ---

// Unsubscribe removes interest in the subject.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, 0, false)
}

// AutoUnsubscribe installs a cap of max messages; the subscription is
// removed once delivered reaches max, with no UNSUB error (spec.md §4.J).
func (s *Subscription) AutoUnsubscribe(max int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, max, false)
}

// Drain gracefully shuts down one subscription: an UNSUB is sent
// immediately so no new messages arrive, while delivery of whatever is
// already queued continues until empty, then the subscription closes
// (spec.md §4.J "drain", generalized to a single subscription; grounded
// on test/drain_test.go).
func (s *Subscription) Drain() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.drainSub(s)
}

// NextMsg blocks for up to timeout waiting for the next message on a
// synchronous subscription (spec.md §4.J "subscribe").
func (s *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	s.mu.Lock()
	if s.typ == AsyncSubscription {
		s.mu.Unlock()
		return nil, ErrSyncSubRequired
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	ch := s.mch
	nc := s.conn
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		s.mu.Lock()
		s.mqBytes -= uint64(len(m.Data))
		s.delivered++
		max, delivered := s.max, s.delivered
		s.mu.Unlock()
		if max > 0 && delivered > max {
			return nil, ErrMaxMessages
		}
		if max > 0 && delivered == max {
			nc.removeSub(s)
		}
		return m, nil
	case <-t.C:
		return nil, ErrTimeout
	}
}
