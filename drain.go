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

import "time"

// DefaultDrainTimeout bounds Drain when the caller passes 0.
const DefaultDrainTimeout = 30 * time.Second

// Drain transitions CONNECTED -> DRAINING_SUBS -> DRAINING_PUBS -> CLOSED
// (spec.md §4.J "drain"). Every subscription gets an UNSUB and keeps
// delivering whatever is already queued; once subscriptions finish,
// outbound publishes are flushed, then the connection closes. Publish is
// rejected with ErrConnectionDraining once DRAINING_PUBS begins; Subscribe
// is rejected once DRAINING_SUBS begins. A caller-supplied deadline that
// expires mid-drain proceeds straight to CLOSED and reports a drain
// timeout via the async error callback rather than blocking forever.
func (nc *Conn) Drain(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	deadline := time.Now().Add(timeout)

	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.status == DRAINING_SUBS || nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return ErrConnectionDraining
	}
	nc.status = DRAINING_SUBS
	subs := nc.subs.all()
	for _, s := range subs {
		s.mu.Lock()
		sid := s.sid
		s.draining = true
		s.mu.Unlock()
		nc.bufferOrWrite([]byte(unsubProtoLine(sid, 0)))
	}
	nc.kickFlusher()
	nc.mu.Unlock()

	go nc.runDrain(subs, deadline)
	return nil
}

func (nc *Conn) runDrain(subs []*Subscription, deadline time.Time) {
	for _, s := range subs {
		for {
			s.mu.Lock()
			pending := len(s.mch)
			closed := s.closed
			s.mu.Unlock()
			if closed || pending == 0 {
				break
			}
			if time.Now().After(deadline) {
				nc.reportAsyncError(nil, ErrDrainTimeout)
				nc.close(CLOSED, true, ErrDrainTimeout)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		nc.removeSub(s)
	}

	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return
	}
	nc.status = DRAINING_PUBS
	nc.mu.Unlock()

	_ = nc.FlushTimeout(time.Until(deadline))
	nc.close(CLOSED, true, nil)
}

// drainSub implements Subscription.Drain: an UNSUB is sent immediately,
// then a background goroutine waits for the queue to empty before
// removing the subscription from the table (spec.md §4.J, generalized to
// a single subscription per test/drain_test.go).
func (nc *Conn) drainSub(s *Subscription) error {
	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	sid := s.sid
	s.mu.Unlock()

	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	nc.bufferOrWrite([]byte(unsubProtoLine(sid, 0)))
	nc.kickFlusher()
	nc.mu.Unlock()

	go func() {
		for {
			s.mu.Lock()
			pending := len(s.mch)
			closed := s.closed
			s.mu.Unlock()
			if closed || pending == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		nc.removeSub(s)
	}()
	return nil
}
