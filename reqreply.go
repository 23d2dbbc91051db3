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
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

// respMux is the request/reply multiplexer (spec.md §4.F): a single
// wildcard subscription "<prefix>.*" installed lazily on the first
// request, fronting a pool of response handles keyed by a short token
// appended to the prefix.
type respMux struct {
	mu      sync.Mutex
	prefix  string // e.g. "_INBOX.xxxxxxxxxxxxxxxxxxxxxx."
	sub     *Subscription
	handles map[string]*respHandle
	pool    []*respHandle
	token   []byte // base-36 digit counter, advanced per request
}

// respHandle is one slot a reply can land in (spec.md §3 "Response
// handle"). getHandle takes one from respMux.pool when it holds any and
// otherwise allocates one; putHandle returns only handles that came from
// the pool. Nothing else adds to the pool, so in practice every request
// allocates a fresh handle.
type respHandle struct {
	mu      sync.Mutex
	cond    *sync.Cond
	msg     *Msg
	filled  bool
	removed bool
	pooled  bool
}

const respHandlePoolSize = 64

func newRespMux(prefix string) *respMux {
	return &respMux{
		prefix:  prefix,
		handles: make(map[string]*respHandle),
		token:   []byte{'0'},
	}
}

// nextToken advances the base-36 digit counter, shifting to one more
// digit on overflow (spec.md §4.F).
func (r *respMux) nextToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := string(r.token)
	// advance
	for i := len(r.token) - 1; i >= 0; i-- {
		c := r.token[i]
		switch {
		case c < '9':
			r.token[i] = c + 1
			return tok
		case c == '9':
			r.token[i] = 'A'
			return tok
		case c >= 'A' && c < 'Z':
			r.token[i] = c + 1
			return tok
		default: // 'Z', carry
			r.token[i] = '0'
			if i == 0 {
				r.token = append([]byte{'1'}, r.token...)
			}
		}
	}
	return tok
}

func (r *respMux) getHandle() *respHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pool); n > 0 {
		h := r.pool[n-1]
		r.pool = r.pool[:n-1]
		h.pooled = true
		return h
	}
	h := &respHandle{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (r *respMux) putHandle(h *respHandle) {
	h.mu.Lock()
	h.msg, h.filled, h.removed = nil, false, false
	h.mu.Unlock()
	if !h.pooled {
		return
	}
	r.mu.Lock()
	if len(r.pool) < respHandlePoolSize {
		r.pool = append(r.pool, h)
	}
	r.mu.Unlock()
}

func (r *respMux) register(token string, h *respHandle) {
	r.mu.Lock()
	r.handles[token] = h
	r.mu.Unlock()
}

func (r *respMux) unregister(token string) {
	r.mu.Lock()
	delete(r.handles, token)
	r.mu.Unlock()
}

// deliver routes a reply received on the wildcard subscription to the
// handle identified by the token segment after the prefix.
func (r *respMux) deliver(subject string, m *Msg) {
	token := subject
	if strings.HasPrefix(subject, r.prefix) {
		token = subject[len(r.prefix):]
	}
	r.mu.Lock()
	h := r.handles[token]
	r.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	h.msg = m
	h.filled = true
	h.cond.Signal()
	h.mu.Unlock()
}

// wait blocks until the handle is filled, the connection closes around
// it (removed), or timeout elapses.
func (h *respHandle) wait(timeout time.Duration) (*Msg, error) {
	deadline := time.Now().Add(timeout)
	h.mu.Lock()
	for !h.filled && !h.removed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.mu.Unlock()
			return nil, ErrTimeout
		}
		timer := time.AfterFunc(remaining, func() {
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		})
		h.cond.Wait()
		timer.Stop()
	}
	defer h.mu.Unlock()
	if h.removed && !h.filled {
		return nil, ErrConnectionClosed
	}
	return h.msg, nil
}

func (h *respHandle) cancel() {
	h.mu.Lock()
	h.removed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// newInboxToken returns a fresh globally-unique NUID token, used both for
// the top-level inbox subject and the request-mux wildcard prefix
// (SPEC_FULL.md §10; replaces the teacher's crypto/rand+hex generator).
func newInboxToken() string {
	return nuid.Next()
}

// NewInbox returns a unique inbox subject usable as a reply-to address
// (spec.md §6 "Inbox format").
func NewInbox() string {
	return DefaultInboxPrefix + newInboxToken()
}

func (nc *Conn) newRequestInbox() string {
	prefix := nc.Opts.InboxPrefix
	if prefix == "" {
		prefix = DefaultInboxPrefix
	}
	return prefix + newInboxToken()
}

// ensureRespMux lazily installs the wildcard response subscription on
// first use (spec.md §4.F).
func (nc *Conn) ensureRespMux() (*respMux, error) {
	nc.mu.Lock()
	if nc.respMux != nil {
		rm := nc.respMux
		nc.mu.Unlock()
		return rm, nil
	}
	prefix := nc.Opts.InboxPrefix
	if prefix == "" {
		prefix = DefaultInboxPrefix
	}
	rm := newRespMux(prefix + newInboxToken() + ".")
	nc.respMux = rm
	nc.mu.Unlock()

	sub, err := nc.subscribeInternal(rm.prefix+"*", "", func(m *Msg) {
		rm.deliver(m.Subject, m)
	})
	if err != nil {
		nc.mu.Lock()
		nc.respMux = nil
		nc.mu.Unlock()
		return nil, err
	}
	rm.sub = sub
	return rm, nil
}

// requestMux performs a request using the shared wildcard-inbox mux: the
// default request style (spec.md §4.F).
func (nc *Conn) requestMux(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	rm, err := nc.ensureRespMux()
	if err != nil {
		return nil, err
	}
	token := rm.nextToken()
	h := rm.getHandle()
	rm.register(token, h)
	defer rm.unregister(token)

	reply := rm.prefix + token
	if err := nc.publish(subj, reply, nil, data); err != nil {
		return nil, err
	}

	m, err := h.wait(timeout)
	if err == nil {
		rm.putHandle(h)
	}
	if err != nil {
		nc.mu.Lock()
		closed := nc.status == CLOSED
		reconnecting := nc.status == RECONNECTING
		nc.mu.Unlock()
		if closed {
			return nil, ErrConnectionClosed
		}
		if reconnecting {
			return nil, ErrConnectionDisconnected
		}
	}
	return m, err
}

// requestLegacy creates one temporary subscription per request, matching
// the teacher's original Request() implementation. Kept for the
// UseOldRequestStyle option (spec.md §4.F "Legacy request style").
func (nc *Conn) requestLegacy(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	inbox := nc.newRequestInbox()
	s, err := nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	s.AutoUnsubscribe(1)
	defer s.Unsubscribe()
	if err := nc.PublishRequest(subj, inbox, data); err != nil {
		return nil, err
	}
	return s.NextMsg(timeout)
}

// cancelAllRespHandles releases every outstanding response handle with
// ErrConnectionClosed/ErrConnectionDisconnected semantics, used by Close
// (spec.md §4.F, §7).
func (nc *Conn) cancelAllRespHandles() {
	nc.mu.Lock()
	rm := nc.respMux
	nc.mu.Unlock()
	if rm == nil {
		return
	}
	rm.mu.Lock()
	handles := make([]*respHandle, 0, len(rm.handles))
	for _, h := range rm.handles {
		handles = append(handles, h)
	}
	rm.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}
