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
	"math/rand"
	"sync/atomic"
	"time"
)

// processOpErr is the single entry point fatal socket/parse errors funnel
// through while CONNECTED (spec.md §4.I). It decides between the
// reconnect supervisor and a hard close depending on AllowReconnect.
func (nc *Conn) processOpErr(err error) {
	nc.mu.Lock()
	if nc.isClosed() || nc.isReconnecting() || nc.isConnecting {
		nc.mu.Unlock()
		return
	}
	if nc.Opts.AllowReconnect && nc.srvPool.size() > 0 {
		nc.startReconnectLocked(err)
		return // startReconnectLocked releases the lock
	}
	nc.status = DISCONNECTED
	nc.err = err
	nc.mu.Unlock()
	nc.close(CLOSED, true, err)
}

// startReconnectLocked performs step 1-3 of spec.md §4.I under conn.lock,
// then spawns the supervisor goroutine and releases the lock.
func (nc *Conn) startReconnectLocked(err error) {
	// 1. Stop ping timer; shut down socket; clear PONG waiters.
	if nc.ptmr != nil {
		nc.ptmr.Stop()
	}
	if nc.conn != nil {
		nc.bw.Flush()
		nc.conn.Close()
		nc.conn = nil
	}
	nc.clearPongsLocked(ErrConnectionDisconnected)

	// 2. Switch status; allocate pending buffer; divert future writes.
	wasConnecting := nc.status == CONNECTING
	nc.status = RECONNECTING
	nc.pending = newByteBuf(nc.Opts.ReconnectBufSizeHint())
	nc.err = err

	cb := nc.Opts.DisconnectedErrCB
	dcb := nc.Opts.DisconnectedCB
	nc.mu.Unlock()

	if !wasConnecting {
		if cb != nil {
			cb(nc, err)
		} else if dcb != nil {
			dcb(nc)
		}
	}

	// 3. Spawn supervisor thread.
	go nc.doReconnect(wasConnecting)
}

// doReconnect is the supervisor goroutine body (spec.md §4.I step 3-5).
func (nc *Conn) doReconnect(wasInitialConnect bool) {
	nc.mu.Lock()
	pool := nc.srvPool
	nc.mu.Unlock()

	var lastAuthErrServer string
	var lastAuthErrCode uint8

	for {
		nc.mu.Lock()
		if nc.isClosed() {
			nc.mu.Unlock()
			return
		}
		cur := pool.current()
		if cur == nil {
			nc.mu.Unlock()
			nc.finalizeClose(ErrNoServers)
			return
		}
		nc.mu.Unlock()

		wait := nc.reconnectDelay(cur)
		if wait > 0 {
			time.Sleep(wait)
		}

		nc.mu.Lock()
		if nc.isClosed() {
			nc.mu.Unlock()
			return
		}
		cur.lastAttempt = time.Now()
		err := nc.attemptReconnectLocked(cur)
		if err == nil {
			// success: finish up and return.
			nc.status = CONNECTED
			nc.err = nil
			cur.reconnects = 0
			atomic.AddUint64(&nc.Reconnects, 1)
			pending := nc.pending
			nc.pending = nil
			rcb := nc.Opts.ReconnectedCB
			ccb := nc.Opts.ConnectedCB
			nc.mu.Unlock()

			nc.flushPendingBuffer(pending)

			if wasInitialConnect {
				if ccb != nil {
					ccb(nc)
				}
			} else if rcb != nil {
				rcb(nc)
			}
			return
		}

		// Auth-error suppression: two consecutive identical codes against
		// the same server aborts reconnect entirely (spec.md §4.I).
		if aerr, code := classifyAuthFailure(err); aerr {
			if cur.url.Host == lastAuthErrServer && code == lastAuthErrCode && code != 0 {
				nc.mu.Unlock()
				nc.finalizeClose(err)
				return
			}
			lastAuthErrServer = cur.url.Host
			lastAuthErrCode = code
		}

		cur.reconnects++
		nc.status = RECONNECTING
		nc.err = err
		maxReconnect := nc.Opts.MaxReconnect
		nc.mu.Unlock()

		pool.next(maxReconnect)
	}
}

// attemptReconnectLocked dials one server, runs the handshake, replays
// subscriptions, and flushes pending writes. Caller holds conn.lock and
// it is released on every path.
func (nc *Conn) attemptReconnectLocked(s *srv) error {
	if err := nc.createConnLocked(s); err != nil {
		nc.mu.Unlock()
		return err
	}
	if err := nc.processExpectedInfoLocked(); err != nil {
		nc.closeSocketLocked()
		nc.mu.Unlock()
		return err
	}
	if err := nc.sendConnectLocked(); err != nil {
		nc.closeSocketLocked()
		nc.mu.Unlock()
		return err
	}

	nc.initParser()
	if attach := nc.Opts.AttachEvent; attach != nil {
		if err := attach(nc.conn); err != nil {
			nc.closeSocketLocked()
			nc.mu.Unlock()
			return err
		}
	} else {
		go nc.readLoop()
		go nc.flusher()
	}
	nc.startPingTimerLocked()

	nc.replaySubscriptionsLocked()
	nc.mu.Unlock()
	return nil
}

func (nc *Conn) startPingTimerLocked() {
	interval := nc.Opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	nc.pout = 0
	nc.ptmr = time.AfterFunc(interval, nc.processPingTimer)
}

// replaySubscriptionsLocked re-sends SUB for every non-draining
// subscription and a residual UNSUB for any that carry a delivered cap,
// so no new message arrives before replay completes (spec.md §4.I,
// §5 ordering guarantee). Caller holds conn.lock.
func (nc *Conn) replaySubscriptionsLocked() {
	for _, s := range nc.subs.all() {
		s.mu.Lock()
		draining := s.draining
		sid, subj, queue, max, delivered := s.sid, s.Subject, s.Queue, s.max, s.delivered
		s.mu.Unlock()
		if draining {
			continue
		}
		nc.bw.WriteString(subProtoLine(subj, queue, sid))
		if max > 0 {
			nc.bw.WriteString(unsubProtoLine(sid, int(max-delivered)))
		}
	}
}

// flushPendingBuffer writes out whatever accumulated in the pending
// buffer while RECONNECTING, now that the new socket is live, and always
// flushes nc.bw afterward so the SUB/UNSUB replay frames
// replaySubscriptionsLocked wrote directly into it do not sit buffered
// indefinitely when there was nothing pending to replay (spec.md §4.I
// "then flush pending bytes", §5 replay-ordering guarantee).
func (nc *Conn) flushPendingBuffer(pending *byteBuf) {
	nc.mu.Lock()
	if nc.bw != nil {
		if pending != nil && pending.Len() > 0 {
			nc.bw.Write(pending.Bytes())
		}
		nc.bw.Flush()
	}
	nc.mu.Unlock()
}

// reconnectDelay computes the back-off between attempts: a custom
// callback overrides everything; otherwise reconnect_wait plus jitter,
// with distinct jitter ranges for TLS vs plaintext endpoints (spec.md
// §4.I).
func (nc *Conn) reconnectDelay(s *srv) time.Duration {
	if cb := nc.Opts.CustomReconnectDelayCB; cb != nil {
		return cb(s.reconnects)
	}
	wait := nc.Opts.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	jitter := nc.Opts.ReconnectJitter
	if s.url.Scheme == "tls" {
		jitter = nc.Opts.ReconnectJitterTLS
	}
	if jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}
	return wait
}

// classifyAuthFailure reports whether err represents an authentication
// failure the supervisor should track for repeat-suppression, and a
// coarse code used to detect "same error twice in a row".
func classifyAuthFailure(err error) (bool, uint8) {
	switch err {
	case ErrAuthorization:
		return true, 1
	case ErrAuthExpired:
		return true, 2
	case ErrAuthRevoked:
		return true, 3
	default:
		return false, 0
	}
}

// finalizeClose runs step 5 of spec.md §4.I: pool exhausted (or aborted
// on repeated auth failure), move to CLOSED, invoke the closed callback.
// It fires no disconnected callback of its own; the one fired when the
// supervisor started is the only one, and a supervisor started by a
// failed initial connect fires none.
func (nc *Conn) finalizeClose(err error) {
	nc.close(CLOSED, true, err)
}
