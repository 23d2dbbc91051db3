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

// pongEntry is one outstanding flush waiter, linked in FIFO order by
// position in Conn.pongs (spec.md §3 "Pending PONG entry"). A client PING
// is sent alongside each entry; the matching PONG is recognized by FIFO
// position, not by any id carried on the wire.
type pongEntry struct {
	ch chan error
}

// startPingTimer launches the heartbeat goroutine (spec.md §4.H). Exactly
// one is alive per connection at steady state.
func (nc *Conn) startPingTimer() {
	nc.mu.Lock()
	interval := nc.Opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if nc.ptmr != nil {
		nc.ptmr.Stop()
	}
	nc.ptmr = time.AfterFunc(interval, nc.processPingTimer)
	nc.mu.Unlock()
}

func (nc *Conn) stopPingTimer() {
	nc.mu.Lock()
	if nc.ptmr != nil {
		nc.ptmr.Stop()
	}
	nc.mu.Unlock()
}

// processPingTimer fires once per ping_interval tick. If not CONNECTED it
// is a no-op; otherwise it sends a PING and, once pings_out exceeds
// max_pings_out, declares the connection stale and hands off to the
// reconnect supervisor exactly as a fatal socket error would (spec.md
// §4.H).
func (nc *Conn) processPingTimer() {
	nc.mu.Lock()
	if nc.status != CONNECTED {
		nc.mu.Unlock()
		return
	}

	nc.pout++
	maxOut := nc.Opts.MaxPingsOut
	if maxOut <= 0 {
		maxOut = DefaultMaxPingsOut
	}
	if nc.pout > maxOut {
		nc.mu.Unlock()
		nc.processOpErr(ErrConnectionReconnecting)
		return
	}

	nc.sendPingLocked()
	interval := nc.Opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	nc.ptmr = time.AfterFunc(interval, nc.processPingTimer)
	nc.mu.Unlock()
}

// sendPingLocked writes a PING frame and queues a pong entry nobody waits
// on, so the PONG answering it does not release a flush waiter queued
// behind it. Caller holds conn.lock.
func (nc *Conn) sendPingLocked() {
	nc.addPongEntryLocked()
	nc.bufferOrWrite([]byte(pingProto))
	nc.kickFlusher()
}

// processPong resets pings_out and, if it corresponds to the head of the
// pong queue, signals that flush waiter (spec.md §4.H). Caller holds no
// lock; this takes conn.lock itself.
func (nc *Conn) processPong() {
	nc.mu.Lock()
	nc.pout = 0
	var head *pongEntry
	if len(nc.pongs) > 0 {
		head = nc.pongs[0]
		nc.pongs = nc.pongs[1:]
	}
	nc.mu.Unlock()
	if head != nil {
		head.ch <- nil
	}
}

// addPongEntryLocked appends a new flush waiter to the FIFO pong queue and
// returns it. Caller holds conn.lock.
func (nc *Conn) addPongEntryLocked() *pongEntry {
	p := &pongEntry{ch: make(chan error, 1)}
	nc.pongs = append(nc.pongs, p)
	return p
}

// clearPongsLocked releases every outstanding flush waiter with err, used
// when the socket dies or the connection closes (spec.md §4.I step 1:
// "clear PONG waiters ... surface disconnected"). Caller holds conn.lock.
func (nc *Conn) clearPongsLocked(err error) {
	for _, p := range nc.pongs {
		p.ch <- err
	}
	nc.pongs = nil
}

// removePongEntry drops a single waiter from the queue without signaling
// it, used when FlushTimeout gives up locally (spec.md §4.J "flush").
func (nc *Conn) removePongEntry(p *pongEntry) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for i, e := range nc.pongs {
		if e == p {
			nc.pongs = append(nc.pongs[:i], nc.pongs[i+1:]...)
			return
		}
	}
}
