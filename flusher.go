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

// flushCoalesceDelay is how long the flusher sleeps after being kicked
// before actually writing, so back-to-back bufferOrWrite calls coalesce into
// one socket write (spec.md §4.G).
const flushCoalesceDelay = 1 * time.Millisecond

// kickFlusher wakes the flusher goroutine. Must be called with conn.lock
// held, mirroring the teacher's sendProto/publish/subscribe pattern of
// "defer nc.kickFlusher(); defer nc.mu.Unlock()".
func (nc *Conn) kickFlusher() {
	if nc.bw == nil {
		return
	}
	select {
	case nc.fch <- struct{}{}:
	default:
	}
}

// flusher is the dedicated goroutine that owns the outbound bufio.Writer.
// It wakes on kickFlusher, waits briefly to let concurrent writers
// coalesce into the same flush, then writes to the socket (spec.md §4.G).
// Exactly one flusher is alive per connection at steady state (spec.md §5).
func (nc *Conn) flusher() {
	nc.mu.Lock()
	fch := nc.fch
	conn := nc.conn
	nc.mu.Unlock()
	for {
		_, ok := <-fch
		if !ok {
			return
		}
		time.Sleep(flushCoalesceDelay)

		nc.mu.Lock()
		if nc.isClosed() || nc.isReconnecting() || nc.bw == nil || nc.conn == nil {
			nc.mu.Unlock()
			continue
		}
		// A reconnect started a flusher for the new socket; this one serves
		// the kick it took and then exits.
		stale := nc.conn != conn
		if nc.bw.Buffered() > 0 {
			if err := nc.bw.Flush(); err != nil {
				nc.mu.Unlock()
				nc.processOpErr(err)
				if stale {
					return
				}
				continue
			}
		}
		nc.mu.Unlock()
		if stale {
			return
		}
	}
}

// bufferOrWrite appends proto bytes to either the live bufio.Writer or,
// while RECONNECTING, the pending reconnect buffer (spec.md §4.G "during
// reconnect, writes divert to the reconnect pending buffer"). Must be
// called with conn.lock held.
func (nc *Conn) bufferOrWrite(data []byte) error {
	if nc.usePending() {
		if nc.Opts.ReconnectBufSize > 0 && int64(nc.pending.Len()+len(data)) > nc.Opts.ReconnectBufSize {
			return ErrReconnectBufExceeded
		}
		nc.pending.Append(data)
		return nil
	}
	if nc.bw == nil {
		return ErrConnectionClosed
	}
	_, err := nc.bw.Write(data)
	return err
}

func (nc *Conn) usePending() bool {
	return nc.pending != nil
}
