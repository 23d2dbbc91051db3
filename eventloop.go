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

import "net"

// EventLoopAttachHandler hands the raw socket to an external event loop
// (e.g. libuv, epoll wrapper) instead of the internal readLoop/flusher
// goroutines, once the handshake has completed (spec.md §6 "external
// event loop embedding"). The caller drives the connection afterward by
// calling ProcessReadEvent/ProcessWriteEvent as the loop reports activity.
type EventLoopAttachHandler func(conn net.Conn) error

// EventLoopDetachHandler receives the socket when a connect or reconnect
// attempt fails during the handshake or attach step and the socket is
// closed. Close and the reconnect supervisor close a live socket without
// invoking it.
type EventLoopDetachHandler func(conn net.Conn)

// ProcessReadEvent lets an external event loop push one read's worth of
// bytes through the parser, for a connection established with
// AttachEventLoop. It is a no-op once the connection is closed.
func (nc *Conn) ProcessReadEvent() {
	nc.mu.Lock()
	br := nc.br
	ps := nc.ps
	closed := nc.isClosed()
	nc.mu.Unlock()
	if closed || br == nil || ps == nil {
		return
	}

	buf := make([]byte, defaultBufSize)
	n, err := br.Read(buf)
	if err != nil {
		nc.processOpErr(err)
		return
	}
	if err := ps.parse(buf[:n], nc); err != nil {
		nc.processOpErr(err)
	}
}

// ProcessWriteEvent flushes whatever is currently buffered, for an
// external event loop that calls this instead of relying on the internal
// flusher goroutine.
func (nc *Conn) ProcessWriteEvent() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.bw == nil {
		return
	}
	nc.bw.Flush()
}
