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

package test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	nats "github.com/nats-io/nats-core-go"
)

// spec.md §8 scenario 3 ("Reconnect replay"): connect, subscribe, kill the
// server socket, publish while disconnected (it must buffer), bring the
// server back, and expect the reconnected callback followed by the
// subscription replay and the buffered publishes reaching the callback.
func TestReconnectReplaysSubscriptionAndFlushesBufferedPublishes(t *testing.T) {
	s := RunDefaultServer()

	reconnected := make(chan struct{}, 1)
	nc, err := nats.Connect("nats://127.0.0.1:18232",
		nats.ReconnectWait(20*time.Millisecond),
		nats.MaxReconnects(100),
		nats.ReconnectHandler(func(_ *nats.Conn) { reconnected <- struct{}{} }),
	)
	if err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	defer nc.Close()

	var received int32
	if _, err := nc.Subscribe("a", func(_ *nats.Msg) {
		atomic.AddInt32(&received, 1)
	}); err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}
	nc.Flush()

	s.Shutdown()

	for i := 0; i < 3; i++ {
		if err := nc.Publish("a", []byte("buffered")); err != nil {
			t.Fatalf("Error buffering publish %d while disconnected: %v", i, err)
		}
	}

	// Bring the server back on the same address the pool already knows.
	s2 := RunDefaultServer()
	defer s2.Shutdown()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("Did not reconnect in time")
	}

	waitFor(t, 2*time.Second, 10*time.Millisecond, func() error {
		if r := atomic.LoadInt32(&received); r != 3 {
			return fmt.Errorf("expected the 3 buffered publishes to replay once reconnected, got %d", r)
		}
		return nil
	})

	// A fresh publish after reconnect must also reach the subscription,
	// proving the replayed SUB actually landed on the new socket.
	if err := nc.Publish("a", []byte("post-reconnect")); err != nil {
		t.Fatalf("Error publishing after reconnect: %v", err)
	}
	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		if r := atomic.LoadInt32(&received); r != 4 {
			return fmt.Errorf("expected a 4th message post-reconnect, got %d", r)
		}
		return nil
	})
}

// Regression coverage for the replay-flush bug: a reconnect with nothing
// buffered (no publishes issued while disconnected) must still flush the
// SUB frame replaySubscriptionsLocked wrote directly into the writer, or
// the subscription is silently deaf on the new socket forever.
func TestReconnectFlushesSubscriptionReplayWithNothingBuffered(t *testing.T) {
	s := RunDefaultServer()

	reconnected := make(chan struct{}, 1)
	nc, err := nats.Connect("nats://127.0.0.1:18232",
		nats.ReconnectWait(20*time.Millisecond),
		nats.MaxReconnects(100),
		nats.ReconnectHandler(func(_ *nats.Conn) { reconnected <- struct{}{} }),
	)
	if err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	defer nc.Close()

	var received int32
	if _, err := nc.Subscribe("b", func(_ *nats.Msg) {
		atomic.AddInt32(&received, 1)
	}); err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}
	nc.Flush()

	s.Shutdown()
	s2 := RunDefaultServer()
	defer s2.Shutdown()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("Did not reconnect in time")
	}

	if err := nc.Publish("b", []byte("hello again")); err != nil {
		t.Fatalf("Error publishing after reconnect: %v", err)
	}
	waitFor(t, 2*time.Second, 10*time.Millisecond, func() error {
		if r := atomic.LoadInt32(&received); r != 1 {
			return fmt.Errorf("expected the replayed subscription to receive the post-reconnect publish, got %d", r)
		}
		return nil
	})
}

// Pool rotation: servers that refuse connections ahead of a live one must
// be skipped over rather than aborting the connect attempt outright.
func TestServerPoolRotatesPastDownServers(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	setServers := nats.Option(func(o *nats.Options) error {
		o.Servers = []string{
			"nats://127.0.0.1:18299",
			"nats://127.0.0.1:18298",
			"nats://127.0.0.1:18232",
		}
		return nil
	})

	nc, err := nats.Connect("", setServers, nats.DontRandomize(), nats.Timeout(250*time.Millisecond))
	if err != nil {
		t.Fatalf("Error connecting through a pool with dead servers ahead of the live one: %v", err)
	}
	defer nc.Close()

	if addr := nc.ConnectedUrl(); addr != "nats://127.0.0.1:18232" {
		t.Fatalf("Expected to land on the only live server, got %q", addr)
	}

	seen := make(map[string]bool)
	for _, u := range nc.Servers() {
		seen[u] = true
	}
	for _, want := range []string{"nats://127.0.0.1:18299", "nats://127.0.0.1:18298", "nats://127.0.0.1:18232"} {
		if !seen[want] {
			t.Fatalf("Expected pool to still report %q among known servers, got %v", want, nc.Servers())
		}
	}
}

// Pool exhaustion: when every server in the pool has been tried past its
// max reconnect attempts, the connection gives up and closes instead of
// retrying forever.
func TestServerPoolExhaustionClosesConnection(t *testing.T) {
	s := RunDefaultServer()

	closed := make(chan struct{}, 1)
	nc, err := nats.Connect("nats://127.0.0.1:18232",
		nats.ReconnectWait(10*time.Millisecond),
		nats.MaxReconnects(2),
		nats.ClosedHandler(func(_ *nats.Conn) { closed <- struct{}{} }),
	)
	if err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	defer nc.Close()

	s.Shutdown()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("Expected the connection to give up and close once the pool was exhausted")
	}
	if nc.Status() != nats.CLOSED {
		t.Fatalf("Expected status CLOSED, got %v", nc.Status())
	}
}

// Slow consumer: a backlog that overruns the subscription's pending limit
// must signal slow_consumer exactly once for the sustained overflow, not
// once per dropped message.
func TestSlowConsumerSignalsOncePerOverflowEpisode(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	var slowConsumerHits int32
	nc, err := nats.Connect("nats://127.0.0.1:18232",
		nats.SyncQueueLen(2),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				atomic.AddInt32(&slowConsumerHits, 1)
			}
		}),
	)
	if err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	defer nc.Close()

	block := make(chan struct{})
	if _, err := nc.Subscribe("work.queue", func(_ *nats.Msg) {
		<-block
	}); err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}

	for i := 0; i < 30; i++ {
		nc.Publish("work.queue", []byte("x"))
	}
	nc.Flush()

	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		if atomic.LoadInt32(&slowConsumerHits) < 1 {
			return fmt.Errorf("expected at least one slow consumer signal")
		}
		return nil
	})
	// Give any duplicate signal time to show up; there must not be one
	// while the backlog remains unrecovered.
	time.Sleep(200 * time.Millisecond)
	if hits := atomic.LoadInt32(&slowConsumerHits); hits != 1 {
		t.Fatalf("Expected slow consumer to signal exactly once for a sustained overflow, got %d", hits)
	}

	close(block)
}
