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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	nats "github.com/nats-io/nats-core-go"
)

func waitFor(t *testing.T, totalWait, sleepDur time.Duration, f func() error) {
	t.Helper()
	timeout := time.Now().Add(totalWait)
	var err error
	for time.Now().Before(timeout) {
		err = f()
		if err == nil {
			return
		}
		time.Sleep(sleepDur)
	}
	if err != nil {
		t.Fatal(err.Error())
	}
}

// A drained subscription finishes delivering every message already queued
// for it before it disappears from the connection's subscription table.
func TestSubscriptionDrainDeliversBacklogThenRemovesItself(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	const expected = int32(150)
	var received int32
	done := make(chan struct{})

	sub, err := nc.Subscribe("orders.fill", func(_ *nats.Msg) {
		time.Sleep(time.Millisecond)
		if atomic.AddInt32(&received, 1) == expected {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}

	for i := int32(0); i < expected; i++ {
		nc.Publish("orders.fill", []byte("fill"))
	}
	nc.Flush()

	if err := sub.Drain(); err != nil {
		t.Fatalf("Error draining subscription: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Did not receive full backlog before drain completed: %d of %d",
			atomic.LoadInt32(&received), expected)
	}

	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		if nc.NumSubscriptions() != 0 {
			return fmt.Errorf("expected subscription to be gone after drain, still have %d", nc.NumSubscriptions())
		}
		return nil
	})
}

// When a queue group drains one of its members mid-stream, the remaining
// members must absorb the rest of the traffic: no message is dropped and
// none is delivered twice across the whole group.
func TestQueueGroupDrainRedistributesRemainingLoad(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	const total = int32(3000)
	const numWorkers = 6
	var delivered int32
	done := make(chan struct{})

	var drainOnce int32
	var subs [numWorkers]*nats.Subscription
	for i := 0; i < numWorkers; i++ {
		idx := i
		sub, err := nc.QueueSubscribe("orders.process", "fulfillment", func(_ *nats.Msg) {
			rcvd := atomic.AddInt32(&delivered, 1)
			// Once we're a third of the way through, retire worker 0 and
			// confirm the rest of the group keeps the backlog moving.
			if idx == 0 && rcvd == total/3 && atomic.CompareAndSwapInt32(&drainOnce, 0, 1) {
				subs[0].Drain()
			}
			if rcvd == total {
				close(done)
			}
		})
		if err != nil {
			t.Fatalf("Error creating queue subscriber %d: %v", i, err)
		}
		subs[i] = sub
	}

	for i := int32(0); i < total; i++ {
		nc.Publish("orders.process", []byte("order"))
	}
	nc.Flush()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Did not receive all messages: %d of %d", atomic.LoadInt32(&delivered), total)
	}

	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		if numSubs := nc.NumSubscriptions(); numSubs != numWorkers-1 {
			return fmt.Errorf("expected %d surviving queue members, got %d", numWorkers-1, numSubs)
		}
		return nil
	})
}

// Draining the whole connection moves it through DRAINING_SUBS and
// DRAINING_PUBS in order, refusing new subscriptions and new publishes as
// it goes, and ends up CLOSED without the caller calling Close itself.
func TestConnectionDrainRejectsNewWorkThenCloses(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)

	if _, err := nc.Subscribe("audit.log", func(_ *nats.Msg) {
		time.Sleep(5 * time.Millisecond)
	}); err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}
	for i := 0; i < 20; i++ {
		nc.Publish("audit.log", []byte("entry"))
	}
	nc.Flush()

	if err := nc.Drain(2 * time.Second); err != nil {
		t.Fatalf("Error starting connection drain: %v", err)
	}

	// Drain flips the status to DRAINING_SUBS before it returns, so a
	// Subscribe attempted right away must be refused.
	if _, err := nc.Subscribe("audit.log", func(_ *nats.Msg) {}); err != nats.ErrConnectionDraining {
		t.Fatalf("Expected ErrConnectionDraining subscribing mid-drain, got %v", err)
	}

	waitFor(t, 3*time.Second, 10*time.Millisecond, func() error {
		if nc.Status() != nats.CLOSED {
			return fmt.Errorf("expected status CLOSED once drain finishes, got %v", nc.Status())
		}
		return nil
	})
}

// A subscriber too slow to keep its channel empty still drains to zero
// pending messages rather than being abandoned with a backlog.
func TestSlowSubscriberDrainEmptiesBacklogEventually(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.Subscribe("telemetry.sample", func(_ *nats.Msg) {
		time.Sleep(100 * time.Millisecond)
	})
	if err != nil {
		t.Fatalf("Error creating subscription: %v", err)
	}

	const total = 12
	for i := 0; i < total; i++ {
		nc.Publish("telemetry.sample", []byte("sample"))
	}
	nc.Flush()

	pending, _, _ := sub.Pending()
	if pending < total-1 {
		t.Fatalf("Expected nearly all messages still pending before drain, got %d of %d", pending, total)
	}

	if err := sub.Drain(); err != nil {
		t.Fatalf("Error draining slow subscriber: %v", err)
	}
	waitFor(t, 3*time.Second, 100*time.Millisecond, func() error {
		pending, _, _ := sub.Pending()
		if pending != 0 {
			return fmt.Errorf("expected no pending messages once drained, got %d", pending)
		}
		return nil
	})
}
