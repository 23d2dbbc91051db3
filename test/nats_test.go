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
	"sync/atomic"
	"testing"
	"time"

	nats "github.com/nats-io/nats-core-go"
)

func TestPublishSubscribe(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.SubscribeSync("foo")
	if err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}
	if err := nc.Publish("foo", []byte("hello")); err != nil {
		t.Fatalf("Error publishing: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Error flushing: %v", err)
	}

	m, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("Error getting next message: %v", err)
	}
	if string(m.Data) != "hello" {
		t.Fatalf("Expected %q, got %q", "hello", string(m.Data))
	}
}

func TestQueueSubscribeFanOut(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	var a, b int32
	wait := make(chan bool, 1)
	total := int32(200)
	var delivered int32

	cb := func(counter *int32) nats.MsgHandler {
		return func(_ *nats.Msg) {
			atomic.AddInt32(counter, 1)
			if atomic.AddInt32(&delivered, 1) == total {
				wait <- true
			}
		}
	}

	if _, err := nc.QueueSubscribe("foo", "workers", cb(&a)); err != nil {
		t.Fatalf("Error queue subscribing: %v", err)
	}
	if _, err := nc.QueueSubscribe("foo", "workers", cb(&b)); err != nil {
		t.Fatalf("Error queue subscribing: %v", err)
	}

	for i := int32(0); i < total; i++ {
		nc.Publish("foo", []byte("x"))
	}
	nc.Flush()

	select {
	case <-wait:
	case <-time.After(2 * time.Second):
		t.Fatalf("Did not receive all messages: %d of %d", atomic.LoadInt32(&delivered), total)
	}

	if a == 0 || b == 0 {
		t.Fatalf("Expected both queue members to receive some messages, got a=%d b=%d", a, b)
	}
	if a+b != total {
		t.Fatalf("Expected exactly one delivery per message, got a+b=%d want %d", a+b, total)
	}
}

func TestAutoUnsubscribe(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	var received int32
	sub, err := nc.Subscribe("foo", func(_ *nats.Msg) {
		atomic.AddInt32(&received, 1)
	})
	if err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}
	if err := sub.AutoUnsubscribe(5); err != nil {
		t.Fatalf("Error on AutoUnsubscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		nc.Publish("foo", []byte("x"))
	}
	nc.Flush()
	time.Sleep(200 * time.Millisecond)

	if r := atomic.LoadInt32(&received); r != 5 {
		t.Fatalf("Expected exactly 5 messages delivered, got %d", r)
	}
	if sub.IsValid() {
		t.Fatalf("Expected subscription to have been removed after reaching its cap")
	}
}

func TestRequestReply(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	nc.Subscribe("help", func(m *nats.Msg) {
		m.Respond([]byte("42"))
	})
	nc.Flush()

	m, err := nc.Request("help", []byte("question"), time.Second)
	if err != nil {
		t.Fatalf("Error on request: %v", err)
	}
	if string(m.Data) != "42" {
		t.Fatalf("Expected %q, got %q", "42", string(m.Data))
	}
}

func TestRequestNoResponders(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	if _, err := nc.Request("nobody.listening", []byte("?"), 200*time.Millisecond); err != nats.ErrTimeout {
		t.Fatalf("Expected a timeout with no responders, got %v", err)
	}
}

func TestFlushTimeout(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	if err := nc.FlushTimeout(0); err != nats.ErrBadTimeout {
		t.Fatalf("Expected ErrBadTimeout for a zero timeout, got %v", err)
	}
	if err := nc.FlushTimeout(time.Second); err != nil {
		t.Fatalf("Unexpected error flushing: %v", err)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)

	sub, err := nc.SubscribeSync("foo")
	if err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}
	nc.Close()

	if _, err := sub.NextMsg(100 * time.Millisecond); err != nats.ErrConnectionClosed {
		t.Fatalf("Expected ErrConnectionClosed from a closed connection, got %v", err)
	}
	if nc.Status() != nats.CLOSED {
		t.Fatalf("Expected status CLOSED, got %v", nc.Status())
	}
}
