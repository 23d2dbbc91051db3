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
	"testing"
	"time"

	nats "github.com/nats-io/nats-core-go"
	_ "github.com/nats-io/nats-core-go/encoders/json"
)

type greeting struct {
	From string
	To   string
}

func TestEncodedConnPubSub(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	ec, err := nats.NewEncodedConn(nc, "json")
	if err != nil {
		t.Fatalf("Error creating encoded connection: %v", err)
	}

	done := make(chan greeting, 1)
	if _, err := ec.Subscribe("greetings", func(subj string, g greeting) {
		done <- g
	}); err != nil {
		t.Fatalf("Error subscribing: %v", err)
	}

	want := greeting{From: "alice", To: "bob"}
	if err := ec.Publish("greetings", want); err != nil {
		t.Fatalf("Error publishing: %v", err)
	}

	select {
	case got := <-done:
		if got != want {
			t.Fatalf("Expected %+v, got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for delivery")
	}
}

func TestEncodedConnRequest(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	ec, err := nats.NewEncodedConn(nc, "json")
	if err != nil {
		t.Fatalf("Error creating encoded connection: %v", err)
	}

	ec.Subscribe("echo", func(subj, reply string, g greeting) {
		ec.Publish(reply, g)
	})
	ec.Conn.Flush()

	var reply greeting
	req := greeting{From: "alice", To: "bob"}
	if err := ec.Request("echo", req, &reply, time.Second); err != nil {
		t.Fatalf("Error on request: %v", err)
	}
	if reply != req {
		t.Fatalf("Expected %+v, got %+v", req, reply)
	}
}
