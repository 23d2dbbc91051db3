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

// Package test holds integration tests run against an embedded
// nats-server instance (SPEC_FULL.md §10: github.com/nats-io/nats-server/v2
// wired in purely as a test-time dependency, never imported by the client
// package itself).
package test

import (
	"testing"
	"time"

	nats "github.com/nats-io/nats-core-go"
	"github.com/nats-io/nats-server/v2/server"
)

const testPort = 18232

// DefaultTestOptions mirrors the nats-server defaults used across this
// suite, bound to a fixed local port so NewDefaultConnection can find it.
func DefaultTestOptions() *server.Options {
	return &server.Options{
		Host:           "127.0.0.1",
		Port:           testPort,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
}

// RunDefaultServer starts an embedded server on the default test port and
// blocks until it is ready for client connections.
func RunDefaultServer() *server.Server {
	return RunServerWithOptions(DefaultTestOptions())
}

// RunServerWithOptions starts an embedded server with custom options. A
// restart onto a port whose listener was just closed (e.g. by a prior
// Shutdown in a reconnect test) can transiently fail to bind, so this
// retries a few times before giving up.
func RunServerWithOptions(opts *server.Options) *server.Server {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		s, err := server.NewServer(opts)
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.Start()
		if !s.ReadyForConnections(10 * time.Second) {
			panic("nats test server failed to start")
		}
		return s
	}
	panic(lastErr)
}

// NewDefaultConnection connects to the server started by RunDefaultServer.
func NewDefaultConnection(t *testing.T) *nats.Conn {
	t.Helper()
	url := "nats://127.0.0.1:18232"
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("failed to connect to default test server: %v", err)
	}
	return nc
}
