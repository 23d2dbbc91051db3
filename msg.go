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

// Header represents optional message headers, attached to a Msg the same
// way the teacher attaches Subject/Reply/Data. The CONNECT frame always
// declares headers as unsupported, the parser has no HMSG variant, and
// publish sends no header bytes, so Header is never filled in on received
// messages and is not transmitted for published ones.
type Header map[string][]string

// Msg is used by Subscribers and PublishMsg (spec.md §3).
type Msg struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte
	Sub     *Subscription
}

// Respond replies to a message using the Reply subject, a convenience
// wrapper over PublishMsg (SPEC_FULL.md §11).
func (m *Msg) Respond(data []byte) error {
	if m == nil || m.Sub == nil {
		return ErrMsgNotBound
	}
	if m.Reply == "" {
		return ErrMsgNoReply
	}
	m.Sub.mu.Lock()
	nc := m.Sub.conn
	m.Sub.mu.Unlock()
	if nc == nil {
		return ErrBadSubscription
	}
	return nc.publish(m.Reply, "", nil, data)
}
