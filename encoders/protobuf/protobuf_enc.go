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

// Package protobuf registers a nats.Encoder backed by
// github.com/golang/protobuf/proto, for payloads that are generated
// protocol buffer messages.
package protobuf

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

import nats "github.com/nats-io/nats-core-go"

const Name = "protobuf"

func init() {
	nats.RegisterEncoder(Name, &Encoder{})
}

// Encoder implements nats.Encoder for values satisfying proto.Message.
type Encoder struct{}

func (e *Encoder) Encode(_ string, v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("nats: protobuf encoder needs a proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (e *Encoder) Decode(_ string, data []byte, vPtr interface{}) error {
	msg, ok := vPtr.(proto.Message)
	if !ok {
		return fmt.Errorf("nats: protobuf encoder needs a proto.Message pointer, got %T", vPtr)
	}
	return proto.Unmarshal(data, msg)
}
