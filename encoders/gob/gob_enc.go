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

// Package gob registers a nats.Encoder backed by the standard library's
// encoding/gob, useful when both ends are Go processes sharing types.
package gob

import (
	"bytes"
	"encoding/gob"
)

import nats "github.com/nats-io/nats-core-go"

const Name = "gob"

func init() {
	nats.RegisterEncoder(Name, &Encoder{})
}

// Encoder implements nats.Encoder using encoding/gob.
type Encoder struct{}

func (e *Encoder) Encode(_ string, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) Decode(_ string, data []byte, vPtr interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(vPtr)
}
