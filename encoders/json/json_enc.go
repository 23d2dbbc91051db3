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

// Package json registers a nats.Encoder that (de)serializes values with
// the standard library's encoding/json.
package json

import "encoding/json"

import nats "github.com/nats-io/nats-core-go"

const Name = "json"

func init() {
	nats.RegisterEncoder(Name, &Encoder{})
}

// Encoder implements nats.Encoder using encoding/json.
type Encoder struct{}

// Encode marshals v to JSON. subject is unused, carried only to satisfy
// nats.Encoder's signature.
func (e *Encoder) Encode(_ string, v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into vPtr, except that a *[]byte or *string
// target receives the raw bytes unchanged.
func (e *Encoder) Decode(_ string, data []byte, vPtr interface{}) error {
	if raw, ok := vPtr.(*[]byte); ok {
		*raw = data
		return nil
	}
	if s, ok := vPtr.(*string); ok {
		*s = string(data)
		return nil
	}
	return json.Unmarshal(data, vPtr)
}
