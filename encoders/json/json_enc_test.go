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

package json

import "testing"

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := &Encoder{}
	in := person{Name: "Ada", Age: 36}

	data, err := enc.Encode("people", in)
	if err != nil {
		t.Fatalf("Error encoding: %v", err)
	}

	var out person
	if err := enc.Decode("people", data, &out); err != nil {
		t.Fatalf("Error decoding: %v", err)
	}
	if out != in {
		t.Fatalf("Expected %+v, got %+v", in, out)
	}
}

func TestDecodeIntoRawBytesOrString(t *testing.T) {
	enc := &Encoder{}
	data := []byte(`"hello"`)

	var raw []byte
	if err := enc.Decode("x", data, &raw); err != nil {
		t.Fatalf("Error decoding into []byte: %v", err)
	}
	if string(raw) != `"hello"` {
		t.Fatalf("Expected raw passthrough, got %q", string(raw))
	}

	var s string
	if err := enc.Decode("x", data, &s); err != nil {
		t.Fatalf("Error decoding into string: %v", err)
	}
	if s != `"hello"` {
		t.Fatalf("Expected raw passthrough, got %q", s)
	}
}
