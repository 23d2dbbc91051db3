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

package gob

import "testing"

type reading struct {
	Sensor string
	Value  float64
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := &Encoder{}
	in := reading{Sensor: "temp-1", Value: 21.5}

	data, err := enc.Encode("readings", in)
	if err != nil {
		t.Fatalf("Error encoding: %v", err)
	}

	var out reading
	if err := enc.Decode("readings", data, &out); err != nil {
		t.Fatalf("Error decoding: %v", err)
	}
	if out != in {
		t.Fatalf("Expected %+v, got %+v", in, out)
	}
}
