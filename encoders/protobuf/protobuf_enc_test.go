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

package protobuf

import (
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := &Encoder{}
	in := wrapperspb.String("hello protobuf")

	data, err := enc.Encode("greetings", in)
	if err != nil {
		t.Fatalf("Error encoding: %v", err)
	}

	out := &wrapperspb.StringValue{}
	if err := enc.Decode("greetings", data, out); err != nil {
		t.Fatalf("Error decoding: %v", err)
	}
	if out.GetValue() != in.GetValue() {
		t.Fatalf("Expected %q, got %q", in.GetValue(), out.GetValue())
	}
}

func TestEncodeRejectsNonProtoMessage(t *testing.T) {
	enc := &Encoder{}
	if _, err := enc.Encode("x", "not a proto message"); err == nil {
		t.Fatalf("Expected an error encoding a non proto.Message value")
	}
}
