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

// byteBuf is a growable byte region used by the parser's scratch buffer and
// the flusher's outbound coalescing buffer. It generalizes the teacher's
// raw bytes.Buffer usage with an explicit borrowed-backing mode: a byteBuf
// can start out pointing at caller-owned storage (e.g. a stack array) and
// only copies into owned storage the first time it needs to grow past that
// capacity.
//
// Addresses returned by Bytes() are only valid until the next Append,
// AppendByte, or Expand call.
type byteBuf struct {
	buf      []byte
	borrowed bool
}

// newByteBuf creates an empty owned buffer with the given initial capacity.
func newByteBuf(capacity int) *byteBuf {
	return &byteBuf{buf: make([]byte, 0, capacity)}
}

// borrowByteBuf wraps caller-owned storage without copying. The buffer may
// not be appended to beyond cap(backing) without first copying into owned
// storage (handled transparently by expand).
func borrowByteBuf(backing []byte) *byteBuf {
	return &byteBuf{buf: backing[:0], borrowed: true}
}

// Len returns the number of valid bytes currently held.
func (b *byteBuf) Len() int { return len(b.buf) }

// Bytes returns the valid region. The slice is invalidated by the next
// mutating call.
func (b *byteBuf) Bytes() []byte { return b.buf }

// Reset truncates the buffer to zero length without releasing capacity.
func (b *byteBuf) Reset() { b.buf = b.buf[:0] }

// RewindTo truncates the buffer back to length n, discarding everything
// appended after that point. n must be <= Len().
func (b *byteBuf) RewindTo(n int) {
	if n < 0 || n > len(b.buf) {
		return
	}
	b.buf = b.buf[:n]
}

// expand grows the backing array to hold at least n additional bytes,
// per spec: the new capacity is at least n + max(n/10, 64). The first
// expansion of a borrowed buffer copies into newly owned storage; the
// borrowed backing is left untouched (and may not be deallocated by the
// caller until this happens).
func (b *byteBuf) expand(n int) {
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	grow := n
	if pad := n / 10; pad > 64 {
		grow = n + pad
	} else {
		grow = n + 64
	}
	nb := make([]byte, len(b.buf), len(b.buf)+grow)
	copy(nb, b.buf)
	b.buf = nb
	b.borrowed = false
}

// Append copies p onto the end of the buffer, growing as needed.
func (b *byteBuf) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.expand(len(p))
	b.buf = append(b.buf, p...)
}

// AppendByte appends a single byte, growing as needed.
func (b *byteBuf) AppendByte(c byte) {
	b.expand(1)
	b.buf = append(b.buf, c)
}

// ConsumePrefix discards the first n bytes, shifting the remainder down.
// Used by the parser to drop a completed control line from the scratch
// buffer while carrying over any bytes already read past it.
func (b *byteBuf) ConsumePrefix(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
		return
	}
	copy(b.buf, b.buf[n:])
	b.buf = b.buf[:len(b.buf)-n]
}

// destroy releases the backing array. Safe to call on a borrowed buffer
// only after the first expand() has copied it into owned storage, or if
// the buffer was never appended to beyond its original backing.
func (b *byteBuf) destroy() {
	b.buf = nil
}
