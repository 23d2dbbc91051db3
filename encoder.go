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

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Encoder marshals and unmarshals Go values to and from the bytes carried
// on the wire by a Msg. Implementations live under encoders/ (SPEC_FULL.md
// §10/§11) and register themselves with RegisterEncoder.
type Encoder interface {
	Encode(subject string, v interface{}) ([]byte, error)
	Decode(subject string, data []byte, vPtr interface{}) error
}

var (
	encodersMu sync.Mutex
	encoders   = make(map[string]Encoder)
)

// RegisterEncoder makes an Encoder available to EncodedConn under name.
// Sub-packages call this from an init func, following the database/sql
// driver-registration idiom.
func RegisterEncoder(name string, enc Encoder) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	encoders[name] = enc
}

// EncodedConn wraps a Conn and runs every payload through a registered
// Encoder, so callers publish and receive Go values instead of raw bytes
// (SPEC_FULL.md §3 data model extension, §11 supplemented feature).
type EncodedConn struct {
	Conn *Conn
	Enc  Encoder
}

// NewEncodedConn looks up the Encoder registered under encType and wraps
// nc in an EncodedConn using it.
func NewEncodedConn(nc *Conn, encType string) (*EncodedConn, error) {
	if nc == nil {
		return nil, ErrInvalidConnection
	}
	encodersMu.Lock()
	enc, ok := encoders[encType]
	encodersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("nats: no encoder registered for %q", encType)
	}
	return &EncodedConn{Conn: nc, Enc: enc}, nil
}

// Publish encodes v with the EncodedConn's Encoder and publishes the
// result to subj.
func (c *EncodedConn) Publish(subj string, v interface{}) error {
	data, err := c.Enc.Encode(subj, v)
	if err != nil {
		return err
	}
	return c.Conn.Publish(subj, data)
}

// PublishRequest is the encoded counterpart of Conn.PublishRequest.
func (c *EncodedConn) PublishRequest(subj, reply string, v interface{}) error {
	data, err := c.Enc.Encode(subj, v)
	if err != nil {
		return err
	}
	return c.Conn.PublishRequest(subj, reply, data)
}

// Request publishes v, waits for a single reply, and decodes it into vPtr.
// vPtr may be nil to discard the payload while still round-tripping.
func (c *EncodedConn) Request(subj string, v interface{}, vPtr interface{}, timeout time.Duration) error {
	data, err := c.Enc.Encode(subj, v)
	if err != nil {
		return err
	}
	m, err := c.Conn.Request(subj, data, timeout)
	if err != nil {
		return err
	}
	if vPtr == nil {
		return nil
	}
	return c.Enc.Decode(subj, m.Data, vPtr)
}

// encodedHandler validates cb's shape once via reflection, then returns a
// MsgHandler that decodes each delivery into a fresh value of cb's
// argument type before invoking it. Matches the signatures the teacher's
// reference clients accept: func(*Msg), func(subject string, v T), or
// func(subject, reply string, v T).
func (c *EncodedConn) encodedHandler(cb interface{}) (MsgHandler, error) {
	if cb == nil {
		return nil, ErrBadSubscription
	}
	if mh, ok := cb.(func(*Msg)); ok {
		return mh, nil
	}

	cbVal := reflect.ValueOf(cb)
	cbType := cbVal.Type()
	if cbType.Kind() != reflect.Func {
		return nil, fmt.Errorf("nats: handler needs to be a func")
	}

	numIn := cbType.NumIn()
	if numIn < 1 || numIn > 3 {
		return nil, fmt.Errorf("nats: unexpected handler signature")
	}
	argIdx := numIn - 1
	argType := cbType.In(argIdx)

	return func(m *Msg) {
		argPtr := reflect.New(argType)
		if err := c.Enc.Decode(m.Subject, m.Data, argPtr.Interface()); err != nil {
			c.Conn.reportAsyncError(m.Sub, err)
			return
		}
		var args []reflect.Value
		switch numIn {
		case 1:
			args = []reflect.Value{argPtr.Elem()}
		case 2:
			args = []reflect.Value{reflect.ValueOf(m.Subject), argPtr.Elem()}
		case 3:
			reply := m.Reply
			args = []reflect.Value{reflect.ValueOf(m.Subject), reflect.ValueOf(reply), argPtr.Elem()}
		}
		cbVal.Call(args)
	}, nil
}

// Subscribe decodes each delivered payload before invoking cb. cb may be
// func(*Msg), func(subject string, v T), or func(subject, reply string, v T).
func (c *EncodedConn) Subscribe(subj string, cb interface{}) (*Subscription, error) {
	mh, err := c.encodedHandler(cb)
	if err != nil {
		return nil, err
	}
	return c.Conn.Subscribe(subj, mh)
}

// QueueSubscribe is the queue-group counterpart of Subscribe.
func (c *EncodedConn) QueueSubscribe(subj, queue string, cb interface{}) (*Subscription, error) {
	mh, err := c.encodedHandler(cb)
	if err != nil {
		return nil, err
	}
	return c.Conn.QueueSubscribe(subj, queue, mh)
}

// Close tears down the underlying Conn.
func (c *EncodedConn) Close() {
	c.Conn.Close()
}

// Flush is a passthrough to the underlying Conn.
func (c *EncodedConn) Flush() error {
	return c.Conn.Flush()
}

// LastError is a passthrough to the underlying Conn.
func (c *EncodedConn) LastError() error {
	return c.Conn.LastError()
}
