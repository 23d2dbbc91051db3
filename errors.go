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
	"errors"
	"fmt"

	"github.com/go-stack/stack"
)

// Error kinds returned by this package. Each corresponds to one entry of
// the error taxonomy: no-servers, connection-closed, connection-disconnected,
// stale-connection, protocol-error, auth-required, auth-failed, auth-expired,
// not-permitted, tls-error, secure-wanted, invalid-subject, invalid-queue-name,
// max-payload-exceeded, slow-consumer, max-delivered, draining, timeout,
// no-memory, invalid-arg, no-server-support, not-yet-connected.
var (
	ErrConnectionClosed     = errors.New("nats: connection closed")
	ErrConnectionDraining   = errors.New("nats: connection draining")
	ErrDrainTimeout         = errors.New("nats: draining connection timed out")
	ErrConnectionReconnecting = errors.New("nats: connection reconnecting")
	ErrConnectionDisconnected = errors.New("nats: connection disconnected")
	ErrSecureConnRequired   = errors.New("nats: secure connection required")
	ErrSecureConnWanted     = errors.New("nats: secure connection not available")
	ErrBadSubscription      = errors.New("nats: invalid subscription")
	ErrTypeSubscription     = errors.New("nats: invalid subscription type")
	ErrBadSubject           = errors.New("nats: invalid subject")
	ErrBadQueueName         = errors.New("nats: invalid queue name")
	ErrSlowConsumer         = errors.New("nats: slow consumer, messages dropped")
	ErrTimeout              = errors.New("nats: timeout")
	ErrBadTimeout           = errors.New("nats: timeout invalid")
	ErrAuthorization        = errors.New("nats: authorization violation")
	ErrAuthExpired          = errors.New("nats: authentication expired")
	ErrAuthRevoked          = errors.New("nats: authentication revoked")
	ErrNkeyAuthentication   = errors.New("nats: nkey authentication failed")
	ErrNoServers            = errors.New("nats: no servers available for connection")
	ErrJsonParse            = errors.New("nats: connect message, json parse error")
	ErrChanArg              = errors.New("nats: argument needs to be a channel type")
	ErrMaxPayload           = errors.New("nats: maximum payload exceeded")
	ErrMaxMessages          = errors.New("nats: maximum messages delivered")
	ErrSyncSubRequired      = errors.New("nats: illegal call on an async subscription")
	ErrMultipleTLSConfigs   = errors.New("nats: multiple tls options set")
	ErrNoInfoReceived       = errors.New("nats: protocol exception, INFO not received")
	ErrReconnectBufExceeded = errors.New("nats: outbound buffer limit exceeded")
	ErrInvalidConnection    = errors.New("nats: invalid connection")
	ErrInvalidMsg           = errors.New("nats: invalid message or message nil")
	ErrInvalidArg           = errors.New("nats: invalid argument")
	ErrInvalidContext       = errors.New("nats: invalid context")
	ErrNoDeadlineContext    = errors.New("nats: context requires a deadline")
	ErrNoEchoNotSupported   = errors.New("nats: no echo option not supported by this server")
	ErrClientIPNotSupported = errors.New("nats: client IP not supported by this server")
	ErrHeadersNotSupported  = errors.New("nats: headers not supported by this server")
	ErrBadHeaderMsg         = errors.New("nats: message could not decode headers")
	ErrNoResponders         = errors.New("nats: no responders available for request")
	ErrNoContextOrTimeout   = errors.New("nats: no context or timeout given")
	ErrPullModeNotAllowed   = errors.New("nats: pull based not supported")
	ErrNotJSMessage         = errors.New("nats: not a jetstream message")
	ErrStatusHdr            = errors.New("nats: unexpected status code")
	ErrNotYetConnected      = errors.New("nats: not yet connected, connect handler registered")
	ErrConnectionNotTLS     = errors.New("nats: connection is not tls")
	ErrUserInfoAlreadySet   = errors.New("nats: cannot set user info with a custom dialer")
	ErrMsgNotBound          = errors.New("nats: message is not bound to subscription/connection")
	ErrMsgNoReply           = errors.New("nats: message does not have a reply")
)

// errorWithStack decorates an error with the call stack captured at the
// point the condition was detected. Used only on the async-error path
// (see AsyncErrorCB); Conn.LastError returns the unwrapped error.
type errorWithStack struct {
	err   error
	stack stack.CallStack
}

func (e *errorWithStack) Error() string {
	return e.err.Error()
}

func (e *errorWithStack) Unwrap() error {
	return e.err
}

// Stack renders the captured call stack, most recent frame first. Useful
// from an AsyncErrorCB to log where a protocol error or slow-consumer
// condition originated.
func (e *errorWithStack) Stack() string {
	return fmt.Sprintf("%+v", e.stack)
}

// withStack wraps err with the caller's stack, skipping `skip` frames of
// this package's own plumbing.
func withStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &errorWithStack{err: err, stack: stack.Trace().TrimBelow(stack.Caller(skip))}
}

// StackOf returns the captured call stack on err, if any was attached.
func StackOf(err error) (string, bool) {
	var e *errorWithStack
	if errors.As(err, &e) {
		return e.Stack(), true
	}
	return "", false
}
