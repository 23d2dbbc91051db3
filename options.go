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
	"crypto/tls"
	"time"
)

const (
	Version                  = "1.0.0"
	DefaultURL               = "nats://127.0.0.1:4222"
	DefaultPort              = 4222
	DefaultMaxReconnect      = 60
	DefaultReconnectWait     = 2 * time.Second
	DefaultReconnectJitter   = 100 * time.Millisecond
	DefaultReconnectJitterTLS = time.Second
	DefaultTimeout           = 2 * time.Second
	DefaultPingInterval      = 2 * time.Minute
	DefaultMaxPingsOut       = 2
	DefaultMaxChanLen        = 64 * 1024
	DefaultReconnectBufSize  = 8 * 1024 * 1024
	DefaultInboxPrefix       = "_INBOX."
	LangString               = "go"
)

// ConnHandler is used for asynchronous connection lifecycle events:
// connected, reconnected, closed, lame duck mode entered.
type ConnHandler func(*Conn)

// ConnErrHandler is used for the disconnect event, which carries the
// error that triggered the reconnect. Close does not invoke it.
type ConnErrHandler func(*Conn, error)

// ErrHandler processes asynchronous errors encountered on a subscription:
// slow consumer, not-permitted, and similar conditions that do not take
// the connection down (spec.md §7).
type ErrHandler func(*Conn, *Subscription, error)

// ReconnectDelayHandler overrides the supervisor's entire back-off
// computation (spec.md §4.I "a custom delay callback, if provided,
// overrides the entire back-off").
type ReconnectDelayHandler func(attempts int) time.Duration

// AuthTokenHandler supplies a fresh bearer token per connect attempt.
type AuthTokenHandler func() string

// UserJWTHandler supplies the user JWT for the CONNECT frame.
type UserJWTHandler func() (string, error)

// SignatureHandler signs the server's nonce with the configured NKey.
type SignatureHandler func(nonce []byte) ([]byte, error)

// DiscoveredServersHandler fires when async INFO advertises new peers.
type DiscoveredServersHandler func(*Conn)

// Options configures a Connect call (spec.md §6 "Options surface"). It is
// immutable once a Conn is built from it (spec.md §3 "Connection").
type Options struct {
	Url     string
	Servers []string

	NoRandomize             bool
	IgnoreDiscoveredServers bool

	Name     string
	Verbose  bool
	Pedantic bool

	Secure    bool
	TLSConfig *tls.Config
	TLSServerName string

	Timeout time.Duration

	PingInterval time.Duration
	MaxPingsOut  int

	AllowReconnect         bool
	MaxReconnect           int
	ReconnectWait          time.Duration
	ReconnectJitter        time.Duration
	ReconnectJitterTLS     time.Duration
	ReconnectBufSize       int64
	RetryOnFailedConnect   bool
	CustomReconnectDelayCB ReconnectDelayHandler

	SubChanLen   int
	WriteDeadline time.Duration

	SendAsap             bool
	NoEcho               bool
	DisableNoResponders  bool
	UseOldRequestStyle   bool

	// DeliveryWorkers, when > 0, switches subscription delivery to the
	// shared worker pool mode: subscriptions are statically bound to one
	// of this many workers instead of each getting its own goroutine
	// (spec.md §4.E second delivery mode).
	DeliveryWorkers int

	User         string
	Password     string
	Token        string
	TokenHandler AuthTokenHandler
	Nkey         string
	UserJWT      UserJWTHandler
	SignatureCB  SignatureHandler
	UserCredsFile string

	InboxPrefix string

	// AttachEvent/DetachEvent hand socket ownership to an external event
	// loop instead of the internal readLoop/flusher goroutines (spec.md §6
	// "external event loop embedding"). When AttachEvent is set, the
	// caller is responsible for invoking Conn.ProcessReadEvent and
	// Conn.ProcessWriteEvent as the loop reports readability/writability.
	AttachEvent EventLoopAttachHandler
	DetachEvent EventLoopDetachHandler

	ClosedCB             ConnHandler
	DisconnectedCB       ConnHandler
	DisconnectedErrCB    ConnErrHandler
	ReconnectedCB        ConnHandler
	ConnectedCB          ConnHandler
	AsyncErrorCB         ErrHandler
	DiscoveredServersCB  DiscoveredServersHandler
	LameDuckModeHandler  ConnHandler
}

// ReconnectBufSizeHint returns the configured pending-buffer cap, or the
// package default when unset.
func (o *Options) ReconnectBufSizeHint() int {
	if o.ReconnectBufSize > 0 && o.ReconnectBufSize < 1<<31 {
		return int(o.ReconnectBufSize)
	}
	return DefaultReconnectBufSize
}

// DefaultOptions mirrors the teacher's DefaultOptions, generalized to the
// full surface.
var DefaultOptions = Options{
	AllowReconnect:  true,
	MaxReconnect:    DefaultMaxReconnect,
	ReconnectWait:   DefaultReconnectWait,
	ReconnectJitter: DefaultReconnectJitter,
	ReconnectJitterTLS: DefaultReconnectJitterTLS,
	Timeout:         DefaultTimeout,
	PingInterval:    DefaultPingInterval,
	MaxPingsOut:     DefaultMaxPingsOut,
	SubChanLen:      DefaultMaxChanLen,
	ReconnectBufSize: DefaultReconnectBufSize,
	InboxPrefix:     DefaultInboxPrefix,
}

// GetDefaultOptions returns a fresh copy of the package defaults.
func GetDefaultOptions() Options {
	return DefaultOptions
}

// Option configures an Options value (functional-options pattern, spec.md §6).
type Option func(*Options) error

// Connect connects to the given NATS server(s), applying opts in order.
func Connect(url string, options ...Option) (*Conn, error) {
	o := GetDefaultOptions()
	o.Url = url
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	return o.Connect()
}

// SecureConnect is a convenience wrapper requesting TLS.
func SecureConnect(url string) (*Conn, error) {
	return Connect(url, Secure())
}

func Name(name string) Option {
	return func(o *Options) error { o.Name = name; return nil }
}

func Secure(tlsConfigs ...*tls.Config) Option {
	return func(o *Options) error {
		o.Secure = true
		if len(tlsConfigs) > 1 {
			return ErrMultipleTLSConfigs
		}
		if len(tlsConfigs) == 1 {
			o.TLSConfig = tlsConfigs[0]
		}
		return nil
	}
}

func TLSConfig(cfg *tls.Config) Option {
	return func(o *Options) error { o.Secure = true; o.TLSConfig = cfg; return nil }
}

func RootCAs(_ ...string) Option {
	// Loading CA bundles from disk is a platform/TLS-library concern kept
	// out of scope (spec.md §1); callers supply a *tls.Config via TLSConfig.
	return func(o *Options) error { return nil }
}

func Verbose(v bool) Option {
	return func(o *Options) error { o.Verbose = v; return nil }
}

func Pedantic(v bool) Option {
	return func(o *Options) error { o.Pedantic = v; return nil }
}

func ReconnectWait(d time.Duration) Option {
	return func(o *Options) error { o.ReconnectWait = d; return nil }
}

func MaxReconnects(n int) Option {
	return func(o *Options) error { o.MaxReconnect = n; return nil }
}

func ReconnectJitter(jitter, jitterTLS time.Duration) Option {
	return func(o *Options) error {
		o.ReconnectJitter = jitter
		o.ReconnectJitterTLS = jitterTLS
		return nil
	}
}

func ReconnectBufSize(size int64) Option {
	return func(o *Options) error { o.ReconnectBufSize = size; return nil }
}

func Timeout(t time.Duration) Option {
	return func(o *Options) error { o.Timeout = t; return nil }
}

func PingInterval(d time.Duration) Option {
	return func(o *Options) error { o.PingInterval = d; return nil }
}

func MaxPingsOutstanding(n int) Option {
	return func(o *Options) error { o.MaxPingsOut = n; return nil }
}

func NoReconnect() Option {
	return func(o *Options) error { o.AllowReconnect = false; return nil }
}

func DontRandomize() Option {
	return func(o *Options) error { o.NoRandomize = true; return nil }
}

func IgnoreDiscoveredServers() Option {
	return func(o *Options) error { o.IgnoreDiscoveredServers = true; return nil }
}

func RetryOnFailedConnect(cb ConnHandler) Option {
	return func(o *Options) error {
		o.RetryOnFailedConnect = true
		o.ConnectedCB = cb
		return nil
	}
}

func CustomReconnectDelay(cb ReconnectDelayHandler) Option {
	return func(o *Options) error { o.CustomReconnectDelayCB = cb; return nil }
}

func NoEcho() Option {
	return func(o *Options) error { o.NoEcho = true; return nil }
}

func SendAsap() Option {
	return func(o *Options) error { o.SendAsap = true; return nil }
}

func DisableNoResponders() Option {
	return func(o *Options) error { o.DisableNoResponders = true; return nil }
}

func UseOldRequestStyle() Option {
	return func(o *Options) error { o.UseOldRequestStyle = true; return nil }
}

func SyncQueueLen(max int) Option {
	return func(o *Options) error { o.SubChanLen = max; return nil }
}

func WriteDeadline(d time.Duration) Option {
	return func(o *Options) error { o.WriteDeadline = d; return nil }
}

func UserInfo(user, password string) Option {
	return func(o *Options) error { o.User = user; o.Password = password; return nil }
}

func Token(token string) Option {
	return func(o *Options) error { o.Token = token; return nil }
}

func TokenHandler(cb AuthTokenHandler) Option {
	return func(o *Options) error { o.TokenHandler = cb; return nil }
}

func Nkey(pubKey string, sigCB SignatureHandler) Option {
	return func(o *Options) error {
		o.Nkey = pubKey
		o.SignatureCB = sigCB
		return nil
	}
}

func UserJWT(userCB UserJWTHandler, sigCB SignatureHandler) Option {
	return func(o *Options) error {
		o.UserJWT = userCB
		o.SignatureCB = sigCB
		return nil
	}
}

// UserCredentials points the CONNECT handshake at a .creds file bundling
// a user JWT and its nkey seed, deriving UserJWT and SignatureCB from it
// (spec.md §6 "user_creds_file").
func UserCredentials(credsFile string) Option {
	return func(o *Options) error {
		o.UserCredsFile = credsFile
		o.UserJWT = userJWTFromCredsFile(credsFile)
		o.SignatureCB = sigFromCredsFile(credsFile)
		return nil
	}
}

func InboxPrefix(prefix string) Option {
	return func(o *Options) error {
		if prefix == "" {
			return ErrInvalidArg
		}
		if prefix[len(prefix)-1] != '.' {
			prefix += "."
		}
		o.InboxPrefix = prefix
		return nil
	}
}

func ClosedHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

func DisconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.DisconnectedCB = cb; return nil }
}

func DisconnectErrHandler(cb ConnErrHandler) Option {
	return func(o *Options) error { o.DisconnectedErrCB = cb; return nil }
}

func ReconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

func ConnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ConnectedCB = cb; return nil }
}

func ErrorHandler(cb ErrHandler) Option {
	return func(o *Options) error { o.AsyncErrorCB = cb; return nil }
}

func DiscoveredServersHandlerOpt(cb DiscoveredServersHandler) Option {
	return func(o *Options) error { o.DiscoveredServersCB = cb; return nil }
}

func LameDuckModeHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.LameDuckModeHandler = cb; return nil }
}

func DeliveryWorkerPool(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return ErrInvalidArg
		}
		o.DeliveryWorkers = n
		return nil
	}
}

func AttachEventLoop(attach EventLoopAttachHandler, detach EventLoopDetachHandler) Option {
	return func(o *Options) error {
		o.AttachEvent = attach
		o.DetachEvent = detach
		return nil
	}
}
