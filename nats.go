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

// Package nats is a client for the NATS publish-subscribe messaging
// system. It owns the wire protocol state machine, server pool and
// reconnect supervisor, subscription delivery engine, and request/reply
// multiplexer described by the connection engine this module implements.
package nats

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufSize = 32 * 1024

const (
	pingProto = "PING\r\n"
	pongProto = "PONG\r\n"
)

// Status represents the state of a Conn (spec.md §3 "Connection status").
type Status int

const (
	DISCONNECTED Status = iota
	CONNECTED
	CLOSED
	RECONNECTING
	CONNECTING
	DRAINING_SUBS
	DRAINING_PUBS
)

func (s Status) String() string {
	switch s {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTED:
		return "CONNECTED"
	case CLOSED:
		return "CLOSED"
	case RECONNECTING:
		return "RECONNECTING"
	case CONNECTING:
		return "CONNECTING"
	case DRAINING_SUBS:
		return "DRAINING_SUBS"
	case DRAINING_PUBS:
		return "DRAINING_PUBS"
	default:
		return "UNKNOWN"
	}
}

// Statistics tracks message/byte counters for a Conn (spec.md §3, exposed
// via Conn.Stats).
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// serverInfo is the payload of an INFO frame, both the initial handshake
// INFO and any later async INFO advertising cluster topology changes
// (spec.md §3 "Server info", §4.C).
type serverInfo struct {
	Id           string   `json:"server_id"`
	Name         string   `json:"server_name,omitempty"`
	Version      string   `json:"version"`
	Proto        int      `json:"proto"`
	GoVersion    string   `json:"go,omitempty"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Headers      bool     `json:"headers"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	TLSAvailable bool     `json:"tls_available,omitempty"`
	MaxPayload   int64    `json:"max_payload"`
	ClientID     uint64   `json:"client_id,omitempty"`
	ClientIP     string   `json:"client_ip,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	LameDuckMode bool     `json:"ldm,omitempty"`
}

// connectInfo is the payload of the CONNECT frame (spec.md §4.A, §6).
type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	UserJWT      string `json:"jwt,omitempty"`
	Nkey         string `json:"nkey,omitempty"`
	Signature    string `json:"sig,omitempty"`
	User         string `json:"user,omitempty"`
	Pass         string `json:"pass,omitempty"`
	Token        string `json:"auth_token,omitempty"`
	TLS          bool   `json:"tls_required"`
	Name         string `json:"name"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Echo         bool   `json:"echo"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
}

// Conn is a single connection to a NATS server or cluster (spec.md §3).
// It owns one socket at a time, the parser driving it, the server pool,
// the subscription table, and the reconnect supervisor. See the lock
// discipline note in reconnect.go/sub.go: conn.lock -> subs.lock ->
// sub.lock/worker.lock, never held across a user callback.
type Conn struct {
	Statistics

	mu   sync.Mutex
	Opts Options

	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader

	pending *byteBuf
	fch     chan struct{}

	ps             *parseState
	pendingMsgData []byte

	info serverInfo

	ssid uint64
	subs *subTable

	srvPool *srvPool

	pongs []*pongEntry
	pout  int
	ptmr  *time.Timer

	status Status
	err    error

	isConnecting bool

	respMux *respMux

	workers  []*subWorker
	workerRR uint64
}

// Connect builds a Conn from o and runs the initial connection sequence.
func (o Options) Connect() (*Conn, error) {
	nc := &Conn{Opts: o}
	if err := nc.connect(); err != nil {
		return nil, err
	}
	return nc, nil
}

// connect runs the initial connection sequence: build the server pool,
// try each configured endpoint in turn, and on success spin up the
// reader/flusher/ping-timer goroutines (spec.md §4.A, §4.C).
func (nc *Conn) connect() error {
	pool, err := newSrvPool(&nc.Opts)
	if err != nil {
		return err
	}
	nc.srvPool = pool
	nc.subs = newSubTable()
	nc.fch = make(chan struct{}, 1)
	nc.status = CONNECTING
	nc.isConnecting = true

	if n := nc.Opts.DeliveryWorkers; n > 0 {
		nc.workers = make([]*subWorker, n)
		for i := range nc.workers {
			w := newSubWorker(DefaultSubPendingMsgsLimit)
			nc.workers[i] = w
			go w.run()
		}
	}

	attempts := pool.size()
	var lastErr error
	for i := 0; i < attempts; i++ {
		nc.mu.Lock()
		s := nc.srvPool.current()
		if s == nil {
			nc.mu.Unlock()
			break
		}
		s.lastAttempt = time.Now()
		if err := nc.tryConnectLocked(s); err == nil {
			nc.mu.Unlock()
			return nil
		} else {
			lastErr = err
			nc.srvPool.next(nc.Opts.MaxReconnect)
		}
		nc.mu.Unlock()
	}

	if lastErr == nil {
		lastErr = ErrNoServers
	}
	if nc.Opts.RetryOnFailedConnect {
		nc.mu.Lock()
		nc.status = RECONNECTING
		nc.pending = newByteBuf(nc.Opts.ReconnectBufSizeHint())
		nc.isConnecting = false
		nc.err = lastErr
		nc.mu.Unlock()
		go nc.doReconnect(true)
		return nil
	}

	nc.mu.Lock()
	nc.status = DISCONNECTED
	nc.isConnecting = false
	nc.err = lastErr
	nc.mu.Unlock()
	return lastErr
}

// tryConnectLocked dials s and runs the full handshake, leaving the
// connection CONNECTED on success. Caller holds conn.lock and keeps
// holding it on every return path.
func (nc *Conn) tryConnectLocked(s *srv) error {
	if err := nc.createConnLocked(s); err != nil {
		return err
	}
	if err := nc.processExpectedInfoLocked(); err != nil {
		nc.closeSocketLocked()
		return err
	}
	if err := nc.sendConnectLocked(); err != nil {
		nc.closeSocketLocked()
		return err
	}

	nc.initParser()
	nc.status = CONNECTED
	nc.isConnecting = false
	s.didConnect = true
	s.reconnects = 0

	if !nc.Opts.IgnoreDiscoveredServers {
		if urls := nc.srvPool.addDiscovered(nc.info.ConnectURLs, nc.Opts.TLSServerName, nc.Opts.NoRandomize); len(urls) > 0 {
			if cb := nc.Opts.DiscoveredServersCB; cb != nil {
				go cb(nc)
			}
		}
	}

	if attach := nc.Opts.AttachEvent; attach != nil {
		if err := attach(nc.conn); err != nil {
			nc.closeSocketLocked()
			return err
		}
	} else {
		go nc.readLoop()
		go nc.flusher()
	}
	nc.startPingTimerLocked()

	if cb := nc.Opts.ConnectedCB; cb != nil {
		go cb(nc)
	}
	return nil
}

// createConnLocked dials the TCP socket and installs buffered I/O. Caller
// holds conn.lock.
func (nc *Conn) createConnLocked(s *srv) error {
	timeout := nc.Opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := net.DialTimeout("tcp", s.url.Host, timeout)
	if err != nil {
		return err
	}
	nc.conn = c
	nc.br = bufio.NewReaderSize(c, defaultBufSize)
	nc.bw = bufio.NewWriterSize(c, defaultBufSize)
	return nil
}

// closeSocketLocked tears down the socket without touching connection
// status, used when a handshake step fails partway through. Caller holds
// conn.lock.
func (nc *Conn) closeSocketLocked() {
	conn := nc.conn
	if conn != nil {
		conn.Close()
		nc.conn = nil
	}
	if detach := nc.Opts.DetachEvent; detach != nil && conn != nil {
		detach(conn)
	}
}

// processExpectedInfoLocked reads and applies the first INFO frame a
// server must send immediately after accepting the socket (spec.md §4.A
// step 1). Caller holds conn.lock.
func (nc *Conn) processExpectedInfoLocked() error {
	timeout := nc.Opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nc.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := nc.br.ReadString('\n')
	nc.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if len(line) < 5 || !strings.EqualFold(line[:5], "INFO ") {
		return ErrNoInfoReceived
	}
	if err := nc.applyInfoLocked([]byte(line[5:])); err != nil {
		return err
	}
	if nc.info.TLSRequired && !nc.Opts.Secure {
		return ErrSecureConnRequired
	}
	return nil
}

func (nc *Conn) applyInfoLocked(data []byte) error {
	var info serverInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ErrJsonParse
	}
	nc.info = info
	return nil
}

// makeTLSConnLocked upgrades the raw socket to TLS once the server has
// announced tls_required (or the caller requested Secure), per spec.md
// §4.A step 2. Caller holds conn.lock.
func (nc *Conn) makeTLSConnLocked() error {
	var cfg *tls.Config
	if nc.Opts.TLSConfig != nil {
		cfg = nc.Opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(nc.conn.RemoteAddr().String()); err == nil {
			cfg.ServerName = host
		}
	}
	tlsConn := tls.Client(nc.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	nc.conn = tlsConn
	nc.br = bufio.NewReaderSize(tlsConn, defaultBufSize)
	nc.bw = bufio.NewWriterSize(tlsConn, defaultBufSize)
	return nil
}

// sendConnectLocked upgrades to TLS if required, writes the CONNECT and a
// trailing PING, and blocks for the server's acknowledgement (spec.md
// §4.A steps 2-3). Caller holds conn.lock.
func (nc *Conn) sendConnectLocked() error {
	if nc.info.TLSRequired || nc.Opts.Secure {
		if err := nc.makeTLSConnLocked(); err != nil {
			return err
		}
	}

	ci := connectInfo{
		Verbose:      nc.Opts.Verbose,
		Pedantic:     nc.Opts.Pedantic,
		TLS:          nc.Opts.Secure,
		Name:         nc.Opts.Name,
		Lang:         LangString,
		Version:      Version,
		Protocol:     1,
		Echo:         !nc.Opts.NoEcho,
		Headers:      false,
		NoResponders: !nc.Opts.DisableNoResponders,
	}
	switch {
	case nc.Opts.Nkey != "" && nc.Opts.SignatureCB != nil:
		sig, err := nc.Opts.SignatureCB([]byte(nc.info.Nonce))
		if err != nil {
			return err
		}
		ci.Nkey = nc.Opts.Nkey
		ci.Signature = base64.RawURLEncoding.EncodeToString(sig)
	case nc.Opts.UserJWT != nil:
		jwt, err := nc.Opts.UserJWT()
		if err != nil {
			return err
		}
		ci.UserJWT = jwt
		if nc.Opts.SignatureCB != nil {
			sig, err := nc.Opts.SignatureCB([]byte(nc.info.Nonce))
			if err != nil {
				return err
			}
			ci.Signature = base64.RawURLEncoding.EncodeToString(sig)
		}
	case nc.Opts.User != "":
		ci.User = nc.Opts.User
		ci.Pass = nc.Opts.Password
	case nc.Opts.Token != "":
		ci.Token = nc.Opts.Token
	case nc.Opts.TokenHandler != nil:
		ci.Token = nc.Opts.TokenHandler()
	}

	b, err := json.Marshal(ci)
	if err != nil {
		return ErrJsonParse
	}

	var buf bytes.Buffer
	buf.WriteString("CONNECT ")
	buf.Write(b)
	buf.WriteString("\r\n")
	buf.WriteString(pingProto)
	if _, err := nc.bw.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := nc.bw.Flush(); err != nil {
		return err
	}

	timeout := nc.Opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nc.conn.SetReadDeadline(time.Now().Add(timeout))
	defer nc.conn.SetReadDeadline(time.Time{})

	for {
		line, err := nc.br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "+OK"):
			continue
		case strings.HasPrefix(line, "-ERR"):
			return classifyServerErr(strings.Trim(line[4:], " '"))
		case strings.HasPrefix(line, "PONG"):
			return nil
		case len(line) >= 5 && strings.EqualFold(line[:5], "INFO "):
			nc.applyInfoLocked([]byte(line[5:]))
			continue
		default:
			return fmt.Errorf("nats: unexpected handshake response %q", line)
		}
	}
}

// readLoop is the dedicated goroutine that owns the inbound socket; it
// feeds every read through the parser, which drives the parseOutput
// callbacks below (spec.md §4.B, §5: exactly one reader per connection).
func (nc *Conn) readLoop() {
	for {
		nc.mu.Lock()
		conn := nc.conn
		br := nc.br
		ps := nc.ps
		closed := nc.isClosed()
		nc.mu.Unlock()
		if closed || conn == nil || br == nil {
			return
		}

		buf := make([]byte, defaultBufSize)
		n, err := br.Read(buf)
		if err != nil {
			nc.processOpErr(err)
			return
		}
		if err := ps.parse(buf[:n], nc); err != nil {
			nc.processOpErr(err)
			return
		}
	}
}

// --- parseOutput implementation ---

func (nc *Conn) processMsgArgs(arg []byte) error {
	return parseMsgArgs(&nc.ps.ma, arg)
}

// processMsgPayload stashes a completed MSG payload. Delivery itself
// happens in processMsgEnd so that zero-length payloads (which skip
// processMsgPayload entirely) take the same path.
func (nc *Conn) processMsgPayload(data []byte) {
	nc.pendingMsgData = append(nc.pendingMsgData[:0], data...)
}

func (nc *Conn) processMsgEnd() {
	ma := nc.ps.ma
	data := nc.pendingMsgData
	nc.pendingMsgData = nil
	nc.processMsg(ma, data)
}

func (nc *Conn) processMsg(ma msgArg, data []byte) {
	atomic.AddUint64(&nc.InMsgs, 1)
	atomic.AddUint64(&nc.InBytes, uint64(len(data)))

	sub := nc.subs.lookup(ma.sid)
	if sub == nil {
		return
	}
	m := &Msg{Subject: string(ma.subject), Sub: sub}
	if len(ma.reply) > 0 {
		m.Reply = string(ma.reply)
	}
	if len(data) > 0 {
		m.Data = append([]byte(nil), data...)
	}
	sub.deliverMsg(m)
}

func (nc *Conn) processOK() {}

func (nc *Conn) processPing() {
	nc.mu.Lock()
	nc.bufferOrWrite([]byte(pongProto))
	nc.kickFlusher()
	nc.mu.Unlock()
}

func (nc *Conn) processErr(e string) {
	err := classifyServerErr(e)
	switch err {
	case ErrSlowConsumer, ErrStatusHdr:
		nc.reportAsyncError(nil, err)
		return
	}
	if strings.Contains(strings.ToLower(e), "permissions violation") {
		nc.reportAsyncError(nil, err)
		return
	}
	nc.mu.Lock()
	nc.err = err
	nc.mu.Unlock()
	nc.processOpErr(err)
}

func (nc *Conn) processAsyncInfo(data []byte) {
	nc.mu.Lock()
	var info serverInfo
	if err := json.Unmarshal(data, &info); err != nil {
		nc.mu.Unlock()
		return
	}
	prevLDM := nc.info.LameDuckMode
	nc.info = info

	var addedURLs []string
	if !nc.Opts.IgnoreDiscoveredServers {
		addedURLs = nc.srvPool.addDiscovered(info.ConnectURLs, nc.Opts.TLSServerName, nc.Opts.NoRandomize)
	}
	discoveredCB := nc.Opts.DiscoveredServersCB
	ldmCB := nc.Opts.LameDuckModeHandler
	nc.mu.Unlock()

	if len(addedURLs) > 0 && discoveredCB != nil {
		go discoveredCB(nc)
	}
	if info.LameDuckMode && !prevLDM && ldmCB != nil {
		go ldmCB(nc)
	}
}

// classifyServerErr maps a server -ERR string onto one of the package's
// sentinel errors where recognized (spec.md §7), falling back to a
// generic wrapped error for anything else.
func classifyServerErr(text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "authorization violation"):
		return ErrAuthorization
	case strings.Contains(lower, "user authentication expired"):
		return ErrAuthExpired
	case strings.Contains(lower, "authentication revoked"):
		return ErrAuthRevoked
	case strings.Contains(lower, "stale connection"):
		return ErrConnectionReconnecting
	case strings.Contains(lower, "slow consumer"):
		return ErrSlowConsumer
	case strings.Contains(lower, "maximum payload"):
		return ErrMaxPayload
	default:
		return fmt.Errorf("nats: %s", text)
	}
}

func (nc *Conn) isClosed() bool       { return nc.status == CLOSED }
func (nc *Conn) isReconnecting() bool { return nc.status == RECONNECTING }

// reportAsyncError delivers a non-fatal condition to the user's
// AsyncErrorCB, decorated with the call stack of the detecting code path
// (spec.md §7). sub is nil for connection-wide conditions.
func (nc *Conn) reportAsyncError(sub *Subscription, err error) {
	nc.mu.Lock()
	cb := nc.Opts.AsyncErrorCB
	nc.err = err
	nc.mu.Unlock()
	if cb != nil {
		go cb(nc, sub, withStack(err, 3))
	}
}

// signalSlowConsumer reports a slow-consumer condition for sub (spec.md §4.D).
func (nc *Conn) signalSlowConsumer(s *Subscription) {
	nc.reportAsyncError(s, ErrSlowConsumer)
}

func subProtoLine(subj, queue string, sid uint64) string {
	if queue != "" {
		return fmt.Sprintf("SUB %s %s %d\r\n", subj, queue, sid)
	}
	return fmt.Sprintf("SUB %s %d\r\n", subj, sid)
}

func unsubProtoLine(sid uint64, max int) string {
	if max > 0 {
		return fmt.Sprintf("UNSUB %d %d\r\n", sid, max)
	}
	return fmt.Sprintf("UNSUB %d\r\n", sid)
}

// --- publish ---

func (nc *Conn) publish(subj, reply string, hdr Header, data []byte) error {
	if subj == "" {
		return ErrBadSubject
	}
	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return ErrConnectionDraining
	}
	if maxPayload := nc.info.MaxPayload; maxPayload > 0 && int64(len(data)) > maxPayload {
		nc.mu.Unlock()
		return ErrMaxPayload
	}

	var line string
	if reply != "" {
		line = fmt.Sprintf("PUB %s %s %d\r\n", subj, reply, len(data))
	} else {
		line = fmt.Sprintf("PUB %s %d\r\n", subj, len(data))
	}
	if err := nc.bufferOrWrite([]byte(line)); err != nil {
		nc.mu.Unlock()
		return err
	}
	if len(data) > 0 {
		if err := nc.bufferOrWrite(data); err != nil {
			nc.mu.Unlock()
			return err
		}
	}
	if err := nc.bufferOrWrite([]byte("\r\n")); err != nil {
		nc.mu.Unlock()
		return err
	}

	atomic.AddUint64(&nc.OutMsgs, 1)
	atomic.AddUint64(&nc.OutBytes, uint64(len(data)))

	if nc.Opts.SendAsap {
		nc.bw.Flush()
	} else {
		nc.kickFlusher()
	}
	nc.mu.Unlock()
	return nil
}

// Publish sends data to subj (spec.md §4.G "publish").
func (nc *Conn) Publish(subj string, data []byte) error {
	return nc.publish(subj, "", nil, data)
}

// PublishMsg publishes the Subject/Reply/Data carried by m. m.Header is
// not sent: publish writes plain PUB frames only.
func (nc *Conn) PublishMsg(m *Msg) error {
	if m == nil {
		return ErrInvalidMsg
	}
	return nc.publish(m.Subject, m.Reply, m.Header, m.Data)
}

// PublishRequest publishes data to subj with reply set, without waiting
// for a response (fire-and-forget half of request/reply).
func (nc *Conn) PublishRequest(subj, reply string, data []byte) error {
	return nc.publish(subj, reply, nil, data)
}

// --- request/reply ---

// Request performs a request/reply round trip, using the shared wildcard
// inbox mux by default or the legacy per-call subscription style when
// UseOldRequestStyle is set (spec.md §4.F).
func (nc *Conn) Request(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	nc.mu.Lock()
	useOld := nc.Opts.UseOldRequestStyle
	nc.mu.Unlock()
	if useOld {
		return nc.requestLegacy(subj, data, timeout)
	}
	return nc.requestMux(subj, data, timeout)
}

// RequestMsg is Request taking Subject/Data from m.
func (nc *Conn) RequestMsg(m *Msg, timeout time.Duration) (*Msg, error) {
	if m == nil {
		return nil, ErrInvalidMsg
	}
	return nc.Request(m.Subject, m.Data, timeout)
}

// --- subscribe ---

// subscribeInternal is the shared path for every Subscribe variant
// (spec.md §4.D "subscribe"). cb == nil produces a synchronous
// subscription read via NextMsg.
func (nc *Conn) subscribeInternal(subj, queue string, cb MsgHandler) (*Subscription, error) {
	if subj == "" {
		return nil, ErrBadSubject
	}
	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if nc.status == DRAINING_SUBS || nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return nil, ErrConnectionDraining
	}

	typ := AsyncSubscription
	if cb == nil {
		typ = SyncSubscription
	}
	s := newSubscription(nc, subj, queue, cb, typ)
	nc.ssid++
	s.sid = nc.ssid

	limit := s.pMsgsLimit
	s.mch = make(chan *Msg, limit)

	var worker *subWorker
	if n := len(nc.workers); n > 0 {
		worker = nc.workers[int(nc.workerRR%uint64(n))]
		nc.workerRR++
		worker.bind(s)
	}

	nc.subs.insert(s)
	nc.bufferOrWrite([]byte(subProtoLine(subj, queue, s.sid)))
	nc.kickFlusher()
	nc.mu.Unlock()

	if worker == nil && cb != nil {
		go s.runAsyncDelivery()
	}
	return s, nil
}

// chanSubscribe delivers into a caller-supplied channel instead of
// spawning a delivery goroutine (spec.md §4.D "channel subscription").
func (nc *Conn) chanSubscribe(subj, queue string, ch chan *Msg) (*Subscription, error) {
	if ch == nil {
		return nil, ErrChanArg
	}
	if subj == "" {
		return nil, ErrBadSubject
	}
	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if nc.status == DRAINING_SUBS || nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return nil, ErrConnectionDraining
	}

	s := newSubscription(nc, subj, queue, nil, ChanSubscription)
	nc.ssid++
	s.sid = nc.ssid
	s.mch = ch

	nc.subs.insert(s)
	nc.bufferOrWrite([]byte(subProtoLine(subj, queue, s.sid)))
	nc.kickFlusher()
	nc.mu.Unlock()
	return s, nil
}

// Subscribe registers cb as an async handler for subj.
func (nc *Conn) Subscribe(subj string, cb MsgHandler) (*Subscription, error) {
	if cb == nil {
		return nil, ErrBadSubscription
	}
	return nc.subscribeInternal(subj, "", cb)
}

// QueueSubscribe registers cb as an async handler for subj, sharing load
// with every other subscriber in the same queue group (spec.md §4.D).
func (nc *Conn) QueueSubscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	if cb == nil {
		return nil, ErrBadSubscription
	}
	return nc.subscribeInternal(subj, queue, cb)
}

// SubscribeSync creates a subscription read via NextMsg.
func (nc *Conn) SubscribeSync(subj string) (*Subscription, error) {
	return nc.subscribeInternal(subj, "", nil)
}

// QueueSubscribeSync is the synchronous counterpart of QueueSubscribe.
func (nc *Conn) QueueSubscribeSync(subj, queue string) (*Subscription, error) {
	return nc.subscribeInternal(subj, queue, nil)
}

// ChanSubscribe delivers messages onto ch instead of invoking a callback.
func (nc *Conn) ChanSubscribe(subj string, ch chan *Msg) (*Subscription, error) {
	return nc.chanSubscribe(subj, "", ch)
}

// ChanQueueSubscribe is the queue-group counterpart of ChanSubscribe.
func (nc *Conn) ChanQueueSubscribe(subj, queue string, ch chan *Msg) (*Subscription, error) {
	return nc.chanSubscribe(subj, queue, ch)
}

// unsubscribe implements Subscription.Unsubscribe/AutoUnsubscribe: max >
// 0 installs a delivery cap and the subscription self-removes once it is
// reached; max == 0 removes it immediately (spec.md §4.D).
func (nc *Conn) unsubscribe(s *Subscription, max int, drain bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	sid := s.sid
	if max > 0 {
		s.max = uint64(max)
	}
	s.mu.Unlock()

	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	nc.bufferOrWrite([]byte(unsubProtoLine(sid, max)))
	nc.kickFlusher()
	nc.mu.Unlock()

	if max == 0 && !drain {
		nc.removeSub(s)
	}
	return nil
}

// removeSub drops s from the subscription table, closing its queue.
func (nc *Conn) removeSub(s *Subscription) {
	nc.subs.remove(s.sid)
}

// --- flush ---

// FlushTimeout round-trips a PING/PONG to confirm every previously
// buffered write has reached the server, bounded by timeout (spec.md
// §4.G "flush").
func (nc *Conn) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return ErrBadTimeout
	}
	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.conn == nil {
		nc.mu.Unlock()
		return ErrConnectionDisconnected
	}
	p := nc.addPongEntryLocked()
	nc.bufferOrWrite([]byte(pingProto))
	nc.kickFlusher()
	nc.mu.Unlock()

	select {
	case err := <-p.ch:
		return err
	case <-time.After(timeout):
		nc.removePongEntry(p)
		return ErrTimeout
	}
}

// Flush is FlushTimeout with a timeout of five times DefaultTimeout.
func (nc *Conn) Flush() error {
	return nc.FlushTimeout(DefaultTimeout * 5)
}

// --- close ---

// Close tears the connection down permanently: no reconnect follows.
func (nc *Conn) Close() {
	nc.close(CLOSED, true, nil)
}

func (nc *Conn) close(status Status, invokeClosed bool, err error) {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return
	}
	nc.status = status
	if err != nil {
		nc.err = err
	}
	if nc.ptmr != nil {
		nc.ptmr.Stop()
	}
	if nc.conn != nil {
		if nc.bw != nil {
			nc.bw.Flush()
		}
		nc.conn.Close()
		nc.conn = nil
	}
	nc.bw = nil
	nc.clearPongsLocked(ErrConnectionClosed)

	subs := nc.subs.all()
	workers := nc.workers
	cb := nc.Opts.ClosedCB
	nc.mu.Unlock()

	nc.cancelAllRespHandles()
	for _, s := range subs {
		s.closeQueue()
	}
	for _, w := range workers {
		w.stop()
	}
	if invokeClosed && cb != nil {
		cb(nc)
	}
}

// --- introspection (SPEC_FULL.md §11) ---

func (nc *Conn) Status() Status {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.status
}

func (nc *Conn) Stats() Statistics {
	return Statistics{
		InMsgs:     atomic.LoadUint64(&nc.InMsgs),
		OutMsgs:    atomic.LoadUint64(&nc.OutMsgs),
		InBytes:    atomic.LoadUint64(&nc.InBytes),
		OutBytes:   atomic.LoadUint64(&nc.OutBytes),
		Reconnects: atomic.LoadUint64(&nc.Reconnects),
	}
}

func (nc *Conn) ConnectedUrl() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.status != CONNECTED {
		return ""
	}
	if s := nc.srvPool.current(); s != nil {
		return s.url.String()
	}
	return ""
}

func (nc *Conn) ConnectedAddr() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.conn == nil {
		return ""
	}
	return nc.conn.RemoteAddr().String()
}

func (nc *Conn) ConnectedServerId() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.info.Id
}

func (nc *Conn) DiscoveredServers() []string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	var out []string
	for _, s := range nc.srvPool.servers {
		if s.isImplicit {
			out = append(out, s.url.String())
		}
	}
	return out
}

func (nc *Conn) Servers() []string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.srvPool.urls()
}

// RTT reports the current server round-trip time via a flush.
func (nc *Conn) RTT() (time.Duration, error) {
	nc.mu.Lock()
	if nc.isClosed() {
		nc.mu.Unlock()
		return 0, ErrConnectionClosed
	}
	timeout := nc.Opts.Timeout
	nc.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	if err := nc.FlushTimeout(timeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (nc *Conn) NumSubscriptions() int {
	return nc.subs.count()
}

func (nc *Conn) LastError() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.err
}
