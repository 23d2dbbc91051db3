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
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// srv is one server endpoint in the pool (spec.md §3 "Server endpoint").
type srv struct {
	url             *url.URL
	didConnect      bool
	reconnects      int
	lastAttempt     time.Time
	lastAuthErrCode uint8
	isImplicit      bool // learned from async INFO rather than configured
	tlsName         string
}

// srvPool is the ordered set of endpoints for one connection (spec.md §4.C).
// The "current" server is always index 0. Never empty while the owning
// connection is not CLOSED.
type srvPool struct {
	servers []*srv
}

func newSrvPool(opts *Options) (*srvPool, error) {
	urls := opts.Servers
	if len(urls) == 0 {
		u := opts.Url
		if u == "" {
			u = DefaultURL
		}
		urls = strings.Split(u, ",")
	}

	pool := &srvPool{}
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := parseServerURL(raw)
		if err != nil {
			return nil, fmt.Errorf("nats: bad server URL %q: %w", raw, err)
		}
		pool.servers = append(pool.servers, &srv{url: u, tlsName: opts.TLSServerName})
	}
	if len(pool.servers) == 0 {
		return nil, ErrNoServers
	}

	if !opts.NoRandomize {
		pool.shuffle()
	}
	return pool, nil
}

func parseServerURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "nats://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "tls":
			u.Host = fmt.Sprintf("%s:%d", u.Hostname(), DefaultPort)
		default:
			u.Host = fmt.Sprintf("%s:%d", u.Hostname(), DefaultPort)
		}
	}
	return u, nil
}

// shuffle randomizes the pool in place (Fisher-Yates).
func (p *srvPool) shuffle() {
	for i := len(p.servers) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		p.servers[i], p.servers[j] = p.servers[j], p.servers[i]
	}
}

func (p *srvPool) size() int { return len(p.servers) }

// current returns the head of the pool, or nil if it has been exhausted.
func (p *srvPool) current() *srv {
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[0]
}

// next rotates the current head to the tail unless it has reached
// maxReconnect (negative == unlimited), in which case it is dropped
// entirely.
// Returns the new head, or nil if the pool is now empty (spec.md §4.C).
func (p *srvPool) next(maxReconnect int) *srv {
	if len(p.servers) == 0 {
		return nil
	}
	head := p.servers[0]
	p.servers = p.servers[1:]
	if maxReconnect < 0 || head.reconnects < maxReconnect {
		p.servers = append(p.servers, head)
	}
	return p.current()
}

// addDiscovered merges URLs learned from an async INFO update. Dedup is by
// host:port; only the newly added URLs are randomized so the relative
// order of already-known servers is preserved. Explicitly configured URLs
// are never removed by this call.
func (p *srvPool) addDiscovered(urls []string, tlsName string, noRandomize bool) []string {
	known := make(map[string]bool, len(p.servers))
	for _, s := range p.servers {
		known[s.url.Host] = true
	}

	var added []*srv
	var addedURLs []string
	for _, raw := range urls {
		u, err := parseServerURL(raw)
		if err != nil {
			continue
		}
		if known[u.Host] {
			continue
		}
		known[u.Host] = true
		s := &srv{url: u, isImplicit: true, tlsName: tlsName}
		added = append(added, s)
		addedURLs = append(addedURLs, raw)
	}
	if len(added) == 0 {
		return nil
	}
	if !noRandomize {
		for i := len(added) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			added[i], added[j] = added[j], added[i]
		}
	}
	p.servers = append(p.servers, added...)
	return addedURLs
}

// urls returns the current pool as plain URL strings, in pool order.
func (p *srvPool) urls() []string {
	out := make([]string, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.url.String())
	}
	return out
}

// removeEphemeral drops every server learned via discovery, keeping only
// the explicitly configured ones. Nothing in the package calls it;
// IgnoreDiscoveredServers is honored by never merging discovered URLs.
func (p *srvPool) removeEphemeral() {
	kept := p.servers[:0]
	for _, s := range p.servers {
		if !s.isImplicit {
			kept = append(kept, s)
		}
	}
	p.servers = kept
}
