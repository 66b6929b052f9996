// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast each peer may open connections to a
// service, using one token bucket per peer.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/sockgate/pkg/socket"
)

// Defaults applied by New.
const (
	DefaultMaxPeers = 10000
	DefaultIdleTTL  = 5 * time.Minute
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int, rate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		rate:     rate,
		tokens:   float64(capacity),
		last:     now,
	}
}

// Take removes one token if available. Callers serialize access.
func (tb *TokenBucket) Take(now time.Time) bool {
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
		tb.last = now
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Config holds limiter configuration.
type Config struct {
	// Rate is the sustained number of connections per second per peer.
	Rate float64

	// Burst is the number of connections a peer may open at once.
	// Defaults to the rate rounded up, at least 1.
	Burst int

	// MaxPeers bounds the number of tracked peers. New peers beyond it
	// are refused until idle peers are evicted.
	MaxPeers int

	// IdleTTL evicts peers not seen for this long.
	IdleTTL time.Duration
}

// Limiter admits connections per peer.
type Limiter struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	peers     map[string]*TokenBucket
	lastSweep time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.Rate+0.999))
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	return &Limiter{
		config: cfg,
		now:    time.Now,
		peers:  make(map[string]*TokenBucket),
	}
}

// Allow reports whether peer may open another connection.
func (l *Limiter) Allow(peer socket.Address) bool {
	key := PeerKey(peer)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.config.IdleTTL {
		l.sweep(now)
	}

	tb, ok := l.peers[key]
	if !ok {
		if len(l.peers) >= l.config.MaxPeers {
			return false
		}
		tb = NewTokenBucket(l.config.Burst, l.config.Rate, now)
		l.peers[key] = tb
	}
	return tb.Take(now)
}

func (l *Limiter) sweep(now time.Time) {
	for k, tb := range l.peers {
		if now.Sub(tb.last) >= l.config.IdleTTL {
			delete(l.peers, k)
		}
	}
	l.lastSweep = now
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// PeerKey identifies the peer of a connection: the host of a TCP peer and
// the peer path of a Unix one. Unnamed Unix peers share a single key.
func PeerKey(a socket.Address) string {
	if a.Scheme == socket.TCP {
		if host, _, err := net.SplitHostPort(a.Addr); err == nil {
			return host
		}
	}
	return a.String()
}
