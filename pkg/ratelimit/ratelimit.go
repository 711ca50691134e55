// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit admits new connections per peer using a token bucket.
package ratelimit

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a peer opens connections faster than allowed.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	defaultMaxClients = 10000
	cleanupInterval   = time.Minute
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens and gaining
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(float64(capacity), float64(refillRate), time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= tb.capacity
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Config holds the limiter configuration.
type Config struct {
	// Burst is the number of connections a peer may open at once
	Burst int64

	// Rate is the number of connections per second a peer regains
	Rate int64

	// MaxClients caps the number of tracked peers; new peers beyond it are rejected
	MaxClients int
}

// Limiter manages per-peer token buckets.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	config   Config
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and starts its idle bucket cleanup.
func NewLimiter(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanupLoop(cleanupInterval)
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Admit takes a token for the peer at remoteAddr. All unix socket peers share
// one bucket since they carry no address.
func (l *Limiter) Admit(remoteAddr string) error {
	if l.Allow(PeerKey(remoteAddr)) {
		return nil
	}
	return ErrRateLimitExceeded
}

// Allow takes a token for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.config.MaxClients {
			l.mu.Unlock()
			return false
		}
		tb = newTokenBucket(float64(l.config.Burst), float64(l.config.Rate), l.now)
		l.buckets[key] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Clients returns the number of tracked peers.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup forgets peers whose bucket refilled completely.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, tb := range l.buckets {
		if tb.full() {
			delete(l.buckets, key)
		}
	}
}

// PeerKey reduces a scheme://host:port address to the peer host.
func PeerKey(remoteAddr string) string {
	if remoteAddr == "" {
		return "unix"
	}
	addr := remoteAddr
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

