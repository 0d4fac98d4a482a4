// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultCleanupInterval is how often idle buckets are evicted.
	DefaultCleanupInterval = 60 * time.Second

	// DefaultGracePeriod is added to a bucket's window before it counts
	// as idle.
	DefaultGracePeriod = 5 * time.Minute
)

// Limiter owns rate limit buckets keyed by identifier.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	policies map[string]Policy

	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics
	cleanupInterval time.Duration
	grace           time.Duration

	closed    atomic.Bool
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Used by tests to drive windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRegisterer registers the limiter's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.metrics = newMetrics(reg)
	}
}

// WithCleanupInterval sets how often the cleanup loop runs.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cleanupInterval = d
		}
	}
}

// WithGracePeriod sets the idle time beyond a bucket's window after which
// it is evicted.
func WithGracePeriod(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.grace = d
		}
	}
}

// NewLimiter creates a Limiter. Call Start to run background cleanup.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		buckets:         make(map[string]*bucket),
		policies:        make(map[string]Policy),
		now:             time.Now,
		logger:          slog.Default(),
		cleanupInterval: DefaultCleanupInterval,
		grace:           DefaultGracePeriod,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = newMetrics(nil)
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"))
	return l
}

// Register validates and stores a named policy for CheckNamed.
func (l *Limiter) Register(p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required to register", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.policies[p.Name] = p
	l.mu.Unlock()
	return nil
}

// Policy returns a registered policy by name.
func (l *Limiter) Policy(name string) (Policy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.policies[name]
	return p, ok
}

// Check evaluates one request from identifier under policy.
//
// # Description
//
// Creates the identifier's bucket on first use. The check never blocks
// beyond the bucket lock and returns immediately with the decision.
//
// # Inputs
//
//   - identifier: Opaque caller key.
//   - policy: Limit to apply when the bucket is created. An existing
//     bucket keeps the policy it was created with.
//
// # Outputs
//
//   - Result: The decision.
//   - error: ErrInvalidPolicy or ErrLimiterClosed. A blocked request is
//     not an error.
func (l *Limiter) Check(identifier string, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}
	if l.closed.Load() {
		return Result{}, ErrLimiterClosed
	}

	for {
		b := l.getOrCreate(identifier, policy)
		b.mu.Lock()
		if b.evicted {
			// Lost a race with cleanup; the replacement bucket is in the map.
			b.mu.Unlock()
			continue
		}
		res := b.check(l.now())
		b.mu.Unlock()

		l.metrics.recordCheck(res.Allowed)
		if !res.Allowed {
			l.logger.Debug("request blocked",
				slog.String("identifier", identifier),
				slog.String("policy", policy.Name),
				slog.Duration("retry_after", res.RetryAfter))
		}
		return res, nil
	}
}

// CheckNamed is Check with a policy previously passed to Register.
func (l *Limiter) CheckNamed(identifier, name string) (Result, error) {
	p, ok := l.Policy(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	return l.Check(identifier, p)
}

func (l *Limiter) getOrCreate(identifier string, policy Policy) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[identifier]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[identifier]; ok {
		return b
	}
	b = newBucket(identifier, policy, l.now())
	l.buckets[identifier] = b
	l.metrics.buckets.Set(float64(len(l.buckets)))
	return b
}

// Stats returns the state of identifier's bucket.
func (l *Limiter) Stats(identifier string) (BucketStats, bool) {
	l.mu.RLock()
	b, ok := l.buckets[identifier]
	l.mu.RUnlock()
	if !ok {
		return BucketStats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats(l.now()), true
}

// Reset drops identifier's bucket. The next Check starts fresh.
func (l *Limiter) Reset(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identifier]
	if !ok {
		return false
	}
	b.mu.Lock()
	b.evicted = true
	b.mu.Unlock()
	delete(l.buckets, identifier)
	l.metrics.buckets.Set(float64(len(l.buckets)))
	return true
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Cleanup evicts buckets idle for longer than their window plus the grace
// period and returns how many were removed.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, b := range l.buckets {
		b.mu.Lock()
		if b.idle(now, l.grace) {
			b.evicted = true
			delete(l.buckets, id)
			removed++
		}
		b.mu.Unlock()
	}

	if removed > 0 {
		l.metrics.evictions.Add(float64(removed))
		l.metrics.buckets.Set(float64(len(l.buckets)))
		l.logger.Debug("evicted idle buckets",
			slog.Int("removed", removed),
			slog.Int("remaining", len(l.buckets)))
	}
	return removed
}

// Start launches the cleanup loop. It runs until ctx is done or Close is
// called. Calling Start more than once has no effect.
func (l *Limiter) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.cleanupLoop(ctx)
}

func (l *Limiter) cleanupLoop(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup loop and rejects further checks.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
		if l.started.Load() {
			<-l.doneCh
		}
	})
	return nil
}
