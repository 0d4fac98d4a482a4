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
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// counter is the per-algorithm state of a bucket. Callers hold the
// bucket lock.
type counter interface {
	// take evaluates one request at now.
	take(now time.Time) (allowed bool, remaining int, resetAt time.Time)

	// inWindow reports how many requests currently count against the limit.
	inWindow(now time.Time) int
}

// bucket holds the state for one identifier.
type bucket struct {
	mu           sync.Mutex
	identifier   string
	policy       Policy
	counter      counter
	allowed      int64
	blocked      int64
	lastActivity time.Time
	evicted      bool
}

func newBucket(identifier string, policy Policy, now time.Time) *bucket {
	return &bucket{
		identifier:   identifier,
		policy:       policy,
		counter:      newCounter(policy, now),
		lastActivity: now,
	}
}

func newCounter(p Policy, now time.Time) counter {
	switch p.Algorithm {
	case TokenBucket:
		return newTokenCounter(p, now)
	case FixedWindow:
		return &fixedWindow{limit: p.RequestsPerWindow, window: p.Window}
	default:
		return &slidingWindow{limit: p.RequestsPerWindow, window: p.Window}
	}
}

// check evaluates a request. Caller holds b.mu.
func (b *bucket) check(now time.Time) Result {
	allowed, remaining, resetAt := b.counter.take(now)
	b.lastActivity = now

	res := Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
		Total:     b.policy.RequestsPerWindow,
	}
	if allowed {
		b.allowed++
	} else {
		b.blocked++
		if d := resetAt.Sub(now); d > 0 {
			res.RetryAfter = d
		}
	}
	return res
}

// idle reports whether the bucket has seen no traffic since before
// now-(window+grace). Caller holds b.mu.
func (b *bucket) idle(now time.Time, grace time.Duration) bool {
	return b.lastActivity.Before(now.Add(-(b.policy.Window + grace)))
}

func (b *bucket) stats(now time.Time) BucketStats {
	return BucketStats{
		Identifier:   b.identifier,
		Policy:       b.policy.Name,
		Allowed:      b.allowed,
		Blocked:      b.blocked,
		InWindow:     b.counter.inWindow(now),
		LastActivity: b.lastActivity,
	}
}

// =============================================================================
// Sliding window
// =============================================================================

// slidingWindow keeps the timestamps of accepted requests in arrival
// order. After purge, every retained timestamp t satisfies t > now-window.
type slidingWindow struct {
	limit      int
	window     time.Duration
	timestamps []time.Time
}

func (s *slidingWindow) purge(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.timestamps) && !s.timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(s.timestamps, s.timestamps[i:])
	clear(s.timestamps[n:])
	s.timestamps = s.timestamps[:n]
}

func (s *slidingWindow) take(now time.Time) (bool, int, time.Time) {
	s.purge(now)

	allowed := false
	if len(s.timestamps) < s.limit {
		s.timestamps = append(s.timestamps, now)
		allowed = true
	}

	remaining := 0
	if allowed {
		remaining = s.limit - len(s.timestamps)
	}

	// Reset is anchored on the oldest retained request, so under bursts it
	// can precede a reset reported by an earlier call.
	resetAt := now.Add(s.window)
	if len(s.timestamps) > 0 {
		resetAt = s.timestamps[0].Add(s.window)
	}
	return allowed, remaining, resetAt
}

func (s *slidingWindow) inWindow(now time.Time) int {
	s.purge(now)
	return len(s.timestamps)
}

// =============================================================================
// Fixed window
// =============================================================================

type fixedWindow struct {
	limit  int
	window time.Duration
	start  time.Time
	count  int
}

func (f *fixedWindow) roll(now time.Time) {
	start := now.Truncate(f.window)
	if !start.Equal(f.start) {
		f.start = start
		f.count = 0
	}
}

func (f *fixedWindow) take(now time.Time) (bool, int, time.Time) {
	f.roll(now)
	resetAt := f.start.Add(f.window)
	if f.count >= f.limit {
		return false, 0, resetAt
	}
	f.count++
	return true, f.limit - f.count, resetAt
}

func (f *fixedWindow) inWindow(now time.Time) int {
	f.roll(now)
	return f.count
}

// =============================================================================
// Token bucket
// =============================================================================

// tokenCounter adapts rate.Limiter, which accepts explicit timestamps and
// therefore follows the limiter's injected clock.
type tokenCounter struct {
	limit    int
	interval time.Duration
	lim      *rate.Limiter
}

func newTokenCounter(p Policy, now time.Time) *tokenCounter {
	interval := p.Window / time.Duration(p.RequestsPerWindow)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	lim := rate.NewLimiter(rate.Every(interval), p.RequestsPerWindow)
	// Seed the limiter's clock so the bucket starts full at now.
	lim.SetLimitAt(now, rate.Every(interval))
	return &tokenCounter{limit: p.RequestsPerWindow, interval: interval, lim: lim}
}

func (t *tokenCounter) take(now time.Time) (bool, int, time.Time) {
	allowed := t.lim.AllowN(now, 1)
	tokens := t.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	remaining := 0
	if allowed {
		remaining = int(math.Floor(tokens))
	}

	// Allowed: time until the bucket is full again.
	// Blocked: time until the next whole token.
	missing := float64(t.limit) - tokens
	if !allowed {
		missing = 1 - tokens
	}
	resetAt := now.Add(time.Duration(math.Ceil(missing * float64(t.interval))))
	return allowed, remaining, resetAt
}

func (t *tokenCounter) inWindow(now time.Time) int {
	used := float64(t.limit) - t.lim.TokensAt(now)
	if used < 0 {
		return 0
	}
	return int(math.Ceil(used))
}
