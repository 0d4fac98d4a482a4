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
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPolicy is returned when a policy cannot be enforced.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

	// ErrLimiterClosed is returned by Check after Close.
	ErrLimiterClosed = errors.New("ratelimit: limiter closed")

	// ErrUnknownPolicy is returned by CheckNamed for an unregistered name.
	ErrUnknownPolicy = errors.New("ratelimit: unknown policy")
)

// Algorithm selects how a bucket counts requests.
type Algorithm int

const (
	// SlidingWindow counts accepted requests in (now-window, now].
	SlidingWindow Algorithm = iota

	// TokenBucket refills tokens continuously at RequestsPerWindow/Window.
	TokenBucket

	// FixedWindow counts requests in windows aligned to multiples of Window.
	FixedWindow
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case SlidingWindow:
		return "sliding_window"
	case TokenBucket:
		return "token_bucket"
	case FixedWindow:
		return "fixed_window"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseAlgorithm converts a configuration name into an Algorithm.
// The empty string maps to SlidingWindow.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sliding_window", "sliding-window", "sliding":
		return SlidingWindow, nil
	case "token_bucket", "token-bucket", "token":
		return TokenBucket, nil
	case "fixed_window", "fixed-window", "fixed":
		return FixedWindow, nil
	default:
		return SlidingWindow, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidPolicy, s)
	}
}

// Policy configures a bucket. A bucket keeps the policy it was created
// with until it is evicted or Reset.
type Policy struct {
	// Name identifies the policy for CheckNamed and metrics.
	Name string `json:"name" yaml:"name"`

	// RequestsPerWindow is the number of requests accepted per Window.
	RequestsPerWindow int `json:"requests_per_window" yaml:"requests_per_window"`

	// Window is the length of the counting interval.
	Window time.Duration `json:"window" yaml:"window"`

	// Algorithm selects the counting scheme.
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	// BlockOnLimit is advisory for the HTTP layer: when true, callers
	// should reject a blocked request instead of only annotating it.
	BlockOnLimit bool `json:"block_on_limit" yaml:"block_on_limit"`
}

// Validate reports whether the policy can be enforced.
//
// # Outputs
//
//   - error: Wraps ErrInvalidPolicy when RequestsPerWindow or Window is
//     not positive, or the algorithm is unknown.
func (p Policy) Validate() error {
	if p.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: requests_per_window must be > 0, got %d", ErrInvalidPolicy, p.RequestsPerWindow)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidPolicy, p.Window)
	}
	switch p.Algorithm {
	case SlidingWindow, TokenBucket, FixedWindow:
	default:
		return fmt.Errorf("%w: unknown algorithm %d", ErrInvalidPolicy, int(p.Algorithm))
	}
	return nil
}

// Result is the outcome of a single Check.
type Result struct {
	// Allowed is true when the request was accepted.
	Allowed bool `json:"allowed"`

	// Remaining is the number of requests still available in the window.
	Remaining int `json:"remaining"`

	// ResetAt is when the oldest retained request leaves the window.
	ResetAt time.Time `json:"reset_at"`

	// Total is the policy limit.
	Total int `json:"total"`

	// RetryAfter is ResetAt minus the check time when blocked, else zero.
	RetryAfter time.Duration `json:"retry_after"`
}

// BucketStats is a point-in-time view of one bucket.
type BucketStats struct {
	Identifier   string    `json:"identifier"`
	Policy       string    `json:"policy"`
	Allowed      int64     `json:"allowed"`
	Blocked      int64     `json:"blocked"`
	InWindow     int       `json:"in_window"`
	LastActivity time.Time `json:"last_activity"`
}
