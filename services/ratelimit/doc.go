// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit throttles callers per identifier.
//
// # Description
//
// A Limiter owns one bucket per caller-supplied identifier (an IP, a user
// id, any opaque string). Buckets are created lazily on the first Check and
// evicted by a background cleanup loop once they have been idle for longer
// than their window plus a grace period.
//
// Three algorithms are available through Policy.Algorithm:
//
//   - SlidingWindow: counts accepted requests in the moving interval
//     (now-window, now]. This is the default.
//   - TokenBucket: refills RequestsPerWindow tokens evenly over Window.
//   - FixedWindow: counts requests in aligned calendar windows.
//
// # Thread Safety
//
// Checks on the same identifier serialize through a per-bucket lock.
// Checks on different identifiers proceed independently; the bucket map
// lock is held only for lookup and insertion.
//
// # Example
//
//	limiter := ratelimit.NewLimiter(ratelimit.WithLogger(logger))
//	limiter.Start(ctx)
//	defer limiter.Close()
//
//	res, err := limiter.Check(clientIP, ratelimit.Policy{
//	    Name:              "api",
//	    RequestsPerWindow: 100,
//	    Window:            time.Minute,
//	})
//	if err == nil && !res.Allowed {
//	    // reject, retry after res.RetryAfter
//	}
package ratelimit
