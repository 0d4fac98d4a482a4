// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sentinel/services/ratelimit"
)

// Bucket keys are namespaced so probe identifiers never address a client's
// bucket.
func clientKey(policy, ip string) string { return "client:" + policy + ":" + ip }

func probeKey(policy, identifier string) string { return "probe:" + policy + ":" + identifier }

// RateLimit returns middleware that checks every request against the named
// policy, keyed by policy and client IP.
//
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset are always
// set. A blocked request is rejected with 429 and Retry-After only when the
// policy has BlockOnLimit; otherwise it proceeds with the headers as a
// warning.
func RateLimit(limiter *ratelimit.Limiter, policy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limiter.CheckNamed(clientKey(policy, c.ClientIP()), policy)
		if err != nil {
			// Fail open on limiter errors.
			slog.Warn("rate limit check failed", slog.String("policy", policy), slog.String("error", err.Error()))
			c.Next()
			return
		}
		setRateLimitHeaders(c, res)
		if !res.Allowed {
			if p, ok := limiter.Policy(policy); ok && p.BlockOnLimit {
				secs := int(math.Ceil(res.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Header("Retry-After", strconv.Itoa(secs))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":       "rate limit exceeded",
					"retry_after": secs,
				})
				return
			}
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Total))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
