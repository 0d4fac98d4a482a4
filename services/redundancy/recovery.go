// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redundancy

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// recoverFailed invokes Recover on every Failed component.
//
// Concurrent callers share one recovery pass, so it runs detached from the
// first caller's cancellation and is bounded by the check timeout instead.
// Components move to Recovering, then to Healthy when Recover succeeds or
// back to Failed.
func (m *Manager[T]) recoverFailed(ctx context.Context) {
	_, _, _ = m.recovery.Do("recover", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.checkTimeout)
		defer cancel()

		m.mu.Lock()
		var targets []int
		for i, c := range m.components {
			if c.status == StatusFailed {
				targets = append(targets, i)
				m.transitionLocked(i, StatusRecovering, nil)
			}
		}
		m.unlockAndDeliver()

		if len(targets) == 0 {
			return nil, nil
		}
		m.logger.Info("attempting recovery", slog.Int("components", len(targets)))

		results := make([]error, len(targets))
		var g errgroup.Group
		for k, idx := range targets {
			inst := m.components[idx].instance
			g.Go(func() error {
				results[k] = inst.Recover(rctx)
				return nil
			})
		}
		_ = g.Wait()

		m.mu.Lock()
		for k, idx := range targets {
			if m.components[idx].status != StatusRecovering {
				continue
			}
			if err := results[k]; err != nil {
				m.markFailedLocked(idx, err)
				continue
			}
			m.components[idx].consecutiveFailures = 0
			m.transitionLocked(idx, StatusHealthy, nil)
		}
		if m.activeIdx < 0 {
			m.reselectLocked()
		}
		m.unlockAndDeliver()
		return nil, nil
	})
}

// checkAll runs HealthCheck on every component concurrently, each bounded
// by the check timeout. results[i] is component i's error.
func (m *Manager[T]) checkAll(ctx context.Context) []error {
	results := make([]error, len(m.components))
	var g errgroup.Group
	for i, c := range m.components {
		inst := c.instance
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
			defer cancel()
			results[i] = inst.HealthCheck(cctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CheckHealth runs one health-check pass and applies the results.
//
// # Description
//
//   - Success: a Degraded, Failed, or Unknown component becomes Healthy.
//   - Failure: Healthy becomes Degraded; a component reaching the
//     consecutive-failure threshold becomes Failed.
//   - Recovering components are left to the recovery pass.
func (m *Manager[T]) CheckHealth(ctx context.Context) {
	results := m.checkAll(ctx)

	m.mu.Lock()
	for i, err := range results {
		c := m.components[i]
		if c.status == StatusRecovering {
			continue
		}
		if err == nil {
			c.consecutiveFailures = 0
			m.transitionLocked(i, StatusHealthy, nil)
			continue
		}

		c.consecutiveFailures++
		c.lastErr = err
		switch {
		case c.consecutiveFailures >= m.failureThreshold:
			if c.status != StatusFailed {
				m.markFailedLocked(i, err)
			}
		case c.status == StatusHealthy:
			m.transitionLocked(i, StatusDegraded, err)
		case c.status == StatusUnknown || c.status == StatusInitializing:
			m.markFailedLocked(i, err)
		}
	}
	if m.activeIdx < 0 {
		m.reselectLocked()
	}
	m.unlockAndDeliver()
}

// StartHealthMonitor runs CheckHealth every interval until ctx is done.
func (m *Manager[T]) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}
