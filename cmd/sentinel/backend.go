// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/sentinel/services/redundancy"
)

var errBackendDown = errors.New("backend down")

// localBackend is an in-process stand-in for a downstream replica. It
// fails on its own at faultRate per operation and comes back on Recover.
type localBackend struct {
	name      string
	latency   time.Duration
	faultRate float64
	down      atomic.Bool
	ops       atomic.Int64
}

var _ redundancy.Component = (*localBackend)(nil)

func newLocalBackend(name string, latency time.Duration, faultRate float64) *localBackend {
	return &localBackend{name: name, latency: latency, faultRate: faultRate}
}

func (b *localBackend) Operate(ctx context.Context) error {
	if b.down.Load() {
		return fmt.Errorf("%s: %w", b.name, errBackendDown)
	}
	if b.latency > 0 {
		t := time.NewTimer(b.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if b.faultRate > 0 && rand.Float64() < b.faultRate {
		b.down.Store(true)
		return fmt.Errorf("%s: injected fault: %w", b.name, errBackendDown)
	}
	b.ops.Add(1)
	return nil
}

func (b *localBackend) HealthCheck(context.Context) error {
	if b.down.Load() {
		return fmt.Errorf("%s: %w", b.name, errBackendDown)
	}
	return nil
}

func (b *localBackend) Recover(context.Context) error {
	b.down.Store(false)
	return nil
}

// newBackendPool builds one localBackend per name. Earlier names get
// higher priority.
func newBackendPool(names []string, latency time.Duration, faultRate float64) []*redundancy.RedundantComponent[*localBackend] {
	comps := make([]*redundancy.RedundantComponent[*localBackend], 0, len(names))
	for i, name := range names {
		comps = append(comps, redundancy.NewComponent(name, newLocalBackend(name, latency, faultRate), len(names)-i))
	}
	return comps
}
