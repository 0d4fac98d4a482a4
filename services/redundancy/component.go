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
	"time"

	"github.com/google/uuid"
)

// Component is the capability set the manager needs from an instance.
type Component interface {
	// Operate performs the component's default unit of work.
	Operate(ctx context.Context) error

	// HealthCheck reports whether the component can serve requests.
	HealthCheck(ctx context.Context) error

	// Recover attempts to bring a failed component back.
	Recover(ctx context.Context) error
}

// StatusChange describes one component status transition.
type StatusChange struct {
	Component string    `json:"component"`
	ID        uuid.UUID `json:"id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`

	// WasActive is true when the component was active before the change.
	WasActive bool `json:"was_active"`

	// Active is the active component after the change, empty if none.
	Active string `json:"active"`
}

// RedundantComponent couples an instance with its redundancy state.
//
// The wrapper owns the instance. Mutable fields are guarded by the owning
// Manager's lock; read them through Manager.Components.
type RedundantComponent[T Component] struct {
	name     string
	id       uuid.UUID
	instance T

	status              Status
	priority            int
	load                int64 // reported through SetLoad
	inFlight            int64 // Execute calls holding the component
	failureCount        int
	lastFailure         time.Time
	lastErr             error
	consecutiveFailures int

	// notify is bound by the Manager at registration.
	notify func(StatusChange)
}

// NewComponent wraps instance under name with a selection priority.
func NewComponent[T Component](name string, instance T, priority int) *RedundantComponent[T] {
	return &RedundantComponent[T]{
		name:     name,
		id:       uuid.New(),
		instance: instance,
		priority: priority,
		status:   StatusUnknown,
	}
}

// Name returns the component name.
func (c *RedundantComponent[T]) Name() string { return c.name }

// ID returns the instance ID assigned at construction.
func (c *RedundantComponent[T]) ID() uuid.UUID { return c.id }

// Instance returns the wrapped instance.
func (c *RedundantComponent[T]) Instance() T { return c.instance }

// effectiveLoad is what least-loaded selection compares.
func (c *RedundantComponent[T]) effectiveLoad() int64 { return c.load + c.inFlight }

// ComponentSnapshot is a point-in-time copy of a component's state.
type ComponentSnapshot struct {
	Name         string    `json:"name"`
	ID           uuid.UUID `json:"id"`
	Status       Status    `json:"status"`
	Priority     int       `json:"priority"`
	Load         int64     `json:"load"`
	InFlight     int64     `json:"in_flight"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Active       bool      `json:"active"`
}

func (c *RedundantComponent[T]) snapshot(active bool) ComponentSnapshot {
	s := ComponentSnapshot{
		Name:         c.name,
		ID:           c.id,
		Status:       c.status,
		Priority:     c.priority,
		Load:         c.load,
		InFlight:     c.inFlight,
		FailureCount: c.failureCount,
		LastFailure:  c.lastFailure,
		Active:       active,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// SystemHealth aggregates the pool state.
type SystemHealth struct {
	Total           int      `json:"total"`
	Healthy         int      `json:"healthy"`
	Degraded        int      `json:"degraded"`
	Failed          int      `json:"failed"`
	RedundancyLevel int      `json:"redundancy_level"`
	Operational     bool     `json:"operational"`
	Active          string   `json:"active,omitempty"`
	Strategy        Strategy `json:"strategy"`
}
