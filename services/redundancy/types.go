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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyPool is returned by NewManager when no components are given.
	ErrEmptyPool = errors.New("redundancy: component pool is empty")

	// ErrDuplicateComponent is returned by NewManager for repeated names.
	ErrDuplicateComponent = errors.New("redundancy: duplicate component name")

	// ErrUnknownComponent is returned for a name not in the pool.
	ErrUnknownComponent = errors.New("redundancy: unknown component")

	// ErrNoActiveComponent means no component is Healthy, even after
	// attempting recovery.
	ErrNoActiveComponent = errors.New("redundancy: no active component")

	// ErrOperationTimeout is returned by ExecuteWithTimeout when the
	// operation did not complete in time. It is distinct from operation
	// failures so callers can tell "no answer" from "wrong answer".
	ErrOperationTimeout = errors.New("redundancy: operation timed out")

	// ErrRetriesExhausted matches every *ExhaustedError.
	ErrRetriesExhausted = errors.New("redundancy: retries exhausted")
)

// ExhaustedError is returned when every attempt of Execute failed.
//
// errors.Is(err, ErrRetriesExhausted) is true, and errors.Is/As also
// reach the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("redundancy: all %d attempts failed: %v", e.Attempts, e.Last)
}

// Unwrap exposes both ErrRetriesExhausted and the last underlying error.
func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Last}
}

// Status is the health state of a component.
type Status int

const (
	StatusUnknown Status = iota
	StatusInitializing
	StatusHealthy
	StatusDegraded
	StatusFailed
	StatusRecovering
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusFailed:
		return "FAILED"
	case StatusRecovering:
		return "RECOVERING"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON and YAML.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus converts a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	for st := StatusUnknown; st <= StatusRecovering; st++ {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("redundancy: unknown status %q", s)
}

// Strategy selects the active component among Healthy ones.
type Strategy int

const (
	// PrimaryBackup picks the first Healthy component in list order.
	PrimaryBackup Strategy = iota

	// RoundRobin picks the Healthy component after the current active one,
	// wrapping. It advances after every successful Execute.
	RoundRobin

	// LeastLoaded picks the Healthy component with the lowest reported load
	// plus in-flight calls; ties go to list order.
	LeastLoaded

	// HighestPriority picks the Healthy component with the highest
	// priority; ties go to list order.
	HighestPriority
)

func (s Strategy) String() string {
	switch s {
	case PrimaryBackup:
		return "primary_backup"
	case RoundRobin:
		return "round_robin"
	case LeastLoaded:
		return "least_loaded"
	case HighestPriority:
		return "highest_priority"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "primary_backup":
		return PrimaryBackup, nil
	case "round_robin":
		return RoundRobin, nil
	case "least_loaded":
		return LeastLoaded, nil
	case "highest_priority":
		return HighestPriority, nil
	default:
		return PrimaryBackup, fmt.Errorf("redundancy: unknown strategy %q", s)
	}
}

// MarshalText renders the strategy name in JSON and YAML.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
