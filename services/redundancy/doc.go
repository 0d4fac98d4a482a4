// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redundancy executes operations against a pool of
// interchangeable components with automatic failover.
//
// # Description
//
// A Manager wraps each instance in a RedundantComponent that tracks
// status, priority, load, and failure history. One Healthy component is
// active at a time, chosen by a Strategy. Execute runs a caller operation
// against the active component; on failure the component is marked Failed,
// a new active component is selected, and the operation is retried after a
// linearly increasing delay.
//
// # Status Model
//
//	UNKNOWN ──► INITIALIZING ──► HEALTHY ◄──────────┐
//	                │              │  ▲             │
//	                │      [check] ▼  │ [check ok]  │ [recover ok]
//	                │           DEGRADED            │
//	                │              │                │
//	                └──────────► FAILED ──► RECOVERING
//
// The active component is always Healthy. Any transition that takes the
// active component out of Healthy re-selects within the same critical
// section, so a failure observed by the health monitor fails over before
// the next Execute call.
//
// # Notifications
//
// Each component carries a notify callback bound at registration. Status
// changes are queued under the manager lock and delivered after it is
// released, so subscribers may call back into the Manager.
//
// # Thread Safety
//
// All Manager methods are safe for concurrent use. Component status fields
// and the active pointer are guarded by a single manager-wide mutex.
package redundancy
