// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry samples named channels at a fixed frequency and fans
// the samples out to pluggable sinks.
//
// # Description
//
// A Pipeline owns channels and sinks. Two loops run independently:
//
//   - Sampler: on every tick of the pipeline frequency (default 100 Hz),
//     reads each enabled channel's source or compute function, validates the
//     value against the channel bounds, and pushes a timestamped Sample into
//     the channel's ring buffer.
//   - Drainer: on a slower cadence (default 10 Hz), empties every buffer
//     front-to-back, groups the samples into one Batch, and writes it to
//     every sink concurrently.
//
// # Backpressure
//
// A full channel buffer overwrites its oldest sample and counts a drop.
// The sampler never blocks on a slow drainer; telemetry favors recency over
// completeness.
//
// # Delivery
//
// Sink failures are isolated: one failing sink does not delay or drop data
// for the others. A failed write is not retried (at-most-once per batch per
// sink).
//
// # Thread Safety
//
// Channels and sinks are registered before Start. All query methods are
// safe for concurrent use with the running loops.
package telemetry
