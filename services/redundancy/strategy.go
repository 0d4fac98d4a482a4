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

// selectIndex returns the index of the component strategy s picks, or -1
// when none is Healthy. current is the index of the active component
// (which may no longer be Healthy) or -1.
func selectIndex[T Component](s Strategy, comps []*RedundantComponent[T], current int) int {
	switch s {
	case RoundRobin:
		return selectRoundRobin(comps, current)
	case LeastLoaded:
		return selectLeastLoaded(comps)
	case HighestPriority:
		return selectHighestPriority(comps)
	default:
		return selectFirstHealthy(comps)
	}
}

func selectFirstHealthy[T Component](comps []*RedundantComponent[T]) int {
	for i, c := range comps {
		if c.status == StatusHealthy {
			return i
		}
	}
	return -1
}

func selectRoundRobin[T Component](comps []*RedundantComponent[T], current int) int {
	if current < 0 || current >= len(comps) {
		return selectFirstHealthy(comps)
	}
	n := len(comps)
	for step := 1; step <= n; step++ {
		i := (current + step) % n
		if comps[i].status == StatusHealthy {
			return i
		}
	}
	return -1
}

func selectLeastLoaded[T Component](comps []*RedundantComponent[T]) int {
	best := -1
	for i, c := range comps {
		if c.status != StatusHealthy {
			continue
		}
		if best == -1 || c.effectiveLoad() < comps[best].effectiveLoad() {
			best = i
		}
	}
	return best
}

func selectHighestPriority[T Component](comps []*RedundantComponent[T]) int {
	best := -1
	for i, c := range comps {
		if c.status != StatusHealthy {
			continue
		}
		if best == -1 || c.priority > comps[best].priority {
			best = i
		}
	}
	return best
}
