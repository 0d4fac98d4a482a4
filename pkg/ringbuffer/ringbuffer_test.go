// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PanicsOnNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New[int](-3) })
}

func TestPush_OverwritesOldestWhenFull(t *testing.T) {
	const capacity = 4
	buf := New[int](capacity)

	for i := 1; i <= capacity; i++ {
		assert.False(t, buf.Push(i), "push %d should not drop", i)
	}
	assert.True(t, buf.Push(capacity+1))

	assert.Equal(t, capacity, buf.Len())
	assert.Equal(t, int64(1), buf.Dropped())
	got := buf.Snapshot()
	assert.Equal(t, []int{2, 3, 4, 5}, got)
	assert.NotContains(t, got, 1)
}

func TestDrain_ReturnsArrivalOrderAndEmpties(t *testing.T) {
	buf := New[string](3)
	assert.Nil(t, buf.Drain())

	buf.Push("a")
	buf.Push("b")
	buf.Push("c")
	buf.Push("d")

	assert.Equal(t, []string{"b", "c", "d"}, buf.Drain())
	assert.Equal(t, 0, buf.Len())
	assert.Nil(t, buf.Drain())

	buf.Push("e")
	assert.Equal(t, []string{"e"}, buf.Drain())
}

func TestPop_FIFO(t *testing.T) {
	buf := New[int](2)
	_, ok := buf.Pop()
	assert.False(t, ok)

	buf.Push(1)
	buf.Push(2)
	v, ok := buf.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = buf.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 0, buf.Len())
}

func TestLast(t *testing.T) {
	buf := New[int](5)
	assert.Nil(t, buf.Last(3))

	for i := 1; i <= 7; i++ {
		buf.Push(i)
	}
	assert.Equal(t, []int{5, 6, 7}, buf.Last(3))
	assert.Equal(t, []int{3, 4, 5, 6, 7}, buf.Last(10))
	assert.Nil(t, buf.Last(0))
	assert.Equal(t, 5, buf.Len(), "Last must not consume")
}

func TestClear_ResetsDropped(t *testing.T) {
	buf := New[int](1)
	buf.Push(1)
	buf.Push(2)
	require.Equal(t, int64(1), buf.Dropped())

	buf.Clear()
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int64(0), buf.Dropped())
	assert.Equal(t, 1, buf.Cap())
}

func TestConcurrentPushAndDrain(t *testing.T) {
	const (
		writers   = 8
		perWriter = 500
		capacity  = 64
	)
	buf := New[int](capacity)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				buf.Push(i)
			}
		}()
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(buf.Drain())
		select {
		case <-done:
			drained += len(buf.Drain())
			assert.Equal(t, int64(writers*perWriter), int64(drained)+buf.Dropped())
			return
		default:
		}
	}
}
