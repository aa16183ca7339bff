// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterUpdate(t *testing.T) {
	var c Counter
	c.Update(10)
	require.EqualValues(t, 10, c.Current())
	require.EqualValues(t, 10, c.Peak())

	c.Update(-4)
	require.EqualValues(t, 6, c.Current())
	require.EqualValues(t, 10, c.Peak(), "peak must not decrease on release")

	c.Update(20)
	require.EqualValues(t, 26, c.Current())
	require.EqualValues(t, 26, c.Peak())
}

func TestCounterSet(t *testing.T) {
	var c Counter
	c.Set(100)
	require.EqualValues(t, 100, c.Current())
	require.EqualValues(t, 100, c.Peak())

	c.Set(30)
	require.EqualValues(t, 30, c.Current())
	require.EqualValues(t, 100, c.Peak())
}

func TestCounterTryUpdate(t *testing.T) {
	var c Counter
	require.True(t, c.TryUpdate(40, 100))
	require.EqualValues(t, 40, c.Current())

	require.True(t, c.TryUpdate(40, 100))
	require.EqualValues(t, 80, c.Current())

	require.False(t, c.TryUpdate(40, 100))
	require.EqualValues(t, 80, c.Current(), "rejected TryUpdate must not change current")
	require.EqualValues(t, 80, c.Peak())
}

func TestCounterConcurrentTryUpdate(t *testing.T) {
	var c Counter
	const limit = 100
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.TryUpdate(60, limit)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r {
			accepted++
		}
	}
	require.Equal(t, 1, accepted, "exactly one of two racing 60-byte charges against a 100 limit must be admitted")
	require.EqualValues(t, 60, c.Current())
}

// P2: peak() is monotonically non-decreasing, and once all writers have
// quiesced peak() >= current().
func TestCounterPeakMonotonic(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	var mu sync.Mutex
	lastPeak := int64(0)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Update(int64(i%7 + 1))
			mu.Lock()
			p := c.Peak()
			require.GreaterOrEqual(t, p, lastPeak)
			if p > lastPeak {
				lastPeak = p
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.GreaterOrEqual(t, c.Peak(), c.Current())
}
