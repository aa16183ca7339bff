// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import "sync/atomic"

// Counter is a lock-free current/peak pair. Current can move in either
// direction; peak only ever increases, tracking the highest current value
// ever observed.
//
// All methods are safe for concurrent use. Current and peak are updated
// independently, so a reader can observe peak < current for an instant
// after a concurrent increase; it converges to peak >= current once the
// writer's peak CAS loop completes.
type Counter struct {
	current atomic.Int64
	peak    atomic.Int64
}

// Current returns a snapshot of the counter's current value.
func (c *Counter) Current() int64 {
	return c.current.Load()
}

// Peak returns the maximum current value ever observed.
func (c *Counter) Peak() int64 {
	return c.peak.Load()
}

// Set assigns current := v and advances peak if necessary.
func (c *Counter) Set(v int64) {
	c.current.Store(v)
	c.bumpPeak(v)
}

// Update applies current += delta and advances peak if necessary.
func (c *Counter) Update(delta int64) {
	v := c.current.Add(delta)
	c.bumpPeak(v)
}

// TryUpdate atomically applies current += delta iff the result would not
// exceed limit, reporting whether the update was applied. It is the
// admission primitive: no interleaving can make a concurrent, conforming
// caller observe current > limit after a successful TryUpdate elsewhere.
func (c *Counter) TryUpdate(delta, limit int64) bool {
	for {
		v := c.current.Load()
		nv := v + delta
		if nv > limit {
			return false
		}
		if c.current.CompareAndSwap(v, nv) {
			c.bumpPeak(nv)
			return true
		}
	}
}

func (c *Counter) bumpPeak(v int64) {
	for {
		p := c.peak.Load()
		if v <= p {
			return
		}
		if c.peak.CompareAndSwap(p, v) {
			return
		}
	}
}
