// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/luwenbin888/memtrack/internal/invariants"
)

// QueryID is the opaque identifier fragments of the same query share when
// looking up their query-wide Tracker.
type QueryID uuid.UUID

// NewQueryID generates a fresh, random QueryID.
func NewQueryID() QueryID {
	return QueryID(uuid.New())
}

func (id QueryID) String() string {
	return uuid.UUID(id).String()
}

// registryEntry is the process-wide dedup table's value: a Tracker and a
// reference count of live Handles, plus the (limit, parent) this entry was
// created with, so later lookups for the same id can be contract-checked
// against them.
type registryEntry struct {
	tracker *Tracker
	refs    int32
	limit   int64
	parent  *Tracker
}

// Registry is a process-wide mapping from QueryID to shared Trackers, with
// deduplication: concurrent lookups for the same id return handles to the
// same underlying Tracker, and the Tracker disappears once every Handle
// referencing it has been released.
type Registry struct {
	mu      sync.Mutex
	entries map[QueryID]*registryEntry
}

// NewRegistry creates an empty query registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[QueryID]*registryEntry)}
}

// Handle is a strong reference to a registry-managed Tracker. Call
// Close when done; the underlying Tracker is torn down and detached
// from its parent once the last outstanding Handle for its QueryID is
// released.
type Handle struct {
	registry *Registry
	id       QueryID
	entry    *registryEntry
	released bool
	mu       sync.Mutex
}

// Tracker returns the underlying Tracker. The returned pointer must not be
// used after Close.
func (h *Handle) Tracker() *Tracker { return h.entry.tracker }

// Consume delegates to the underlying Tracker.
func (h *Handle) Consume(bytes int64) { h.entry.tracker.Consume(bytes) }

// ReleaseBytes delegates to the underlying Tracker's Release. It is named
// distinctly from Close, which releases the Handle itself.
func (h *Handle) ReleaseBytes(bytes int64) { h.entry.tracker.Release(bytes) }

// TryConsume delegates to the underlying Tracker.
func (h *Handle) TryConsume(bytes int64) bool { return h.entry.tracker.TryConsume(bytes) }

// LimitExceeded delegates to the underlying Tracker.
func (h *Handle) LimitExceeded() bool { return h.entry.tracker.LimitExceeded() }

// AnyLimitExceeded delegates to the underlying Tracker.
func (h *Handle) AnyLimitExceeded() bool { return h.entry.tracker.AnyLimitExceeded() }

// Consumption delegates to the underlying Tracker.
func (h *Handle) Consumption() int64 { return h.entry.tracker.Consumption() }

// PeakConsumption delegates to the underlying Tracker.
func (h *Handle) PeakConsumption() int64 { return h.entry.tracker.PeakConsumption() }

// Limit delegates to the underlying Tracker.
func (h *Handle) Limit() int64 { return h.entry.tracker.Limit() }

// Label delegates to the underlying Tracker.
func (h *Handle) Label() string { return h.entry.tracker.Label() }

// AddGCCallback delegates to the underlying Tracker.
func (h *Handle) AddGCCallback(fn func()) { h.entry.tracker.AddGCCallback(fn) }

// LogUsage delegates to the underlying Tracker.
func (h *Handle) LogUsage(prefix string) string { return h.entry.tracker.LogUsage(prefix) }

// Close drops this Handle's strong reference. When the last Handle for a
// QueryID is closed, the Tracker is removed from the registry and detached
// from its parent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	reg := h.registry
	reg.mu.Lock()
	h.entry.refs--
	remaining := h.entry.refs
	if remaining == 0 {
		if cur, ok := reg.entries[h.id]; ok && cur == h.entry {
			delete(reg.entries, h.id)
		}
	}
	reg.mu.Unlock()

	if remaining == 0 && h.entry.tracker.autoUnregister {
		h.entry.tracker.UnregisterFromParent()
	}
}

// GetQueryTracker returns a Handle to the Tracker for id, creating one on
// first lookup. limit and parent must match the values recorded on the
// entry's original creation; in invariants/race builds a mismatch panics,
// per the caller contract in the accounting model (production builds
// silently return the existing tracker).
//
// A lookup that finds an entry whose tracker has already been fully
// released (a race between the last Handle's Close and this call) treats
// the slot as empty and creates a fresh Tracker, overwriting the stale
// entry.
func GetQueryTracker(reg *Registry, id QueryID, limit int64, parent *Tracker) *Handle {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if entry, ok := reg.entries[id]; ok && entry.refs > 0 {
		if invariants.Enabled && (entry.limit != limit || entry.parent != parent) {
			panic(errors.AssertionFailedf(
				"memtrack: GetQueryTracker(%s): limit/parent mismatch: recorded limit=%d parent=%p, got limit=%d parent=%p",
				id, entry.limit, entry.parent, limit, parent))
		}
		entry.refs++
		return &Handle{registry: reg, id: id, entry: entry}
	}

	tracker := newTracker(id.String(), limit, parent, &Counter{}, nil, true)
	entry := &registryEntry{tracker: tracker, refs: 1, limit: limit, parent: parent}
	reg.entries[id] = entry
	return &Handle{registry: reg, id: id, entry: entry}
}
