// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package memtrack implements a hierarchical memory accounting ledger:
// a forest of Trackers, each with an optional byte limit, that charges
// consumption up through its ancestor chain and runs garbage-collection
// callbacks when a limit is pressed. It does not allocate memory itself;
// it only tracks what callers report through Consume, TryConsume, and
// Release.
package memtrack

import (
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/luwenbin888/memtrack/internal/invariants"
)

// CounterName is the well-known name under which a Tracker's Counter is
// published, so that an external profile can locate it.
const CounterName = "mem-tracker.bytes"

// Logger is the sink for a Tracker's debug trace lines (see
// SetLoggingEnabled) and for GcMemory's line when a GC pass leaves
// consumption over target. This package calls only Infof; nothing in it
// calls Fatalf.
type Logger interface {
	Infof(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// defaultLogger logs Consume/Release trace lines and fatal errors to the Go
// stdlib logger. Every Tracker is constructed with it; the package exports
// no way to replace it.
type defaultLogger struct{}

func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// ConsumptionSource lets a root Tracker read its current consumption from
// an external metric (e.g. a process-wide allocator counter) instead of
// from the ledger accumulated via Consume/Release. Only a root Tracker
// (no parent) may carry one.
type ConsumptionSource interface {
	// Sample returns the current reading of the external metric, in bytes.
	Sample() int64
}

// Tracker is a node in the accounting forest. It owns a Counter, an
// optional byte limit, a cached ancestor chain, an ordered list of GC
// callbacks, and a set of non-owning child back-pointers used only for
// diagnostics.
//
// All exported methods except AddGCCallback are safe for concurrent use.
type Tracker struct {
	label             string
	limit             int64
	parent            *Tracker
	counter           *Counter
	consumptionSource ConsumptionSource
	// autoUnregister gates whether the registry's Handle.Close detaches
	// this tracker from its parent on last release; set for every tracker
	// GetQueryTracker creates, unset for standalone trackers constructed
	// directly, which have no automatic destruction point to hook.
	autoUnregister bool

	// ancestorChain is [self, parent, ..., root], cached at construction.
	ancestorChain []*Tracker
	// limitedAncestors is the subset of ancestorChain with limit >= 0.
	limitedAncestors []*Tracker

	childrenMu sync.Mutex
	children   map[*Tracker]struct{}

	// gcMu serializes GcMemory on this tracker; gcCallbacks must be fully
	// registered before the tracker is shared across goroutines (see
	// AddGCCallback).
	gcMu        sync.Mutex
	gcCallbacks []func()

	loggingMu     sync.Mutex
	loggingEnable bool
	logStack      bool
	logger        Logger

	metrics *metricHandles
}

// NewTracker creates a standalone Tracker with its own Counter. limit < 0
// means no limit. parent may be nil, making this tracker a root.
func NewTracker(limit int64, label string, parent *Tracker) *Tracker {
	return newTracker(label, limit, parent, &Counter{}, nil, false)
}

// NewTrackerWithCounter creates a Tracker backed by a caller-supplied
// Counter, for integration with an external profiling counter that should
// be shared rather than owned.
func NewTrackerWithCounter(counter *Counter, limit int64, label string, parent *Tracker) *Tracker {
	return newTracker(label, limit, parent, counter, nil, false)
}

// NewRootTracker creates a root Tracker (no parent) whose consumption
// reads are satisfied by source rather than by the ledger. Consume and
// Release remain callable; they reconcile the local counter to source's
// current sample instead of applying the caller's delta. This is used for
// process-wide trackers backed by an allocator metric that may retain
// freed memory.
func NewRootTracker(source ConsumptionSource, limit int64, label string) *Tracker {
	return newTracker(label, limit, nil, &Counter{}, source, false)
}

func newTracker(
	label string,
	limit int64,
	parent *Tracker,
	counter *Counter,
	source ConsumptionSource,
	autoUnregister bool,
) *Tracker {
	t := &Tracker{
		label:             label,
		limit:             limit,
		parent:            parent,
		counter:           counter,
		consumptionSource: source,
		autoUnregister:    autoUnregister,
		children:          make(map[*Tracker]struct{}),
		logger:            defaultLogger{},
	}
	t.ancestorChain = computeAncestorChain(t)
	t.limitedAncestors = computeLimitedAncestors(t.ancestorChain)
	registerChild(parent, t)
	return t
}

// Label returns the tracker's diagnostic label.
func (t *Tracker) Label() string { return t.label }

// Limit returns the tracker's byte limit; negative means unlimited.
func (t *Tracker) Limit() int64 { return t.limit }

// HasLimit reports whether the tracker has a non-negative limit.
func (t *Tracker) HasLimit() bool { return t.limit >= 0 }

// Parent returns the tracker's parent, or nil if it is a root.
func (t *Tracker) Parent() *Tracker { return t.parent }

// Consumption returns the tracker's current consumption in bytes. When a
// ConsumptionSource is bound, this reads a live sample of it instead of
// the ledger.
func (t *Tracker) Consumption() int64 {
	if t.consumptionSource != nil {
		return t.consumptionSource.Sample()
	}
	return t.counter.Current()
}

// PeakConsumption returns the highest consumption ever observed on this
// tracker. If backed by a ConsumptionSource, this is the highest sample
// observed at a Consume/Release/TryConsume call, not necessarily the
// source's own all-time high.
func (t *Tracker) PeakConsumption() int64 {
	return t.counter.Peak()
}

// SetLoggingEnabled turns on (or off) a log line for every Consume and
// Release call on this tracker, optionally including the caller's stack.
// Intended for debugging; has no effect on accounting.
func (t *Tracker) SetLoggingEnabled(enabled, logStack bool) {
	t.loggingMu.Lock()
	t.loggingEnable = enabled
	t.logStack = logStack
	t.loggingMu.Unlock()
}

func (t *Tracker) loggingEnabled() (enabled, stack bool) {
	t.loggingMu.Lock()
	enabled, stack = t.loggingEnable, t.logStack
	t.loggingMu.Unlock()
	return
}

// Consume unconditionally adds bytes to this tracker and every ancestor.
// bytes may be negative, in which case it behaves like Release.
func (t *Tracker) Consume(bytes int64) {
	t.applyDelta(bytes, true)
}

// Release unconditionally subtracts bytes from this tracker and every
// ancestor.
func (t *Tracker) Release(bytes int64) {
	t.applyDelta(bytes, false)
}

func (t *Tracker) applyDelta(bytes int64, isConsume bool) {
	if t.consumptionSource != nil {
		// parent must be nil for any tracker with a consumption source
		// (invariant 5); reconcile by resampling instead of bookkeeping.
		if invariants.Enabled && t.parent != nil {
			panic(errors.AssertionFailedf("memtrack: %s: consumption source set on a non-root tracker", t.label))
		}
		t.counter.Set(t.consumptionSource.Sample())
		t.publishCounters()
		return
	}
	if bytes == 0 {
		return
	}
	if enabled, stack := t.loggingEnabled(); enabled {
		t.logUpdate(isConsume, bytes, stack)
	}
	delta := bytes
	if !isConsume {
		delta = -bytes
	}
	for _, node := range t.ancestorChain {
		node.counter.Update(delta)
		if invariants.Enabled && node.counter.Current() < 0 {
			panic(errors.AssertionFailedf("memtrack: %s: consumption went negative (%d)", node.label, node.counter.Current()))
		}
		node.publishCounters()
	}
}

// TryConsume is the admission algorithm: it walks the ancestor chain from
// self toward the root, applying bytes unconditionally at unlimited nodes
// and attempting a capped update at limited nodes. A limited node that
// cannot absorb the charge gets one GC pass and one retry; if that also
// fails, the walk stops and every node visited so far is rolled back.
// Returns whether the charge was admitted.
func (t *Tracker) TryConsume(bytes int64) bool {
	if t.consumptionSource != nil {
		if invariants.Enabled && t.parent != nil {
			panic(errors.AssertionFailedf("memtrack: %s: consumption source set on a non-root tracker", t.label))
		}
		t.counter.Set(t.consumptionSource.Sample())
		t.publishCounters()
	}
	if bytes == 0 {
		return true
	}
	if enabled, stack := t.loggingEnabled(); enabled {
		t.logUpdate(true, bytes, stack)
	}

	chain := t.ancestorChain
	i := 0
	for ; i < len(chain); i++ {
		node := chain[i]
		if node.limit < 0 {
			node.counter.Update(bytes)
			node.publishCounters()
			continue
		}
		if node.counter.TryUpdate(bytes, node.limit) {
			node.publishCounters()
			continue
		}
		if !node.GcMemory(node.limit - bytes) {
			if node.counter.TryUpdate(bytes, node.limit) {
				node.publishCounters()
				continue
			}
		}
		break
	}
	if i == len(chain) {
		return true
	}
	for j := 0; j < i; j++ {
		chain[j].counter.Update(-bytes)
		chain[j].publishCounters()
	}
	return false
}

// LimitExceeded reports whether this tracker's limit is exceeded. If so,
// it publishes bytes-over-limit (when metrics are bound) and runs a GC
// pass before answering, so a caller sees the post-GC state. Always false
// for an unlimited tracker.
func (t *Tracker) LimitExceeded() bool {
	if t.limit < 0 {
		return false
	}
	consumption := t.Consumption()
	if consumption <= t.limit {
		return false
	}
	if t.metrics != nil {
		t.metrics.bytesOverLimit.Set(float64(consumption - t.limit))
	}
	return t.GcMemory(t.limit)
}

// AnyLimitExceeded reports whether any node in this tracker's ancestor
// chain that carries a limit currently exceeds it.
func (t *Tracker) AnyLimitExceeded() bool {
	for _, node := range t.limitedAncestors {
		if node.LimitExceeded() {
			return true
		}
	}
	return false
}

// AddGCCallback appends fn to this tracker's GC callback list. Callbacks
// run in registration order when GcMemory is invoked. Registration is not
// synchronized against concurrent Consume/Release/TryConsume/GcMemory:
// callers must finish registering every callback before handing the
// tracker to other goroutines.
func (t *Tracker) AddGCCallback(fn func()) {
	t.gcCallbacks = append(t.gcCallbacks, fn)
}

// GcMemory samples this tracker's consumption and, if it exceeds target,
// invokes GC callbacks in registration order until consumption drops to
// or below target or the callbacks are exhausted. It serializes concurrent
// GC attempts on this tracker via an internal lock; callbacks may still
// race with Consume/Release/TryConsume on this or other trackers. Returns
// whether consumption still exceeds target afterward.
func (t *Tracker) GcMemory(target int64) bool {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	before := t.Consumption()
	if before <= target {
		return false
	}
	invocations := 0
	for _, cb := range t.gcCallbacks {
		cb()
		invocations++
		if t.Consumption() <= target {
			break
		}
	}
	after := t.Consumption()
	if t.metrics != nil && invocations > 0 {
		t.metrics.gcCount.Add(float64(invocations))
		t.metrics.lastGCBytesFreed.Set(float64(before - after))
	}
	if after > target {
		t.logger.Infof("memtrack: %s: gc pass (%d callbacks) left %d bytes over target %d",
			t.label, invocations, after-target, target)
	}
	return after > target
}

// UnregisterFromParent removes this tracker from its parent's children
// list (used only for LogUsage; accounting to ancestors is unaffected).
// Safe to call more than once or on a root tracker.
func (t *Tracker) UnregisterFromParent() {
	unregisterChild(t.parent, t)
}

// ReplaceChild swaps oldChild for newChild (which may be nil) in this
// tracker's reporting-only children set, and adjusts the consumption of
// this tracker and its ancestors by -oldChild.Consumption()
// +newChild.Consumption() (via Consume): a
// one-time snapshot transfer, not a reparenting. newChild's own parent,
// ancestor chain, and limited-ancestor list are unchanged (they are cached
// at construction per the data model), so any consumption newChild records
// after this call still charges up through whatever ancestor chain it was
// built with, not through t. Callers that need a child's ongoing charges
// to flow through a new parent must construct it with that parent instead.
func (t *Tracker) ReplaceChild(oldChild, newChild *Tracker) {
	t.childrenMu.Lock()
	_, ok := t.children[oldChild]
	if ok {
		delete(t.children, oldChild)
		if newChild != nil {
			t.children[newChild] = struct{}{}
		}
	}
	t.childrenMu.Unlock()
	if !ok {
		return
	}
	t.Consume(-oldChild.Consumption())
	if newChild != nil {
		t.Consume(newChild.Consumption())
	}
}

func (t *Tracker) logUpdate(isConsume bool, bytes int64, stack bool) {
	verb := "Consume"
	if !isConsume {
		verb = "Release"
	}
	if stack {
		t.logger.Infof("memtrack: %s: %s(%d), consumption now %d\n%s",
			t.label, verb, bytes, t.Consumption(), debug.Stack())
		return
	}
	t.logger.Infof("memtrack: %s: %s(%d), consumption now %d", t.label, verb, bytes, t.Consumption())
}
