// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import (
	"fmt"
	"strings"
)

// LogUsage produces a multi-line, depth-indented dump of this tracker and
// its children, for diagnostics. prefix starts every line, ahead of the
// two-spaces-per-depth indent (e.g. to label which query or fragment the
// dump belongs to).
func (t *Tracker) LogUsage(prefix string) string {
	var buf strings.Builder
	t.writeUsage(&buf, prefix)
	return buf.String()
}

func (t *Tracker) writeUsage(buf *strings.Builder, indent string) {
	fmt.Fprintf(buf, "%s%s: consumption=%d peak=%d", indent, t.label, t.Consumption(), t.PeakConsumption())
	if t.HasLimit() {
		fmt.Fprintf(buf, " limit=%d", t.limit)
	}
	buf.WriteByte('\n')

	// Children are read under the children lock but the lock is released
	// before recursing, so reporting never holds it across arbitrary
	// user-visible work further down the tree.
	for _, c := range snapshotChildren(t) {
		c.writeUsage(buf, indent+"  ")
	}
}
