// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package resources implements the exclusive resource lock manager (C4):
// resources are created lazily on first acquire, held by at most one
// agent at a time, and handed off strictly from the head of a
// priority-ordered wait queue, the single-owner specialisation of the
// corpus's shared/exclusive file-lock registry.
package resources

import "time"

// Resource describes the current lock state of one resource id.
type Resource struct {
	ID        string
	Type      string
	Locked    bool
	LockedBy  string
	LockedAt  time.Time
}

// WaitEntry is one pending acquire request, ordered in its resource's
// queue by descending Priority, then ascending RequestedAt.
type WaitEntry struct {
	AgentID     string
	ResourceID  string
	RequestedAt time.Time
	Priority    int
}

// ConflictError is never returned to callers directly (Acquire blocks
// until granted or the wait times out) but is retained for Check-style
// diagnostics mirroring the corpus's filelock.ConflictError shape.
type ConflictError struct {
	ResourceID string
	Holder     string
}

func (e *ConflictError) Error() string {
	return "resource conflict: " + e.ResourceID + " held by " + e.Holder
}
