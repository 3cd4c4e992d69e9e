// Package diagnostics implements pool.DiagnosticsSink, recording spawn
// failures and detach events for operator inspection (SPEC_FULL.md §9).
package diagnostics

import (
	"context"
	"time"
)

// SpawnFailureRecord is one recorded spawn failure.
type SpawnFailureRecord struct {
	ID        int64     `json:"id"`
	Group     string    `json:"group"`
	ErrKind   string    `json:"errKind"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage"`
	Stderr    string    `json:"stderr"`
	Timestamp time.Time `json:"timestamp"`
}

// DetachRecord is one recorded process detach.
type DetachRecord struct {
	ID        int64     `json:"id"`
	Group     string    `json:"group"`
	GUPID     string    `json:"gupid"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is the storage-backed half of pool.DiagnosticsSink: it implements
// that interface's two record methods plus read accessors the admin API
// and operators use to inspect history that InspectState/CollectAnalytics
// don't retain (both are present-state snapshots, not history).
type Sink interface {
	RecordSpawnFailure(ctx context.Context, group, errKind, message, stage, stderr string)
	RecordDetach(ctx context.Context, group, gupid, reason string)

	// ListSpawnFailures returns the most recent spawn failures, newest
	// first, bounded by limit.
	ListSpawnFailures(ctx context.Context, group string, limit int) ([]SpawnFailureRecord, error)
	// ListDetaches returns the most recent detaches, newest first,
	// bounded by limit.
	ListDetaches(ctx context.Context, group string, limit int) ([]DetachRecord, error)

	Close() error
}
