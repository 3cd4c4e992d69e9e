package diagnostics

import (
	"context"
	"sync"
	"time"
)

const defaultRingCap = 500

// MemorySink is an in-process Sink backed by two bounded ring buffers. It
// never touches disk; a process restart loses its history, which is
// acceptable for the default since InspectState/CollectAnalytics already
// cover present-state inspection without it.
type MemorySink struct {
	mu        sync.Mutex
	cap       int
	nextID    int64
	failures  []SpawnFailureRecord
	detaches  []DetachRecord
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink builds a MemorySink retaining up to cap entries per
// record kind; cap <= 0 uses defaultRingCap.
func NewMemorySink(cap int) *MemorySink {
	if cap <= 0 {
		cap = defaultRingCap
	}
	return &MemorySink{cap: cap}
}

func (s *MemorySink) RecordSpawnFailure(ctx context.Context, group, errKind, message, stage, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := SpawnFailureRecord{
		ID:        s.nextID,
		Group:     group,
		ErrKind:   errKind,
		Message:   message,
		Stage:     stage,
		Stderr:    stderr,
		Timestamp: time.Now().UTC(),
	}
	s.failures = append(s.failures, rec)
	if len(s.failures) > s.cap {
		s.failures = s.failures[len(s.failures)-s.cap:]
	}
}

func (s *MemorySink) RecordDetach(ctx context.Context, group, gupid, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := DetachRecord{
		ID:        s.nextID,
		Group:     group,
		GUPID:     gupid,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	s.detaches = append(s.detaches, rec)
	if len(s.detaches) > s.cap {
		s.detaches = s.detaches[len(s.detaches)-s.cap:]
	}
}

func (s *MemorySink) ListSpawnFailures(ctx context.Context, group string, limit int) ([]SpawnFailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.failures, func(r SpawnFailureRecord) string { return r.Group }, group, limit), nil
}

func (s *MemorySink) ListDetaches(ctx context.Context, group string, limit int) ([]DetachRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.detaches, func(r DetachRecord) string { return r.Group }, group, limit), nil
}

func (s *MemorySink) Close() error { return nil }

// newestFirst filters recs (a chronologically-appended slice) by group
// (when non-empty), reverses to newest-first, and truncates to limit.
func newestFirst[T any](recs []T, groupOf func(T) string, group string, limit int) []T {
	var filtered []T
	for _, r := range recs {
		if group == "" || groupOf(r) == group {
			filtered = append(filtered, r)
		}
	}
	out := make([]T, 0, len(filtered))
	for i := len(filtered) - 1; i >= 0; i-- {
		out = append(out, filtered[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
