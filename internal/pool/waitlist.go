package pool

import (
	"container/list"
	"errors"
)

// ErrWaitlistFull mirrors the teacher's queue.ErrQueueFull sentinel, kept
// here for callers that want to errors.Is against the full condition
// without unwrapping a pool.Error.
var ErrWaitlistFull = errors.New("waitlist is full")

// GetCallback is invoked exactly once per queued get(), either with a
// Session or with a non-nil error, never both (spec.md §6).
type GetCallback func(*Session, error)

// waiter is one blocked get() caller (spec.md §3 getWaitlist).
type waiter struct {
	id       uint64
	callback GetCallback
	options  Options
	elem     *list.Element
	cancel   func() // stops the deadline timer; nil until setCancel is called
}

// waitlist is a strict FIFO queue of blocked get() callers (spec.md §5
// "Ordering guarantees"). It carries no lock of its own: every method must
// be called while holding the owning Group's Pool lock, the same
// discipline the teacher's mutex-guarded collections use, except here the
// lock is the caller's responsibility rather than the collection's,
// because waiters must be poppable atomically alongside other Group state
// changes (attach/detach) under one critical section.
//
// Modeled after the teacher's TaskQueue (internal/orchestrator/queue): a
// list plus a side map for O(1) lookup-by-id, but FIFO ordering (plain
// queue) instead of a priority heap, since spec.md §5 requires strict FIFO
// with no priority reordering.
type waitlist struct {
	l       list.List
	byID    map[uint64]*waiter
	nextID  uint64
	maxSize int
}

func newWaitlist(maxSize int) *waitlist {
	return &waitlist{
		byID:    make(map[uint64]*waiter),
		maxSize: maxSize,
	}
}

// Len returns the number of currently queued waiters.
func (w *waitlist) Len() int { return w.l.Len() }

// IsFull reports whether the waitlist is at its configured cap. maxSize<=0
// means unbounded.
func (w *waitlist) IsFull() bool {
	return w.maxSize > 0 && w.l.Len() >= w.maxSize
}

// Enqueue appends a new waiter and returns its id, used later to cancel it
// (deadline fire or client disconnect).
func (w *waitlist) Enqueue(cb GetCallback, opts Options) uint64 {
	w.nextID++
	id := w.nextID
	wt := &waiter{id: id, callback: cb, options: opts}
	wt.elem = w.l.PushBack(wt)
	w.byID[id] = wt
	return wt.id
}

// setCancel attaches the deadline-timer stop func to an already-queued
// waiter, so PopFront can cancel the timer when the waiter is served or
// failed before its own deadline. Remove does not call it.
func (w *waitlist) setCancel(id uint64, cancel func()) {
	if wt, ok := w.byID[id]; ok {
		wt.cancel = cancel
	}
}

// PopFront removes and returns the earliest-queued waiter, or nil if empty.
func (w *waitlist) PopFront() *waiter {
	front := w.l.Front()
	if front == nil {
		return nil
	}
	wt := front.Value.(*waiter)
	w.l.Remove(front)
	delete(w.byID, wt.id)
	if wt.cancel != nil {
		wt.cancel()
	}
	return wt
}

// Remove removes a specific waiter by id (deadline fire or disconnect).
// Returns the waiter so the caller can still invoke its callback with the
// appropriate error; returns nil if the id is unknown (already popped).
func (w *waitlist) Remove(id uint64) *waiter {
	wt, ok := w.byID[id]
	if !ok {
		return nil
	}
	w.l.Remove(wt.elem)
	delete(w.byID, id)
	return wt
}

// List returns the waiters in FIFO order, for inspection (admin API).
func (w *waitlist) List() []*waiter {
	out := make([]*waiter, 0, w.l.Len())
	for e := w.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*waiter))
	}
	return out
}
