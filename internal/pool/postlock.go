package pool

// postLock accumulates callbacks that must run after the pool-wide mutex is
// released, per spec.md §5 "Reentrancy": callbacks scheduled out of the
// Pool (spawn completion, session close, waitlist wakeup) must never be
// invoked with the lock held. No teacher file does this explicitly — the
// spec calls it out by name in its Design Notes — so this is written fresh
// in the surrounding code's naming and commenting style rather than
// adapted from a specific teacher source.
type postLock struct {
	actions []func()
}

// add queues a callback to run once the lock is released. Safe to call
// only while the lock is held (it is not itself synchronized).
func (pl *postLock) add(f func()) {
	if f == nil {
		return
	}
	pl.actions = append(pl.actions, f)
}

// run executes every queued callback in order. Must be called only after
// the lock has been released.
func (pl *postLock) run() {
	for _, f := range pl.actions {
		f()
	}
}
