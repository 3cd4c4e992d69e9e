package pool

import (
	"context"
	"testing"
	"time"
)

// newTestGroupPool builds a bare Pool (no background GC goroutine) suitable
// for driving a single Group directly in isolation.
func newTestGroupPool(max int) *Pool {
	return &Pool{
		groups:      make(map[GroupKey]*Group),
		max:         max,
		maxIdle:     5 * time.Minute,
		getWaitlist: newWaitlist(0),
		waitTargets: make(map[uint64]*Group),
	}
}

func waitForCallback(t *testing.T, fn func(func(*Session, error))) (*Session, error) {
	t.Helper()
	ch := make(chan struct {
		sess *Session
		err  error
	}, 1)
	fn(func(s *Session, err error) {
		ch <- struct {
			sess *Session
			err  error
		}{s, err}
	})
	select {
	case r := <-ch:
		return r.sess, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
		return nil, nil
	}
}

func TestGroupGetServesExistingIdleProcess(t *testing.T) {
	pl := &postLock{}
	p := newTestGroupPool(10)
	spawner := &dummySpawner{}
	g := newGroup("g1", "g1", baseOptions("/apps/g1"), p, spawner, nil, nil)
	p.groups[g.Options().Key()] = g

	proc := newTestProcess(0, 0)
	g.attach(proc, pl)
	pl.run()

	sess, err := waitForCallback(t, func(cb GetCallback) {
		pl := &postLock{}
		p.mu.Lock()
		g.get(g.Options(), cb, pl)
		p.mu.Unlock()
		pl.run()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil || sess.Process() != proc {
		t.Fatal("expected the request to be served by the already-attached process")
	}
	if spawner.callCount() != 0 {
		t.Fatal("should not have spawned when an idle process was already available")
	}
}

func TestGroupGetSpawnsWhenEmpty(t *testing.T) {
	p := newTestGroupPool(10)
	spawner := &dummySpawner{}
	opts := baseOptions("/apps/g2")
	g := newGroup("g2", "g2", opts, p, spawner, nil, nil)
	p.groups[g.Options().Key()] = g

	sess, err := waitForCallback(t, func(cb GetCallback) {
		pl := &postLock{}
		p.mu.Lock()
		g.get(opts, cb, pl)
		p.mu.Unlock()
		pl.run()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session once the spawned process attaches")
	}
	if spawner.callCount() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", spawner.callCount())
	}
}

func TestGroupThrottlesConcurrentSpawns(t *testing.T) {
	p := newTestGroupPool(10)
	opts := baseOptions("/apps/g3")
	opts.MaxProcesses = 5
	release := make(chan struct{})
	blocked := &dummySpawner{fn: func(ctx context.Context, opts Options) (*Process, error) {
		<-release
		return newTestProcess(opts.MaxRequests, opts.OOBWorkRequestInterval), nil
	}}
	g := newGroup("g3", "g3", opts, p, blocked, nil, nil)
	p.groups[g.Options().Key()] = g

	// Two concurrent get() calls on an empty group with room for 5 processes
	// should schedule exactly one spawn; the second becomes a waiter.
	pl := &postLock{}
	p.mu.Lock()
	g.get(opts, func(*Session, error) {}, pl)
	g.get(opts, func(*Session, error) {}, pl)
	p.mu.Unlock()
	pl.run()

	// The spawn goroutine is now blocked on release; safe to inspect state.
	p.mu.Lock()
	waitlistLen := g.WaitlistLen()
	inFlight := g.throttle.inFlight
	p.mu.Unlock()

	close(release)

	if waitlistLen == 0 {
		t.Fatal("expected the second concurrent get() to be queued behind the one in-flight spawn")
	}
	if inFlight != 1 {
		t.Fatalf("expected exactly one in-flight spawn, got %d", inFlight)
	}
}

func TestGroupSpawnFailureRetriesThenFailsWaiters(t *testing.T) {
	p := newTestGroupPool(10)
	spawner := alwaysFailSpawner("no such interpreter")
	opts := baseOptions("/apps/g4")
	g := newGroup("g4", "g4", opts, p, spawner, nil, nil)
	p.groups[g.Options().Key()] = g

	_, err := waitForCallback(t, func(cb GetCallback) {
		pl := &postLock{}
		p.mu.Lock()
		g.get(opts, cb, pl)
		p.mu.Unlock()
		pl.run()
	})
	if err == nil {
		t.Fatal("expected the waiter to eventually fail once the retry budget is exhausted")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindSpawnError {
		t.Fatalf("expected a SpawnError, got %v", err)
	}
	if spawner.callCount() != maxConsecutiveSpawnFailures {
		t.Fatalf("expected %d spawn attempts before giving up, got %d", maxConsecutiveSpawnFailures, spawner.callCount())
	}
}

func TestGroupDisableThenFinishDisableViaSessionClose(t *testing.T) {
	pl := &postLock{}
	p := newTestGroupPool(10)
	g := newGroup("g5", "g5", baseOptions("/apps/g5"), p, &dummySpawner{}, nil, nil)
	p.groups[g.Options().Key()] = g

	proc := newTestProcess(0, 0)
	g.attach(proc, pl)
	pl.run()

	sess, err := proc.NewSession(0)
	if err != nil {
		t.Fatalf("new_session: %v", err)
	}

	drained := make(chan struct{}, 1)
	pl2 := &postLock{}
	p.mu.Lock()
	g.Disable(proc, func() { drained <- struct{}{} }, pl2)
	p.mu.Unlock()
	pl2.run()

	if proc.Enabled() != DISABLING {
		t.Fatalf("expected DISABLING immediately after Disable with an open session, got %s", proc.Enabled())
	}
	select {
	case <-drained:
		t.Fatal("onDrained must not fire before the last session closes")
	default:
	}

	sess.Close(true, false)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onDrained to fire once the last session closed")
	}
	if proc.Enabled() != DISABLED {
		t.Fatalf("expected DISABLED after draining, got %s", proc.Enabled())
	}
}

func TestGroupRestartDetachesAndRespawns(t *testing.T) {
	pl := &postLock{}
	p := newTestGroupPool(10)
	opts := baseOptions("/apps/g6")
	opts.MinProcesses = 1
	spawnedCh := make(chan struct{}, 1)
	spawner := &dummySpawner{fn: func(ctx context.Context, opts Options) (*Process, error) {
		proc := newTestProcess(opts.MaxRequests, opts.OOBWorkRequestInterval)
		spawnedCh <- struct{}{}
		return proc, nil
	}}
	g := newGroup("g6", "g6", opts, p, spawner, nil, nil)
	p.groups[g.Options().Key()] = g

	old := newTestProcess(0, 0)
	g.attach(old, pl)
	pl.run()

	newOpts := opts
	newOpts.Environment = "staging"
	pl2 := &postLock{}
	p.mu.Lock()
	g.Restart(newOpts, pl2)
	p.mu.Unlock()
	pl2.run()

	select {
	case <-spawnedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Restart to trigger a replacement spawn")
	}

	if old.Enabled() != DETACHED {
		t.Fatalf("expected the old process to be detached by Restart, got %s", old.Enabled())
	}
	if g.Options().Environment != "staging" {
		t.Fatalf("expected Restart to persist the new Options, got %+v", g.Options())
	}
	if spawner.callCount() != 1 {
		t.Fatalf("expected Restart to schedule one respawn to satisfy MinProcesses=1, got %d calls", spawner.callCount())
	}
}

func TestGroupShutDownFailsQueuedWaiters(t *testing.T) {
	pl0 := &postLock{}
	p := newTestGroupPool(10)
	opts := baseOptions("/apps/g7")
	opts.MaxProcesses = 1
	g := newGroup("g7", "g7", opts, p, &dummySpawner{}, nil, nil)
	p.groups[g.Options().Key()] = g

	// Attach a totally-busy process so the group is at its configured max
	// and selectProcess() finds nothing selectable: the next get() must
	// queue rather than spawn a second process.
	busy := newTestProcessCapped(1)
	g.attach(busy, pl0)
	pl0.run()
	if _, err := busy.NewSession(0); err != nil {
		t.Fatalf("new_session: %v", err)
	}

	errCh := make(chan error, 1)
	pl := &postLock{}
	p.mu.Lock()
	g.get(opts, func(_ *Session, err error) { errCh <- err }, pl)
	p.mu.Unlock()
	pl.run()

	if g.WaitlistLen() != 1 {
		t.Fatalf("expected the get() to be queued, waitlist len = %d", g.WaitlistLen())
	}

	pl2 := &postLock{}
	p.mu.Lock()
	g.ShutDown(pl2)
	p.mu.Unlock()
	pl2.run()

	select {
	case err := <-errCh:
		perr, ok := err.(*Error)
		if !ok || perr.Kind != KindGroupShuttingDown {
			t.Fatalf("expected GroupShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the queued waiter to be failed by ShutDown")
	}
	if g.LifeStatus() != GroupShutDownStatus && g.LifeStatus() != GroupShuttingDownStatus {
		t.Fatalf("expected the group to have left ALIVE, got %v", g.LifeStatus())
	}
}
