package pool

import (
	"testing"
	"time"
)

func TestPoolAsyncGetSpawnsAndServes(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	sess, err := syncGet(p, baseOptions("/apps/a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
}

func TestPoolRoutesByGroupKey(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	sessA, err := syncGet(p, baseOptions("/apps/a"))
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	sessB, err := syncGet(p, baseOptions("/apps/b"))
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if sessA.Process().GUPID == sessB.Process().GUPID {
		t.Fatal("two distinct app roots must land in distinct Groups with distinct processes")
	}

	sessA2, err := syncGet(p, baseOptions("/apps/a"))
	if err != nil {
		t.Fatalf("get a again: %v", err)
	}
	sessA.Close(true, false)
	if sessA2.Process().GUPID != sessA.Process().GUPID {
		t.Fatal("a second request for the same app root should reuse the same Group's process")
	}
}

func TestPoolEvictsIdleProcessWhenGlobalMaxReached(t *testing.T) {
	p := newTestPool(1, nil)
	defer p.Shutdown()

	sessA, err := syncGet(p, baseOptions("/apps/a"))
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	sessA.Close(true, false) // idle now, eligible for eviction

	sessB, err := syncGet(p, baseOptions("/apps/b"))
	if err != nil {
		t.Fatalf("expected get b to succeed by evicting a's idle process: %v", err)
	}
	if sessB == nil {
		t.Fatal("expected a session for b")
	}
}

func TestPoolQueuesOnGlobalMaxWithNoIdleVictim(t *testing.T) {
	p := newTestPool(1, nil)
	defer p.Shutdown()

	optsA := baseOptions("/apps/a")
	optsA.StartTimeoutMsec = 50
	sessA, err := syncGet(p, optsA)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	// sessA stays open (busy), so there is no idle victim anywhere.

	optsB := baseOptions("/apps/b")
	optsB.StartTimeoutMsec = 50
	_, err = syncGet(p, optsB)
	if err == nil {
		t.Fatal("expected get b to time out since the pool is saturated with no idle victim")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindGetTimeout {
		t.Fatalf("expected GetTimeout, got %v", err)
	}

	sessA.Close(true, false)
}

func TestPoolShutdownFailsLaterGets(t *testing.T) {
	p := newTestPool(10, nil)

	sess, err := syncGet(p, baseOptions("/apps/a"))
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	sess.Close(true, false)

	p.Shutdown()

	_, err = syncGet(p, baseOptions("/apps/a"))
	if err == nil {
		t.Fatal("expected AsyncGet to fail once the pool is shutting down")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindPoolShuttingDown {
		t.Fatalf("expected PoolShuttingDown, got %v", err)
	}
}

func TestPoolDetachGroupByName(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	opts := baseOptions("/apps/a")
	if _, err := syncGet(p, opts); err != nil {
		t.Fatalf("get a: %v", err)
	}

	key := string(opts.Key())
	if !p.DetachGroupByName(key) {
		t.Fatal("expected DetachGroupByName to find the group")
	}
	g := p.GroupByName(key)
	if g == nil {
		t.Fatal("expected the group to still exist (detached, not deleted) right after DetachGroupByName")
	}
	if g.LifeStatus() != GroupShutDownStatus && g.LifeStatus() != GroupShuttingDownStatus {
		t.Fatalf("expected the group to have left ALIVE, got %v", g.LifeStatus())
	}
}

func TestPoolInspectStateReportsGroups(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	if _, err := syncGet(p, baseOptions("/apps/a")); err != nil {
		t.Fatalf("get a: %v", err)
	}

	st := p.InspectState()
	if st.Max != 10 {
		t.Fatalf("expected Max=10, got %d", st.Max)
	}
	if len(st.Groups) != 1 {
		t.Fatalf("expected exactly one group, got %d", len(st.Groups))
	}
	if st.Groups[0].EnabledCount != 1 {
		t.Fatalf("expected one enabled process, got %d", st.Groups[0].EnabledCount)
	}
}

func TestPoolCollectAnalytics(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	if _, err := syncGet(p, baseOptions("/apps/a")); err != nil {
		t.Fatalf("get a: %v", err)
	}

	a := p.CollectAnalytics()
	if a.GroupCount != 1 {
		t.Fatalf("expected GroupCount=1, got %d", a.GroupCount)
	}
	if a.EnabledProcesses != 1 {
		t.Fatalf("expected EnabledProcesses=1, got %d", a.EnabledProcesses)
	}
}

func TestPoolUnknownSpawnMethodSurfacesAsSpawnError(t *testing.T) {
	factory := func(method SpawnMethod, opts Options) (Spawner, error) {
		return nil, errSpawn("unsupported spawn method "+string(method), "preparation", "", nil)
	}
	p := newTestPool(10, factory)
	defer p.Shutdown()

	_, err := syncGet(p, baseOptions("/apps/a"))
	if err == nil {
		t.Fatal("expected an error when the spawner factory itself fails")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindSpawnError {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestPoolGCReapsIdleProcessAboveMinProcesses(t *testing.T) {
	p := newTestPool(10, nil)
	defer p.Shutdown()

	opts := baseOptions("/apps/a")
	opts.IdleTimeoutSec = 1
	sess, err := syncGet(p, opts)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	gupid := sess.Process().GUPID
	sess.Close(true, false)

	p.mu.Lock()
	g := p.groups[opts.Key()]
	p.mu.Unlock()
	if g == nil {
		t.Fatal("expected the group to exist")
	}

	// Force the idle process to look old enough to be reaped without
	// sleeping the real clock for the configured timeout.
	p.mu.Lock()
	for _, proc := range g.enabledProcesses {
		proc.lastUsed = time.Now().Add(-time.Hour)
	}
	p.mu.Unlock()

	p.runGC()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range g.enabledProcesses {
		if proc.GUPID == gupid {
			t.Fatal("expected the idle-too-long process to have been reaped by GC")
		}
	}
}
