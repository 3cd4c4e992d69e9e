package pool

import "testing"

func TestNewSessionRejectsDisabledProcess(t *testing.T) {
	p := newTestProcess(0, 0)
	p.setEnabled(DISABLED)

	if _, err := p.NewSession(0); err == nil {
		t.Fatal("expected error from new_session on a disabled process")
	}
}

func TestNewSessionRejectsTotallyBusyProcess(t *testing.T) {
	p := newTestProcessCapped(1)
	sess, err := p.NewSession(0)
	if err != nil {
		t.Fatalf("first new_session: %v", err)
	}
	if _, err := p.NewSession(0); err == nil {
		t.Fatal("expected error from new_session on a totally busy process")
	}
	sess.socket.decSessions()
}

func TestBusynessBiasOutranksNonBusy(t *testing.T) {
	busy := newTestProcessCapped(1)
	if _, err := busy.NewSession(0); err != nil {
		t.Fatalf("new_session: %v", err)
	}

	idle := newTestProcessCapped(10)
	for i := 0; i < 5; i++ {
		if _, err := idle.NewSession(0); err != nil {
			t.Fatalf("new_session: %v", err)
		}
	}

	if busy.Busyness() <= idle.Busyness() {
		t.Fatalf("totally busy process (busyness=%d) must outrank a non-totally-busy one (busyness=%d) regardless of raw session count", busy.Busyness(), idle.Busyness())
	}
}

func TestCloseSessionTriggersDetachAtMaxRequests(t *testing.T) {
	p := newTestProcess(1, 0) // maxRequests=1
	if _, err := p.NewSession(0); err != nil {
		t.Fatalf("new_session: %v", err)
	}

	shouldDetach, disableDrained, oobDue := p.closeSession()
	if !shouldDetach {
		t.Error("expected shouldDetach after reaching maxRequests")
	}
	if disableDrained || oobDue {
		t.Error("unexpected disableDrained/oobDue alongside a maxRequests detach")
	}
}

func TestCloseSessionReportsDisableDrained(t *testing.T) {
	p := newTestProcess(0, 0)
	if _, err := p.NewSession(0); err != nil {
		t.Fatalf("new_session: %v", err)
	}
	p.setEnabled(DISABLING)

	shouldDetach, disableDrained, _ := p.closeSession()
	if shouldDetach {
		t.Error("unexpected shouldDetach for a DISABLING process with no maxRequests")
	}
	if !disableDrained {
		t.Error("expected disableDrained once a DISABLING process's last session closes")
	}
}

func TestCloseSessionOOBIntervalRollover(t *testing.T) {
	p := newTestProcess(0, 2) // oobInterval=2

	for i := 0; i < 2; i++ {
		if _, err := p.NewSession(0); err != nil {
			t.Fatalf("new_session %d: %v", i, err)
		}
	}

	_, _, oobDue := p.closeSession()
	if oobDue {
		t.Fatal("oobDue should not fire before the interval is reached")
	}
	_, _, oobDue = p.closeSession()
	if !oobDue {
		t.Fatal("expected oobDue on the interval-th closed session")
	}
}

func TestCloseSessionShuttingDownReachesDead(t *testing.T) {
	p := newTestProcess(0, 0)
	if _, err := p.NewSession(0); err != nil {
		t.Fatalf("new_session: %v", err)
	}
	p.Shutdown()
	if p.LifeStatus() != SHUTTING_DOWN {
		t.Fatalf("expected SHUTTING_DOWN with an open session, got %s", p.LifeStatus())
	}

	shouldDetach, _, _ := p.closeSession()
	if !shouldDetach {
		t.Error("expected shouldDetach once a SHUTTING_DOWN process drains to zero sessions")
	}
	if p.LifeStatus() != DEAD {
		t.Errorf("expected DEAD after the last session closes while shutting down, got %s", p.LifeStatus())
	}
}

func TestShutdownIdleProcessGoesStraightToDead(t *testing.T) {
	p := newTestProcess(0, 0)
	p.Shutdown()
	if p.LifeStatus() != DEAD {
		t.Fatalf("expected an idle process to shut down straight to DEAD, got %s", p.LifeStatus())
	}
}
