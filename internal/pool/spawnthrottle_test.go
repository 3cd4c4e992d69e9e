package pool

import "testing"

func TestSpawnThrottleSingleInFlight(t *testing.T) {
	var th spawnThrottle
	if !th.canSpawn(0, 0, 0, 5) {
		t.Fatal("expected canSpawn to allow a first attempt")
	}
	th.begin()
	if th.canSpawn(0, 0, 0, 5) {
		t.Fatal("expected canSpawn to refuse a second concurrent attempt for the same group")
	}
}

func TestSpawnThrottleRespectsConfiguredMax(t *testing.T) {
	var th spawnThrottle
	if th.canSpawn(5, 0, 0, 5) {
		t.Fatal("expected canSpawn to refuse when already at the configured max")
	}
	if !th.canSpawn(4, 0, 0, 5) {
		t.Fatal("expected canSpawn to allow when below the configured max")
	}
}

func TestSpawnThrottleSucceedResetsFailures(t *testing.T) {
	var th spawnThrottle
	th.begin()
	th.fail(errSpawn("boom", "fork", "", nil))
	if th.consecutiveFails != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", th.consecutiveFails)
	}
	th.begin()
	th.succeed()
	if th.consecutiveFails != 0 {
		t.Fatalf("expected succeed() to reset the failure counter, got %d", th.consecutiveFails)
	}
	if th.spawning || th.inFlight != 0 {
		t.Fatal("expected succeed() to clear spawning/inFlight")
	}
}

func TestSpawnThrottleExhaustsAfterThirdFailure(t *testing.T) {
	var th spawnThrottle
	for i := 0; i < maxConsecutiveSpawnFailures-1; i++ {
		th.begin()
		if exhausted := th.fail(errSpawn("boom", "fork", "", nil)); exhausted {
			t.Fatalf("attempt %d should not exhaust the retry budget yet", i+1)
		}
	}
	th.begin()
	if exhausted := th.fail(errSpawn("boom", "fork", "", nil)); !exhausted {
		t.Fatalf("attempt %d should exhaust the retry budget (max=%d)", maxConsecutiveSpawnFailures, maxConsecutiveSpawnFailures)
	}
}

func TestSpawnThrottleReset(t *testing.T) {
	var th spawnThrottle
	th.begin()
	th.fail(errSpawn("boom", "fork", "", nil))
	th.reset()
	if th.consecutiveFails != 0 || th.lastErr != nil {
		t.Fatal("expected reset() to clear the failure counter and last error")
	}
}
