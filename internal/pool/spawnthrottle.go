package pool

// maxConsecutiveSpawnFailures fixes the spec's open question (spec.md §9)
// at 3: a Group makes up to three consecutive spawn attempts before failing
// every waiter currently queued. Grounded in the teacher's
// executor.NewExecutor default of retryLimit=3 for agent launches
// (internal/orchestrator/executor), which fixes the same kind of
// consecutive-failure budget for a similar "spin up a worker" operation.
const maxConsecutiveSpawnFailures = 3

// spawnThrottle tracks the single in-flight-spawn discipline and the
// consecutive-failure counter described in spec.md §4.2.2. It is plain
// state mutated only under the owning Group's Pool lock, mirroring the
// teacher's TaskExecution bookkeeping fields (retryCount int) rather than
// carrying its own synchronization.
type spawnThrottle struct {
	spawning          bool
	inFlight          int // processesBeingSpawned
	consecutiveFails  int
	lastErr           *Error
}

// canSpawn reports whether a new spawn attempt may start: at most one
// spawn in flight per Group, and the Group must have room under its
// configured max once in-flight spawns are counted.
func (t *spawnThrottle) canSpawn(enabledCount, disablingCount, disabledCount, configuredMax int) bool {
	if t.spawning {
		return false
	}
	return enabledCount+disablingCount+disabledCount+t.inFlight < configuredMax
}

func (t *spawnThrottle) begin() {
	t.spawning = true
	t.inFlight++
}

// succeed clears the throttle after attach(); the failure counter resets
// because spec.md S5 requires a fresh attempt budget once the waitlist
// empties and a new process has been produced.
func (t *spawnThrottle) succeed() {
	t.spawning = false
	t.inFlight--
	t.consecutiveFails = 0
	t.lastErr = nil
}

// fail records a failed attempt and reports whether the Group has now
// exhausted its retry budget (the third consecutive failure).
func (t *spawnThrottle) fail(err *Error) (exhausted bool) {
	t.spawning = false
	t.inFlight--
	t.consecutiveFails++
	t.lastErr = err
	if t.consecutiveFails >= maxConsecutiveSpawnFailures {
		return true
	}
	return false
}

// reset clears the failure counter, used when the waitlist drains to zero
// without a successful spawn (spec.md S5: "failure counter resets when the
// waitlist empties").
func (t *spawnThrottle) reset() {
	t.consecutiveFails = 0
	t.lastErr = nil
}
