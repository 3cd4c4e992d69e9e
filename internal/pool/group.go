package pool

import (
	"context"
	"math/rand"
	"time"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/events"
	"github.com/phusion/passenger-sub013/internal/events/bus"
	"go.uber.org/zap"
)

// GroupLifeStatus is the Group's own lifecycle axis (spec.md §4.2.3),
// named distinctly from Process's ALIVE/SHUTTING_DOWN/DEAD constants since
// both live in this package.
type GroupLifeStatus int

const (
	GroupAlive GroupLifeStatus = iota
	GroupShuttingDownStatus
	GroupShutDownStatus
)

func (s GroupLifeStatus) String() string {
	switch s {
	case GroupAlive:
		return "ALIVE"
	case GroupShuttingDownStatus:
		return "SHUTTING_DOWN"
	case GroupShutDownStatus:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Spawner produces new Process instances on demand (spec.md §4.4, C5).
// Defined here rather than in internal/spawning so that Group can depend on
// the contract without internal/spawning needing to import internal/pool's
// consumer -- internal/spawning imports this package to implement it, the
// same direction as the teacher's AgentManagerClient interface living next
// to its consumer (internal/orchestrator/executor.AgentManagerClient).
type Spawner interface {
	// Spawn blocks for up to opts.StartTimeout(), producing a live Process
	// or a *Error of kind KindSpawnError. Must be called from a worker
	// goroutine, never from the event loop (spec.md §4.4).
	Spawn(ctx context.Context, opts Options) (*Process, error)
}

// Group is a pool of interchangeable Processes serving one application
// identity (spec.md §3, C3).
type Group struct {
	Name   string
	APIKey string

	options Options

	enabledProcesses   []*Process
	disablingProcesses []*Process
	disabledProcesses  []*Process
	detachedProcesses  []*Process

	// enabledBusyness mirrors enabledProcesses index-for-index (spec.md §3
	// invariant: enabledProcessBusynessLevels[i] == enabledProcesses[i].busyness()).
	enabledBusyness []int

	getWaitlist *waitlist

	// disableWaiters holds the callbacks queued on Disable() that fire once
	// the corresponding Process reaches zero sessions (spec.md §3
	// disableWaitlist). Keyed by Process since each disable is scoped to
	// one specific process, unlike getWaitlist's Group-wide FIFO.
	disableWaiters map[*Process][]func()

	throttle spawnThrottle

	restarting bool
	lifeStatus GroupLifeStatus

	rng *rand.Rand

	pool     *Pool
	spawner  Spawner
	log      *logger.Logger
	eventBus bus.EventBus
}

// newGroup constructs a Group in the ALIVE state. Called only by Pool
// under the pool lock.
func newGroup(name, apiKey string, opts Options, p *Pool, spawner Spawner, log *logger.Logger, eb bus.EventBus) *Group {
	if log == nil {
		log = logger.Default()
	}
	return &Group{
		Name:            name,
		APIKey:          apiKey,
		options:         opts.Normalized(),
		getWaitlist:     newWaitlist(opts.MaxRequestQueueSize),
		disableWaiters:  make(map[*Process][]func()),
		lifeStatus:      GroupAlive,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		pool:            p,
		spawner:         spawner,
		log:             log.WithGroup(name),
		eventBus:        eb,
	}
}

// Options returns the Group's persisted options.
func (g *Group) Options() Options { return g.options }

// processCount is enabled+disabling+disabled (excludes detached, which are
// draining out of the Group, and counts toward the Pool's global total
// only incidentally via the detached Process's continued existence).
func (g *Group) processCount() int {
	return len(g.enabledProcesses) + len(g.disablingProcesses) + len(g.disabledProcesses)
}

// totalProcessCount additionally counts in-flight spawns, used against the
// Group's configured max (spec.md §3 invariant).
func (g *Group) totalProcessCount() int {
	return g.processCount() + g.throttle.inFlight
}

// get implements spec.md §4.2's central decision tree. Must be called
// while holding the Pool's lock. pl accumulates callbacks to run after the
// caller releases the lock. The returned (kind, id) identify where, if
// anywhere, cb was parked, so AsyncGet can hand the caller a GetHandle
// capable of cancelling it later.
func (g *Group) get(opts Options, cb GetCallback, pl *postLock) (waiterKind, uint64) {
	if g.lifeStatus != GroupAlive {
		pl.add(func() { cb(nil, errGroupShuttingDown(g.Name)) })
		return waiterNone, 0
	}

	if g.restarting {
		id := g.enqueueWaiter(opts, cb)
		return waiterOnGroup, id
	}

	if proc := g.selectProcess(opts.StickySessionID); proc != nil {
		sess, err := proc.NewSession(opts.StickySessionID)
		if err != nil {
			pl.add(func() { cb(nil, err) })
			return waiterNone, 0
		}
		g.syncBusynessFor(proc)
		pl.add(func() { cb(sess, nil) })
		return waiterNone, 0
	}

	max := g.options.EffectiveMaxProcesses()
	if g.processCount() < max {
		ok, poolWaiterID := g.pool.hasRoomFor(g, opts, cb, pl)
		if !ok {
			// Pool is globally saturated and no idle process could be
			// evicted; hasRoomFor has already queued us on the Pool's own
			// getWaitlist (spec.md §4.3). Nothing more to do here.
			return waiterOnPool, poolWaiterID
		}
		id := g.enqueueWaiter(opts, cb)
		g.scheduleSpawn(pl)
		return waiterOnGroup, id
	}

	if g.throttle.spawning {
		id := g.enqueueWaiter(opts, cb)
		return waiterOnGroup, id
	}

	if g.getWaitlist.IsFull() {
		pl.add(func() { cb(nil, errQueueFull(g.options.MaxRequestQueueSize)) })
		return waiterNone, 0
	}

	id := g.enqueueWaiter(opts, cb)
	return waiterOnGroup, id
}

// enqueueWaiter adds a caller to getWaitlist and arms its deadline timer,
// returning the waiter's id. Must be called under the Pool lock.
func (g *Group) enqueueWaiter(opts Options, cb GetCallback) uint64 {
	id := g.getWaitlist.Enqueue(cb, opts)
	deadline := opts.StartTimeout()
	timer := time.AfterFunc(deadline, func() {
		g.expireWaiter(id)
	})
	g.getWaitlist.setCancel(id, func() { timer.Stop() })
	return id
}

// expireWaiter fires a waiter's callback with GetTimeout if it is still
// queued (spec.md §5 "Cancellation and timeouts").
func (g *Group) expireWaiter(id uint64) {
	pl := &postLock{}
	g.pool.mu.Lock()
	wt := g.getWaitlist.Remove(id)
	g.pool.mu.Unlock()
	if wt != nil {
		wt.callback(nil, errGetTimeout())
	}
	pl.run()
}

// CancelWaiter is called by the Request Controller when the client
// disconnects while queued (spec.md §5).
func (g *Group) CancelWaiter(id uint64) {
	g.pool.mu.Lock()
	wt := g.getWaitlist.Remove(id)
	g.pool.mu.Unlock()
	if wt != nil {
		wt.callback(nil, errDisconnected())
	}
}

// selectProcess implements spec.md §4.2.1. Must be called under the Pool
// lock.
func (g *Group) selectProcess(stickyID uint32) *Process {
	if stickyID != 0 {
		for _, p := range g.enabledProcesses {
			if p.StickySessionID() == stickyID {
				if !p.TotallyBusy() {
					return p
				}
				return nil // sticky-bound but busy: wait, don't fall back
			}
		}
	}

	var best *Process
	bestBusyness := 0
	for i, p := range g.enabledProcesses {
		if p.TotallyBusy() {
			continue
		}
		b := g.enabledBusyness[i]
		if best == nil || b < bestBusyness {
			best = p
			bestBusyness = b
		}
	}
	return best
}

// syncBusynessFor refreshes the busyness vector entry for one Process
// after an operation that changed its session count (spec.md §3 invariant
// 1). O(n) scan is acceptable at the scale this subsystem operates at
// (spec.md §4.2.1 accepts O(n) selection).
func (g *Group) syncBusynessFor(p *Process) {
	for i, ep := range g.enabledProcesses {
		if ep == p {
			g.enabledBusyness[i] = p.Busyness()
			return
		}
	}
}

// scheduleSpawn dispatches a spawn to a worker goroutine if throttling
// allows it (spec.md §4.2.2). Must be called under the Pool lock; the
// actual Spawner.Spawn call happens after the lock is released, and the
// result is delivered back through a re-acquisition of the lock.
func (g *Group) scheduleSpawn(pl *postLock) {
	if !g.throttle.canSpawn(len(g.enabledProcesses), len(g.disablingProcesses), len(g.disabledProcesses), g.options.EffectiveMaxProcesses()) {
		return
	}
	g.throttle.begin()
	opts := g.options
	spawner := g.spawner
	pl.add(func() {
		go g.runSpawn(spawner, opts)
	})
}

// runSpawn executes off the Pool lock (spec.md §5 "Spawning is the sole
// operation that runs on a worker thread pool") and re-acquires the lock
// only to deliver the result.
func (g *Group) runSpawn(spawner Spawner, opts Options) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.StartTimeout())
	defer cancel()

	proc, err := spawner.Spawn(ctx, opts)

	pl := &postLock{}
	g.pool.mu.Lock()
	if err != nil {
		g.handleSpawnFailure(err, pl)
	} else {
		proc.maxRequests = opts.MaxRequests
		proc.oobInterval = opts.OOBWorkRequestInterval
		g.handleSpawnSuccess(proc, pl)
	}
	g.pool.mu.Unlock()
	pl.run()
}

// handleSpawnSuccess must be called under the Pool lock.
func (g *Group) handleSpawnSuccess(p *Process, pl *postLock) {
	g.throttle.succeed()
	g.attach(p, pl)
	if g.restarting && len(g.enabledProcesses) > 0 {
		g.restarting = false
	}
	pl.add(func() {
		g.log.Info("process spawned", zap.String("gupid", p.GUPID), zap.Int("pid", p.Pid))
		g.publish(events.ProcessSpawned, map[string]any{"gupid": p.GUPID, "pid": p.Pid, "group": g.Name})
	})
}

// handleSpawnFailure must be called under the Pool lock. Implements
// spec.md §4.2.2's retry policy and §4.2.3's S5 failure-counter reset.
func (g *Group) handleSpawnFailure(err error, pl *postLock) {
	var perr *Error
	if pe, ok := err.(*Error); ok {
		perr = pe
	} else {
		perr = errSpawn(err.Error(), "unknown", "", err)
	}

	exhausted := g.throttle.fail(perr)
	pl.add(func() {
		g.log.Warn("spawn attempt failed", zap.Error(perr), zap.Int("consecutive_failures", g.throttle.consecutiveFails))
		g.publish(events.SpawnFailed, map[string]any{"group": g.Name, "error": perr.Error(), "stage": perr.Stage})
		g.recordDiagSpawnFailure(perr)
	})

	if !exhausted {
		// Retry: schedule another spawn attempt immediately.
		g.scheduleSpawn(pl)
		return
	}

	// Retry budget exhausted: fail every waiter and reset the counter so
	// the next fresh async_get gets a clean budget (spec.md S5).
	g.throttle.reset()
	for {
		wt := g.getWaitlist.PopFront()
		if wt == nil {
			break
		}
		cb := wt.callback
		pl.add(func() { cb(nil, perr) })
	}
}

// attach implements spec.md §4.2 attach: insert into enabledProcesses,
// assign a sticky id, then serve queued waiters FIFO. Must be called under
// the Pool lock.
func (g *Group) attach(p *Process, pl *postLock) {
	p.setEnabled(ENABLED)
	p.group = g
	p.setIndex(len(g.enabledProcesses))
	g.enabledProcesses = append(g.enabledProcesses, p)
	g.enabledBusyness = append(g.enabledBusyness, p.Busyness())
	p.setStickySessionID(g.freshStickyID())

	g.serveWaitersInto(p, pl)
}

// freshStickyID regenerates until it finds a non-zero id unused by any
// currently enabled process in this Group.
func (g *Group) freshStickyID() uint32 {
	for {
		id := g.rng.Uint32()
		if id == 0 {
			continue
		}
		collision := false
		for _, p := range g.enabledProcesses {
			if p.StickySessionID() == id {
				collision = true
				break
			}
		}
		if !collision {
			return id
		}
	}
}

// serveWaitersInto drains getWaitlist into p's available capacity, FIFO,
// atomically under the lock (spec.md §5 "When a new Process attaches with
// capacity N, it serves up to N waiters in FIFO order atomically").
func (g *Group) serveWaitersInto(p *Process, pl *postLock) {
	for !p.TotallyBusy() {
		wt := g.getWaitlist.PopFront()
		if wt == nil {
			return
		}
		sess, err := p.NewSession(wt.options.StickySessionID)
		cb := wt.callback
		if err != nil {
			pl.add(func() { cb(nil, err) })
			continue
		}
		g.syncBusynessFor(p)
		pl.add(func() { cb(sess, nil) })
	}
}

// requestDetach is invoked by Session.Close (no lock held by the caller):
// it acquires the Pool lock itself, then delegates to detach.
func (g *Group) requestDetach(p *Process, reason string) {
	pl := &postLock{}
	g.pool.mu.Lock()
	g.detach(p, reason, pl)
	g.pool.mu.Unlock()
	pl.run()
}

// detach implements spec.md §4.2 detach. Must be called under the Pool
// lock.
func (g *Group) detach(p *Process, reason string, pl *postLock) {
	if p.Enabled() == DETACHED {
		return // already detached; idempotent
	}
	g.removeFromList(p)
	delete(g.disableWaiters, p)
	p.setEnabled(DETACHED)
	g.detachedProcesses = append(g.detachedProcesses, p)
	p.setIndex(len(g.detachedProcesses) - 1)

	pl.add(func() {
		p.Shutdown()
		g.log.Info("process detached", zap.String("gupid", p.GUPID), zap.String("reason", reason))
		g.publish(events.ProcessDetached, map[string]any{"gupid": p.GUPID, "group": g.Name, "reason": reason})
		g.recordDiagDetach(p, reason)
	})

	g.maybeReplaceDetached(pl)
	g.pool.onProcessDestroyedLocked(pl)
}

// maybeReplaceDetached schedules a replacement spawn if the Group has
// fallen below minProcesses after a detach. Must be called under the lock.
func (g *Group) maybeReplaceDetached(pl *postLock) {
	if g.lifeStatus != GroupAlive {
		return
	}
	if g.processCount()+g.throttle.inFlight < g.options.MinProcesses {
		g.scheduleSpawn(pl)
	}
}

// removeFromList removes p from whichever of the three selectable lists it
// currently sits in, keeping indices and the busyness vector in sync
// (spec.md §3 invariants). Must be called under the lock.
func (g *Group) removeFromList(p *Process) {
	switch p.Enabled() {
	case ENABLED:
		idx := p.Index()
		g.enabledProcesses = append(g.enabledProcesses[:idx], g.enabledProcesses[idx+1:]...)
		g.enabledBusyness = append(g.enabledBusyness[:idx], g.enabledBusyness[idx+1:]...)
		g.reindex(g.enabledProcesses)
	case DISABLING:
		idx := p.Index()
		g.disablingProcesses = append(g.disablingProcesses[:idx], g.disablingProcesses[idx+1:]...)
		g.reindex(g.disablingProcesses)
	case DISABLED:
		idx := p.Index()
		g.disabledProcesses = append(g.disabledProcesses[:idx], g.disabledProcesses[idx+1:]...)
		g.reindex(g.disabledProcesses)
	}
}

func (g *Group) reindex(list []*Process) {
	for i, p := range list {
		p.setIndex(i)
	}
}

// Enable moves a process from DISABLING/DISABLED back to ENABLED.
func (g *Group) Enable(p *Process, pl *postLock) {
	if p.Enabled() == ENABLED {
		return
	}
	g.removeFromList(p)
	p.setEnabled(ENABLED)
	p.setIndex(len(g.enabledProcesses))
	g.enabledProcesses = append(g.enabledProcesses, p)
	g.enabledBusyness = append(g.enabledBusyness, p.Busyness())
	g.serveWaitersInto(p, pl)
}

// Disable moves a process to DISABLING; it keeps draining existing
// sessions but is no longer selectable. onDrained fires when the process
// reaches zero sessions, either immediately (if already idle) or later via
// requestFinishDisable when its last Session closes.
func (g *Group) Disable(p *Process, onDrained func(), pl *postLock) {
	if p.Enabled() != ENABLED {
		return
	}
	g.removeFromList(p)
	p.setEnabled(DISABLING)
	p.setIndex(len(g.disablingProcesses))
	g.disablingProcesses = append(g.disablingProcesses, p)

	if p.SessionCount() == 0 {
		g.finishDisable(p, pl)
		if onDrained != nil {
			pl.add(onDrained)
		}
		return
	}
	if onDrained != nil {
		g.disableWaiters[p] = append(g.disableWaiters[p], onDrained)
	}
}

// requestFinishDisable is invoked by Session.Close (no lock held) when the
// closing session was the last one on a DISABLING process.
func (g *Group) requestFinishDisable(p *Process) {
	pl := &postLock{}
	g.pool.mu.Lock()
	if p.Enabled() == DISABLING {
		g.finishDisable(p, pl)
	}
	g.pool.mu.Unlock()
	pl.run()
}

func (g *Group) finishDisable(p *Process, pl *postLock) {
	g.removeFromList(p)
	p.setEnabled(DISABLED)
	p.setIndex(len(g.disabledProcesses))
	g.disabledProcesses = append(g.disabledProcesses, p)

	waiters := g.disableWaiters[p]
	delete(g.disableWaiters, p)
	for _, cb := range waiters {
		pl.add(cb)
	}
}

// Restart implements spec.md §4.2 restart: mark restarting, move all
// current processes to detached (they keep draining), persist new options,
// and trigger rebuild spawns up to minProcesses. Must be called under the
// lock.
func (g *Group) Restart(opts Options, pl *postLock) {
	g.restarting = true
	// Swap options first: detach below may schedule a replacement spawn,
	// and that spawn must use the new options.
	g.options = opts.Normalized()
	all := make([]*Process, 0, len(g.enabledProcesses)+len(g.disablingProcesses)+len(g.disabledProcesses))
	all = append(all, g.enabledProcesses...)
	all = append(all, g.disablingProcesses...)
	all = append(all, g.disabledProcesses...)
	for _, p := range all {
		g.detach(p, "group restart", pl)
	}
	g.throttle.reset()

	pl.add(func() {
		g.log.Info("group restarted", zap.String("group", g.Name))
		g.publish(events.GroupRestarted, map[string]any{"group": g.Name})
	})

	for i := 0; i < g.options.MinProcesses; i++ {
		g.scheduleSpawn(pl)
	}
}

// ShutDown transitions ALIVE->SHUTTING_DOWN, detaching every process
// (spec.md §4.2.3). Must be called under the lock.
func (g *Group) ShutDown(pl *postLock) {
	if g.lifeStatus != GroupAlive {
		return
	}
	g.lifeStatus = GroupShuttingDownStatus
	all := make([]*Process, 0, len(g.enabledProcesses)+len(g.disablingProcesses)+len(g.disabledProcesses))
	all = append(all, g.enabledProcesses...)
	all = append(all, g.disablingProcesses...)
	all = append(all, g.disabledProcesses...)
	for _, p := range all {
		g.detach(p, "group shutdown", pl)
	}
	for {
		wt := g.getWaitlist.PopFront()
		if wt == nil {
			break
		}
		cb := wt.callback
		pl.add(func() { cb(nil, errGroupShuttingDown(g.Name)) })
	}

	pl.add(func() {
		g.publish(events.GroupShutDown, map[string]any{"group": g.Name})
	})
}

// IsEmpty reports whether the Group has no processes at all (of any kind)
// and no waiters, used by the Pool's reaper to decide whether to delete a
// zero-minProcesses Group (spec.md §4.3 Garbage collection).
func (g *Group) IsEmpty() bool {
	return len(g.enabledProcesses) == 0 &&
		len(g.disablingProcesses) == 0 &&
		len(g.disabledProcesses) == 0 &&
		len(g.detachedProcesses) == 0 &&
		g.getWaitlist.Len() == 0
}

// EnabledCount, DisablingCount, DisabledCount, DetachedCount expose list
// lengths for the admin API and property tests (spec.md §8 invariant 1).
func (g *Group) EnabledCount() int   { return len(g.enabledProcesses) }
func (g *Group) DisablingCount() int { return len(g.disablingProcesses) }
func (g *Group) DisabledCount() int  { return len(g.disabledProcesses) }
func (g *Group) DetachedCount() int  { return len(g.detachedProcesses) }
func (g *Group) WaitlistLen() int    { return g.getWaitlist.Len() }
func (g *Group) LifeStatus() GroupLifeStatus { return g.lifeStatus }

// publish is a best-effort fire-and-forget event bus send, mirroring the
// teacher's lifecycle.Manager.publishEvent: failures are logged, never
// propagated, since the event bus is purely an observability side-channel.
func (g *Group) publish(eventType string, data map[string]any) {
	if g.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "pool", data)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.eventBus.Publish(ctx, eventType, ev); err != nil {
		g.log.Warn("failed to publish lifecycle event", zap.String("event", eventType), zap.Error(err))
	}
}

// recordDiagSpawnFailure and recordDiagDetach write to the optional audit
// sink on a background goroutine so a slow database never adds latency to
// the Pool lock or to the caller of detach/spawn (SPEC_FULL.md §8).
func (g *Group) recordDiagSpawnFailure(err *Error) {
	if g.pool.diag == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.pool.diag.RecordSpawnFailure(ctx, g.Name, err.Kind.String(), err.Message, err.Stage, err.Stderr)
	}()
}

func (g *Group) recordDiagDetach(p *Process, reason string) {
	if g.pool.diag == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.pool.diag.RecordDetach(ctx, g.Name, p.GUPID, reason)
	}()
}

// requestOOBWork is the lock-free entry point called by Session.Close when a
// Process's request counter rolls over its configured OOB interval.
func (g *Group) requestOOBWork(p *Process) {
	pl := &postLock{}
	g.pool.mu.Lock()
	g.triggerOOBWork(p, pl)
	g.pool.mu.Unlock()
	pl.run()
}

// triggerOOBWork implements the supplemented out-of-band work hook
// (SPEC_FULL.md §9): disable a process and, once its sessions have drained,
// send it the oob_work request. The process stays disabled until
// FinishOOBWork is called; the pool does not read the admin channel.
func (g *Group) triggerOOBWork(p *Process, pl *postLock) {
	if p.Enabled() != ENABLED || p.Admin == nil {
		return
	}
	g.Disable(p, func() {
		if err := p.Admin.RequestOOBWork(); err != nil {
			g.log.Warn("oob work request failed", zap.String("gupid", p.GUPID), zap.Error(err))
		}
	}, pl)
}

// FinishOOBWork re-enables a process after its out-of-band work window
// completes. Nothing in this module calls it.
func (g *Group) FinishOOBWork(p *Process) {
	pl := &postLock{}
	g.pool.mu.Lock()
	g.Enable(p, pl)
	g.pool.mu.Unlock()
	pl.run()
}

// ProcessExited marks p dead and detaches it, for use when the OS process
// behind p has exited unexpectedly. Nothing in this module calls it: the
// spawners neither watch the admin channel for EOF nor report the child's
// exit.
func (g *Group) ProcessExited(p *Process) {
	p.MarkDead()
	pl := &postLock{}
	g.pool.mu.Lock()
	g.detach(p, "process exited unexpectedly", pl)
	g.pool.mu.Unlock()
	pl.run()

	g.log.Error("process crashed", zap.String("gupid", p.GUPID))
	g.publish(events.ProcessCrashed, map[string]any{"gupid": p.GUPID, "group": g.Name})
}
