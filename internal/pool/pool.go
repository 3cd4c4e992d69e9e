package pool

import (
	"context"
	"sync"
	"time"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/events"
	"github.com/phusion/passenger-sub013/internal/events/bus"
	"go.uber.org/zap"
)

// SpawnerFactory builds a Spawner for a Group given its SpawnMethod, the
// way the teacher's cmd/agent-manager wires a single docker.Client shared
// across all lifecycle operations -- here each Group gets its own Spawner
// instance (a smart spawner owns its own preloader process).
type SpawnerFactory func(method SpawnMethod, opts Options) (Spawner, error)

// Config carries the Pool's tunables, normally populated from
// internal/common/config.Config.
type Config struct {
	Max         int
	MaxIdleTime time.Duration
}

// Pool is the top-level container of Groups (spec.md §3, C4).
type Pool struct {
	mu sync.Mutex

	groups  map[GroupKey]*Group
	max     int
	maxIdle time.Duration

	spawnerFactory SpawnerFactory

	// getWaitlist holds callers blocked purely on the global max (spec.md
	// §4.3): the target Group had room in principle but the Pool-wide
	// process count is saturated and no idle process anywhere could be
	// evicted. Drained whenever any Process anywhere is destroyed.
	getWaitlist  *waitlist
	waitTargets  map[uint64]*Group

	log      *logger.Logger
	eventBus bus.EventBus
	diag     DiagnosticsSink

	shuttingDown bool
	stopGC       chan struct{}
	gcWG         sync.WaitGroup
}

// DiagnosticsSink receives a fire-and-forget write for every spawn failure
// and detach, for operator post-mortem queries (SPEC_FULL.md §9). Never
// read back by the Pool.
type DiagnosticsSink interface {
	RecordSpawnFailure(ctx context.Context, group string, errKind, message, stage, stderr string)
	RecordDetach(ctx context.Context, group, gupid, reason string)
}

// New constructs a Pool. log and eb may be nil in tests; diag may be nil to
// disable the audit sink entirely.
func New(cfg Config, factory SpawnerFactory, log *logger.Logger, eb bus.EventBus, diag DiagnosticsSink) *Pool {
	if log == nil {
		log = logger.Default()
	}
	maxIdle := cfg.MaxIdleTime
	if maxIdle <= 0 {
		maxIdle = 5 * time.Minute
	}
	p := &Pool{
		groups:         make(map[GroupKey]*Group),
		max:            cfg.Max,
		maxIdle:        maxIdle,
		spawnerFactory: factory,
		getWaitlist:    newWaitlist(0),
		waitTargets:    make(map[uint64]*Group),
		log:            log,
		eventBus:       eb,
		diag:           diag,
		stopGC:         make(chan struct{}),
	}
	p.gcWG.Add(1)
	go p.gcLoop()
	return p
}

// waiterKind distinguishes where, if anywhere, an AsyncGet call is parked
// while it waits for a Process.
type waiterKind int

const (
	waiterNone waiterKind = iota
	waiterOnGroup
	waiterOnPool
)

// GetHandle identifies a still-pending AsyncGet call so a caller can cancel
// it, e.g. when the requesting client disconnects (spec.md §5: "a client
// disconnect cancels a queued get() the same way" as a deadline timeout).
// The zero value means there is nothing to cancel -- either the callback
// already fired, or the handle was never parked.
type GetHandle struct {
	kind  waiterKind
	group *Group
	id    uint64
}

// Cancel removes a still-queued AsyncGet call and fires its callback with
// Disconnected, mirroring the deadline-timeout path. It is a no-op once the
// callback has already fired, since the waiter id is no longer live.
func (p *Pool) Cancel(h GetHandle) {
	switch h.kind {
	case waiterOnGroup:
		h.group.CancelWaiter(h.id)
	case waiterOnPool:
		p.cancelPoolWaiter(h.id)
	}
}

func (p *Pool) cancelPoolWaiter(id uint64) {
	p.mu.Lock()
	wt := p.getWaitlist.Remove(id)
	delete(p.waitTargets, id)
	p.mu.Unlock()
	if wt != nil {
		wt.callback(nil, errDisconnected())
	}
}

// AsyncGet implements spec.md §4.3 async_get: locate or create the Group by
// group-key, then delegate to Group.get(). The callback is invoked exactly
// once, never with the lock held. The returned handle lets the caller
// cancel the call while it is still queued.
func (p *Pool) AsyncGet(opts Options, cb GetCallback) GetHandle {
	pl := &postLock{}
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		cb(nil, errPoolShuttingDown())
		return GetHandle{}
	}
	g := p.getOrCreateGroupLocked(opts)
	kind, id := g.get(opts, cb, pl)
	p.mu.Unlock()
	pl.run()

	switch kind {
	case waiterOnGroup:
		return GetHandle{kind: waiterOnGroup, group: g, id: id}
	case waiterOnPool:
		return GetHandle{kind: waiterOnPool, id: id}
	default:
		return GetHandle{}
	}
}

func (p *Pool) getOrCreateGroupLocked(opts Options) *Group {
	key := opts.Key()
	if g, ok := p.groups[key]; ok && g.LifeStatus() == GroupAlive {
		return g
	}
	spawner, err := p.spawnerFactory(opts.SpawnMethod, opts)
	g := newGroup(string(key), string(key), opts, p, &failingSpawner{err: err, ok: err == nil, real: spawner}, p.log, p.eventBus)
	p.groups[key] = g
	if p.log != nil {
		p.log.Info("group created", zap.String("group", string(key)))
	}
	g.publish(events.GroupCreated, map[string]any{"group": string(key)})
	return g
}

// failingSpawner lets getOrCreateGroupLocked construct a Group even when
// the SpawnerFactory failed (e.g. an unknown spawn method), so the error
// surfaces naturally as a SpawnError on the first get() instead of a panic
// at Group-creation time.
type failingSpawner struct {
	err  error
	ok   bool
	real Spawner
}

func (f *failingSpawner) Spawn(ctx context.Context, opts Options) (*Process, error) {
	if !f.ok {
		return nil, errSpawn("no spawner available: "+f.err.Error(), "preparation", "", f.err)
	}
	return f.real.Spawn(ctx, opts)
}

// hasRoomFor is called by Group.get() under the lock. It returns true if
// the Group may proceed to schedule a spawn (either the pool has room, or
// an idle process elsewhere was evicted to make room). If it returns
// false, the caller has already been queued on the Pool's own getWaitlist
// (and must not also enqueue on the Group's); the returned id identifies
// that queued entry for later cancellation.
func (p *Pool) hasRoomFor(g *Group, opts Options, cb GetCallback, pl *postLock) (bool, uint64) {
	if p.totalProcessCountLocked() < p.max {
		return true, 0
	}
	if victim := p.findOldestIdleProcessLocked(g); victim != nil {
		victim.group.detach(victim, "evicted for pool global max", pl)
		return true, 0
	}
	id := p.getWaitlist.Enqueue(cb, opts)
	p.waitTargets[id] = g
	deadline := opts.StartTimeout()
	timer := time.AfterFunc(deadline, func() { p.expirePoolWaiter(id) })
	p.getWaitlist.setCancel(id, func() { timer.Stop() })
	return false, id
}

func (p *Pool) expirePoolWaiter(id uint64) {
	p.mu.Lock()
	wt := p.getWaitlist.Remove(id)
	delete(p.waitTargets, id)
	p.mu.Unlock()
	if wt != nil {
		wt.callback(nil, errGetTimeout())
	}
}

// totalProcessCountLocked sums every Group's process count including
// in-flight spawns (spec.md §3 Pool invariant).
func (p *Pool) totalProcessCountLocked() int {
	sum := 0
	for _, g := range p.groups {
		sum += g.totalProcessCount()
	}
	return sum
}

// findOldestIdleProcessLocked implements spec.md §4.3
// find_oldest_idle_process: the Process with busyness()==0 and the
// smallest lastUsed, across every Group except the one passed.
func (p *Pool) findOldestIdleProcessLocked(except *Group) *Process {
	var best *Process
	var bestTime time.Time
	for _, g := range p.groups {
		if g == except {
			continue
		}
		for _, proc := range g.enabledProcesses {
			if proc.Busyness() != 0 {
				continue
			}
			lu := proc.LastUsed()
			if best == nil || lu.Before(bestTime) {
				best = proc
				bestTime = lu
			}
		}
	}
	return best
}

// FindBestProcessToTrash implements spec.md §4.3
// find_best_process_to_trash: a last resort used when no process is idle;
// returns the globally oldest-lastUsed process regardless of busyness.
func (p *Pool) FindBestProcessToTrash() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Process
	var bestTime time.Time
	for _, g := range p.groups {
		for _, proc := range g.enabledProcesses {
			lu := proc.LastUsed()
			if best == nil || lu.Before(bestTime) {
				best = proc
				bestTime = lu
			}
		}
	}
	return best
}

// onProcessDestroyed drains the Pool's own getWaitlist by re-dispatching
// each waiter's Group.get(), since a slot has now freed up (spec.md §4.3
// "when any Process anywhere is destroyed, the Pool drains its waitlist by
// routing each request into its target Group"). Must be called under the
// lock; pl accumulates the resulting callbacks.
func (p *Pool) onProcessDestroyedLocked(pl *postLock) {
	for p.getWaitlist.Len() > 0 {
		if p.totalProcessCountLocked() >= p.max {
			break
		}
		wt := p.getWaitlist.PopFront()
		if wt == nil {
			break
		}
		g := p.waitTargets[wt.id]
		delete(p.waitTargets, wt.id)
		if g == nil {
			pl.add(func() { wt.callback(nil, errInternal("pool waiter lost its target group")) })
			continue
		}
		g.get(wt.options, wt.callback, pl)
	}
}

// DetachGroupByName implements spec.md §4.3 detach_group_by_name.
func (p *Pool) DetachGroupByName(name string) bool {
	pl := &postLock{}
	p.mu.Lock()
	g, ok := p.groups[GroupKey(name)]
	if ok {
		g.ShutDown(pl)
	}
	p.mu.Unlock()
	pl.run()
	return ok
}

// RestartGroup implements the supplemented rolling-restart operation
// (SPEC_FULL.md §9): swap in new Options and rebuild the Group's processes
// in place, without tearing down the Group identity itself.
func (p *Pool) RestartGroup(name string, opts Options) bool {
	pl := &postLock{}
	p.mu.Lock()
	g, ok := p.groups[GroupKey(name)]
	if ok {
		g.Restart(opts, pl)
	}
	p.mu.Unlock()
	pl.run()
	return ok
}

// Shutdown stops the garbage collector and detaches every Group, failing
// any queued waiters with PoolShuttingDown.
func (p *Pool) Shutdown() {
	pl := &postLock{}
	p.mu.Lock()
	p.shuttingDown = true
	for _, g := range p.groups {
		g.ShutDown(pl)
	}
	for {
		wt := p.getWaitlist.PopFront()
		if wt == nil {
			break
		}
		cb := wt.callback
		pl.add(func() { cb(nil, errPoolShuttingDown()) })
	}
	p.mu.Unlock()
	pl.run()

	close(p.stopGC)
	p.gcWG.Wait()
}

// gcLoop implements spec.md §4.3 Garbage collection: a periodic task,
// interval = maxIdleTime/2 (minimum 1s), that detaches over-idle processes
// and deletes empty zero-minProcesses Groups.
func (p *Pool) gcLoop() {
	defer p.gcWG.Done()
	interval := p.maxIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopGC:
			return
		case <-ticker.C:
			p.runGC()
		}
	}
}

func (p *Pool) runGC() {
	pl := &postLock{}
	p.mu.Lock()
	now := time.Now()
	for key, g := range p.groups {
		idleTimeout := g.options.IdleTimeout()
		minProcesses := g.options.MinProcesses
		for _, proc := range append([]*Process(nil), g.enabledProcesses...) {
			if proc.Busyness() != 0 {
				continue
			}
			if now.Sub(proc.LastUsed()) <= idleTimeout {
				continue
			}
			if g.EnabledCount() <= minProcesses {
				continue
			}
			g.detach(proc, "idle timeout", pl)
		}
		if minProcesses == 0 && g.IsEmpty() {
			delete(p.groups, key)
		}
	}
	p.onProcessDestroyedLocked(pl)
	p.mu.Unlock()
	pl.run()
}

// InspectState returns a read-only snapshot for the admin API (spec.md
// §4.3 inspect_state).
func (p *Pool) InspectState() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolState{
		Max:         p.max,
		TotalActive: p.totalProcessCountLocked(),
		Groups:      make([]GroupState, 0, len(p.groups)),
	}
	for _, g := range p.groups {
		st.Groups = append(st.Groups, g.snapshot())
	}
	return st
}

// CollectAnalytics returns lightweight counters suitable for periodic
// sampling (spec.md §4.3 collect_analytics). Kept separate from
// InspectState since analytics are meant to be cheap and high-frequency.
func (p *Pool) CollectAnalytics() Analytics {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := Analytics{GroupCount: len(p.groups)}
	for _, g := range p.groups {
		a.EnabledProcesses += g.EnabledCount()
		a.DisablingProcesses += g.DisablingCount()
		a.DisabledProcesses += g.DisabledCount()
		a.DetachedProcesses += g.DetachedCount()
		a.WaitlistDepth += g.WaitlistLen()
	}
	a.PoolWaitlistDepth = p.getWaitlist.Len()
	return a
}

// GroupByName returns a Group for inspection/admin purposes, or nil.
func (p *Pool) GroupByName(name string) *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups[GroupKey(name)]
}

// GroupOptions returns a snapshot of a Group's stored Options taken under
// the pool lock, so callers (the admin API's restart handler) never race
// Group.Restart's field write, which happens under that lock.
func (p *Pool) GroupOptions(name string) (Options, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[GroupKey(name)]
	if !ok {
		return Options{}, false
	}
	return g.options, true
}

func (g *Group) snapshot() GroupState {
	return GroupState{
		Name:            g.Name,
		LifeStatus:      g.lifeStatus.String(),
		Restarting:      g.restarting,
		EnabledCount:    g.EnabledCount(),
		DisablingCount:  g.DisablingCount(),
		DisabledCount:   g.DisabledCount(),
		DetachedCount:   g.DetachedCount(),
		WaitlistLen:     g.WaitlistLen(),
		ProcessesBeingSpawned: g.throttle.inFlight,
	}
}

// PoolState, GroupState, Analytics are the JSON-able read models served by
// internal/controller/api.
type PoolState struct {
	Max         int         `json:"max"`
	TotalActive int         `json:"totalActive"`
	Groups      []GroupState `json:"groups"`
}

type GroupState struct {
	Name                  string `json:"name"`
	LifeStatus            string `json:"lifeStatus"`
	Restarting            bool   `json:"restarting"`
	EnabledCount          int    `json:"enabledCount"`
	DisablingCount        int    `json:"disablingCount"`
	DisabledCount         int    `json:"disabledCount"`
	DetachedCount         int    `json:"detachedCount"`
	WaitlistLen           int    `json:"waitlistLen"`
	ProcessesBeingSpawned int    `json:"processesBeingSpawned"`
}

type Analytics struct {
	GroupCount         int `json:"groupCount"`
	EnabledProcesses   int `json:"enabledProcesses"`
	DisablingProcesses int `json:"disablingProcesses"`
	DisabledProcesses  int `json:"disabledProcesses"`
	DetachedProcesses  int `json:"detachedProcesses"`
	WaitlistDepth      int `json:"waitlistDepth"`
	PoolWaitlistDepth  int `json:"poolWaitlistDepth"`
}
