package pool

import (
	"sync"
	"time"
)

// Enabled is the selectability axis of a Process (spec.md §3), orthogonal
// to LifeStatus.
type Enabled int

const (
	ENABLED Enabled = iota
	DISABLING
	DISABLED
	DETACHED
)

func (e Enabled) String() string {
	switch e {
	case ENABLED:
		return "ENABLED"
	case DISABLING:
		return "DISABLING"
	case DISABLED:
		return "DISABLED"
	case DETACHED:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// LifeStatus is the lifecycle axis of a Process (spec.md §4.1).
type LifeStatus int

const (
	ALIVE LifeStatus = iota
	SHUTTING_DOWN
	DEAD
)

func (s LifeStatus) String() string {
	switch s {
	case ALIVE:
		return "ALIVE"
	case SHUTTING_DOWN:
		return "SHUTTING_DOWN"
	case DEAD:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// AdminChannel is the downstream text protocol connection described in
// spec.md §6: the server writes "exit\n" / "oob_work\n"; the process writes
// its handshake block once, then the connection simply stays open as a
// liveness signal until the process exits.
type AdminChannel interface {
	RequestExit() error
	RequestOOBWork() error
	Close() error
}

// Process represents one live application subprocess (spec.md §3, C2).
//
// The mutex guards only the fields a Session touches concurrently with the
// owning Group (busyness/session accounting, lifecycle, enabled tag,
// index); list membership itself is owned and mutated exclusively by the
// Group under the pool-wide lock.
type Process struct {
	mu sync.Mutex

	Sockets []*Socket

	Pid    int
	GUPID  string
	Admin  AdminChannel

	SpawnStart time.Time
	SpawnEnd   time.Time
	lastUsed   time.Time

	sessionCount      int
	processedRequests int
	maxRequests       int // 0 = unlimited; copied from the Group's Options at attach time

	oobInterval        int // 0 = disabled; copied from the Group's Options at attach time
	requestsSinceOOB   int

	// index is this Process's position in whichever list of its Group
	// currently holds it, or -1 while in transit (spec.md §3 invariant).
	index int

	enabled   Enabled
	lifeStatus LifeStatus

	stickySessionID uint32

	// group is a back-pointer used only under the pool lock, to ask the
	// Group to detach this Process when recycling/shutdown conditions are
	// met (spec.md §4.1 close_session). Never used to bypass the lock.
	group *Group

	nextSocket int // round-robin cursor for new_session socket selection
}

// NewProcess constructs a Process from spawn results. Called by a Spawner
// once the handshake has been parsed. oobInterval of 0 disables the
// out-of-band work hook for this process.
func NewProcess(pid int, gupid string, admin AdminChannel, sockets []*Socket, maxRequests, oobInterval int) *Process {
	now := time.Now()
	return &Process{
		Sockets:     sockets,
		Pid:         pid,
		GUPID:       gupid,
		Admin:       admin,
		SpawnStart:  now,
		SpawnEnd:    now,
		lastUsed:    now,
		maxRequests: maxRequests,
		oobInterval: oobInterval,
		index:       -1,
		enabled:     ENABLED,
		lifeStatus:  ALIVE,
	}
}

// Enabled returns the current selectability tag.
func (p *Process) Enabled() Enabled {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Process) setEnabled(e Enabled) {
	p.mu.Lock()
	p.enabled = e
	p.mu.Unlock()
}

// LifeStatus returns the current lifecycle state.
func (p *Process) LifeStatus() LifeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifeStatus
}

// Index returns this Process's position in its owning list, or -1.
func (p *Process) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

func (p *Process) setIndex(i int) {
	p.mu.Lock()
	p.index = i
	p.mu.Unlock()
}

// LastUsed returns the last time a session was opened on this Process.
func (p *Process) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Busyness sums session counts across all Sockets, biased so that a
// totally-busy process always sorts strictly above a non-totally-busy one
// even when raw counts tie (spec.md §4.1). The bias is a large constant
// added on top of the raw sum; callers only ever compare two Busyness
// values against each other, never against an absolute scale.
func (p *Process) Busyness() int {
	sum := 0
	totallyBusy := true
	for _, s := range p.Sockets {
		sum += s.Sessions()
		if !s.AtCapacity() {
			totallyBusy = false
		}
	}
	if totallyBusy && len(p.Sockets) > 0 {
		sum += busynessTotallyBusyBias
	}
	return sum
}

// busynessTotallyBusyBias is large enough that any totally-busy process
// outranks any non-totally-busy one regardless of raw session counts, but
// small enough that comparisons can't overflow int on 32-bit platforms.
const busynessTotallyBusyBias = 1 << 20

// TotallyBusy reports whether every Socket is at capacity.
func (p *Process) TotallyBusy() bool {
	if len(p.Sockets) == 0 {
		return false
	}
	for _, s := range p.Sockets {
		if !s.AtCapacity() {
			return false
		}
	}
	return true
}

// StickySessionID returns the sticky id assigned at attach time.
func (p *Process) StickySessionID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stickySessionID
}

func (p *Process) setStickySessionID(id uint32) {
	p.mu.Lock()
	p.stickySessionID = id
	p.mu.Unlock()
}

// selectSocket picks a non-at-capacity Socket round-robin, ties broken by
// lowest current session count (spec.md §4.1 new_session). Returns nil if
// every Socket is at capacity.
func (p *Process) selectSocket() *Socket {
	if len(p.Sockets) == 0 {
		return nil
	}
	n := len(p.Sockets)
	var best *Socket
	bestSessions := -1
	start := p.nextSocket % n
	for i := 0; i < n; i++ {
		s := p.Sockets[(start+i)%n]
		if s.AtCapacity() {
			continue
		}
		sessions := s.Sessions()
		if best == nil || sessions < bestSessions {
			best = s
			bestSessions = sessions
		}
	}
	if best != nil {
		p.nextSocket++
	}
	return best
}

// NewSession implements spec.md §4.1 new_session. Fails if the Process is
// not ENABLED+ALIVE or if it is totally busy.
func (p *Process) NewSession(stickyID uint32) (*Session, error) {
	p.mu.Lock()
	if p.enabled != ENABLED || p.lifeStatus != ALIVE {
		p.mu.Unlock()
		return nil, errInternal("new_session on a process that is not ENABLED+ALIVE")
	}
	socket := p.selectSocket()
	if socket == nil {
		p.mu.Unlock()
		return nil, errInternal("new_session on a totally busy process")
	}
	socket.incSessions()
	p.sessionCount++
	p.lastUsed = time.Now()
	p.mu.Unlock()

	return &Session{process: p, socket: socket}, nil
}

// closeSession is invoked by Session.Close exactly once. Returns
// shouldDetach if this close should trigger the Group to detach the
// Process (max-requests recycling reached, or draining-and-now-idle),
// disableDrained if the Process was DISABLING and has just reached zero
// sessions (spec.md §4.2 disable's "callback fires when the process has
// zero sessions"), and oobDue if the process's request counter has just
// rolled over its configured out-of-band work interval (SPEC_FULL.md §9).
// oobDue is never set alongside shouldDetach: a process being recycled or
// drained has no rotation left to pull it out of.
func (p *Process) closeSession() (shouldDetach, disableDrained, oobDue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sessionCount--
	p.processedRequests++

	if p.enabled == DISABLING && p.sessionCount == 0 {
		disableDrained = true
	}

	if p.maxRequests > 0 && p.processedRequests >= p.maxRequests {
		return true, disableDrained, false
	}
	if p.lifeStatus == SHUTTING_DOWN && p.sessionCount == 0 {
		p.lifeStatus = DEAD
		return true, disableDrained, false
	}

	if p.oobInterval > 0 && p.enabled == ENABLED {
		p.requestsSinceOOB++
		if p.requestsSinceOOB >= p.oobInterval {
			p.requestsSinceOOB = 0
			oobDue = true
		}
	}
	return false, disableDrained, oobDue
}

// SessionCount returns the number of currently open sessions.
func (p *Process) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionCount
}

// ProcessedRequests returns the lifetime count of closed sessions.
func (p *Process) ProcessedRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processedRequests
}

// Shutdown implements spec.md §4.1 shutdown: sends the exit instruction on
// the admin channel and transitions ALIVE->SHUTTING_DOWN. If there are no
// outstanding sessions it transitions straight to DEAD.
func (p *Process) Shutdown() {
	p.mu.Lock()
	if p.lifeStatus != ALIVE {
		p.mu.Unlock()
		return
	}
	p.lifeStatus = SHUTTING_DOWN
	idle := p.sessionCount == 0
	if idle {
		p.lifeStatus = DEAD
	}
	admin := p.Admin
	p.mu.Unlock()

	if admin != nil {
		_ = admin.RequestExit()
	}
}

// MarkDead force-transitions to DEAD, used when the supervisor detects the
// OS process has already exited (SIGCHLD / admin channel EOF).
func (p *Process) MarkDead() {
	p.mu.Lock()
	p.lifeStatus = DEAD
	p.mu.Unlock()
}
