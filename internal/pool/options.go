package pool

import (
	"strings"
	"time"
)

// SpawnMethod names which Spawner variant a Group's processes are produced
// with. "dummy" exists purely for tests: it never forks anything real.
type SpawnMethod string

const (
	SpawnDirect SpawnMethod = "direct"
	SpawnSmart  SpawnMethod = "smart"
	SpawnDummy  SpawnMethod = "dummy"
)

// ConcurrencyModel names how a process's single Socket reports its cap.
// "process" means the whole process has one shared concurrency number;
// "thread" is reserved for interpreters that multiplex requests internally.
// The value is carried through unchanged; neither the pool nor the spawners
// read it, and a Socket's cap always comes from the handshake.
type ConcurrencyModel string

const (
	ConcurrencyProcess ConcurrencyModel = "process"
	ConcurrencyThread  ConcurrencyModel = "thread"
)

// Options is the request fingerprint described in spec.md §3: it both
// identifies which Group a request belongs to and carries the parameters
// used to spawn that Group's processes. JSON/mapstructure tags let it
// round-trip through the embedded admin API and through the preloader's
// key=value options block (see spawning.EncodeOptionsBlock).
type Options struct {
	AppRoot     string `json:"appRoot" mapstructure:"app_root"`
	AppType     string `json:"appType" mapstructure:"app_type"`
	Environment string `json:"environment" mapstructure:"environment"`
	Interpreter string `json:"interpreter" mapstructure:"interpreter"`
	User        string `json:"user,omitempty" mapstructure:"user"`
	Group       string `json:"group,omitempty" mapstructure:"group"`

	SpawnMethod SpawnMethod `json:"spawnMethod" mapstructure:"spawn_method"`

	MinProcesses      int `json:"minProcesses" mapstructure:"min_processes"`
	MaxProcesses       int `json:"maxProcesses" mapstructure:"max_processes"`
	MaxRequests        int `json:"maxRequests,omitempty" mapstructure:"max_requests"`
	MaxRequestQueueSize int `json:"maxRequestQueueSize" mapstructure:"max_request_queue_size"`

	// OOBWorkRequestInterval, when > 0, requests that a process be pulled
	// out of rotation for out-of-band maintenance work every N closed
	// sessions (SPEC_FULL.md §9 "Out-of-band work hook"). 0 disables it.
	OOBWorkRequestInterval int `json:"oobWorkRequestInterval,omitempty" mapstructure:"oob_work_request_interval"`

	StartTimeoutMsec     int `json:"startTimeoutMsec" mapstructure:"start_timeout_msec"`
	IdleTimeoutSec       int `json:"idleTimeoutSec" mapstructure:"idle_timeout_sec"`
	MaxPreloaderIdleSec  int `json:"maxPreloaderIdleSec" mapstructure:"max_preloader_idle_sec"`

	ConcurrencyModel ConcurrencyModel `json:"concurrencyModel" mapstructure:"concurrency_model"`
	ProcessConcurrency int            `json:"processConcurrency" mapstructure:"process_concurrency"`

	StickySessionCookieName string `json:"stickySessionCookieName,omitempty" mapstructure:"sticky_session_cookie_name"`

	Env map[string]string `json:"env,omitempty" mapstructure:"env"`

	// GroupNameOverride, when non-empty, is used verbatim as the group key
	// instead of the derived one. Lets an operator pin two otherwise
	// distinct Options to the same Group.
	GroupNameOverride string `json:"groupName,omitempty" mapstructure:"group_name"`

	// Per-request fields. Never persisted into a Group's stored Options;
	// cleared by Normalized() before Group creation, per spec.md §3.
	StickySessionID uint32    `json:"stickySessionId,omitempty" mapstructure:"-"`
	RequestTime     time.Time `json:"-" mapstructure:"-"`
}

// GroupKey is a stable identity string. Two Options with identical
// group-relevant fields must produce the same GroupKey (spec.md §6,
// "Process selection identity").
type GroupKey string

// Key derives the group key deterministically from the subset of fields
// that materially affect process shareability: app root, app type,
// environment, interpreter, user, group, spawn method. If GroupNameOverride
// is set it is used verbatim instead.
//
// This is the literal joined string, not a hash: it stays debuggable in log
// fields.
func (o Options) Key() GroupKey {
	if o.GroupNameOverride != "" {
		return GroupKey(o.GroupNameOverride)
	}
	parts := []string{
		o.AppRoot,
		o.AppType,
		o.Environment,
		o.Interpreter,
		o.User,
		o.Group,
		string(o.SpawnMethod),
	}
	return GroupKey(strings.Join(parts, "\x1f"))
}

// Normalized returns a copy with per-request fields cleared, suitable for
// persisting as a Group's stored Options.
func (o Options) Normalized() Options {
	o.StickySessionID = 0
	o.RequestTime = time.Time{}
	return o
}

// StartTimeout returns StartTimeoutMsec as a time.Duration, defaulting to
// 10s when unset (mirrors the teacher's *Duration() config accessor
// convention in internal/common/config).
func (o Options) StartTimeout() time.Duration {
	if o.StartTimeoutMsec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.StartTimeoutMsec) * time.Millisecond
}

// IdleTimeout returns IdleTimeoutSec as a time.Duration, defaulting to 5m.
func (o Options) IdleTimeout() time.Duration {
	if o.IdleTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(o.IdleTimeoutSec) * time.Second
}

// MaxPreloaderIdle returns MaxPreloaderIdleSec as a time.Duration,
// defaulting to 5m.
func (o Options) MaxPreloaderIdle() time.Duration {
	if o.MaxPreloaderIdleSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(o.MaxPreloaderIdleSec) * time.Second
}

// EffectiveMaxProcesses returns MaxProcesses, defaulting to 1 when unset.
func (o Options) EffectiveMaxProcesses() int {
	if o.MaxProcesses <= 0 {
		return 1
	}
	return o.MaxProcesses
}
