package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeAdmin is a no-op AdminChannel that records what was sent to it, for
// assertions that disable()/OOB-work/shutdown actually talk to the process.
type fakeAdmin struct {
	mu         sync.Mutex
	exitCalls  int
	oobCalls   int
	closeCalls int
	failOOB    bool
}

func (f *fakeAdmin) RequestExit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	return nil
}

func (f *fakeAdmin) RequestOOBWork() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oobCalls++
	if f.failOOB {
		return fmt.Errorf("oob refused")
	}
	return nil
}

func (f *fakeAdmin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

var testGUPIDCounter int64

func nextTestGUPID() string {
	n := atomic.AddInt64(&testGUPIDCounter, 1)
	return fmt.Sprintf("test-gupid-%d", n)
}

// newTestProcess builds a Process with one unbounded socket and a fake
// admin channel, bypassing any real spawn machinery.
func newTestProcess(maxRequests, oobInterval int) *Process {
	admin := &fakeAdmin{}
	sockets := []*Socket{{Name: "main", Address: "tcp://127.0.0.1:0", Protocol: "session", Concurrency: 0}}
	return NewProcess(1000, nextTestGUPID(), admin, sockets, maxRequests, oobInterval)
}

// newTestProcessCapped builds a Process whose single socket accepts at most
// concurrency concurrent sessions, used for busyness/capacity tests.
func newTestProcessCapped(concurrency int) *Process {
	admin := &fakeAdmin{}
	sockets := []*Socket{{Name: "main", Address: "tcp://127.0.0.1:0", Protocol: "session", Concurrency: concurrency}}
	return NewProcess(1000, nextTestGUPID(), admin, sockets, 0, 0)
}

// dummySpawner is a Spawner whose behavior is scripted per-call by fn. When
// fn is nil it always succeeds with a fresh unbounded test process.
type dummySpawner struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, opts Options) (*Process, error)
}

func (s *dummySpawner) Spawn(ctx context.Context, opts Options) (*Process, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, opts)
	}
	return newTestProcess(opts.MaxRequests, opts.OOBWorkRequestInterval), nil
}

func (s *dummySpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysFailSpawner(msg string) *dummySpawner {
	return &dummySpawner{fn: func(ctx context.Context, opts Options) (*Process, error) {
		return nil, errSpawn(msg, "fork", "", nil)
	}}
}

// newTestPool builds a Pool backed by dummySpawner for every group, with
// logging and the event bus disabled.
func newTestPool(max int, factory SpawnerFactory) *Pool {
	if factory == nil {
		factory = func(method SpawnMethod, opts Options) (Spawner, error) {
			return &dummySpawner{}, nil
		}
	}
	return New(Config{Max: max}, factory, nil, nil, nil)
}

func baseOptions(appRoot string) Options {
	return Options{
		AppRoot:      appRoot,
		AppType:      "rack",
		Environment:  "production",
		SpawnMethod:  SpawnDummy,
		MinProcesses: 0,
		MaxProcesses: 1,
	}
}

// syncGet calls Pool.AsyncGet and blocks until the callback fires, returning
// its result synchronously for test readability.
func syncGet(p *Pool, opts Options) (*Session, error) {
	type result struct {
		sess *Session
		err  error
	}
	ch := make(chan result, 1)
	p.AsyncGet(opts, func(s *Session, err error) {
		ch <- result{s, err}
	})
	select {
	case r := <-ch:
		return r.sess, r.err
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("syncGet: callback never fired")
	}
}
