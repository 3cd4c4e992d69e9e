package controller

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/pool"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type stubAdmin struct{}

func (stubAdmin) RequestExit() error    { return nil }
func (stubAdmin) RequestOOBWork() error { return nil }
func (stubAdmin) Close() error          { return nil }

func testOptions() pool.Options {
	return pool.Options{
		AppRoot:          "/apps/test",
		AppType:          "rack",
		Environment:      "production",
		SpawnMethod:      pool.SpawnDirect,
		MinProcesses:     0,
		MaxProcesses:     1,
		StartTimeoutMsec: 2000,
	}
}

// countingSpawner hands back one fixed *pool.Process per Group and counts
// how many times the Pool actually asked it to spawn, so tests can assert
// a retried get() reused the existing process rather than spawning a new
// one.
type countingSpawner struct {
	calls int
	build func(n int) (*pool.Process, error)
}

func (s *countingSpawner) Spawn(ctx context.Context, opts pool.Options) (*pool.Process, error) {
	s.calls++
	return s.build(s.calls)
}

func newTestPool(t *testing.T, spawner pool.Spawner) *pool.Pool {
	t.Helper()
	factory := func(method pool.SpawnMethod, opts pool.Options) (pool.Spawner, error) {
		return spawner, nil
	}
	p := pool.New(pool.Config{Max: 10}, factory, newTestLogger(), nil, nil)
	t.Cleanup(p.Shutdown)
	return p
}

// closedTCPAddr returns a loopback address nothing is listening on, by
// opening and immediately closing a listener -- dialing it afterwards
// reliably fails fast with connection-refused instead of timing out.
func closedTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServeConnRetriesOnceThenFailsOnPersistentProcessDied(t *testing.T) {
	deadAddr := closedTCPAddr(t)

	spawner := &countingSpawner{build: func(n int) (*pool.Process, error) {
		sockets := []*pool.Socket{{Name: "main", Address: deadAddr, Protocol: "session"}}
		return pool.NewProcess(1000+n, "gupid-dead", stubAdmin{}, sockets, 0, 0), nil
	}}
	p := newTestPool(t, spawner)
	c := New(p, newTestLogger())

	client, remote := net.Pipe()
	defer remote.Close()
	go io.Copy(io.Discard, remote)

	err := c.ServeConn(context.Background(), client, testOptions())
	if err == nil {
		t.Fatal("expected ServeConn to fail once both attempts hit a dead process")
	}
	perr, ok := err.(*pool.Error)
	if !ok || perr.Kind != pool.KindProcessDied {
		t.Fatalf("expected a ProcessDied error, got %v", err)
	}
	if spawner.calls != 1 {
		t.Fatalf("expected exactly one spawn (retry reuses the existing process), got %d", spawner.calls)
	}
}

// TestServeConnRetrySucceedsOnSecondSocket exercises the success path of
// the ProcessDied retry: a single Process exposes two Sockets, the first
// dead and the second live. Process.selectSocket's round-robin cursor
// (process.go) advances past the dead socket on retry regardless of the
// first attempt's outcome, so the retried get() reaches the live one
// without needing a second spawn.
func TestServeConnRetrySucceedsOnSecondSocket(t *testing.T) {
	deadAddr := closedTCPAddr(t)

	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	spawner := &countingSpawner{build: func(n int) (*pool.Process, error) {
		sockets := []*pool.Socket{
			{Name: "dead", Address: deadAddr, Protocol: "session"},
			{Name: "live", Address: upstreamLn.Addr().String(), Protocol: "session"},
		}
		return pool.NewProcess(2000+n, "gupid-mixed", stubAdmin{}, sockets, 0, 0), nil
	}}
	p := newTestPool(t, spawner)
	c := New(p, newTestLogger())

	// The client leg is already closed before ServeConn is even called:
	// this test only cares that the retried get() reaches a live socket
	// and that the subsequent proxy drains cleanly, not about any actual
	// payload crossing the pipe.
	client, remote := net.Pipe()
	remote.Close()
	client.Close()

	if err := c.ServeConn(context.Background(), client, testOptions()); err != nil {
		t.Fatalf("expected the retry against the live socket to succeed, got %v", err)
	}
	if spawner.calls != 1 {
		t.Fatalf("expected a single process to serve both attempts, got %d spawns", spawner.calls)
	}
}

// TestServeConnProxiesAndHalfCloses drives ServeConn over real TCP
// connections on both legs so proxy's CloseWrite half-close path
// (controller.go's halfCloser branch) is actually exercised: the upstream
// only writes its reply after observing EOF from the client's write half.
func TestServeConnProxiesAndHalfCloses(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		got, err := io.ReadAll(conn)
		if err != nil || string(got) != "PING" {
			return
		}
		conn.Write([]byte("PONG"))
	}()

	spawner := &countingSpawner{build: func(n int) (*pool.Process, error) {
		sockets := []*pool.Socket{{Name: "main", Address: upstreamLn.Addr().String(), Protocol: "session"}}
		return pool.NewProcess(3000+n, "gupid-echo", stubAdmin{}, sockets, 0, 0), nil
	}}
	p := newTestPool(t, spawner)
	c := New(p, newTestLogger())

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer clientLn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serverSideConn, err := clientLn.Accept()
		if err != nil {
			serveErrCh <- err
			return
		}
		serveErrCh <- c.ServeConn(context.Background(), serverSideConn, testOptions())
	}()

	clientConn, err := net.Dial("tcp", clientLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("PING")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	reply, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "PONG" {
		t.Fatalf("expected PONG, got %q", reply)
	}

	select {
	case err := <-serveErrCh:
		if err != nil {
			t.Fatalf("ServeConn returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn did not return in time")
	}
}
