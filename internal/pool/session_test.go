package pool

import (
	"net"
	"testing"
)

func TestSessionInitiateDialsOnce(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	dialCalls := 0
	proc := newTestProcess(0, 0)
	sess := &Session{process: proc, socket: proc.Sockets[0], dial: func(addr string) (net.Conn, error) {
		dialCalls++
		return client, nil
	}}

	if err := sess.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if sess.Conn() == nil {
		t.Fatal("expected Conn() to be non-nil after Initiate")
	}
	if err := sess.Initiate(); err != nil {
		t.Fatalf("second Initiate should be a no-op, got: %v", err)
	}
	if dialCalls != 1 {
		t.Fatalf("expected exactly one dial, got %d", dialCalls)
	}
}

func TestSessionInitiateAfterCloseFails(t *testing.T) {
	proc := newTestProcess(0, 0)
	sess := &Session{process: proc, socket: proc.Sockets[0]}
	sess.closed = true

	if err := sess.Initiate(); err == nil {
		t.Fatal("expected Initiate on a closed session to fail")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	proc := newTestProcess(0, 0)
	socket := proc.Sockets[0]
	sess, err := proc.NewSession(0)
	if err != nil {
		t.Fatalf("new_session: %v", err)
	}
	if socket.Sessions() != 1 {
		t.Fatalf("expected 1 session on the socket, got %d", socket.Sessions())
	}

	sess.Close(true, false)
	if socket.Sessions() != 0 {
		t.Fatalf("expected Close to release the socket slot, got %d", socket.Sessions())
	}
	if proc.ProcessedRequests() != 1 {
		t.Fatalf("expected ProcessedRequests=1 after one close, got %d", proc.ProcessedRequests())
	}

	sess.Close(true, false) // must not double-decrement
	if proc.ProcessedRequests() != 1 {
		t.Fatalf("expected a second Close to be a no-op, got ProcessedRequests=%d", proc.ProcessedRequests())
	}
}

func TestSplitSocketAddress(t *testing.T) {
	cases := []struct {
		in, wantNet, wantAddr string
	}{
		{"unix:/tmp/x.sock", "unix", "/tmp/x.sock"},
		{"tcp://127.0.0.1:5000", "tcp", "127.0.0.1:5000"},
		{"127.0.0.1:5000", "tcp", "127.0.0.1:5000"},
	}
	for _, c := range cases {
		network, addr := splitSocketAddress(c.in)
		if network != c.wantNet || addr != c.wantAddr {
			t.Errorf("splitSocketAddress(%q) = (%q, %q), want (%q, %q)", c.in, network, addr, c.wantNet, c.wantAddr)
		}
	}
}
