package pool

import "sync/atomic"

// Socket represents a listening endpoint inside an application process
// (spec.md §3). The address/protocol/concurrency cap are fixed at
// handshake time; only the session count changes afterward.
type Socket struct {
	// Name is the handshake's socket identifier (e.g. "main", "http").
	Name string
	// Address is a dial-able address string, e.g. "unix:/tmp/x.sock" or
	// "tcp://127.0.0.1:5000".
	Address string
	// Protocol is a free-form tag declared by the process ("session",
	// "http", etc.); the controller only cares about "session" sockets.
	Protocol string
	// Concurrency is the cap on simultaneous sessions against this socket.
	// 0 means unbounded.
	Concurrency int

	sessions int32
}

// Sessions returns the current in-flight session count.
func (s *Socket) Sessions() int {
	return int(atomic.LoadInt32(&s.sessions))
}

// AtCapacity reports whether this socket cannot accept another session.
func (s *Socket) AtCapacity() bool {
	if s.Concurrency <= 0 {
		return false
	}
	return s.Sessions() >= s.Concurrency
}

func (s *Socket) incSessions() {
	atomic.AddInt32(&s.sessions, 1)
}

func (s *Socket) decSessions() {
	atomic.AddInt32(&s.sessions, -1)
}
