package pool

import (
	"net"
	"sync"
)

// Dialer abstracts the socket address connect, letting tests substitute an
// in-memory pipe instead of a real unix/tcp dial.
type Dialer func(address string) (net.Conn, error)

// defaultDialer is the Dialer used when a Session has none of its own; it
// turns a Socket.Address into a net.Dial network/address pair.
var defaultDialer Dialer = dialSocketAddress

// Session is a one-shot handle produced by Process.NewSession (spec.md
// §4.5). It holds a reference to its Process, which keeps the Process
// alive even if the Group has since detached it.
type Session struct {
	mu sync.Mutex

	process *Process
	socket  *Socket

	conn   net.Conn
	closed bool

	dial Dialer
}

// Process returns the Process this Session is bound to.
func (s *Session) Process() *Process { return s.process }

// Socket returns the Socket this Session was assigned.
func (s *Session) Socket() *Socket { return s.socket }

// Initiate opens the connection to the Session's Socket address. Separated
// from NewSession so the caller can release the Group lock across the
// connect (spec.md §4.1). Idempotent-on-failure: a second call after a
// failed first call retries the dial.
func (s *Session) Initiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errInternal("initiate called on a closed session")
	}
	if s.conn != nil {
		return nil
	}
	dial := s.dial
	if dial == nil {
		dial = defaultDialer
	}
	conn, err := dial(s.socket.Address)
	if err != nil {
		return errProcessDied(s.process.GUPID, err)
	}
	s.conn = conn
	return nil
}

// Conn returns the underlying connection, valid after a successful
// Initiate and invalid after Close.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Close releases the session slot on the Process. Must be called exactly
// once; subsequent calls are no-ops (spec.md §4.5). success/keepAlive are
// informational only at this layer (the controller may use them for
// logging); the Process doesn't distinguish them for accounting purposes.
func (s *Session) Close(success, keepAlive bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.socket.decSessions()
	shouldDetach, disableDrained, oobDue := s.process.closeSession()
	if s.process.group == nil {
		return
	}
	switch {
	case shouldDetach:
		s.process.group.requestDetach(s.process, "max-requests or drain-complete")
	case disableDrained:
		s.process.group.requestFinishDisable(s.process)
	case oobDue:
		s.process.group.requestOOBWork(s.process)
	}
}

func dialSocketAddress(address string) (net.Conn, error) {
	network, addr := splitSocketAddress(address)
	return net.Dial(network, addr)
}

// splitSocketAddress turns "unix:/tmp/x.sock" or "tcp://127.0.0.1:5000"
// into (network, address) pairs accepted by net.Dial.
func splitSocketAddress(address string) (network, addr string) {
	const unixPrefix = "unix:"
	const tcpPrefix = "tcp://"
	switch {
	case len(address) > len(unixPrefix) && address[:len(unixPrefix)] == unixPrefix:
		return "unix", address[len(unixPrefix):]
	case len(address) > len(tcpPrefix) && address[:len(tcpPrefix)] == tcpPrefix:
		return "tcp", address[len(tcpPrefix):]
	default:
		return "tcp", address
	}
}
