package spawning

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/phusion/passenger-sub013/internal/pool"
)

// HandshakeResult is the parsed form of the spawn handshake block described
// in spec.md §6: "a block of \0-terminated key=value strings, followed by
// a final \0".
type HandshakeResult struct {
	PID     int
	GUPID   string
	Sockets []SocketSpec

	// IsPreloader is set when the handshake additionally declares a
	// !preloader_command_socket key (spec.md §4.4.2 step 1): this process
	// is a long-lived preloader, not a request-serving worker.
	IsPreloader           bool
	PreloaderCommandAddr  string
}

// SocketSpec is one !socket_N_* group from the handshake block, later
// turned into a *pool.Socket by the caller.
type SocketSpec struct {
	Name        string
	Address     string
	Protocol    string
	Concurrency int
}

// readHandshakeBlock reads \0-terminated tokens from r until it sees an
// empty token (the final bare \0 spec.md §6 describes), returning the raw
// key=value strings in arrival order. It respects ctx cancellation so a
// caller can enforce startTimeoutMsec without blocking forever on a wedged
// child.
func readHandshakeBlock(ctx context.Context, r *bufio.Reader) ([]string, error) {
	type readResult struct {
		tokens []string
		err    error
	}
	done := make(chan readResult, 1)

	go func() {
		var tokens []string
		for {
			tok, err := r.ReadString(0)
			if err != nil {
				done <- readResult{err: err}
				return
			}
			tok = strings.TrimSuffix(tok, "\x00")
			if tok == "" {
				done <- readResult{tokens: tokens}
				return
			}
			tokens = append(tokens, tok)
		}
	}()

	select {
	case res := <-done:
		return res.tokens, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ParseHandshake reads and parses the handshake block from r, failing with
// a *pool.Error of kind KindSpawnError (stage "handshake-timeout" or
// "handshake-parse") on any malformed or missing-required-key input, per
// spec.md §6 "A parse failure or missing required key is a fatal spawn
// error."
func ParseHandshake(ctx context.Context, r *bufio.Reader, stderrTail string) (*HandshakeResult, error) {
	tokens, err := readHandshakeBlock(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pool.NewSpawnError("handshake timed out", "handshake-timeout", stderrTail, ctx.Err())
		}
		return nil, pool.NewSpawnError("failed reading handshake block", "handshake-timeout", stderrTail, err)
	}

	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, pool.NewSpawnError(fmt.Sprintf("malformed handshake token %q", tok), "handshake-parse", stderrTail, nil)
		}
		kv[k] = v
	}

	result := &HandshakeResult{}

	pidStr, ok := kv["!pid"]
	if !ok {
		return nil, pool.NewSpawnError("handshake missing required key !pid", "handshake-parse", stderrTail, nil)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, pool.NewSpawnError(fmt.Sprintf("handshake !pid not an integer: %q", pidStr), "handshake-parse", stderrTail, err)
	}
	result.PID = pid

	gupid, ok := kv["!gupid"]
	if !ok {
		return nil, pool.NewSpawnError("handshake missing required key !gupid", "handshake-parse", stderrTail, nil)
	}
	if len(gupid) > 20 {
		return nil, pool.NewSpawnError(fmt.Sprintf("handshake !gupid exceeds 20 bytes: %q", gupid), "handshake-parse", stderrTail, nil)
	}
	result.GUPID = gupid

	if addr, ok := kv["!preloader_command_socket"]; ok {
		result.IsPreloader = true
		result.PreloaderCommandAddr = addr
	}

	specs, err := parseSocketSpecs(kv)
	if err != nil {
		return nil, pool.NewSpawnError(err.Error(), "handshake-parse", stderrTail, err)
	}
	if len(specs) == 0 && !result.IsPreloader {
		return nil, pool.NewSpawnError("handshake declared zero sockets", "handshake-parse", stderrTail, nil)
	}
	result.Sockets = specs

	return result, nil
}

// parseSocketSpecs groups !socket_N_{name,address,protocol,concurrency}
// keys by index N and validates every group is complete.
func parseSocketSpecs(kv map[string]string) ([]SocketSpec, error) {
	indices := make(map[int]bool)
	for k := range kv {
		if !strings.HasPrefix(k, "!socket_") {
			continue
		}
		rest := strings.TrimPrefix(k, "!socket_")
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		indices[n] = true
	}

	ordered := make([]int, 0, len(indices))
	for n := range indices {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	specs := make([]SocketSpec, 0, len(ordered))
	for _, n := range ordered {
		prefix := fmt.Sprintf("!socket_%d_", n)
		name, ok := kv[prefix+"name"]
		if !ok {
			return nil, fmt.Errorf("socket %d missing name", n)
		}
		addr, ok := kv[prefix+"address"]
		if !ok {
			return nil, fmt.Errorf("socket %d missing address", n)
		}
		proto, ok := kv[prefix+"protocol"]
		if !ok {
			return nil, fmt.Errorf("socket %d missing protocol", n)
		}
		concStr, ok := kv[prefix+"concurrency"]
		if !ok {
			return nil, fmt.Errorf("socket %d missing concurrency", n)
		}
		conc, err := strconv.Atoi(concStr)
		if err != nil {
			return nil, fmt.Errorf("socket %d concurrency not an integer: %q", n, concStr)
		}
		specs = append(specs, SocketSpec{Name: name, Address: addr, Protocol: proto, Concurrency: conc})
	}
	return specs, nil
}
