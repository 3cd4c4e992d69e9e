package spawning

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/phusion/passenger-sub013/internal/pool"
)

// EncodeOptionsBlock renders the subset of opts relevant to spawning as the
// preloader command channel's options block (spec.md §6: "key=value\n
// lines"), one deterministically-ordered line per field so wire output is
// stable for logging/tests. Fields whose value is empty or "0" are omitted.
func EncodeOptionsBlock(opts pool.Options) string {
	fields := map[string]string{
		"app_root":                   opts.AppRoot,
		"app_type":                   opts.AppType,
		"environment":                opts.Environment,
		"interpreter":                opts.Interpreter,
		"user":                       opts.User,
		"group":                      opts.Group,
		"max_requests":               strconv.Itoa(opts.MaxRequests),
		"oob_work_request_interval":  strconv.Itoa(opts.OOBWorkRequestInterval),
		"process_concurrency":        strconv.Itoa(opts.ProcessConcurrency),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fields[k]
		if v == "" || v == "0" {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String()
}

// dialCommandChannel opens a new connection to the preloader's advertised
// command socket address (spec.md §4.4.2 step 2).
func dialCommandChannel(addr string) (net.Conn, error) {
	network, address := splitCommandAddress(addr)
	return net.DialTimeout(network, address, 5*time.Second)
}

func splitCommandAddress(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		return "tcp", rest
	}
	return "tcp", addr
}

// sendSpawnCommand implements one round trip of spec.md §170's preloader
// protocol: write "spawn\n<options-block>\n\n", then read either
// "OK\n<handshake-block>" or "error\n<message>\n".
func sendSpawnCommand(conn net.Conn, opts pool.Options, deadline time.Time) (*HandshakeResult, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, pool.NewSpawnError("setting preloader command deadline: "+err.Error(), "preparation", "", err)
	}

	block := EncodeOptionsBlock(opts)
	if _, err := fmt.Fprintf(conn, "spawn\n%s\n", block); err != nil {
		return nil, pool.NewSpawnError("writing spawn command: "+err.Error(), "fork", "", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		return nil, pool.NewSpawnError("reading preloader response status: "+err.Error(), "fork", "", err)
	}
	status = strings.TrimSuffix(status, "\n")

	switch status {
	case "OK":
		return parsePreloaderHandshake(r)
	case "error":
		msg, _ := r.ReadString('\n')
		return nil, pool.NewSpawnError("preloader reported: "+strings.TrimSuffix(msg, "\n"), "app-crash", "", nil)
	default:
		return nil, pool.NewSpawnError(fmt.Sprintf("unrecognized preloader response status %q", status), "handshake-parse", "", nil)
	}
}

// parsePreloaderHandshake parses the handshake block embedded in an "OK"
// response. It has no real deadline of its own -- the conn-level
// SetDeadline set by sendSpawnCommand already bounds it -- so it uses a
// background context.
func parsePreloaderHandshake(r *bufio.Reader) (*HandshakeResult, error) {
	return ParseHandshake(context.Background(), r, "")
}
