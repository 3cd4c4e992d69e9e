package spawning

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/phusion/passenger-sub013/internal/pool"
)

func encodeHandshakeTokens(tokens ...string) []byte {
	var buf bytes.Buffer
	for _, t := range tokens {
		buf.WriteString(t)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestParseHandshakeRoundTrip(t *testing.T) {
	raw := encodeHandshakeTokens(
		"!pid=4321",
		"!gupid=abc123gupid",
		"!socket_0_name=main",
		"!socket_0_address=tcp://127.0.0.1:9000",
		"!socket_0_protocol=session",
		"!socket_0_concurrency=1",
	)
	r := bufio.NewReader(bytes.NewReader(raw))
	result, err := ParseHandshake(context.Background(), r, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PID != 4321 {
		t.Errorf("expected pid 4321, got %d", result.PID)
	}
	if result.GUPID != "abc123gupid" {
		t.Errorf("expected gupid abc123gupid, got %q", result.GUPID)
	}
	if len(result.Sockets) != 1 {
		t.Fatalf("expected one socket, got %d", len(result.Sockets))
	}
	sock := result.Sockets[0]
	if sock.Name != "main" || sock.Address != "tcp://127.0.0.1:9000" || sock.Protocol != "session" || sock.Concurrency != 1 {
		t.Errorf("unexpected socket spec: %+v", sock)
	}
	if result.IsPreloader {
		t.Error("expected IsPreloader to be false for a worker handshake")
	}
}

func TestParseHandshakePreloaderCommandSocket(t *testing.T) {
	raw := encodeHandshakeTokens(
		"!pid=100",
		"!gupid=preloader-1",
		"!preloader_command_socket=unix:///tmp/preloader.sock",
	)
	r := bufio.NewReader(bytes.NewReader(raw))
	result, err := ParseHandshake(context.Background(), r, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsPreloader {
		t.Fatal("expected IsPreloader to be true")
	}
	if result.PreloaderCommandAddr != "unix:///tmp/preloader.sock" {
		t.Errorf("unexpected command addr: %q", result.PreloaderCommandAddr)
	}
}

func TestParseHandshakeMissingPID(t *testing.T) {
	raw := encodeHandshakeTokens("!gupid=abc")
	r := bufio.NewReader(bytes.NewReader(raw))
	_, err := ParseHandshake(context.Background(), r, "stderr tail")
	if err == nil {
		t.Fatal("expected an error for a missing !pid key")
	}
	perr, ok := err.(*pool.Error)
	if !ok || perr.Kind != pool.KindSpawnError {
		t.Fatalf("expected a SpawnError, got %v", err)
	}
	if perr.Stage != "handshake-parse" {
		t.Errorf("expected stage handshake-parse, got %q", perr.Stage)
	}
	if perr.Stderr != "stderr tail" {
		t.Errorf("expected stderr tail to be carried through, got %q", perr.Stderr)
	}
}

func TestParseHandshakeMalformedToken(t *testing.T) {
	raw := encodeHandshakeTokens("!pid=1", "!gupid=abc", "not-a-kv-pair")
	r := bufio.NewReader(bytes.NewReader(raw))
	_, err := ParseHandshake(context.Background(), r, "")
	if err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestParseHandshakeZeroSocketsFails(t *testing.T) {
	raw := encodeHandshakeTokens("!pid=1", "!gupid=abc")
	r := bufio.NewReader(bytes.NewReader(raw))
	_, err := ParseHandshake(context.Background(), r, "")
	if err == nil {
		t.Fatal("expected an error when a non-preloader handshake declares zero sockets")
	}
}

func TestParseHandshakeCancelledContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	r := bufio.NewReader(pr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ParseHandshake(ctx, r, "")
	if err == nil {
		t.Fatal("expected a timeout error when ctx is already cancelled")
	}
	perr, ok := err.(*pool.Error)
	if !ok || perr.Kind != pool.KindSpawnError {
		t.Fatalf("expected a SpawnError, got %v", err)
	}
	if perr.Stage != "handshake-timeout" {
		t.Errorf("expected stage handshake-timeout, got %q", perr.Stage)
	}
}
