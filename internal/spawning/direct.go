package spawning

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/phusion/passenger-sub013/internal/pool"
)

// stderrTailCap bounds the captured child stderr to the last 4KB, per
// SPEC_FULL.md §9 "Spawn failure detail capture".
const stderrTailCap = 4096

// tailWriter keeps only the last n bytes written to it.
type tailWriter struct {
	buf []byte
	n   int
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string { return string(t.buf) }

// DirectSpawner implements spec.md §4.4.1: fork+exec the loader script
// fresh on every spawn, no preloader.
type DirectSpawner struct {
	loaderPath   string
	loadShellEnv bool
}

// NewDirectSpawner builds a DirectSpawner that execs loaderPath.
func NewDirectSpawner(loaderPath string, loadShellEnv bool) *DirectSpawner {
	return &DirectSpawner{loaderPath: loaderPath, loadShellEnv: loadShellEnv}
}

// Spawn implements pool.Spawner. It is always invoked from a Group's
// worker goroutine (never under the pool lock), per spec.md §5.
func (d *DirectSpawner) Spawn(ctx context.Context, opts pool.Options) (*pool.Process, error) {
	helper, hs, err := forkExecHelper(ctx, d.buildCmd(opts), opts)
	if err != nil {
		return nil, err
	}
	if hs.IsPreloader {
		helper.killAndReap()
		return nil, pool.NewSpawnError("loader unexpectedly identified itself as a preloader during a direct spawn", "handshake-parse", helper.stderrTail.String(), nil)
	}

	sockets := make([]*pool.Socket, 0, len(hs.Sockets))
	for _, s := range hs.Sockets {
		sockets = append(sockets, &pool.Socket{Name: s.Name, Address: s.Address, Protocol: s.Protocol, Concurrency: s.Concurrency})
	}

	admin := &unixAdminChannel{conn: helper.adminConn}
	proc := pool.NewProcess(hs.PID, hs.GUPID, admin, sockets, opts.MaxRequests, opts.OOBWorkRequestInterval)

	// Reap the OS process asynchronously once it exits. The exit is not
	// reported to the pool: nothing reads the admin channel for EOF.
	go helper.cmd.Wait()

	return proc, nil
}

// helperProcess is the fork+exec'd child of either a direct spawn or a
// preloader startup, before its handshake's meaning (worker vs preloader)
// has been decided by the caller.
type helperProcess struct {
	cmd        *exec.Cmd
	adminConn  net.Conn
	stderrTail tailWriter
}

// killAndReap force-kills the helper's process group and reaps it,
// used whenever a handshake turns out to be unusable for the caller's
// purpose.
func (h *helperProcess) killAndReap() {
	_ = h.cmd.Process.Kill()
	_ = killProcessGroup(h.cmd.Process.Pid)
	h.adminConn.Close()
	go h.cmd.Wait()
}

// forkExecHelper runs spec.md §4.4.1 steps 2-4 (socketpair + pipe, fork,
// parse handshake) shared by DirectSpawner.Spawn and SmartSpawner's
// preloader bootstrap -- only the exec.Cmd to run and the resulting
// handshake's interpretation (worker vs preloader) differ between callers.
func forkExecHelper(ctx context.Context, cmd *exec.Cmd, opts pool.Options) (*helperProcess, *HandshakeResult, error) {
	uid, gid, dropPriv, err := resolveCredentials(opts)
	if err != nil {
		return nil, nil, pool.NewSpawnError(err.Error(), "preparation", "", err)
	}

	adminParent, adminChild, err := newAdminSocketpair()
	if err != nil {
		return nil, nil, pool.NewSpawnError(err.Error(), "preparation", "", err)
	}
	hsRead, hsWrite, err := newHandshakePipe()
	if err != nil {
		adminParent.Close()
		adminChild.Close()
		return nil, nil, pool.NewSpawnError(err.Error(), "preparation", "", err)
	}

	cmd.Dir = opts.AppRoot
	cmd.Env = buildEnv(opts)
	cmd.ExtraFiles = []*os.File{adminChild, hsWrite}

	helper := &helperProcess{cmd: cmd, adminConn: adminParent}
	helper.stderrTail.n = stderrTailCap
	cmd.Stderr = &helper.stderrTail

	setProcAttrs(cmd, uid, gid, dropPriv)

	if err := cmd.Start(); err != nil {
		adminParent.Close()
		adminChild.Close()
		hsRead.Close()
		hsWrite.Close()
		return nil, nil, pool.NewSpawnError(fmt.Sprintf("fork/exec failed: %v", err), "fork", "", err)
	}

	// The child has its own dup'd copies now; close ours so EOF/pipe
	// semantics work correctly (handshake pipe write-end EOF when the
	// child closes it, admin channel otherwise stays open as the liveness
	// signal described in spec.md §6).
	adminChild.Close()
	hsWrite.Close()

	deadlineCtx, cancel := context.WithTimeout(ctx, opts.StartTimeout())
	defer cancel()

	hs, err := ParseHandshake(deadlineCtx, bufio.NewReader(hsRead), helper.stderrTail.String())
	hsRead.Close()
	if err != nil {
		helper.killAndReap()
		return nil, nil, err
	}

	return helper, hs, nil
}

// buildCmd constructs the exec.Cmd for the loader script, optionally
// wrapped in a login shell so PATH-based interpreter version managers
// resolve, matching the teacher's shellExecArgs convention.
func (d *DirectSpawner) buildCmd(opts pool.Options) *exec.Cmd {
	interpreter := opts.Interpreter
	if d.loadShellEnv {
		script := fmt.Sprintf("exec %s %s", shellQuote(interpreterOrDefault(interpreter)), shellQuote(d.loaderPath))
		return exec.Command("sh", "-lc", script)
	}
	if interpreter != "" {
		return exec.Command(interpreter, d.loaderPath)
	}
	return exec.Command(d.loaderPath)
}

func interpreterOrDefault(interpreter string) string {
	if interpreter != "" {
		return interpreter
	}
	return "/usr/bin/env"
}

func shellQuote(s string) string {
	return "'" + string(bytes.ReplaceAll([]byte(s), []byte("'"), []byte(`'\''`))) + "'"
}
