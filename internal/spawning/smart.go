package spawning

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/phusion/passenger-sub013/internal/pool"
)

// SmartSpawner implements spec.md §4.4.2: one long-lived preloader per
// Group (one SmartSpawner instance per Group, since pool.SpawnerFactory is
// called per-Group), forking request-workers off of it on demand.
type SmartSpawner struct {
	loaderPath   string
	loadShellEnv bool

	mu          sync.Mutex
	commandAddr string
	admin       pool.AdminChannel
	cmd         *exec.Cmd
	idleTimer   *time.Timer
}

// NewSmartSpawner builds a SmartSpawner that lazily starts its preloader
// on the first Spawn call.
func NewSmartSpawner(loaderPath string, loadShellEnv bool) *SmartSpawner {
	return &SmartSpawner{loaderPath: loaderPath, loadShellEnv: loadShellEnv}
}

// Spawn implements pool.Spawner. It ensures a preloader is running, asks it
// to fork a worker, and retries the whole sequence exactly once if the
// command channel turns out to be dead (spec.md §4.4.2 step 3: "the next
// spawn restarts the preloader before spawning the worker").
func (s *SmartSpawner) Spawn(ctx context.Context, opts pool.Options) (*pool.Process, error) {
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := s.ensurePreloader(ctx, opts)
		if err != nil {
			return nil, err
		}

		proc, err := s.spawnWorker(addr, opts)
		if err == nil {
			s.resetIdleTimer(opts)
			return proc, nil
		}
		if !isCommandChannelError(err) {
			return nil, err
		}
		s.discardPreloader()
	}
	return nil, pool.NewSpawnError("preloader command channel failed twice in a row", "fork", "", nil)
}

// ensurePreloader starts the preloader if one isn't already running,
// returning its advertised command channel address.
func (s *SmartSpawner) ensurePreloader(ctx context.Context, opts pool.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commandAddr != "" {
		return s.commandAddr, nil
	}

	cmd := s.buildPreloaderCmd(opts)
	helper, hs, err := forkExecHelper(ctx, cmd, opts)
	if err != nil {
		return "", err
	}
	if !hs.IsPreloader {
		helper.killAndReap()
		return "", pool.NewSpawnError("loader did not identify itself as a preloader", "handshake-parse", helper.stderrTail.String(), nil)
	}

	s.commandAddr = hs.PreloaderCommandAddr
	s.admin = &unixAdminChannel{conn: helper.adminConn}
	s.cmd = helper.cmd
	go helper.cmd.Wait()

	return s.commandAddr, nil
}

// spawnWorker asks the running preloader to fork a new request-worker
// (spec.md §4.4.2 step 2).
func (s *SmartSpawner) spawnWorker(addr string, opts pool.Options) (*pool.Process, error) {
	conn, err := dialCommandChannel(addr)
	if err != nil {
		return nil, commandChannelError{cause: err}
	}
	defer conn.Close()

	hs, err := sendSpawnCommand(conn, opts, time.Now().Add(opts.StartTimeout()))
	if err != nil {
		if isNetError(err) {
			return nil, commandChannelError{cause: err}
		}
		return nil, err
	}

	sockets := make([]*pool.Socket, 0, len(hs.Sockets))
	for _, sp := range hs.Sockets {
		sockets = append(sockets, &pool.Socket{Name: sp.Name, Address: sp.Address, Protocol: sp.Protocol, Concurrency: sp.Concurrency})
	}
	// The worker's own admin channel was not handed to us over the command
	// channel (spec.md §170 only documents the handshake block in the
	// response); workers inherit the preloader's lifecycle instead, so the
	// preloader's own admin channel supervises them indirectly. A no-op
	// AdminChannel keeps pool.Process's contract satisfied without
	// pretending to control a channel that was never opened to us.
	worker := pool.NewProcess(hs.PID, hs.GUPID, noopAdminChannel{}, sockets, opts.MaxRequests, opts.OOBWorkRequestInterval)
	return worker, nil
}

// discardPreloader drops the cached command address so the next Spawn
// restarts it, per spec.md §4.4.2 step 3.
func (s *SmartSpawner) discardPreloader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.commandAddr = ""
	if s.admin != nil {
		s.admin.Close()
	}
	s.admin = nil
	s.cmd = nil
}

// resetIdleTimer implements spec.md §4.4.2 step 4: shut the preloader down
// on the admin channel once it has produced no spawns for
// maxPreloaderIdleTime.
func (s *SmartSpawner) resetIdleTimer(opts pool.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	idle := opts.MaxPreloaderIdle()
	admin := s.admin
	s.idleTimer = time.AfterFunc(idle, func() {
		if admin != nil {
			_ = admin.RequestExit()
		}
		s.discardPreloader()
	})
}

func (s *SmartSpawner) buildPreloaderCmd(opts pool.Options) *exec.Cmd {
	interpreter := opts.Interpreter
	if s.loadShellEnv {
		script := fmt.Sprintf("exec %s %s --preload", shellQuote(interpreterOrDefault(interpreter)), shellQuote(s.loaderPath))
		return exec.Command("sh", "-lc", script)
	}
	if interpreter != "" {
		return exec.Command(interpreter, s.loaderPath, "--preload")
	}
	return exec.Command(s.loaderPath, "--preload")
}

// commandChannelError distinguishes "the preloader's command channel is
// unreachable" (triggers a restart-and-retry) from any other spawn error
// (SpawnError categories that should surface as-is).
type commandChannelError struct{ cause error }

func (e commandChannelError) Error() string { return fmt.Sprintf("preloader command channel: %v", e.cause) }
func (e commandChannelError) Unwrap() error { return e.cause }

func isCommandChannelError(err error) bool {
	_, ok := err.(commandChannelError)
	return ok
}

func isNetError(err error) bool {
	_, ok := err.(net.Error)
	return ok
}

// noopAdminChannel satisfies pool.AdminChannel for workers spawned by a
// preloader, whose lifecycle is supervised through the preloader rather
// than a dedicated per-worker admin connection.
type noopAdminChannel struct{}

func (noopAdminChannel) RequestExit() error    { return nil }
func (noopAdminChannel) RequestOOBWork() error { return nil }
func (noopAdminChannel) Close() error          { return nil }
