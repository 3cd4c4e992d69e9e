// Package spawning implements the Spawning Kit (spec.md §4.4): the direct
// and smart pool.Spawner variants that produce live pool.Process instances
// by fork+exec'ing application loader scripts and parsing their handshake.
package spawning

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/phusion/passenger-sub013/internal/pool"
)

// Config holds spawner-wide settings shared by every Group's Spawner,
// independent of the per-request pool.Options (wired from
// internal/common/config.SpawningConfig in cmd/poold/main.go).
type Config struct {
	// LoadShellEnv, when true, spawns the loader through the user's login
	// shell (sh -lc) so that rbenv/rvm/nvm-style shims on PATH are picked
	// up, mirroring the teacher's defaultShellCommand/shellExecArgs
	// convention in agentctl/server/process.
	LoadShellEnv bool
	Registry     *LoaderRegistry
}

// NewFactory returns a pool.SpawnerFactory that builds a DirectSpawner or
// SmartSpawner per Group depending on opts.SpawnMethod (spec.md §4.4's
// dispatch). SpawnDummy is intentionally unhandled here: the dummy spawner
// exists only for internal/pool's own tests, which construct it directly.
func NewFactory(cfg Config) pool.SpawnerFactory {
	return func(method pool.SpawnMethod, opts pool.Options) (pool.Spawner, error) {
		loaderPath, err := cfg.Registry.LoaderFor(opts.AppType)
		if err != nil {
			return nil, pool.NewSpawnError(err.Error(), "preparation", "", err)
		}
		switch method {
		case pool.SpawnDirect:
			return NewDirectSpawner(loaderPath, cfg.LoadShellEnv), nil
		case pool.SpawnSmart:
			return NewSmartSpawner(loaderPath, cfg.LoadShellEnv), nil
		default:
			return nil, pool.NewSpawnError(fmt.Sprintf("unsupported spawn method %q", method), "preparation", "", nil)
		}
	}
}

// unixAdminChannel implements pool.AdminChannel over the parent end of the
// admin-channel socketpair created during spawn (spec.md §6 downstream
// protocol: "exit\n" / "oob_work\n" outbound, connection-open as liveness
// signal).
type unixAdminChannel struct {
	conn net.Conn
}

func (c *unixAdminChannel) RequestExit() error {
	_, err := c.conn.Write([]byte("exit\n"))
	return err
}

func (c *unixAdminChannel) RequestOOBWork() error {
	_, err := c.conn.Write([]byte("oob_work\n"))
	return err
}

func (c *unixAdminChannel) Close() error {
	return c.conn.Close()
}

// buildEnv merges the current process environment with opts.Env (the
// application-specific overrides), plus the privilege-drop target to
// RUBYOPT-style tools, matching the teacher's merge-not-replace approach
// to child process environments (agentctl/server/process.StartProcessRequest.Env).
func buildEnv(opts pool.Options) []string {
	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// resolveCredentials looks up the numeric uid/gid for opts.User/opts.Group,
// returning ok=false when neither is set (no privilege drop requested).
func resolveCredentials(opts pool.Options) (uid, gid int, ok bool, err error) {
	if opts.User == "" {
		return 0, 0, false, nil
	}
	u, err := user.Lookup(opts.User)
	if err != nil {
		return 0, 0, false, fmt.Errorf("resolving user %q: %w", opts.User, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, false, fmt.Errorf("user %q has non-numeric uid %q", opts.User, u.Uid)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, false, fmt.Errorf("user %q has non-numeric gid %q", opts.User, u.Gid)
	}
	if opts.Group != "" {
		g, err := userLookupGroup(opts.Group)
		if err == nil {
			gid = g
		}
	}
	return uid, gid, true, nil
}

func userLookupGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
