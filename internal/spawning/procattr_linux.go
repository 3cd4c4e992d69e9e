//go:build linux

package spawning

import (
	"os/exec"
	"syscall"
)

// setProcAttrs configures the child to run in its own process group and to
// receive SIGTERM if the parent dies unexpectedly, matching the teacher's
// setProcGroup convention. dropPriv=false means no privilege drop was
// requested, and uid/gid are then ignored.
func setProcAttrs(cmd *exec.Cmd, uid, gid int, dropPriv bool) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
	if dropPriv {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
