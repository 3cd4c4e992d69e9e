//go:build unix && !linux

package spawning

import (
	"os/exec"
	"syscall"
)

// setProcAttrs is the non-Linux POSIX variant: process-group isolation
// without Pdeathsig, which is Linux-specific.
func setProcAttrs(cmd *exec.Cmd, uid, gid int, dropPriv bool) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if dropPriv {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
