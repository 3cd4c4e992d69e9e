//go:build unix

package spawning

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// newAdminSocketpair creates the Unix-domain socketpair used as the admin
// channel (spec.md §4.4.1 step 2: "Create a Unix-domain socket pair for
// the admin channel"). Returns the parent's net.Conn end and the *os.File
// to hand the child via cmd.ExtraFiles.
func newAdminSocketpair() (parent net.Conn, childFile *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "admin-channel-parent")
	childFile = os.NewFile(uintptr(fds[1]), "admin-channel-child")

	parentConn, err := net.FileConn(parentFile)
	if err != nil {
		parentFile.Close()
		childFile.Close()
		return nil, nil, fmt.Errorf("admin channel FileConn: %w", err)
	}
	parentFile.Close() // net.FileConn dup'd the fd; close our copy
	return parentConn, childFile, nil
}

// newHandshakePipe creates the pipe the child writes its handshake block
// to (spec.md §4.4.1 step 2: "a pipe for the work-dir handshake
// response"). Returns the parent's read end and the *os.File to hand the
// child as its write end.
func newHandshakePipe() (readEnd *os.File, writeEnd *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake pipe: %w", err)
	}
	return r, w, nil
}
