//go:build windows

package spawning

import (
	"errors"
	"net"
	"os"
)

var errUnsupportedOnWindows = errors.New("spawning: direct/smart spawn requires a POSIX admin-channel socketpair, unsupported on windows")

func newAdminSocketpair() (parent net.Conn, childFile *os.File, err error) {
	return nil, nil, errUnsupportedOnWindows
}

func newHandshakePipe() (readEnd *os.File, writeEnd *os.File, err error) {
	return nil, nil, errUnsupportedOnWindows
}
