//go:build unix

package relay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl marks listening sockets SO_REUSEADDR so a restarted gateway
// can rebind ports still in TIME_WAIT.
func listenControl(_, _ string, conn syscall.RawConn) error {
	var operr error

	err := conn.Control(func(fd uintptr) {
		operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}

	return operr
}
