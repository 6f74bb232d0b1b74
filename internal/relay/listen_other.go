//go:build !unix

package relay

import "syscall"

// listenControl is a no-op where SO_REUSEADDR is not set explicitly.
var listenControl func(network, address string, conn syscall.RawConn) error
