//go:build !unix

package celltalk

import (
	"syscall"
)

func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
