//go:build linux

package sockio

import (
	"net"

	"golang.org/x/sys/unix"
)

// setCork applies Linux's TCP_CORK: while set, the kernel withholds partial
// frames until either the corked flag clears or enough data accumulates to
// fill a full segment. It is applied only through Socket.SetCork; the
// engine's own write path does not call it.
func setCork(conn net.Conn, on bool) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctlErr := raw.Control(func(fd uintptr) {
		v := 0
		if on {
			v = 1
		}
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, v)
	})
	if ctlErr != nil {
		return ctlErr
	}
	return setErr
}
