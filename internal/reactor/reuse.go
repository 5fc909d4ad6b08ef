package reactor

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseListenConfig builds a net.ListenConfig whose Control hook sets
// SO_REUSEADDR unconditionally (grounded in
// original_source/src/SSEServer.cpp's setsockopt(SO_REUSEADDR) call
// ahead of bind) and, when reusePort is true, also SO_REUSEPORT so
// multiple --workers processes can share one listening port.
func reuseListenConfig(reusePort bool) net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				if reusePort {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}
