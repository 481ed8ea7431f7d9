//go:build linux

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig returns a net.ListenConfig whose Control callback sets
// SO_REUSEPORT when reusePort is requested, letting several server
// processes share one listening port for zero-downtime restarts —
// grounded on the teacher's PAL convention of isolating OS-specific
// socket behavior behind GOOS-suffixed files (capabilities_linux.go,
// capabilities_darwin.go, capabilities_windows.go), collapsed here to a
// two-way linux/other split since SO_REUSEPORT is the only socket option
// this package needs per platform.
func listenConfig(reusePort bool) net.ListenConfig {
	if !reusePort {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
