//go:build !linux

package server

import "net"

// listenConfig is a no-op on non-Linux platforms: SO_REUSEPORT has no
// portable equivalent, so reusePort is silently ignored rather than
// failing the listener.
func listenConfig(reusePort bool) net.ListenConfig {
	return net.ListenConfig{}
}
