//go:build windows

package transport

import "golang.org/x/sys/windows"

// setSocketOptions enables SO_REUSEADDR and SO_BROADCAST on fd.
//
// This is the same option set socket_unix.go applies on Linux/BSD.
func setSocketOptions(fd uintptr) error {
	h := windows.Handle(fd)
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
}
