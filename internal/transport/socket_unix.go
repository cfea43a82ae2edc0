//go:build !windows

package transport

import "golang.org/x/sys/unix"

// setSocketOptions enables SO_REUSEADDR and SO_BROADCAST on fd.
//
// SO_REUSEADDR lets the gateway rebind :13400 quickly after a restart;
// SO_BROADCAST is required to send the optional startup Vehicle
// Announcement (ISO 13400-2 §4.7) to a subnet broadcast address.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
}
