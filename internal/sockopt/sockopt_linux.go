//go:build linux

package sockopt

import (
	"time"

	"golang.org/x/sys/unix"
)

// IsSupported reports whether the TCP user timeout is applied on this
// platform.
const IsSupported = true

func setUserTimeout(fd uintptr, d time.Duration) error {
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(d.Milliseconds()))
}
