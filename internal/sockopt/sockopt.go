package sockopt

import (
	"fmt"
	"net"
	"syscall"
	"time"
)

// Control returns a net.Dialer/net.ListenConfig Control func that sets the
// TCP user timeout, or nil if d is not positive.
func Control(d time.Duration) func(network, address string, c syscall.RawConn) error {
	if d <= 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = setUserTimeout(fd, d)
		}); err != nil {
			return err
		}
		return serr
	}
}

// SetUserTimeout sets the TCP user timeout on an established connection.
// Connections without a raw socket are left alone.
func SetUserTimeout(conn net.Conn, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	if err := Control(d)("", "", rc); err != nil {
		return fmt.Errorf("tcp user timeout: %w", err)
	}
	return nil
}
