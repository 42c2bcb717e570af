//go:build !linux

package sockopt

import "time"

const IsSupported = false

func setUserTimeout(_ uintptr, _ time.Duration) error {
	return nil
}
