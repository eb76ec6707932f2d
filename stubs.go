//go:build !linux && !darwin

package vmm

import "fmt"

// Supported returns false on platforms without a hardware probe.
func Supported() (bool, error) {
	return false, fmt.Errorf("vmm: hardware probe not supported on this platform")
}

func hostThreadID() int { return 0 }

// threadIDs reports whether hostThreadID tells threads apart.
const threadIDs = false
