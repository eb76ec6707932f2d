//go:build darwin

package vmm

import (
	"golang.org/x/sys/unix"
)

// Supported returns true if hardware virtualization is available to this
// process.
func Supported() (bool, error) {
	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, err
	}
	return supported != 0, nil
}

// hostThreadID is constant on Darwin; x/sys exposes no thread id.
func hostThreadID() int { return 0 }

// threadIDs reports whether hostThreadID tells threads apart.
const threadIDs = false
