//go:build linux

package vmm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Supported returns true if /dev/kvm exists and is accessible.
func Supported() (bool, error) {
	err := unix.Access("/dev/kvm", unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENOENT):
		return false, nil
	}
	return false, err
}

// hostThreadID identifies the calling host thread. Callers that compare
// ids across calls must be locked to their thread.
func hostThreadID() int { return unix.Gettid() }

// threadIDs reports whether hostThreadID tells threads apart.
const threadIDs = true
