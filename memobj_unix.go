//go:build linux || darwin

package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// HostPageSize returns the host page size, cached for performance
func HostPageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// Wiring hooks; tests replace them to simulate failures.
var (
	mlock   = unix.Mlock
	munlock = unix.Munlock
)

// memObject is anonymous host memory backing one segment. It is reference
// counted: the segment holds one reference and each Hold another.
type memObject struct {
	mem  []byte
	refs atomic.Int32
}

func newMemObject(length uint64) (*memObject, error) {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	o := &memObject{mem: mem}
	o.refs.Store(1)
	return o, nil
}

func (o *memObject) acquire() { o.refs.Add(1) }

func (o *memObject) release() {
	switch n := o.refs.Add(-1); {
	case n == 0:
		unix.Munmap(o.mem)
		o.mem = nil
	case n < 0:
		panic("vmm: memory object released too often")
	}
}

func (o *memObject) wire() error   { return mlock(o.mem) }
func (o *memObject) unwire() error { return munlock(o.mem) }

func (o *memObject) populate(off, n uint64) error {
	return unix.Madvise(o.mem[off:off+n], unix.MADV_WILLNEED)
}

// hostAddr returns the host address of the byte at off.
func (o *memObject) hostAddr(off uint64) uint64 {
	return uint64(uintptr(unsafe.Pointer(&o.mem[off])))
}
