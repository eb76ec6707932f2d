//go:build !linux && !darwin

package vmm

import (
	"sync/atomic"
	"unsafe"
)

// HostPageSize returns the guest page size where the host's is unknown.
func HostPageSize() int { return PageSize }

var (
	mlock   = func([]byte) error { return nil }
	munlock = func([]byte) error { return nil }
)

type memObject struct {
	mem  []byte
	refs atomic.Int32
}

func newMemObject(length uint64) (*memObject, error) {
	o := &memObject{mem: make([]byte, length)}
	o.refs.Store(1)
	return o, nil
}

func (o *memObject) acquire() { o.refs.Add(1) }

func (o *memObject) release() {
	switch n := o.refs.Add(-1); {
	case n == 0:
		o.mem = nil
	case n < 0:
		panic("vmm: memory object released too often")
	}
}

func (o *memObject) wire() error   { return mlock(o.mem) }
func (o *memObject) unwire() error { return munlock(o.mem) }

func (o *memObject) populate(off, n uint64) error { return nil }

func (o *memObject) hostAddr(off uint64) uint64 {
	return uint64(uintptr(unsafe.Pointer(&o.mem[off])))
}
