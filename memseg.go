package vmm

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// PageSize is the guest page size.
const PageSize = 4096

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

func (p MemPerm) String() string {
	b := []byte("---")
	if p&MemRead != 0 {
		b[0] = 'r'
	}
	if p&MemWrite != 0 {
		b[1] = 'w'
	}
	if p&MemExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type segment struct {
	gpa   uint64
	len   uint64
	wired bool
	obj   *memObject
}

func (s *segment) end() uint64 { return s.gpa + s.len }

func (s *segment) contains(gpa uint64) bool { return gpa >= s.gpa && gpa < s.end() }

// MemSegment describes one allocated guest-physical range.
type MemSegment struct {
	GPA   uint64 `json:"gpa"`
	Len   uint64 `json:"len"`
	Wired bool   `json:"wired"`
}

func isPageAligned(v uint64) bool { return v&(PageSize-1) == 0 }

// Allocate backs the guest-physical range [gpa, gpa+length) with fresh
// host memory. Both values must be page-aligned and non-zero. Requesting a
// range that is already fully allocated is a no-op; a range that overlaps
// existing memory only in part is rejected.
func (vm *VM) Allocate(gpa, length uint64) error {
	if vm.isClosed() {
		return ErrVMClosed
	}
	if length == 0 {
		return fmt.Errorf("%w: zero-length allocation at %#x", ErrInvalidArgument, gpa)
	}
	if !isPageAligned(gpa) || !isPageAligned(length) {
		return fmt.Errorf("%w: gpa %#x len %#x (page size: %d)", ErrInvalidAlignment, gpa, length, PageSize)
	}
	// Security: Prevent integer overflow vulnerabilities
	if gpa > math.MaxUint64-length {
		return fmt.Errorf("%w: guest address range would overflow", ErrInvalidArgument)
	}

	vm.memMu.Lock()
	defer vm.memMu.Unlock()

	end := gpa + length
	var covered uint64
	for _, s := range vm.segments {
		lo, hi := max(gpa, s.gpa), min(end, s.end())
		if lo < hi {
			covered += hi - lo
		}
	}
	switch {
	case covered == length:
		return nil
	case covered > 0:
		return fmt.Errorf("%w: %#x-%#x", ErrSegmentOverlap, gpa, end)
	}
	// The IOMMU domain was sized when the first device was assigned.
	if vm.iommuDom != nil && end > vm.iommuMax {
		return fmt.Errorf("%w: %#x-%#x beyond IOMMU domain limit %#x", ErrInvalidArgument, gpa, end, vm.iommuMax)
	}
	if len(vm.segments) >= vm.cfg.MaxSegments {
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("%w: %d in use", ErrTooManySegments, len(vm.segments))
	}

	obj, err := newMemObject(length)
	if err != nil {
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("failed to allocate %d bytes at %#x: %w", length, gpa, err)
	}
	seg := &segment{gpa: gpa, len: length, obj: obj}

	// Memory added while devices are assigned must be visible to them too.
	if vm.iommuDom != nil {
		if err := vm.wireSegment(seg); err != nil {
			obj.release()
			return err
		}
		if err := vm.mapSegment(seg); err != nil {
			vm.unmapSegment(seg)
			vm.unwireSegment(seg)
			obj.release()
			return err
		}
		vm.cfg.IOMMU.Invalidate(vm.cfg.IOMMU.HostDomain())
	}

	i, _ := slices.BinarySearchFunc(vm.segments, gpa, func(s *segment, gpa uint64) int {
		switch {
		case s.gpa < gpa:
			return -1
		case s.gpa > gpa:
			return 1
		}
		return 0
	})
	vm.segments = slices.Insert(vm.segments, i, seg)
	vm.metrics.segments.Add(1)
	vm.log.Debug("segment allocated", "gpa", fmt.Sprintf("%#x", gpa), "len", length)
	return nil
}

// Segments returns the segment table sorted by guest-physical address.
func (vm *VM) Segments() []MemSegment {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	out := make([]MemSegment, 0, len(vm.segments))
	for _, s := range vm.segments {
		out = append(out, MemSegment{GPA: s.gpa, Len: s.len, Wired: s.wired})
	}
	return out
}

// MemAllocated reports whether gpa lies in an allocated segment.
func (vm *VM) MemAllocated(gpa uint64) bool {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	return vm.findSegment(gpa) != nil
}

// MaxAddr returns the end of the highest allocated segment.
func (vm *VM) MaxAddr() uint64 {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	if len(vm.segments) == 0 {
		return 0
	}
	return vm.segments[len(vm.segments)-1].end()
}

// findSegment must be called with memMu held.
func (vm *VM) findSegment(gpa uint64) *segment {
	i := slices.IndexFunc(vm.segments, func(s *segment) bool { return s.contains(gpa) })
	if i < 0 {
		return nil
	}
	return vm.segments[i]
}

// freeSegments drops every segment. Pass-through must already be torn down.
func (vm *VM) freeSegments() {
	vm.memMu.Lock()
	defer vm.memMu.Unlock()
	for _, s := range vm.segments {
		if s.wired {
			vm.unwireSegment(s)
		}
		s.obj.release()
	}
	vm.segments = nil
}

// populate faults in the page holding gpa. It reports false if gpa is not
// allocated.
func (vm *VM) populate(gpa uint64) (bool, error) {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	s := vm.findSegment(gpa)
	if s == nil {
		return false, nil
	}
	off := (gpa - s.gpa) &^ (PageSize - 1)
	return true, s.obj.populate(off, PageSize)
}

// Hold pins part of one guest page in host memory. Callers must Release it
// exactly once and must not keep it across an operation that changes the
// segment table.
type Hold struct {
	GPA  uint64
	Prot MemPerm
	Data []byte

	vm       *VM
	obj      *memObject
	released atomic.Bool
}

// Release unpins the hold. Releasing twice is fatal.
func (h *Hold) Release() {
	if !h.released.CompareAndSwap(false, true) {
		fatalf(h.vm.log, "hold at gpa %#x released twice", h.GPA)
	}
	h.Data = nil
	h.obj.release()
}

// GPAHold resolves [gpa, gpa+length) to pinned host memory. The range may
// not cross a page boundary.
func (vm *VM) GPAHold(gpa, length uint64, prot MemPerm) (*Hold, error) {
	if prot == 0 || prot&^(MemRead|MemWrite|MemExec) != 0 {
		return nil, fmt.Errorf("%w: invalid permission bits %#x", ErrInvalidArgument, uint(prot))
	}
	pageoff := gpa & (PageSize - 1)
	if length == 0 || length > PageSize-pageoff {
		return nil, fmt.Errorf("%w: hold of %d bytes at %#x crosses a page", ErrInvalidArgument, length, gpa)
	}

	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	s := vm.findSegment(gpa)
	if s == nil {
		return nil, fmt.Errorf("%w: gpa %#x", ErrMemoryNotMapped, gpa)
	}
	off := gpa - s.gpa
	s.obj.acquire()
	vm.metrics.holds.Add(1)
	return &Hold{
		GPA:  gpa,
		Prot: prot,
		Data: s.obj.mem[off : off+length : off+length],
		vm:   vm,
		obj:  s.obj,
	}, nil
}

// guestSlice returns the host memory behind [gpa, gpa+n), which must lie
// in one segment. memMu must be held.
func (vm *VM) guestSlice(gpa uint64, n int) ([]byte, error) {
	s := vm.findSegment(gpa)
	if s == nil {
		return nil, fmt.Errorf("%w: gpa %#x", ErrMemoryNotMapped, gpa)
	}
	off := gpa - s.gpa
	if uint64(n) > s.len-off {
		return nil, fmt.Errorf("%w: %#x+%d runs past segment end %#x", ErrMemoryNotMapped, gpa, n, s.end())
	}
	return s.obj.mem[off : off+uint64(n)], nil
}

// ReadGuest copies guest memory at gpa into buf.
func (vm *VM) ReadGuest(gpa uint64, buf []byte) error {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	mem, err := vm.guestSlice(gpa, len(buf))
	if err != nil {
		return err
	}
	copy(buf, mem)
	return nil
}

// WriteGuest copies data into guest memory at gpa.
func (vm *VM) WriteGuest(gpa uint64, data []byte) error {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	mem, err := vm.guestSlice(gpa, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}
