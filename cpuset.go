package vmm

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

// MaxCPUs is the fixed capacity of the per-VM core array.
const MaxCPUs = 64

// CPUSet is a set of core ids in [0, MaxCPUs).
type CPUSet uint64

// NewCPUSet returns a set holding the given cores.
func NewCPUSet(cores ...int) CPUSet {
	var s CPUSet
	for _, c := range cores {
		s = s.Add(c)
	}
	return s
}

// AllCPUs returns the set of the first n cores.
func AllCPUs(n int) CPUSet {
	if n >= MaxCPUs {
		return ^CPUSet(0)
	}
	return CPUSet(1)<<uint(n) - 1
}

func (s CPUSet) Has(core int) bool {
	return core >= 0 && core < MaxCPUs && s&(1<<uint(core)) != 0
}

func (s CPUSet) Add(core int) CPUSet {
	if core < 0 || core >= MaxCPUs {
		return s
	}
	return s | 1<<uint(core)
}

func (s CPUSet) Del(core int) CPUSet {
	if core < 0 || core >= MaxCPUs {
		return s
	}
	return s &^ (1 << uint(core))
}

func (s CPUSet) And(o CPUSet) CPUSet { return s & o }

// SubsetOf reports whether every core in s is also in o.
func (s CPUSet) SubsetOf(o CPUSet) bool { return s&^o == 0 }

func (s CPUSet) Empty() bool { return s == 0 }

func (s CPUSet) Count() int { return bits.OnesCount64(uint64(s)) }

// Cores returns the members in ascending order.
func (s CPUSet) Cores() []int {
	cores := make([]int, 0, s.Count())
	for v := uint64(s); v != 0; v &= v - 1 {
		cores = append(cores, bits.TrailingZeros64(v))
	}
	return cores
}

func (s CPUSet) String() string {
	parts := make([]string, 0, s.Count())
	for _, c := range s.Cores() {
		parts = append(parts, fmt.Sprint(c))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// atomicCPUSet is a CPUSet updated without a lock.
type atomicCPUSet struct {
	v atomic.Uint64
}

func (a *atomicCPUSet) Load() CPUSet { return CPUSet(a.v.Load()) }

func (a *atomicCPUSet) Store(s CPUSet) { a.v.Store(uint64(s)) }

// Set adds core and reports whether it was newly added.
func (a *atomicCPUSet) Set(core int) bool {
	bit := uint64(1) << uint(core)
	return a.v.Or(bit)&bit == 0
}

// Clear removes core and reports whether it was present.
func (a *atomicCPUSet) Clear(core int) bool {
	bit := uint64(1) << uint(core)
	return a.v.And(^bit)&bit != 0
}
