package vmm

import (
	"testing"

	"golang.org/x/exp/slices"
)

func TestCPUSet(t *testing.T) {
	s := NewCPUSet(0, 3, 63)

	if got := s.Cores(); !slices.Equal(got, []int{0, 3, 63}) {
		t.Errorf("Cores() = %v, want [0 3 63]", got)
	}
	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
	if got := s.String(); got != "{0,3,63}" {
		t.Errorf("String() = %q", got)
	}
	for _, core := range []int{-1, 1, 64, 1000} {
		if s.Has(core) {
			t.Errorf("Has(%d) = true", core)
		}
	}
	if s.Add(64) != s || s.Add(-1) != s || s.Del(64) != s {
		t.Error("out-of-range cores must not change the set")
	}
	if got := s.Del(3).Cores(); !slices.Equal(got, []int{0, 63}) {
		t.Errorf("Del(3) = %v", got)
	}
	if !CPUSet(0).Empty() || s.Empty() {
		t.Error("Empty() mismatch")
	}
	if CPUSet(0).String() != "{}" {
		t.Errorf("empty set String() = %q", CPUSet(0).String())
	}
}

func TestAllCPUs(t *testing.T) {
	tests := []struct {
		n    int
		want CPUSet
	}{
		{0, 0},
		{1, 1},
		{3, 0b111},
		{MaxCPUs, ^CPUSet(0)},
		{MaxCPUs + 1, ^CPUSet(0)},
	}
	for _, tt := range tests {
		if got := AllCPUs(tt.n); got != tt.want {
			t.Errorf("AllCPUs(%d) = %#x, want %#x", tt.n, uint64(got), uint64(tt.want))
		}
	}
}

func TestCPUSetSubset(t *testing.T) {
	tests := []struct {
		name string
		a, b CPUSet
		want bool
	}{
		{"empty in empty", 0, 0, true},
		{"empty in any", 0, NewCPUSet(1), true},
		{"equal", NewCPUSet(1, 2), NewCPUSet(1, 2), true},
		{"proper subset", NewCPUSet(1), NewCPUSet(1, 2), true},
		{"superset", NewCPUSet(1, 2), NewCPUSet(1), false},
		{"disjoint", NewCPUSet(0), NewCPUSet(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.SubsetOf(tt.b); got != tt.want {
				t.Errorf("%v.SubsetOf(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
	if got := NewCPUSet(0, 1, 2).And(NewCPUSet(1, 2, 3)); got != NewCPUSet(1, 2) {
		t.Errorf("And() = %v", got)
	}
}

func TestAtomicCPUSet(t *testing.T) {
	var a atomicCPUSet

	if !a.Set(5) {
		t.Error("first Set(5) should report newly added")
	}
	if a.Set(5) {
		t.Error("second Set(5) should report already present")
	}
	if a.Load() != NewCPUSet(5) {
		t.Errorf("Load() = %v", a.Load())
	}
	if !a.Clear(5) {
		t.Error("Clear(5) should report present")
	}
	if a.Clear(5) {
		t.Error("second Clear(5) should report absent")
	}
	a.Store(AllCPUs(4))
	if a.Load().Count() != 4 {
		t.Errorf("Store(AllCPUs(4)) then Load() = %v", a.Load())
	}
}
