package vmm

import (
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestVCPUStateTransitions(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vm, _ := newTestVM(t, Config{}, 1)
	c := &vm.cpus[0]

	tests := []struct {
		from     VCPUState
		to       VCPUState
		fromIdle bool
		legal    bool
	}{
		{StateIdle, StateFrozen, true, true},
		{StateIdle, StateRunning, true, false},
		{StateIdle, StateSleeping, true, false},
		{StateFrozen, StateIdle, false, true},
		{StateFrozen, StateRunning, false, true},
		{StateFrozen, StateSleeping, false, true},
		{StateFrozen, StateFrozen, false, false},
		{StateRunning, StateFrozen, false, true},
		{StateRunning, StateIdle, false, false},
		{StateRunning, StateSleeping, false, false},
		{StateSleeping, StateFrozen, false, true},
		{StateSleeping, StateRunning, false, false},
		{StateSleeping, StateIdle, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			c.mu.Lock()
			defer func() {
				c.state = StateIdle
				c.hostcpu = NoHostCPU
				c.mu.Unlock()
			}()
			c.state = tt.from
			if tt.from == StateRunning {
				c.hostcpu = hostThreadID()
			}

			err := c.setStateLocked(tt.to, tt.fromIdle)
			if tt.legal {
				if err != nil {
					t.Fatalf("setStateLocked() failed: %v", err)
				}
				if c.state != tt.to {
					t.Errorf("state = %v, want %v", c.state, tt.to)
				}
				if (c.state == StateRunning) != (c.hostcpu != NoHostCPU) && threadIDs {
					t.Errorf("hostcpu %d in state %v", c.hostcpu, c.state)
				}
				return
			}
			if !errors.Is(err, ErrStateTransition) {
				t.Errorf("setStateLocked() error = %v, want ErrStateTransition", err)
			}
			if c.state != tt.from {
				t.Errorf("state changed to %v on illegal transition", c.state)
			}
		})
	}
}

func TestVCPUStateString(t *testing.T) {
	for st, want := range map[VCPUState]string{
		StateIdle:     "idle",
		StateFrozen:   "frozen",
		StateRunning:  "running",
		StateSleeping: "sleeping",
		VCPUState(9):  "state(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("VCPUState(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestInternalTransitionFromIdlePanics(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 1)
	mustPanic(t, "internal transition from idle", func() {
		vm.cpus[0].setState(StateRunning, false)
	})
}

func TestFreezeThaw(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 1)

	if err := vm.Freeze(0); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	if st, host, _ := vm.State(0); st != StateFrozen || host != NoHostCPU {
		t.Fatalf("State() = %v, %d; want frozen, %d", st, host, NoHostCPU)
	}

	// A second owner waits for the first to let go.
	frozen := make(chan error, 1)
	go func() { frozen <- vm.Freeze(0) }()
	select {
	case err := <-frozen:
		t.Fatalf("second Freeze() returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := vm.Thaw(0); err != nil {
		t.Fatalf("Thaw() failed: %v", err)
	}
	select {
	case err := <-frozen:
		if err != nil {
			t.Fatalf("second Freeze() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Freeze() never acquired the core")
	}
	if err := vm.Thaw(0); err != nil {
		t.Fatalf("Thaw() failed: %v", err)
	}
	if err := vm.Thaw(0); !errors.Is(err, ErrStateTransition) {
		t.Errorf("Thaw() of idle core error = %v, want ErrStateTransition", err)
	}
}

func TestThawOnlyExternalFreeze(t *testing.T) {
	vm, b := newTestVM(t, Config{}, 1)
	b.setRun(script(map[int][]ExitRecord{0: {haltExit(0, false)}}))

	done := goRun(t.Context(), vm, 0)
	waitState(t, vm, 0, StateSleeping)

	// Inside a rendezvous the core is frozen by its own run loop.
	var state VCPUState
	var thawErr error
	fn := func(vm *VM, core int, arg any) {
		state, _, _ = vm.State(core)
		thawErr = vm.Thaw(core)
	}
	if err := vm.Rendezvous(NoCore, NewCPUSet(0), fn, nil); err != nil {
		t.Fatalf("Rendezvous() failed: %v", err)
	}
	if state != StateFrozen {
		t.Errorf("State() in callback = %v, want frozen", state)
	}
	if !errors.Is(thawErr, ErrStateTransition) {
		t.Errorf("Thaw() of run-loop core error = %v, want ErrStateTransition", thawErr)
	}

	if err := vm.InjectNMI(0); err != nil {
		t.Fatalf("InjectNMI() failed: %v", err)
	}
	recv(t, done)

	if err := vm.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := vm.Thaw(0); !errors.Is(err, ErrStateTransition) {
		t.Errorf("Thaw() of closed core error = %v, want ErrStateTransition", err)
	}
}

func TestInvalidCore(t *testing.T) {
	vm, _ := newTestVM(t, Config{MaxCPUs: 2}, 0)

	for _, core := range []int{-1, 2, MaxCPUs} {
		if err := vm.Freeze(core); !errors.Is(err, ErrInvalidCore) {
			t.Errorf("Freeze(%d) error = %v, want ErrInvalidCore", core, err)
		}
		if _, _, err := vm.State(core); !errors.Is(err, ErrInvalidCore) {
			t.Errorf("State(%d) error = %v, want ErrInvalidCore", core, err)
		}
		if err := vm.ActivateCPU(core); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ActivateCPU(%d) error = %v, want ErrInvalidArgument", core, err)
		}
		if err := vm.Notify(core); !errors.Is(err, ErrInvalidCore) {
			t.Errorf("Notify(%d) error = %v, want ErrInvalidCore", core, err)
		}
	}
}

func TestActivateDeactivate(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 0)

	if err := vm.ActivateCPU(1); err != nil {
		t.Fatalf("ActivateCPU(1) failed: %v", err)
	}
	if err := vm.ActivateCPU(1); !errors.Is(err, ErrBusy) {
		t.Errorf("second ActivateCPU(1) error = %v, want ErrBusy", err)
	}
	if got := vm.ActiveCPUs(); got != NewCPUSet(1) {
		t.Errorf("ActiveCPUs() = %v", got)
	}
	if err := vm.DeactivateCPU(1); err != nil {
		t.Fatalf("DeactivateCPU(1) failed: %v", err)
	}
	if err := vm.DeactivateCPU(1); !errors.Is(err, ErrCoreNotActive) {
		t.Errorf("second DeactivateCPU(1) error = %v, want ErrCoreNotActive", err)
	}
	if !vm.ActiveCPUs().Empty() {
		t.Errorf("ActiveCPUs() = %v after deactivation", vm.ActiveCPUs())
	}
}

func TestNotifyKicksRunningCore(t *testing.T) {
	vm, b := newTestVM(t, Config{}, 1)

	release := make(chan struct{})
	b.setRun(func(core int, rip uint64, e *Entry) (ExitRecord, error) {
		<-release
		return outExit(rip), nil
	})

	done := goRun(t.Context(), vm, 0)
	waitState(t, vm, 0, StateRunning)

	if host, _ := vm.HostCPU(0); threadIDs && host == NoHostCPU {
		t.Error("running core has no host thread")
	}
	if err := vm.Notify(0); err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	if n := b.state().kicks.Load(); n != 1 {
		t.Errorf("kicks = %d, want 1", n)
	}
	close(release)

	if r := recv(t, done); r.err != nil {
		t.Fatalf("Run() failed: %v", r.err)
	}
	if host, _ := vm.HostCPU(0); host != NoHostCPU {
		t.Errorf("HostCPU() = %d after Run", host)
	}
}
