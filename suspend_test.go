package vmm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSuspendReasonString(t *testing.T) {
	tests := []struct {
		reason SuspendReason
		want   string
	}{
		{SuspendNone, "none"},
		{SuspendReset, "reset"},
		{SuspendPowerOff, "poweroff"},
		{SuspendHalt, "halt"},
		{SuspendTripleFault, "triplefault"},
		{SuspendReason(42), "suspend(42)"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("SuspendReason(%d).String() = %q, want %q", int32(tt.reason), got, tt.want)
		}
		text, _ := tt.reason.MarshalText()
		if string(text) != tt.want {
			t.Errorf("SuspendReason(%d).MarshalText() = %q, want %q", int32(tt.reason), text, tt.want)
		}
	}
}

func TestSuspendOnce(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 2)

	for _, reason := range []SuspendReason{SuspendNone, suspendLast, -1} {
		if err := vm.Suspend(reason); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Suspend(%v) error = %v, want ErrInvalidArgument", reason, err)
		}
	}
	if vm.SuspendReason() != SuspendNone {
		t.Fatalf("invalid Suspend() changed the reason to %v", vm.SuspendReason())
	}

	if err := vm.Suspend(SuspendReset); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	err := vm.Suspend(SuspendPowerOff)
	if !errors.Is(err, ErrAlreadySuspended) || !errors.Is(err, VMMError{Code: CodeAlreadyDone}) {
		t.Errorf("second Suspend() error = %v, want ErrAlreadySuspended", err)
	}
	if vm.SuspendReason() != SuspendReset {
		t.Errorf("SuspendReason() = %v, want %v", vm.SuspendReason(), SuspendReset)
	}
}

func TestRunAfterSuspend(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 1)

	if err := vm.Suspend(SuspendReset); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	exit, err := vm.Run(t.Context(), 0)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if exit.Reason != ExitSuspended || exit.Suspended == nil || exit.Suspended.How != SuspendReset {
		t.Errorf("Run() = %v, want suspended (reset)", exit.String())
	}
	if !vm.SuspendedCPUs().Has(0) {
		t.Error("core 0 not in the suspended set")
	}
	if _, err := vm.Run(t.Context(), 0); !errors.Is(err, ErrCoreSuspended) {
		t.Errorf("Run() of suspended core error = %v, want ErrCoreSuspended", err)
	}
	last, _ := vm.LastExit(0)
	if last.Reason != ExitSuspended {
		t.Errorf("LastExit() = %v", last.String())
	}
}

func TestSuspendWaitsForEveryCore(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 2)

	if err := vm.Suspend(SuspendPowerOff); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	done0 := goRun(t.Context(), vm, 0)
	select {
	case r := <-done0:
		t.Fatalf("core 0 returned before core 1 suspended: %v %v", r.exit.String(), r.err)
	case <-time.After(30 * time.Millisecond):
	}

	done1 := goRun(t.Context(), vm, 1)
	for core, done := range []<-chan runResult{done0, done1} {
		r := recv(t, done)
		if r.err != nil {
			t.Fatalf("core %d: Run() failed: %v", core, r.err)
		}
		if r.exit.Reason != ExitSuspended || r.exit.Suspended.How != SuspendPowerOff {
			t.Errorf("core %d: Run() = %v", core, r.exit.String())
		}
	}
	if vm.SuspendedCPUs() != vm.ActiveCPUs() {
		t.Errorf("suspended %v, active %v", vm.SuspendedCPUs(), vm.ActiveCPUs())
	}
}

func TestSuspendWaitCancelled(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 2)
	if err := vm.Suspend(SuspendReset); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	exit, err := vm.Run(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if exit.Reason != ExitSuspended {
		t.Errorf("Run() = %v, want suspended", exit.String())
	}
}

func TestSuspendKicksRunningCore(t *testing.T) {
	vm, b := newTestVM(t, Config{}, 1)

	b.setRun(func(core int, rip uint64, e *Entry) (ExitRecord, error) {
		for !e.SuspendPending() {
			time.Sleep(time.Millisecond)
		}
		return ExitRecord{Reason: ExitBogus, RIP: rip}, nil
	})
	done := goRun(t.Context(), vm, 0)
	waitState(t, vm, 0, StateRunning)

	if err := vm.Suspend(SuspendPowerOff); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	r := recv(t, done)
	if r.err != nil || r.exit.Reason != ExitSuspended {
		t.Fatalf("Run() = %v, %v", r.exit.String(), r.err)
	}
	if b.state().kicks.Load() == 0 {
		t.Error("running core was not kicked")
	}
}

func TestReinit(t *testing.T) {
	vm, b := newTestVM(t, Config{}, 1)

	if err := vm.Allocate(0x100000, PageSize); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if err := vm.Reinit(); !errors.Is(err, ErrNotSuspended) || !errors.Is(err, ErrBusy) {
		t.Fatalf("Reinit() of running VM error = %v, want ErrNotSuspended", err)
	}

	if err := vm.Suspend(SuspendReset); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	if _, err := vm.Run(t.Context(), 0); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	old := vm.Generation()
	oldState := b.state()
	if err := vm.Reinit(); err != nil {
		t.Fatalf("Reinit() failed: %v", err)
	}
	if vm.Generation() == old {
		t.Error("Generation() unchanged by Reinit")
	}
	if !oldState.destroyed {
		t.Error("old backend state not destroyed")
	}
	if b.state() == oldState {
		t.Error("backend state not recreated")
	}
	if vm.SuspendReason() != SuspendNone {
		t.Errorf("SuspendReason() = %v after Reinit", vm.SuspendReason())
	}
	if !vm.ActiveCPUs().Empty() || !vm.SuspendedCPUs().Empty() || !vm.HaltedCPUs().Empty() {
		t.Errorf("core sets not cleared: active %v suspended %v halted %v",
			vm.ActiveCPUs(), vm.SuspendedCPUs(), vm.HaltedCPUs())
	}
	if len(vm.Segments()) != 0 {
		t.Errorf("Segments() = %v after Reinit", vm.Segments())
	}
	for core := 0; core < vm.Config().MaxCPUs; core++ {
		if st, _, _ := vm.State(core); st != StateIdle {
			t.Errorf("core %d is %v after Reinit", core, st)
		}
	}

	// The new generation runs from scratch.
	if err := vm.ActivateCPU(0); err != nil {
		t.Fatalf("ActivateCPU() failed: %v", err)
	}
	exit, err := vm.Run(t.Context(), 0)
	if err != nil {
		t.Fatalf("Run() after Reinit failed: %v", err)
	}
	if exit.Reason != ExitInOut || exit.RIP != 0 {
		t.Errorf("Run() after Reinit = %v", exit.String())
	}
	if got := vm.reg.Metrics().VMReinit; got != 1 {
		t.Errorf("VMReinit = %d, want 1", got)
	}
}

func TestReinitWithoutActiveCores(t *testing.T) {
	vm, _ := newTestVM(t, Config{}, 0)
	if err := vm.Reinit(); err != nil {
		t.Errorf("Reinit() of empty VM failed: %v", err)
	}
}

func TestSuspendSkipsDeactivatedCore(t *testing.T) {
	vm, b := newTestVM(t, Config{}, 2)

	release := make(chan struct{})
	b.setRun(func(core int, rip uint64, e *Entry) (ExitRecord, error) {
		if core == 1 {
			<-release
			if e.SuspendPending() {
				return ExitRecord{Reason: ExitSuspended, RIP: rip}, nil
			}
		}
		return outExit(rip), nil
	})

	done1 := goRun(t.Context(), vm, 1)
	waitState(t, vm, 1, StateRunning)
	if err := vm.DeactivateCPU(1); err != nil {
		t.Fatalf("DeactivateCPU() failed: %v", err)
	}
	if err := vm.Suspend(SuspendPowerOff); err != nil {
		t.Fatalf("Suspend() failed: %v", err)
	}
	close(release)

	r := recv(t, done1)
	if !errors.Is(r.err, ErrCoreNotActive) {
		t.Errorf("deactivated core: Run() = %v, %v; want ErrCoreNotActive", r.exit.String(), r.err)
	}

	exit, err := vm.Run(t.Context(), 0)
	if err != nil || exit.Reason != ExitSuspended {
		t.Fatalf("Run() = %v, %v; want suspended", exit.String(), err)
	}
	if got := vm.SuspendedCPUs(); got != NewCPUSet(0) {
		t.Errorf("SuspendedCPUs() = %v, want only core 0", got)
	}
	if err := vm.Reinit(); err != nil {
		t.Errorf("Reinit() failed: %v", err)
	}
}
