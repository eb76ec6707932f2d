package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/x86"
)

// Result is what a scenario observed.
type Result struct {
	Scenario      string                 `json:"scenario"`
	VM            string                 `json:"vm"`
	Exits         map[int]vmm.ExitRecord `json:"exits"`
	SuspendReason vmm.SuspendReason      `json:"suspend_reason"`
	Delivered     map[int][]vmm.Event    `json:"delivered,omitempty"`

	// RendezvousRuns counts rendezvous callbacks per core.
	RendezvousRuns map[int]int `json:"rendezvous_runs,omitempty"`
	// StillHalted reports that a core was back in its halt wait after
	// joining a rendezvous.
	StillHalted bool `json:"still_halted,omitempty"`
}

// Scenario runs one end-to-end exercise of the control plane on a sim
// backend registered with reg.
type Scenario func(ctx context.Context, reg *vmm.Registry, b *Backend) (*Result, error)

// Scenarios are the built-in scenarios by name.
var Scenarios = map[string]Scenario{
	"halt":         HaltScenario,
	"double-fault": DoubleFaultScenario,
	"rendezvous":   RendezvousScenario,
}

// ScenarioNames returns the built-in scenario names, sorted.
func ScenarioNames() []string {
	names := make([]string, 0, len(Scenarios))
	for name := range Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newResult(name string, vm *vmm.VM) *Result {
	return &Result{
		Scenario:  name,
		VM:        vm.Name(),
		Exits:     make(map[int]vmm.ExitRecord),
		Delivered: make(map[int][]vmm.Event),
	}
}

func setup(reg *vmm.Registry, b *Backend, name string, cores int) (*vmm.VM, *State, error) {
	vm, err := reg.CreateVM(name)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < cores; i++ {
		if err := vm.ActivateCPU(i); err != nil {
			reg.Destroy(name)
			return nil, nil, err
		}
	}
	return vm, b.State(name), nil
}

// runAll runs the given cores concurrently to their next exit.
func runAll(ctx context.Context, vm *vmm.VM, cores ...int) (map[int]vmm.ExitRecord, error) {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		exits = make(map[int]vmm.ExitRecord)
		errs  []error
	)
	for _, core := range cores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exit, err := vm.Run(ctx, core)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("core %d: %w", core, err))
				return
			}
			exits[core] = exit
		}()
	}
	wg.Wait()
	return exits, errors.Join(errs...)
}

// WaitState polls until core reaches st.
func WaitState(ctx context.Context, vm *vmm.VM, core int, st vmm.VCPUState) error {
	for {
		got, _, err := vm.State(core)
		if err != nil {
			return err
		}
		if got == st {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("core %d stuck in %v waiting for %v: %w", core, got, st, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// HaltScenario halts two cores with interrupts disabled. The VM ends up
// suspended with SuspendHalt.
func HaltScenario(ctx context.Context, reg *vmm.Registry, b *Backend) (*Result, error) {
	vm, st, err := setup(reg, b, "halt", 2)
	if err != nil {
		return nil, err
	}
	defer reg.Destroy(vm.Name())

	if err := vm.Allocate(0x100000, vmm.PageSize); err != nil {
		return nil, err
	}
	st.Push(0, Halt(true))
	st.Push(1, Halt(true))

	res := newResult("halt", vm)
	res.Exits, err = runAll(ctx, vm, 0, 1)
	res.SuspendReason = vm.SuspendReason()
	return res, err
}

// DoubleFaultScenario interrupts delivery of a page fault with an exit and
// then injects a general-protection fault. The guest receives a double
// fault.
func DoubleFaultScenario(ctx context.Context, reg *vmm.Registry, b *Backend) (*Result, error) {
	vm, st, err := setup(reg, b, "double-fault", 1)
	if err != nil {
		return nil, err
	}
	defer reg.Destroy(vm.Name())

	pf := vmm.Event{Type: vmm.EventHWException, Vector: x86.VectorPF, ErrCodeValid: true, ErrCode: 0x2}
	st.Push(0, Interrupted(pf, Out(0x80, 1)), Out(0x80, 2))

	res := newResult("double-fault", vm)
	if _, err := vm.Run(ctx, 0); err != nil {
		return nil, err
	}
	if err := vm.InjectGP(0); err != nil {
		return nil, err
	}
	exit, err := vm.Run(ctx, 0)
	if err != nil {
		return nil, err
	}
	res.Exits[0] = exit
	res.Delivered[0] = st.Delivered(0)
	res.SuspendReason = vm.SuspendReason()
	return res, nil
}

// RendezvousScenario starts a rendezvous on core 0 while core 1 sleeps in
// a halt. Core 1 runs the callback, goes back to its halt and only leaves
// it for an NMI.
func RendezvousScenario(ctx context.Context, reg *vmm.Registry, b *Backend) (*Result, error) {
	vm, st, err := setup(reg, b, "rendezvous", 2)
	if err != nil {
		return nil, err
	}
	defer reg.Destroy(vm.Name())

	var runs [2]atomic.Int32
	count := func(vm *vmm.VM, core int, arg any) { runs[core].Add(1) }

	var rvErr error
	st.Push(0,
		Call(func(core int) { rvErr = vm.Rendezvous(core, vmm.NewCPUSet(0, 1), count, nil) }),
		Out(0x80, 0),
	)
	st.Push(1, Halt(false), Out(0x80, 1))

	res := newResult("rendezvous", vm)

	type runResult struct {
		exit vmm.ExitRecord
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		exit, err := vm.Run(ctx, 1)
		done <- runResult{exit, err}
	}()
	if err := WaitState(ctx, vm, 1, vmm.StateSleeping); err != nil {
		return nil, err
	}

	exit, err := vm.Run(ctx, 0)
	if err != nil {
		return nil, err
	}
	if rvErr != nil {
		return nil, fmt.Errorf("rendezvous: %w", rvErr)
	}
	res.Exits[0] = exit

	if err := WaitState(ctx, vm, 1, vmm.StateSleeping); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return nil, fmt.Errorf("core 1 left its halt early: %v %v", r.exit.String(), r.err)
	default:
		res.StillHalted = true
	}

	if err := vm.InjectNMI(1); err != nil {
		return nil, err
	}
	r := <-done
	if r.err != nil {
		return nil, r.err
	}
	res.Exits[1] = r.exit
	res.Delivered[1] = st.Delivered(1)
	res.RendezvousRuns = map[int]int{0: int(runs[0].Load()), 1: int(runs[1].Load())}
	res.SuspendReason = vm.SuspendReason()
	return res, nil
}

// Verify checks r against the outcome its scenario is meant to produce.
func (r *Result) Verify() error {
	switch r.Scenario {
	case "halt":
		if r.SuspendReason != vmm.SuspendHalt {
			return fmt.Errorf("halt: suspend reason %v, want %v", r.SuspendReason, vmm.SuspendHalt)
		}
		for core := 0; core < 2; core++ {
			exit, ok := r.Exits[core]
			if !ok || exit.Reason != vmm.ExitSuspended || exit.Suspended == nil || exit.Suspended.How != vmm.SuspendHalt {
				return fmt.Errorf("halt: core %d exit %v", core, exit.String())
			}
		}
	case "double-fault":
		ev := r.Delivered[0]
		if len(ev) != 1 {
			return fmt.Errorf("double-fault: delivered %v, want one event", ev)
		}
		if ev[0].Type != vmm.EventHWException || ev[0].Vector != x86.VectorDF || !ev[0].ErrCodeValid || ev[0].ErrCode != 0 {
			return fmt.Errorf("double-fault: delivered %v", ev[0])
		}
	case "rendezvous":
		if r.RendezvousRuns[0] != 1 || r.RendezvousRuns[1] != 1 {
			return fmt.Errorf("rendezvous: callback runs %v, want one per core", r.RendezvousRuns)
		}
		if !r.StillHalted {
			return fmt.Errorf("rendezvous: core 1 lost its halt")
		}
		if exit := r.Exits[1]; exit.Reason != vmm.ExitInOut {
			return fmt.Errorf("rendezvous: core 1 exit %v", exit.String())
		}
	default:
		return fmt.Errorf("unknown scenario %q", r.Scenario)
	}
	return nil
}
