package vmm

import "fmt"

// RendezvousFunc runs once on each targeted core, on that core's thread.
// It must not Freeze its own core.
type RendezvousFunc func(vm *VM, core int, arg any)

// NoCore is the initiator of a rendezvous started outside any core's
// thread. Such an initiator only waits for completion.
const NoCore = -1

// Rendezvous runs fn on every core in dest and returns once each of them
// that is still active has run it exactly once. initiator is the calling
// core, or NoCore. If another rendezvous is in flight it is joined and
// completed first. A rendezvous cannot be cancelled.
func (vm *VM) Rendezvous(initiator int, dest CPUSet, fn RendezvousFunc, arg any) error {
	if fn == nil {
		return fmt.Errorf("%w: nil rendezvous func", ErrInvalidArgument)
	}
	if initiator != NoCore {
		if _, err := vm.vcpu(initiator); err != nil {
			return err
		}
	}
	if !dest.SubsetOf(AllCPUs(vm.cfg.MaxCPUs)) {
		return fmt.Errorf("%w: rendezvous set %v exceeds %d cores", ErrInvalidArgument, dest, vm.cfg.MaxCPUs)
	}
	if active := vm.active.Load(); !dest.SubsetOf(active) {
		return fmt.Errorf("%w: rendezvous set %v not active (%v)", ErrInvalidArgument, dest, active)
	}
	if vm.isClosed() {
		return ErrVMClosed
	}

	for {
		vm.rvMu.Lock()
		if vm.rvFunc == nil {
			break
		}
		vm.rvMu.Unlock()
		vm.log.Debug("rendezvous in flight, joining first", "core", initiator)
		vm.handleRendezvous(initiator)
	}

	vm.rvReq = dest
	vm.rvDone = 0
	vm.rvArg = arg
	vm.rvFunc = fn
	vm.rvPending.Store(true)
	vm.rvMu.Unlock()

	vm.metrics.rendezvous.Add(1)
	vm.log.Debug("rendezvous started", "core", initiator, "dest", dest)

	for _, core := range dest.Cores() {
		if core != initiator {
			vm.cpus[core].notify()
		}
	}
	vm.handleRendezvous(initiator)
	return nil
}

func (vm *VM) rendezvousPending() bool { return vm.rvPending.Load() }

// handleRendezvous joins the in-flight rendezvous, if any, as core: it
// runs the callback if core is targeted and has not run it yet, then waits
// until every targeted active core has.
func (vm *VM) handleRendezvous(core int) {
	vm.rvMu.Lock()
	defer vm.rvMu.Unlock()

	for vm.rvFunc != nil {
		// Cores deactivated mid-rendezvous are dropped.
		vm.rvReq = vm.rvReq.And(vm.active.Load())

		if core != NoCore && vm.rvReq.Has(core) && !vm.rvDone.Has(core) {
			fn, arg := vm.rvFunc, vm.rvArg
			vm.rvMu.Unlock()
			fn(vm, core, arg)
			vm.rvMu.Lock()
			vm.rvDone = vm.rvDone.Add(core)
		}

		if vm.rvReq.SubsetOf(vm.rvDone) {
			vm.log.Debug("rendezvous complete", "core", core, "done", vm.rvDone)
			vm.rvFunc = nil
			vm.rvArg = nil
			vm.rvPending.Store(false)
			vm.rvWait.broadcast()
			return
		}
		vm.rvWait.wait(&vm.rvMu, vm.cfg.WaitTick)
	}
}
