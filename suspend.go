package vmm

import (
	"context"
	"fmt"
)

// SuspendReason records why a VM was suspended.
type SuspendReason int32

const (
	SuspendNone SuspendReason = iota
	SuspendReset
	SuspendPowerOff
	SuspendHalt
	SuspendTripleFault
	suspendLast
)

var suspendNames = [...]string{"none", "reset", "poweroff", "halt", "triplefault"}

func (r SuspendReason) String() string {
	if r >= 0 && r < suspendLast {
		return suspendNames[r]
	}
	return fmt.Sprintf("suspend(%d)", int32(r))
}

func (r SuspendReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// SuspendReason returns the reason the VM was suspended, or SuspendNone.
func (vm *VM) SuspendReason() SuspendReason { return SuspendReason(vm.suspend.Load()) }

// Suspend requests an orderly stop of every active core. The reason is set
// once per generation; later calls fail with ErrAlreadySuspended. Each
// active core is notified and its run loop returns an ExitSuspended record
// once every active core has stopped.
func (vm *VM) Suspend(reason SuspendReason) error {
	if reason <= SuspendNone || reason >= suspendLast {
		return fmt.Errorf("%w: suspend reason %d", ErrInvalidArgument, int32(reason))
	}
	if !vm.suspend.CompareAndSwap(int32(SuspendNone), int32(reason)) {
		return fmt.Errorf("%w: %v requested, %v in effect", ErrAlreadySuspended, reason, vm.SuspendReason())
	}
	vm.metrics.suspends.Add(1)
	vm.log.Info("VM suspending", "reason", reason)

	vm.notifyAll(vm.active.Load())
	return nil
}

// allSuspended reports whether every active core has stopped.
func (vm *VM) allSuspended() bool {
	return vm.active.Load().SubsetOf(vm.suspended.Load())
}

// joinSuspended adds core to the suspended set unless it is no longer
// active, keeping inactive cores out of the set. Close empties
// the active set after suspending, so a closing VM still counts as joined.
func (vm *VM) joinSuspended(core int) bool {
	if !vm.active.Load().Has(core) {
		return vm.closing.Load()
	}
	vm.suspended.Set(core)
	// DeactivateCPU clears active before suspended.
	if !vm.active.Load().Has(core) {
		vm.suspended.Clear(core)
		return vm.closing.Load()
	}
	return true
}

// handleSuspend parks core until every active core is suspended, joining
// rendezvous in the meantime so they still complete.
func (vm *VM) handleSuspend(ctx context.Context, core int) error {
	c := &vm.cpus[core]
	if !vm.joinSuspended(core) {
		return fmt.Errorf("%w: core %d deactivated", ErrCoreNotActive, core)
	}

	c.mu.Lock()
	for !vm.allSuspended() {
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return err
		}
		if vm.rendezvousPending() {
			c.mu.Unlock()
			vm.handleRendezvous(core)
			c.mu.Lock()
			continue
		}
		c.sleepLocked(func(q *waitq) { q.waitContext(ctx, &c.mu, vm.cfg.WaitTick) })
	}
	c.mu.Unlock()

	// Wake the other suspended cores so they notice as well.
	for _, other := range vm.suspended.Load().Cores() {
		if other != core {
			vm.cpus[other].notify()
		}
	}
	return nil
}

// handleHalt emulates a halt on core: it sleeps until an event is pending
// for the core or the VM is suspending. A rendezvous is joined without
// ending the halt. A halt with interrupts disabled can only be ended by an
// NMI; once every active core is in such a halt the VM is suspended with
// SuspendHalt.
func (vm *VM) handleHalt(ctx context.Context, core int, intrDisabled bool) error {
	c := &vm.cpus[core]
	var inHalted, vmHalted bool
	var err error

	c.mu.Lock()
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		if vm.rendezvousPending() {
			c.mu.Unlock()
			vm.handleRendezvous(core)
			c.mu.Lock()
			continue
		}
		if vm.SuspendReason() != SuspendNone {
			break
		}
		if c.nmiPending {
			break
		}
		if !intrDisabled && (c.extintPending || vm.cfg.Interrupts != nil && vm.cfg.Interrupts.PendingInterrupt(core)) {
			break
		}
		if !vm.active.Load().Has(core) {
			break
		}

		if intrDisabled && !inHalted {
			vm.halted.Set(core)
			inHalted = true
		}
		if active := vm.active.Load(); !active.Empty() && active.SubsetOf(vm.halted.Load()) {
			vmHalted = true
			break
		}
		c.sleepLocked(func(q *waitq) { q.waitContext(ctx, &c.mu, vm.cfg.WaitTick) })
	}
	if inHalted {
		vm.halted.Clear(core)
	}
	c.mu.Unlock()

	if vmHalted {
		vm.log.Info("every active core halted", "core", core)
		if serr := vm.Suspend(SuspendHalt); serr != nil {
			vm.log.Debug("halt on suspended VM", "core", core, "err", serr)
		}
	}
	return err
}
