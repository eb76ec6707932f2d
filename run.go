package vmm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Run drives core until an exit that needs the caller: I/O, MMIO, an
// unhandled exit, or a suspended VM. Halts, rendezvous and page faults on
// allocated memory are handled here and the guest is re-entered. The
// calling goroutine is locked to its thread for the duration.
//
// Run fails for a core that is out of range, inactive or already
// suspended, and returns ctx.Err() if ctx is done between guest entries or
// during a halt or suspend wait.
func (vm *VM) Run(ctx context.Context, core int) (ExitRecord, error) {
	c, err := vm.vcpu(core)
	if err != nil {
		return ExitRecord{}, err
	}
	if vm.isClosed() {
		return ExitRecord{}, ErrVMClosed
	}
	if !vm.active.Load().Has(core) {
		return ExitRecord{}, fmt.Errorf("%w: core %d", ErrCoreNotActive, core)
	}
	if vm.suspended.Load().Has(core) {
		return ExitRecord{}, fmt.Errorf("%w: core %d", ErrCoreSuspended, core)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.setState(StateFrozen, true); err != nil {
		return ExitRecord{}, err
	}
	defer c.setState(StateIdle, false)

	start := time.Now()
	defer func() {
		vm.metrics.recordRun(time.Since(start))
	}()

	log := vm.log.With("core", core)
	for {
		if err := ctx.Err(); err != nil {
			return ExitRecord{}, err
		}
		if vm.rendezvousPending() {
			vm.handleRendezvous(core)
		}
		// Close suspends before it clears the active set.
		if vm.SuspendReason() != SuspendNone {
			return vm.finishSuspend(ctx, core)
		}
		if !vm.active.Load().Has(core) {
			return ExitRecord{}, fmt.Errorf("%w: core %d deactivated", ErrCoreNotActive, core)
		}

		entry := Entry{Event: vm.entryEvent(core), vm: vm, core: core}

		c.mu.Lock()
		rip := c.nextRIP
		c.requireStateLocked(StateRunning)
		c.mu.Unlock()

		exit, err := vm.backend.Run(core, rip, &entry)

		c.mu.Lock()
		c.requireStateLocked(StateFrozen)
		c.mu.Unlock()

		if err != nil {
			vm.metrics.resourceErrors.Add(1)
			if entry.Event.Valid {
				c.mu.Lock()
				c.exitIntInfo = entry.Event
				c.mu.Unlock()
			}
			return ExitRecord{}, fmt.Errorf("failed to run core %d: %w", core, err)
		}
		vm.metrics.exits.Add(1)
		vm.completeExit(&exit)
		log.Debug("exit", "reason", exit.Reason, "rip", fmt.Sprintf("%#x", exit.RIP), "inst_len", exit.InstLen)

		retu := true
		switch exit.Reason {
		case ExitSuspended:
			vm.setExit(c, exit)
			return vm.finishSuspend(ctx, core)
		case ExitRendezvous:
			vm.handleRendezvous(core)
			retu = false
		case ExitHalt:
			intrDisabled := exit.Halt != nil && exit.Halt.IntrDisabled
			if err := vm.handleHalt(ctx, core, intrDisabled); err != nil {
				vm.setExit(c, exit)
				return exit, err
			}
			retu = false
		case ExitPagingFault:
			retu, err = vm.handlePaging(&exit)
			if err != nil {
				vm.setExit(c, exit)
				return exit, err
			}
		case ExitBogus:
			retu = false
		}

		vm.setExit(c, exit)
		if retu {
			return exit, nil
		}
	}
}

// completeExit fills in what the backend left unknown: the instruction
// length of exits that advance past their instruction, and the decoded
// operation of MMIO exits.
func (vm *VM) completeExit(exit *ExitRecord) {
	switch exit.Reason {
	case ExitInOut, ExitMMIO, ExitHalt:
	default:
		return
	}
	if len(exit.InstBytes) == 0 {
		return
	}
	if exit.InstLen != 0 && (exit.MMIO == nil || exit.MMIO.Op != "") {
		return
	}
	n, op, err := vm.cfg.Decoder.Decode(exit.InstBytes)
	if err != nil {
		vm.log.Debug("cannot decode exiting instruction", "rip", fmt.Sprintf("%#x", exit.RIP), "err", err)
		return
	}
	if exit.InstLen == 0 {
		exit.InstLen = n
	}
	if exit.MMIO != nil && exit.MMIO.Op == "" {
		exit.MMIO.Op = op
		exit.MMIO.Inst = exit.InstBytes[:n]
	}
}

// setExit records exit as core's most recent exit and computes the next
// entry address. Carried-over events from the exit are kept for the next
// entry.
func (vm *VM) setExit(c *vcpu, exit ExitRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exit = exit
	c.hasExit = true
	c.nextRIP = exit.RIP + uint64(exit.InstLen)
	if exit.IntInfo.Valid {
		c.exitIntInfo = exit.IntInfo
	}
}

// finishSuspend parks core until the VM is fully suspended and returns the
// terminal ExitSuspended record.
func (vm *VM) finishSuspend(ctx context.Context, core int) (ExitRecord, error) {
	c := &vm.cpus[core]
	c.mu.Lock()
	rip := c.nextRIP
	c.mu.Unlock()

	exit := ExitRecord{
		Reason:    ExitSuspended,
		RIP:       rip,
		Suspended: &SuspendedExit{How: vm.SuspendReason()},
	}
	if err := vm.handleSuspend(ctx, core); err != nil {
		if errors.Is(err, ErrCoreNotActive) {
			return ExitRecord{}, err
		}
		return exit, err
	}
	c.mu.Lock()
	c.exit = exit
	c.hasExit = true
	c.mu.Unlock()
	return exit, nil
}

// handlePaging resolves a nested page fault. Faults on allocated memory are
// populated and the instruction retried; anything else is turned into an
// MMIO exit for the caller.
func (vm *VM) handlePaging(exit *ExitRecord) (retu bool, err error) {
	if exit.Paging == nil {
		return true, nil
	}
	gpa := exit.Paging.GPA
	ok, err := vm.populate(gpa)
	if err != nil {
		vm.metrics.resourceErrors.Add(1)
		return true, fmt.Errorf("failed to fault in gpa %#x: %w", gpa, err)
	}
	if ok {
		exit.InstLen = 0
		return false, nil
	}

	exit.Reason = ExitMMIO
	exit.MMIO = &MMIOExit{GPA: gpa}
	exit.Paging = nil
	exit.InstLen = 0
	vm.completeExit(exit)
	return true, nil
}
