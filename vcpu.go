package vmm

import (
	"fmt"
	"sync"
)

// VCPUState is the execution state of one core.
type VCPUState int

const (
	// StateIdle is the initial state: no thread owns the core.
	//
	// Legal transitions: StateFrozen.
	StateIdle VCPUState = iota

	// StateFrozen means a thread owns the core but it is not in the guest.
	//
	// Legal transitions: StateIdle, StateRunning, StateSleeping.
	StateFrozen

	// StateRunning means the core is executing guest code on hostcpu.
	//
	// Legal transitions: StateFrozen.
	StateRunning

	// StateSleeping means the core's thread is blocked waiting for work.
	//
	// Legal transitions: StateFrozen.
	StateSleeping
)

var stateNames = [...]string{"idle", "frozen", "running", "sleeping"}

func (s VCPUState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// NoHostCPU is the hostcpu of a core that is not running.
const NoHostCPU = -1

// vcpu is the per-core record. Every field below mu is guarded by mu.
type vcpu struct {
	vm *VM // owner; a vcpu never outlives its VM
	id int

	mu sync.Mutex

	// wq wakes threads waiting for the core to become idle and the core's
	// own thread when it sleeps.
	wq waitq

	state   VCPUState
	hostcpu int
	// extFrozen marks a FROZEN state taken by Freeze; only Thaw ends it.
	extFrozen bool

	nmiPending    bool
	extintPending bool

	excPending  bool
	excVector   uint8
	excErrValid bool
	excErrCode  uint32

	// exitIntInfo is the event carried over from the previous exit.
	exitIntInfo Event

	nextRIP uint64
	exit    ExitRecord
	hasExit bool
}

func (c *vcpu) init(vm *VM, id int) {
	c.vm = vm
	c.id = id
	c.hostcpu = NoHostCPU
	c.reset()
}

// reset returns the per-core event state to defaults. The state and
// hostcpu are left alone: the caller owns the core.
func (c *vcpu) reset() {
	c.nmiPending = false
	c.extintPending = false
	c.excPending = false
	c.excVector = 0
	c.excErrValid = false
	c.excErrCode = 0
	c.exitIntInfo = Event{}
	c.nextRIP = 0
	c.exit = ExitRecord{}
	c.hasExit = false
}

// setStateLocked moves the core to newState. An external caller (fromIdle)
// first waits for the core to become idle, which serializes external
// operations on the core. Must be called with c.mu held.
func (c *vcpu) setStateLocked(newState VCPUState, fromIdle bool) error {
	if fromIdle {
		for c.state != StateIdle {
			c.wq.wait(&c.mu, c.vm.cfg.WaitTick)
		}
	} else if c.state == StateIdle {
		fatalf(c.vm.log, "core %d: internal transition to %v from idle", c.id, newState)
	}

	self := hostThreadID()
	if c.state == StateRunning {
		if c.hostcpu != self {
			fatalf(c.vm.log, "core %d: running on host thread %d but left from %d", c.id, c.hostcpu, self)
		}
	} else if c.hostcpu != NoHostCPU {
		fatalf(c.vm.log, "core %d: %v with host thread %d", c.id, c.state, c.hostcpu)
	}

	var illegal bool
	switch c.state {
	case StateIdle, StateRunning, StateSleeping:
		illegal = newState != StateFrozen
	case StateFrozen:
		illegal = newState == StateFrozen
	}
	if illegal {
		return fmt.Errorf("%w: core %d %v -> %v", ErrStateTransition, c.id, c.state, newState)
	}

	c.state = newState
	if newState == StateRunning {
		c.hostcpu = self
	} else {
		c.hostcpu = NoHostCPU
	}
	if newState == StateIdle {
		c.wq.broadcast()
	}
	return nil
}

// requireStateLocked is setStateLocked for transitions the caller knows to
// be legal.
func (c *vcpu) requireStateLocked(newState VCPUState) {
	if err := c.setStateLocked(newState, false); err != nil {
		fatalf(c.vm.log, "%v", err)
	}
}

func (c *vcpu) setState(newState VCPUState, fromIdle bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(newState, fromIdle)
}

func (c *vcpu) getState() (VCPUState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.hostcpu
}

// notify makes the core observe new work: a sleeping core is woken and a
// core in the guest is kicked out through the backend.
func (c *vcpu) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		if !threadIDs || c.hostcpu != hostThreadID() {
			c.vm.backend.Kick(c.id)
		}
	case StateSleeping:
		c.wq.broadcast()
	}
}

// sleepLocked blocks the core's own thread for at most one wait tick.
// Must be called with c.mu held and the core frozen.
func (c *vcpu) sleepLocked(wait func(*waitq)) {
	c.requireStateLocked(StateSleeping)
	wait(&c.wq)
	c.requireStateLocked(StateFrozen)
}

func (c *vcpu) setNextRIP(rip uint64) {
	c.mu.Lock()
	c.nextRIP = rip
	c.mu.Unlock()
}

func (vm *VM) vcpu(core int) (*vcpu, error) {
	if core < 0 || core >= vm.cfg.MaxCPUs {
		return nil, fmt.Errorf("%w: %d (must be 0-%d)", ErrInvalidCore, core, vm.cfg.MaxCPUs-1)
	}
	return &vm.cpus[core], nil
}

// Freeze takes external ownership of core, blocking until no other thread
// owns it. It must be paired with Thaw.
func (vm *VM) Freeze(core int) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	if vm.isClosed() {
		return ErrVMClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setStateLocked(StateFrozen, true); err != nil {
		return err
	}
	c.extFrozen = true
	return nil
}

// Thaw releases a core taken with Freeze. A core frozen by its own run
// loop, or by Close or Reinit, cannot be thawed.
func (vm *VM) Thaw(core int) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFrozen || !c.extFrozen {
		return fmt.Errorf("%w: core %d is %v, not frozen by Freeze", ErrStateTransition, core, c.state)
	}
	c.extFrozen = false
	return c.setStateLocked(StateIdle, false)
}

// State returns the state of core and the host thread running it.
func (vm *VM) State(core int) (VCPUState, int, error) {
	c, err := vm.vcpu(core)
	if err != nil {
		return 0, NoHostCPU, err
	}
	st, host := c.getState()
	return st, host, nil
}

// Notify wakes core if it is sleeping or kicks it out of the guest.
func (vm *VM) Notify(core int) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	c.notify()
	return nil
}

// LastExit returns a copy of the most recent exit record of core.
func (vm *VM) LastExit(core int) (ExitRecord, error) {
	c, err := vm.vcpu(core)
	if err != nil {
		return ExitRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit, nil
}

// withFrozen runs fn with core externally frozen.
func (vm *VM) withFrozen(core int, fn func(BackendState) error) error {
	if err := vm.Freeze(core); err != nil {
		return err
	}
	defer func() {
		if err := vm.Thaw(core); err != nil {
			fatalf(vm.log, "thaw core %d: %v", core, err)
		}
	}()
	return fn(vm.backend)
}
