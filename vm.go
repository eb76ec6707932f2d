package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MaxNameLen bounds VM names.
const MaxNameLen = 32

// VM is one virtual machine: its cores, core sets, suspend state, memory
// segments and pass-through devices. VMs are created by a Registry.
type VM struct {
	name string
	reg  *Registry
	cfg  Config
	log  *slog.Logger

	metrics *metrics

	be      Backend
	backend BackendState // replaced only while every core is frozen

	gen atomic.Pointer[uuid.UUID]

	cpus [MaxCPUs]vcpu

	active    atomicCPUSet
	suspended atomicCPUSet
	halted    atomicCPUSet

	suspend atomic.Int32 // SuspendReason

	// rendezvous bookkeeping, guarded by rvMu
	rvMu      sync.Mutex
	rvWait    waitq
	rvReq     CPUSet
	rvDone    CPUSet
	rvFunc    RendezvousFunc
	rvArg     any
	rvPending atomic.Bool

	// memMu guards segments. Pass-through state below it is
	// caller-serialized with the VM lifecycle.
	memMu    sync.RWMutex
	segments []*segment

	iommuDom IOMMUDomain
	iommuMax uint64 // address limit iommuDom was created with
	devices  []PCIAddr

	closeMu sync.Mutex
	closing atomic.Bool // Close is clearing the active set
	closed  atomic.Bool
}

func newVM(reg *Registry, name string, be Backend) (*VM, error) {
	vm := &VM{
		name:    name,
		reg:     reg,
		cfg:     reg.cfg,
		log:     reg.log.With("vm", name),
		metrics: &reg.metrics,
		be:      be,
	}
	for i := range vm.cpus {
		vm.cpus[i].init(vm, i)
	}
	vm.newGeneration()

	bs, err := be.Init(vm)
	if err != nil {
		return nil, fmt.Errorf("failed to init %s backend for VM %q: %w", be.Name(), name, err)
	}
	vm.backend = bs
	return vm, nil
}

func (vm *VM) newGeneration() {
	id := uuid.New()
	vm.gen.Store(&id)
}

func (vm *VM) isClosed() bool { return vm.closed.Load() }

// Name returns the VM's name.
func (vm *VM) Name() string { return vm.name }

// Generation identifies the VM's current lifetime. It changes on every
// Reinit.
func (vm *VM) Generation() uuid.UUID { return *vm.gen.Load() }

// Config returns the VM's effective configuration.
func (vm *VM) Config() Config { return vm.cfg }

// ActivateCPU marks core active. A core must be active to run.
func (vm *VM) ActivateCPU(core int) error {
	if _, err := vm.vcpu(core); err != nil {
		return err
	}
	if vm.isClosed() {
		return ErrVMClosed
	}
	if !vm.active.Set(core) {
		return fmt.Errorf("%w: core %d already active", ErrBusy, core)
	}
	vm.log.Debug("core activated", "core", core)
	return nil
}

// DeactivateCPU removes core from the active set. An in-flight rendezvous
// stops waiting for it, and suspend and halt waiters re-evaluate.
func (vm *VM) DeactivateCPU(core int) error {
	if _, err := vm.vcpu(core); err != nil {
		return err
	}
	if !vm.active.Clear(core) {
		return fmt.Errorf("%w: core %d", ErrCoreNotActive, core)
	}
	vm.suspended.Clear(core)
	vm.halted.Clear(core)

	vm.rvMu.Lock()
	vm.rvWait.broadcast()
	vm.rvMu.Unlock()

	vm.notifyAll(vm.active.Load().Add(core))
	vm.log.Debug("core deactivated", "core", core)
	return nil
}

func (vm *VM) notifyAll(set CPUSet) {
	for _, core := range set.Cores() {
		vm.cpus[core].notify()
	}
}

func (vm *VM) ActiveCPUs() CPUSet    { return vm.active.Load() }
func (vm *VM) SuspendedCPUs() CPUSet { return vm.suspended.Load() }
func (vm *VM) HaltedCPUs() CPUSet    { return vm.halted.Load() }

// HostCPU returns the host thread running core, or NoHostCPU.
func (vm *VM) HostCPU(core int) (int, error) {
	_, host, err := vm.State(core)
	return host, err
}

// freezeAll takes every configured core from idle to frozen.
func (vm *VM) freezeAll() {
	for i := 0; i < vm.cfg.MaxCPUs; i++ {
		if err := vm.cpus[i].setState(StateFrozen, true); err != nil {
			fatalf(vm.log, "freeze core %d: %v", i, err)
		}
	}
}

func (vm *VM) thawAll() {
	for i := 0; i < vm.cfg.MaxCPUs; i++ {
		if err := vm.cpus[i].setState(StateIdle, false); err != nil {
			fatalf(vm.log, "thaw core %d: %v", i, err)
		}
	}
}

// Reinit rebuilds a fully suspended VM for a new generation: per-core
// state, memory segments, pass-through devices and backend state are torn
// down, the core sets and suspend reason are cleared. It fails with
// ErrNotSuspended unless every active core is suspended.
func (vm *VM) Reinit() error {
	if vm.isClosed() {
		return ErrVMClosed
	}
	if vm.suspended.Load() != vm.active.Load() {
		return fmt.Errorf("%w: active %v suspended %v", ErrNotSuspended, vm.active.Load(), vm.suspended.Load())
	}

	vm.freezeAll()
	defer vm.thawAll()

	// Suspended cores cannot leave the suspended set on their own, so
	// equality still holds once every core is frozen.
	if vm.suspended.Load() != vm.active.Load() {
		return fmt.Errorf("%w: active %v suspended %v", ErrNotSuspended, vm.active.Load(), vm.suspended.Load())
	}

	old := vm.Generation()
	if err := vm.teardown(); err != nil {
		return fmt.Errorf("failed to reinit VM %q: %w", vm.name, err)
	}

	bs, err := vm.be.Init(vm)
	if err != nil {
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("failed to reinit %s backend for VM %q: %w", vm.be.Name(), vm.name, err)
	}
	vm.backend = bs

	for i := range vm.cpus {
		c := &vm.cpus[i]
		c.mu.Lock()
		c.reset()
		c.mu.Unlock()
	}
	vm.active.Store(0)
	vm.suspended.Store(0)
	vm.halted.Store(0)
	vm.suspend.Store(int32(SuspendNone))
	vm.newGeneration()

	vm.metrics.vmReinit.Add(1)
	vm.log.Info("VM reinitialized", "old_gen", old, "gen", vm.Generation())
	return nil
}

// teardown releases pass-through devices, memory segments and backend
// state. Every core must be frozen.
func (vm *VM) teardown() error {
	var firstErr error
	if err := vm.unassignAll(); err != nil {
		firstErr = err
	}
	vm.freeSegments()
	if vm.backend != nil {
		if err := vm.backend.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to destroy backend state: %w", err)
		}
		vm.backend = nil
	}
	return firstErr
}

// Close suspends the VM with SuspendPowerOff if it is not already
// suspended, waits for every run loop to return and releases all
// resources. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.isClosed() {
		return nil
	}

	if err := vm.Suspend(SuspendPowerOff); err != nil {
		vm.log.Debug("close of suspended VM", "reason", vm.SuspendReason())
	}
	vm.closing.Store(true)
	active := vm.active.Load()
	vm.active.Store(0)
	vm.suspended.Store(0)
	vm.halted.Store(0)
	vm.rvMu.Lock()
	vm.rvWait.broadcast()
	vm.rvMu.Unlock()
	vm.notifyAll(active)

	vm.freezeAll()
	vm.closed.Store(true)

	if err := vm.teardown(); err != nil {
		return fmt.Errorf("failed to close VM %q: %w", vm.name, err)
	}
	vm.log.Info("VM closed", "gen", vm.Generation())
	return nil
}
