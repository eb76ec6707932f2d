package vmm

// Backend is the hardware execution backend: the code that actually enters
// and exits guest mode on specific silicon. A Registry selects one Backend
// at start-up and injects it into every VM it creates.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Probe reports whether the backend can run on this host.
	Probe() error

	// Init creates the per-VM backend state. It is called on VM creation
	// and again after every reinit.
	Init(vm *VM) (BackendState, error)
}

// BackendState is the per-VM backend handle.
type BackendState interface {
	// Run enters the guest on core at rip and returns at the next exit.
	//
	// Immediately before entering the guest, with interrupts to the core
	// blocked, Run must check entry.SuspendPending and
	// entry.RendezvousPending and return ExitSuspended or ExitRendezvous
	// without entering if either is set. An entry.Event that was not
	// delivered must be handed back in ExitRecord.IntInfo.
	Run(core int, rip uint64, entry *Entry) (ExitRecord, error)

	// Kick forces core out of guest mode if it is running. It may be
	// called from any thread.
	Kick(core int)

	GetRegister(core int, reg Reg) (uint64, error)
	SetRegister(core int, reg Reg, val uint64) error
	GetDescriptor(core int, seg Seg) (SegDesc, error)
	SetDescriptor(core int, seg Seg, desc SegDesc) error
	GetCapability(core int, c Cap) (bool, error)
	SetCapability(core int, c Cap, enable bool) error

	// Destroy releases the backend state.
	Destroy() error
}

// Entry is what the run loop hands the backend for one guest entry.
type Entry struct {
	// Event is the single event to deliver on this entry, if Valid.
	Event Event

	vm   *VM
	core int
}

// RendezvousPending reports whether a rendezvous is waiting for cores.
func (e *Entry) RendezvousPending() bool { return e.vm.rendezvousPending() }

// SuspendPending reports whether the VM has been asked to suspend.
func (e *Entry) SuspendPending() bool { return e.vm.SuspendReason() != SuspendNone }

// NMIPending reports whether an NMI is waiting for the core.
func (e *Entry) NMIPending() bool { return e.vm.NMIPending(e.core) }

// ClearNMI marks the pending NMI as delivered.
func (e *Entry) ClearNMI() { e.vm.ClearNMI(e.core) }

// ExtINTPending reports whether an ExtINT is waiting for the core.
func (e *Entry) ExtINTPending() bool { return e.vm.ExtINTPending(e.core) }

// ClearExtINT marks the pending ExtINT as delivered.
func (e *Entry) ClearExtINT() { e.vm.ClearExtINT(e.core) }
