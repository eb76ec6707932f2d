// Package vmm is the machine-independent control plane of a virtual machine
// monitor.
//
// Provides VM and vCPU lifecycle management, rendezvous, suspend and halt
// detection, nested-fault exception injection, guest memory segments and
// IOMMU device pass-through on top of a pluggable hardware Backend.
//
// # Requirements
//
//   - A Backend that enters the guest (KVM, Hypervisor.framework or the
//     scripted sim backend for testing)
//   - An IOMMU implementation for device pass-through (optional)
//
// # Basic Usage
//
// Create a registry with the backends to probe, in order of preference:
//
//	reg, err := vmm.NewRegistry(vmm.Config{MaxCPUs: 4}, kvmBackend, sim.New())
//	if err != nil {
//		log.Fatal("Failed to create registry:", err)
//	}
//	defer reg.Close()
//
// Create a VM, activate its boot core and give it memory:
//
//	vm, err := reg.CreateVM("guest0")
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	if err := vm.ActivateCPU(0); err != nil {
//		log.Fatal("Failed to activate core:", err)
//	}
//	// Segments must be page-aligned
//	if err := vm.Allocate(0, 64<<20); err != nil {
//		log.Fatal("Failed to allocate memory:", err)
//	}
//
// Run the core on its own goroutine and handle the exits it returns:
//
//	if err := vm.SetRegister(0, vmm.RegRIP, 0x7c00); err != nil {
//		log.Fatal("Failed to set RIP:", err)
//	}
//	for {
//		exit, err := vm.Run(ctx, 0)
//		if err != nil {
//			log.Fatal("Failed to run core:", err)
//		}
//		switch exit.Reason {
//		case vmm.ExitInOut:
//			fmt.Printf("port %#x\n", exit.IO.Port)
//		case vmm.ExitMMIO:
//			fmt.Printf("mmio %#x: %s\n", exit.MMIO.GPA, exit.MMIO.Op)
//		case vmm.ExitSuspended:
//			fmt.Println("suspended:", exit.Suspended.How)
//			return
//		}
//	}
//
// Halts, rendezvous and nested page faults on allocated memory never reach
// the caller: Run handles them and re-enters the guest.
//
// # Error Handling
//
// All errors implement the standard Go error interface. Control-plane
// errors are VMMError values compared by code, so errors.Is matches any
// error of the same class:
//
//	if errors.Is(err, vmm.ErrBusy) {
//		// retry later
//	}
//
// Detailed messages are returned unless VMM_ENV is "production".
//
// # Resource Management
//
// VMs are released with Registry.Destroy or VM.Close, which power the VM
// off, wait for every run loop to return and free its memory, devices and
// backend state. Registry.Close destroys every VM.
//
// # Platform Support
//
// The control plane is portable. Supported probes /dev/kvm on Linux and
// kern.hv_support on Darwin; guest memory is mmap'd on both.
package vmm
