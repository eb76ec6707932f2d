package vmm

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Error codes carried by VMMError. They partition every recoverable failure
// of the control plane into the conditions a caller can act on.
const (
	CodeInvalidArgument   uint32 = 0x564d0001
	CodeBusy              uint32 = 0x564d0002
	CodeAlreadyDone       uint32 = 0x564d0003
	CodeWouldBlock        uint32 = 0x564d0004
	CodeResourceExhausted uint32 = 0x564d0005
	CodeUnsupported       uint32 = 0x564d0006
)

// VMMError wraps a control-plane error code.
type VMMError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e VMMError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is reports whether target carries the same code, so every busy condition
// matches ErrBusy regardless of its message.
func (e VMMError) Is(target error) bool {
	switch t := target.(type) {
	case VMMError:
		return t.Code == e.Code
	case *VMMError:
		return t != nil && t.Code == e.Code
	}
	return false
}

// detailedError provides full error context for development
func (e VMMError) detailedError() string {
	switch e.Code {
	case CodeInvalidArgument:
		return "vmm: invalid argument (EINVAL) - check core id, register id and alignment"
	case CodeBusy:
		return "vmm: resource busy (EBUSY) - conflicting state transition or operation in progress"
	case CodeAlreadyDone:
		return "vmm: already done (EALREADY) - the operation has already taken effect"
	case CodeWouldBlock:
		return "vmm: operation would block (EAGAIN) - release resources and retry"
	case CodeResourceExhausted:
		return "vmm: resource exhausted (ENOSPC) - fixed capacity reached"
	case CodeUnsupported:
		return "vmm: operation unsupported (ENXIO) - no compatible backend or device"
	default:
		return fmt.Sprintf("vmm: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e VMMError) sanitizedError() string {
	switch e.Code {
	case CodeInvalidArgument:
		return "vmm: invalid argument"
	case CodeBusy:
		return "vmm: resource busy"
	case CodeAlreadyDone:
		return "vmm: already done"
	case CodeWouldBlock:
		return "vmm: operation would block"
	case CodeResourceExhausted:
		return "vmm: resource exhausted"
	case CodeUnsupported:
		return "vmm: operation unsupported"
	default:
		return "vmm: error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("VMM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrInvalidArgument  = &VMMError{Code: CodeInvalidArgument}
	ErrBusy             = &VMMError{Code: CodeBusy}
	ErrWouldBlock       = &VMMError{Code: CodeWouldBlock}
	ErrUnsupported      = &VMMError{Code: CodeUnsupported}
	ErrAlreadySuspended = &VMMError{Code: CodeAlreadyDone, message: "vmm: VM already suspended"}
	ErrTooManySegments  = &VMMError{Code: CodeResourceExhausted, message: "vmm: too many memory segments"}
	ErrVMClosed         = &VMMError{Code: CodeInvalidArgument, message: "vmm: VM is closed"}
	ErrInvalidCore      = &VMMError{Code: CodeInvalidArgument, message: "vmm: invalid core id"}
	ErrCoreNotActive    = &VMMError{Code: CodeInvalidArgument, message: "vmm: core is not active"}
	ErrCoreSuspended    = &VMMError{Code: CodeInvalidArgument, message: "vmm: core is already suspended"}
	ErrInvalidRegister  = &VMMError{Code: CodeInvalidArgument, message: "vmm: invalid register"}
	ErrInvalidAlignment = &VMMError{Code: CodeInvalidArgument, message: "vmm: address not page-aligned"}
	ErrSegmentOverlap   = &VMMError{Code: CodeInvalidArgument, message: "vmm: range overlaps an existing segment"}
	ErrMemoryNotMapped  = &VMMError{Code: CodeInvalidArgument, message: "vmm: memory not mapped"}
	ErrExceptionPending = &VMMError{Code: CodeBusy, message: "vmm: exception already pending"}
	ErrStateTransition  = &VMMError{Code: CodeBusy, message: "vmm: illegal vcpu state transition"}
	ErrVMExists         = &VMMError{Code: CodeBusy, message: "vmm: VM name already in use"}
	ErrDeviceOwned      = &VMMError{Code: CodeBusy, message: "vmm: device assigned to another VM"}
	ErrNotSuspended     = &VMMError{Code: CodeBusy, message: "vmm: not every active core is suspended"}
	ErrNoBackend        = &VMMError{Code: CodeUnsupported, message: "vmm: no compatible hardware backend"}
	ErrNoIOMMU          = &VMMError{Code: CodeUnsupported, message: "vmm: no IOMMU available"}
)

// fatalf reports a corrupted-shared-state invariant violation. Recovery is
// never attempted.
func fatalf(log *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if log != nil {
		log.Error("vmm: fatal invariant violation", "reason", msg)
	}
	panic("vmm: " + msg)
}
