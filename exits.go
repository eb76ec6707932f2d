package vmm

import "fmt"

// ExitReason categorizes vCPU exits.
type ExitReason int

const (
	ExitBogus ExitReason = iota
	ExitInOut
	ExitMMIO
	ExitHalt
	ExitPagingFault
	ExitRendezvous
	ExitSuspended
	ExitInterruptWindow
	ExitNMIWindow
	ExitReqIdle
	ExitDebug
	ExitUnhandled
)

var exitReasonNames = [...]string{
	ExitBogus:           "bogus",
	ExitInOut:           "inout",
	ExitMMIO:            "mmio",
	ExitHalt:            "halt",
	ExitPagingFault:     "paging",
	ExitRendezvous:      "rendezvous",
	ExitSuspended:       "suspended",
	ExitInterruptWindow: "interrupt-window",
	ExitNMIWindow:       "nmi-window",
	ExitReqIdle:         "reqidle",
	ExitDebug:           "debug",
	ExitUnhandled:       "unhandled",
}

func (r ExitReason) String() string {
	if r >= 0 && int(r) < len(exitReasonNames) {
		return exitReasonNames[r]
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

func (r ExitReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ExitRecord captures information about the most recent vCPU exit.
// Exactly one payload pointer is set, matching Reason, for reasons that
// carry one.
type ExitRecord struct {
	Reason ExitReason `json:"reason"`
	RIP    uint64     `json:"rip"`

	// InstLen is the length of the exiting instruction; 0 means unknown.
	InstLen int `json:"inst_length"`

	// InstBytes, if provided by the backend, are the instruction bytes at
	// RIP. They let the run loop infer InstLen.
	InstBytes []byte `json:"-"`

	// IntInfo is an event whose delivery was interrupted by this exit.
	IntInfo Event `json:"intinfo,omitzero"`

	IO        *IOExit        `json:"io,omitempty"`
	MMIO      *MMIOExit      `json:"mmio,omitempty"`
	Paging    *PagingExit    `json:"paging,omitempty"`
	Halt      *HaltExit      `json:"halt,omitempty"`
	Suspended *SuspendedExit `json:"suspended,omitempty"`
	Unhandled *UnhandledExit `json:"unhandled,omitempty"`
}

type IOExit struct {
	Port   uint16 `json:"port"`
	Bytes  uint8  `json:"bytes"`
	In     bool   `json:"in"`
	Rep    bool   `json:"rep"`
	String bool   `json:"string"`
	Value  uint32 `json:"value"`
}

type MMIOExit struct {
	GPA uint64 `json:"gpa"`
	// Op is the decoded micro-op, e.g. "MOV"; empty when undecoded.
	Op   string `json:"op,omitempty"`
	Inst []byte `json:"inst,omitempty"`
}

type PagingExit struct {
	GPA       uint64  `json:"gpa"`
	FaultType MemPerm `json:"fault_type"`
}

type HaltExit struct {
	IntrDisabled bool `json:"intr_disabled"`
}

type SuspendedExit struct {
	How SuspendReason `json:"how"`
}

type UnhandledExit struct {
	Status   int    `json:"status"`
	HWReason uint32 `json:"hw_reason"`
}

func (e *ExitRecord) String() string {
	switch e.Reason {
	case ExitInOut:
		if e.IO != nil {
			dir := "out"
			if e.IO.In {
				dir = "in"
			}
			return fmt.Sprintf("inout %s port 0x%04x (%d bytes) rip 0x%x", dir, e.IO.Port, e.IO.Bytes, e.RIP)
		}
	case ExitMMIO:
		if e.MMIO != nil {
			return fmt.Sprintf("mmio gpa 0x%x op %q rip 0x%x", e.MMIO.GPA, e.MMIO.Op, e.RIP)
		}
	case ExitSuspended:
		if e.Suspended != nil {
			return fmt.Sprintf("suspended (%s)", e.Suspended.How)
		}
	}
	return fmt.Sprintf("%s rip 0x%x", e.Reason, e.RIP)
}
