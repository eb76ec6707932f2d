// Package x86 holds the x86 architectural constants the control plane is
// parameterized with, and an instruction decoder used to infer exit
// instruction lengths.
package x86

// Exception vectors.
const (
	VectorDE  uint8 = 0  // divide error
	VectorDB  uint8 = 1  // debug
	VectorNMI uint8 = 2  // non-maskable interrupt
	VectorBP  uint8 = 3  // breakpoint
	VectorOF  uint8 = 4  // overflow
	VectorBR  uint8 = 5  // bound range exceeded
	VectorUD  uint8 = 6  // invalid opcode
	VectorNM  uint8 = 7  // device not available
	VectorDF  uint8 = 8  // double fault
	VectorTS  uint8 = 10 // invalid TSS
	VectorNP  uint8 = 11 // segment not present
	VectorSS  uint8 = 12 // stack fault
	VectorGP  uint8 = 13 // general protection
	VectorPF  uint8 = 14 // page fault
	VectorMF  uint8 = 16 // x87 floating point
	VectorAC  uint8 = 17 // alignment check
	VectorMC  uint8 = 18 // machine check
	VectorXM  uint8 = 19 // SIMD floating point
	VectorVE  uint8 = 20 // virtualization exception
	VectorCP  uint8 = 21 // control protection

	// NumExceptionVectors bounds the vectors reserved for exceptions.
	NumExceptionVectors = 32
)

// ContributoryVectors are the exceptions that escalate to a double fault
// when raised while delivering another contributory exception.
var ContributoryVectors = []uint8{VectorDE, VectorTS, VectorNP, VectorSS, VectorGP}

// PageFaultVectors are the page-fault class exceptions.
var PageFaultVectors = []uint8{VectorPF, VectorVE}

// FaultVectors are exceptions reported with the faulting instruction as the
// return address; delivering one restarts the instruction.
var FaultVectors = []uint8{
	VectorDE, VectorBR, VectorUD, VectorNM, VectorTS, VectorNP,
	VectorSS, VectorGP, VectorPF, VectorMF, VectorAC, VectorXM, VectorVE,
}
