// Package irqmgr models the FPGA interrupt manager's two control/status
// registers. The production implementation (MMIO) sits on top of a mmap'd
// PCI BAR window; Sim is an in-memory stand-in used by tests and loopback
// harnesses.
package irqmgr

// MaxSources is the number of logical interrupt sources the interrupt
// manager can multiplex onto a single hardware interrupt line.
const MaxSources = 32

// Registers is the interrupt manager's control interface.
//
// Register 0 reports the active-source bitmap on read; writing it ORs
// sources into the bitmap (used by the self-test path to synthetically
// raise interrupts). Register 1 clears sources on write (write-1-to-clear)
// and reports an acknowledgement counter on read.
type Registers interface {
	// ReadBitmap returns the bitmap of sources with an outstanding interrupt.
	ReadBitmap() (uint32, error)

	// ClearBitmap acknowledges the given sources at the hardware level.
	// The caller must only pass bits it has just read; the hardware protocol
	// is read-then-clear, not a toggle.
	ClearBitmap(mask uint32) error

	// RaiseBitmap asks the hardware to synthetically raise the given sources.
	RaiseBitmap(mask uint32) error
}
