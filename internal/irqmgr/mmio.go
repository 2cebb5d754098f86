package irqmgr

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	regStatus = 0 // read: active bitmap, write: OR sources in
	regAck    = 4 // write: clear sources, read: acknowledgement counter
)

// MMIO drives the interrupt manager through a memory-mapped register window,
// typically a mmap of the device's first PCI BAR. Both registers are 32 bits
// wide and accessed atomically since the FPGA updates them concurrently.
type MMIO struct {
	status *uint32
	ack    *uint32
}

// NewMMIO returns an MMIO register file at the given byte offset inside the
// window. The offset must leave room for both registers and be 32-bit
// aligned.
func NewMMIO(window []byte, offset uint64) (*MMIO, error) {
	if offset%4 != 0 {
		return nil, fmt.Errorf("irqmgr: register base 0x%x is not 32-bit aligned", offset)
	}
	if offset+regAck+4 > uint64(len(window)) {
		return nil, fmt.Errorf("irqmgr: register base 0x%x outside %d-byte window", offset, len(window))
	}
	return &MMIO{
		status: (*uint32)(unsafe.Pointer(&window[offset+regStatus])),
		ack:    (*uint32)(unsafe.Pointer(&window[offset+regAck])),
	}, nil
}

func (m *MMIO) ReadBitmap() (uint32, error) {
	return atomic.LoadUint32(m.status), nil
}

func (m *MMIO) ClearBitmap(mask uint32) error {
	atomic.StoreUint32(m.ack, mask)
	return nil
}

func (m *MMIO) RaiseBitmap(mask uint32) error {
	atomic.StoreUint32(m.status, mask)
	return nil
}

// AckCount returns the hardware's acknowledgement counter.
func (m *MMIO) AckCount() (uint32, error) {
	return atomic.LoadUint32(m.ack), nil
}

var _ Registers = &MMIO{}
