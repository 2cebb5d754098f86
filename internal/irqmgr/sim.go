package irqmgr

import (
	"fmt"
	"sync"
)

// Sim is an in-memory interrupt manager. It implements Registers and the
// monitor's wakeup primitive (Arm/Wait/Close), so the whole distribution
// path can run against it without hardware.
//
// Sim reproduces the hardware's edge latch: a source raised after the most
// recent ReadBitmap survives a subsequent ClearBitmap. An interrupt arriving
// inside the read-then-clear window is therefore deferred to the next wakeup
// rather than lost.
type Sim struct {
	mu     sync.Mutex
	active uint32
	raised uint32 // sources raised since the last ReadBitmap
	acks   uint32

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewSim returns an idle simulator with no outstanding interrupts.
func NewSim() *Sim {
	return &Sim{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *Sim) ReadBitmap() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raised = 0
	return s.active, nil
}

func (s *Sim) ClearBitmap(mask uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active &^= mask &^ s.raised
	s.acks++
	return nil
}

func (s *Sim) RaiseBitmap(mask uint32) error {
	s.mu.Lock()
	s.active |= mask
	s.raised |= mask
	s.mu.Unlock()

	// Latch a wakeup. A raise while one is already pending coalesces,
	// which is exactly what a level-triggered line does.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Arm re-enables interrupt delivery. Delivery in the simulator is never
// actually disabled, so this only satisfies the waker contract.
func (s *Sim) Arm() error { return nil }

// Wait blocks until a wakeup is latched or the simulator is closed.
func (s *Sim) Wait() error {
	select {
	case <-s.wake:
		return nil
	case <-s.done:
		return fmt.Errorf("irqmgr: simulator closed")
	}
}

// Close unblocks any pending Wait. Safe to call more than once.
func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// AckWrites returns how many ClearBitmap calls the simulator has seen.
func (s *Sim) AckWrites() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks
}

var _ Registers = &Sim{}
