//go:build linux

package dist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hwtools/irqdist/internal/irqmgr"
)

// Waker is the kernel's interrupt wakeup primitive. Hardware delivery is
// disabled by the acknowledgement handshake, so Arm must be called before
// every Wait.
type Waker interface {
	// Arm re-enables hardware interrupt delivery.
	Arm() error

	// Wait blocks until the hardware signals an interrupt. There is no
	// timeout; the only way to unblock a pending Wait is to close the
	// underlying device.
	Wait() error
}

// Monitor is the daemon's main control loop: wait for a hardware wakeup,
// read the active-source bitmap, acknowledge it, and distribute it.
type Monitor struct {
	regs  irqmgr.Registers
	waker Waker
	dist  *Distributor
	log   *slog.Logger
}

// NewMonitor wires a monitor loop. A nil logger means slog.Default().
func NewMonitor(regs irqmgr.Registers, waker Waker, dist *Distributor, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{regs: regs, waker: waker, dist: dist, log: log}
}

// Run cycles until ctx is cancelled or a hardware failure occurs. Hardware
// failures are returned and are fatal to the daemon: a failing register or
// wakeup path cannot be reasoned about safely, so there is no retry.
//
// Once ctx is cancelled an Arm/Wait error is the expected result of the
// waker being closed during shutdown, and Run returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.waker.Arm(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("arm interrupt delivery: %w", err)
		}

		if err := m.waker.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for interrupt: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		active, err := m.regs.ReadBitmap()
		if err != nil {
			return fmt.Errorf("read interrupt bitmap: %w", err)
		}

		// Spurious wakeup: nothing outstanding, just re-arm.
		if active == 0 {
			continue
		}

		m.log.Debug("interrupt", "sources", fmt.Sprintf("0x%08x", active))

		// Acknowledge before distributing. A source that re-raises between
		// the read and this clear is cleared prematurely and shows up again
		// on the next wakeup; the hardware re-signals, so interrupts are
		// deferred by at most one cycle, never lost.
		if err := m.regs.ClearBitmap(active); err != nil {
			return fmt.Errorf("clear interrupt bitmap: %w", err)
		}

		if err := m.dist.Distribute(active); err != nil {
			return fmt.Errorf("distribute interrupts: %w", err)
		}
	}
}
