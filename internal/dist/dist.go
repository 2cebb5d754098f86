//go:build linux

// Package dist contains the interrupt distribution engine: the fan-out from
// an active-source bitmap to per-source FIFOs, the monitor loop that drives
// it from hardware wakeups, and the self-test loop that verifies the whole
// path end to end.
package dist

import (
	"golang.org/x/sys/unix"

	"github.com/hwtools/irqdist/internal/fifoset"
)

// marker is the single byte written into a FIFO per delivered notification.
// Consumers treat any received byte as "at least one interrupt occurred".
var marker = []byte{'X'}

// Distributor fans an active-source bitmap out to the matching FIFOs.
type Distributor struct {
	set *fifoset.Set
}

// NewDistributor returns a Distributor over an opened FIFO set.
func NewDistributor(set *fifoset.Set) *Distributor {
	return &Distributor{set: set}
}

// Distribute writes one marker byte to the FIFO of every source whose bit is
// set in active, skipping any FIFO that cannot accept a write right now.
// Readiness is checked for the whole set with a single non-blocking poll, so
// a slow or absent consumer never stalls the caller. Delivery is best effort
// and at most once per call; a dropped notification is not an error.
func (d *Distributor) Distribute(active uint32) error {
	ready, err := d.set.Writable()
	if err != nil {
		return err
	}

	for i := 0; i < d.set.Count(); i++ {
		if active&ready&(1<<i) != 0 {
			// The poll said this FIFO has room; if the write still fails the
			// notification is dropped like any other not-ready source.
			unix.Write(d.set.WriteFD(i), marker)
		}
	}
	return nil
}
