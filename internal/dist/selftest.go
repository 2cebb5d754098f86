//go:build linux

package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/hwtools/irqdist/internal/fifoset"
	"github.com/hwtools/irqdist/internal/irqmgr"
)

// SelfTest exercises the whole distribution path: it synthetically raises
// one source at a time through the interrupt manager and performs a blocking
// read on that source's FIFO to confirm the round trip. It is the
// correctness oracle for the daemon; a broken round trip is fatal.
type SelfTest struct {
	regs irqmgr.Registers
	set  *fifoset.Set
	log  *slog.Logger

	rounds atomic.Uint64
}

// NewSelfTest wires a self-test loop. A nil logger means slog.Default().
func NewSelfTest(regs irqmgr.Registers, set *fifoset.Set, log *slog.Logger) *SelfTest {
	if log == nil {
		log = slog.Default()
	}
	return &SelfTest{regs: regs, set: set, log: log}
}

// Rounds reports how many round trips have completed.
func (t *SelfTest) Rounds() uint64 { return t.rounds.Load() }

// Run opens the read side of every FIFO, then loops forever: raise the
// source under the cursor, read exactly one byte back, advance the cursor.
// A zero-byte read (peer closed) ends the loop cleanly. Any other byte count
// or read error is a fatal integrity failure and is returned.
//
// Cancelling ctx unblocks the pending read and returns nil. Only the read
// files opened here are closed on the way out; the write sides stay owned by
// the FIFO set.
func (t *SelfTest) Run(ctx context.Context) error {
	files := make([]*os.File, t.set.Count())
	for i := range files {
		f, err := t.set.OpenReadSide(i)
		if err != nil {
			closeFiles(files)
			return err
		}
		files[i] = f
	}
	defer closeFiles(files)

	// Unblock any in-flight read when the context goes away.
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		for _, f := range files {
			f.SetReadDeadline(now)
		}
	})
	defer stop()

	cursor := 0
	var buf [1]byte
	for n := uint64(1); ; n++ {
		t.log.Debug("generating interrupt", "n", n, "source", cursor)

		if err := t.regs.RaiseBitmap(1 << cursor); err != nil {
			return fmt.Errorf("self-test: raise source %d: %w", cursor, err)
		}

		nr, err := files[cursor].Read(buf[:])
		switch {
		case errors.Is(err, io.EOF):
			// All writers closed their end; the test is over.
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("self-test: read source %d: %w", cursor, err)
		case nr != 1:
			return fmt.Errorf("self-test: source %d round trip returned %d bytes", cursor, nr)
		}

		t.rounds.Add(1)
		cursor++
		if cursor == t.set.Count() {
			cursor = 0
		}
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
