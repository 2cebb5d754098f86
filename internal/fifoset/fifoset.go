//go:build linux

// Package fifoset owns the per-source notification FIFOs: one named pipe per
// interrupt source, created at startup and removed at shutdown. The write
// sides stay open for the daemon's whole lifetime; read sides are opened
// only by the self-test loop.
package fifoset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hwtools/irqdist/internal/irqmgr"
)

// MaxSources is the most interrupt sources a set can ever hold, fixed by the
// interrupt manager's register width. Shutdown unlinks every path up to this
// ceiling, not just the configured count, so artifacts from a previous
// differently-configured run never survive.
const MaxSources = irqmgr.MaxSources

// Set holds the write side of one FIFO per configured interrupt source.
type Set struct {
	dir   string
	count int
	fds   []int32 // write-side descriptors, -1 once closed
}

// Path returns the FIFO path for the given source index.
func Path(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("interrupt%d", index))
}

// Open creates and opens one FIFO per source under dir. Any stale artifact at
// a FIFO's path is removed first. On failure everything opened so far is
// closed and unlinked before the error, which names the failing index, is
// returned.
func Open(dir string, count int) (*Set, error) {
	if count < 1 || count > MaxSources {
		return nil, fmt.Errorf("fifoset: source count %d outside 1..%d", count, MaxSources)
	}

	s := &Set{dir: dir, count: count, fds: make([]int32, count)}
	for i := range s.fds {
		s.fds[i] = -1
	}

	for i := 0; i < count; i++ {
		path := Path(dir, i)

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.CloseAll()
			return nil, fmt.Errorf("channel %d: remove stale %s: %w", i, path, err)
		}

		if err := unix.Mkfifo(path, 0666); err != nil {
			s.CloseAll()
			return nil, fmt.Errorf("channel %d: mkfifo %s: %w", i, path, err)
		}

		// O_RDWR so the open never blocks waiting for a reader and the FIFO
		// always has at least one reader end: consumers can come and go
		// without the write side ever seeing EPIPE.
		fd, err := unix.Open(path, unix.O_RDWR, 0)
		if err != nil {
			s.CloseAll()
			return nil, fmt.Errorf("channel %d: open %s: %w", i, path, err)
		}
		s.fds[i] = int32(fd)
	}

	return s, nil
}

// Count returns the number of configured sources.
func (s *Set) Count() int { return s.count }

// Path returns the FIFO path for the given source index.
func (s *Set) Path(index int) string { return Path(s.dir, index) }

// WriteFD returns the persistent write-side descriptor for a source.
func (s *Set) WriteFD(index int) int { return int(s.fds[index]) }

// Writable polls every write descriptor once, without blocking, and returns
// the set of sources whose FIFO can accept a write right now as a bitmap.
func (s *Set) Writable() (uint32, error) {
	pfds := make([]unix.PollFd, s.count)
	for i, fd := range s.fds {
		pfds[i] = unix.PollFd{Fd: fd, Events: unix.POLLOUT}
	}

	for {
		if _, err := unix.Poll(pfds, 0); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("fifoset: poll: %w", err)
		}
		break
	}

	var ready uint32
	for i, pfd := range pfds {
		if pfd.Revents&unix.POLLOUT != 0 {
			ready |= 1 << i
		}
	}
	return ready, nil
}

// OpenReadSide opens the read side of a source's FIFO. The open blocks until
// a writer exists (the set's own write side satisfies that immediately). The
// returned file supports read deadlines, so a blocking read can be unblocked
// by SetReadDeadline or Close.
func (s *Set) OpenReadSide(index int) (*os.File, error) {
	if index < 0 || index >= s.count {
		return nil, fmt.Errorf("fifoset: no channel %d", index)
	}
	f, err := os.OpenFile(s.Path(index), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("channel %d: open read side: %w", index, err)
	}
	return f, nil
}

// CloseAll closes every still-open write descriptor and unlinks every
// possible FIFO path up to MaxSources. It is idempotent and must run on
// every termination path, normal or not.
func (s *Set) CloseAll() {
	for i, fd := range s.fds {
		if fd != -1 {
			unix.Close(int(fd))
			s.fds[i] = -1
		}
	}
	for i := 0; i < MaxSources; i++ {
		os.Remove(Path(s.dir, i))
	}
}
