//go:build linux

// irqdist is a userspace driver built on uio_pci_generic: it creates one
// FIFO per interrupt source of a PCIe-attached FPGA and writes one byte to
// the matching FIFO every time that source raises an interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/hwtools/irqdist/internal/config"
	"github.com/hwtools/irqdist/internal/dist"
	"github.com/hwtools/irqdist/internal/fifoset"
	"github.com/hwtools/irqdist/internal/irqmgr"
	"github.com/hwtools/irqdist/internal/uio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqdist: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file (flags override it)")
	device := flag.String("device", "", "PCI vendor:device hex pair")
	dir := flag.String("dir", "", "Directory for the notification FIFOs")
	sources := flag.Int("sources", 0, "Number of interrupt sources (1-32)")
	regBase := flag.Uint64("reg-base", 0, "Interrupt manager register offset inside BAR0")
	selfTest := flag.Bool("selftest", false, "Run the round-trip self-test loop")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Distribute FPGA interrupt notifications to per-source FIFOs.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	base, err := regBase32(*regBase)
	if err != nil {
		return err
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = *device
		case "dir":
			cfg.Dir = *dir
		case "sources":
			cfg.Sources = *sources
		case "reg-base":
			cfg.RegisterBase = base
		case "selftest":
			cfg.SelfTest = *selfTest
		case "verbose":
			cfg.Verbose = *verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg.Verbose)

	// uio_pci_generic only hands config space to root.
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be root to run")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	index, err := uio.Find(uio.DefaultSysfsRoot, cfg.Device)
	if err != nil {
		return err
	}

	dev, err := uio.Open(uio.DefaultSysfsRoot, index)
	if err != nil {
		return err
	}
	defer dev.Close()

	if n := dev.Resources(); n != 2 {
		return fmt.Errorf("device %s has %d BAR regions, want 2", cfg.Device, n)
	}

	window, err := dev.MapBAR(0)
	if err != nil {
		return err
	}

	regs, err := irqmgr.NewMMIO(window, uint64(cfg.RegisterBase))
	if err != nil {
		return err
	}

	set, err := fifoset.Open(cfg.Dir, cfg.Sources)
	if err != nil {
		return err
	}
	defer set.CloseAll()

	slog.Info("starting uio driver", "device", cfg.Device, "uio", index,
		"sources", cfg.Sources, "dir", cfg.Dir)

	// Unblock the monitor's pending wakeup read on shutdown.
	go func() {
		<-ctx.Done()
		dev.Close()
	}()

	testErr := make(chan error, 1)
	if cfg.SelfTest {
		st := dist.NewSelfTest(regs, set, slog.Default())
		go func() {
			if err := st.Run(ctx); err != nil {
				testErr <- fmt.Errorf("self-test: %w", err)
			}
		}()
	}

	monitor := dist.NewMonitor(regs, dev, dist.NewDistributor(set), slog.Default())
	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- monitor.Run(ctx)
	}()

	select {
	case err := <-testErr:
		// The distribution path is broken. Unblock the monitor and let it
		// unwind before the deferred cleanup tears down the FIFOs.
		stop()
		dev.Close()
		<-monitorDone
		return err
	case err := <-monitorDone:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		<-monitorDone
		return nil
	}
}

// regBase32 narrows the -reg-base flag to the register width, rejecting
// values that would otherwise truncate silently.
func regBase32(v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("reg-base 0x%x does not fit in 32 bits", v)
	}
	return uint32(v), nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		// Interactive runs don't need timestamps; journald adds its own for
		// service runs anyway.
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
