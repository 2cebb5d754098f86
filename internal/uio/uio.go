//go:build linux

// Package uio talks to the kernel's uio_pci_generic driver: discovering the
// UIO node bound to a PCI device, waiting for interrupt wakeups, re-arming
// delivery through PCI configuration space, and mapping the device's BAR
// windows into the process.
package uio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSysfsRoot is where the kernel exposes UIO devices.
const DefaultSysfsRoot = "/sys/class/uio"

// The PCI command register's high byte lives at config-space offset 5;
// bit 2 of that byte is the INTx disable flag.
const (
	pciCommandHighOffset = 5
	pciInterruptDisable  = 0x4
)

// Find scans the sysfs root for the UIO node whose bound PCI device matches
// the "vendor:device" hex pair and returns its index.
func Find(sysfsRoot, id string) (int, error) {
	vendor, device, err := ParseDeviceID(id)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return 0, fmt.Errorf("uio: scan %s: %w", sysfsRoot, err)
	}

	for _, entry := range entries {
		index, ok := strings.CutPrefix(entry.Name(), "uio")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(index)
		if err != nil {
			continue
		}

		dev := filepath.Join(sysfsRoot, entry.Name(), "device")
		v, err := readHexFile(filepath.Join(dev, "vendor"))
		if err != nil {
			continue
		}
		d, err := readHexFile(filepath.Join(dev, "device"))
		if err != nil {
			continue
		}

		if v == vendor && d == device {
			return n, nil
		}
	}

	return 0, fmt.Errorf("uio: no device %s under %s", id, sysfsRoot)
}

// ParseDeviceID splits a "vendor:device" hex pair.
func ParseDeviceID(id string) (vendor, device uint16, err error) {
	v, d, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("uio: device id %q is not vendor:device", id)
	}
	vendor64, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("uio: vendor id %q: %w", v, err)
	}
	device64, err := strconv.ParseUint(d, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("uio: device id %q: %w", d, err)
	}
	return uint16(vendor64), uint16(device64), nil
}

func readHexFile(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	text = strings.TrimPrefix(text, "0x")
	value, err := strconv.ParseUint(text, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint16(value), nil
}

// Device is an open UIO node. Reading it blocks until the hardware raises an
// interrupt; writing the PCI command register re-arms delivery.
type Device struct {
	index     int
	sysfsRoot string

	uio      *os.File // /dev/uio<N>, the wakeup pseudo-file
	config   *os.File // PCI configuration space
	cmdHigh  byte     // command high byte with INTx disable cleared
	mappings [][]byte

	closeOnce sync.Once
	closeErr  error
}

// Open opens the UIO node and its PCI configuration space and computes the
// command byte used to re-arm interrupt delivery.
func Open(sysfsRoot string, index int) (*Device, error) {
	uioPath := fmt.Sprintf("/dev/uio%d", index)
	uio, err := os.OpenFile(uioPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", uioPath, err)
	}

	configPath := filepath.Join(sysfsRoot, fmt.Sprintf("uio%d", index), "device", "config")
	config, err := os.OpenFile(configPath, os.O_RDWR, 0)
	if err != nil {
		uio.Close()
		return nil, fmt.Errorf("uio: open %s: %w", configPath, err)
	}

	d := &Device{index: index, sysfsRoot: sysfsRoot, uio: uio, config: config}

	var cmd [1]byte
	if _, err := config.ReadAt(cmd[:], pciCommandHighOffset); err != nil {
		d.Close()
		return nil, fmt.Errorf("uio: read PCI command register: %w", err)
	}
	d.cmdHigh = cmd[0] &^ pciInterruptDisable

	return d, nil
}

// Arm clears the INTx disable flag so the device can deliver the next
// interrupt. The kernel sets the flag again as part of handling each one, so
// Arm must be called every cycle.
func (d *Device) Arm() error {
	if _, err := d.config.WriteAt([]byte{d.cmdHigh}, pciCommandHighOffset); err != nil {
		return fmt.Errorf("uio: write PCI command register: %w", err)
	}
	return nil
}

// Wait blocks until the device raises an interrupt. The kernel hands back a
// running interrupt count; a short read means the wakeup path is broken.
func (d *Device) Wait() error {
	var count [4]byte
	n, err := d.uio.Read(count[:])
	if err != nil {
		return fmt.Errorf("uio: wait: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("uio: wait: short read of %d bytes", n)
	}
	return nil
}

// Resources returns how many BAR resource files the bound PCI device
// exposes.
func (d *Device) Resources() int {
	count := 0
	for i := 0; i < 6; i++ {
		path := filepath.Join(d.sysfsRoot, fmt.Sprintf("uio%d", d.index), "device",
			fmt.Sprintf("resource%d", i))
		if _, err := os.Stat(path); err != nil {
			break
		}
		count++
	}
	return count
}

// MapBAR maps a BAR resource file read/write and returns the window. The
// mapping is released by Close.
func (d *Device) MapBAR(bar int) ([]byte, error) {
	path := filepath.Join(d.sysfsRoot, fmt.Sprintf("uio%d", d.index), "device",
		fmt.Sprintf("resource%d", bar))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("uio: stat %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("uio: mmap %s: %w", path, err)
	}

	d.mappings = append(d.mappings, mem)
	return mem, nil
}

// Close releases the BAR mappings and both descriptors. Closing the wakeup
// file unblocks a pending Wait, which is how shutdown interrupts the monitor
// loop. Close is safe to call from multiple goroutines; only the first call
// does the work.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		for _, mem := range d.mappings {
			unix.Munmap(mem)
		}
		d.mappings = nil
		d.config.Close()
		d.closeErr = d.uio.Close()
	})
	return d.closeErr
}
