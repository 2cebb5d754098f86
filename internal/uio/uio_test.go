//go:build linux

package uio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeSysfs builds a /sys/class/uio lookalike with the given PCI ids per uio
// index.
func fakeSysfs(t *testing.T, devices map[int]string) string {
	t.Helper()
	root := t.TempDir()
	for index, id := range devices {
		vendor, device, err := ParseDeviceID(id)
		if err != nil {
			t.Fatalf("ParseDeviceID(%q): %v", id, err)
		}
		dir := filepath.Join(root, fmt.Sprintf("uio%d", index), "device")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		writeHex(t, filepath.Join(dir, "vendor"), vendor)
		writeHex(t, filepath.Join(dir, "device"), device)
	}
	return root
}

func writeHex(t *testing.T, path string, value uint16) {
	t.Helper()
	if err := os.WriteFile(path, fmt.Appendf(nil, "0x%04x\n", value), 0644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestFind(t *testing.T) {
	root := fakeSysfs(t, map[int]string{
		0: "8086:10d3",
		2: "10ee:903f",
	})

	index, err := Find(root, "10ee:903f")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if index != 2 {
		t.Fatalf("Find = uio%d, want uio2", index)
	}
}

func TestFindNoMatch(t *testing.T) {
	root := fakeSysfs(t, map[int]string{0: "8086:10d3"})

	if _, err := Find(root, "10ee:903f"); err == nil {
		t.Fatal("Find succeeded for an absent device")
	}
}

func TestFindMissingRoot(t *testing.T) {
	if _, err := Find(filepath.Join(t.TempDir(), "nope"), "10ee:903f"); err == nil {
		t.Fatal("Find succeeded without a sysfs root")
	}
}

// Shutdown closes the device from more than one goroutine (the signal
// watcher and the deferred cleanup), so Close must be safe to race with
// itself and must unmap each BAR window exactly once.
func TestDeviceCloseConcurrent(t *testing.T) {
	dir := t.TempDir()

	uioFile, err := os.Create(filepath.Join(dir, "uio0"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	configFile, err := os.Create(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mem, err := unix.Mmap(-1, 0, 4096, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	d := &Device{uio: uioFile, config: configFile, mappings: [][]byte{mem}}

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Close()
		}()
	}
	wg.Wait()

	if err := d.Close(); err != nil {
		t.Fatalf("Close after Close: %v", err)
	}
	if d.mappings != nil {
		t.Fatal("mappings not released after Close")
	}
}

func TestParseDeviceID(t *testing.T) {
	vendor, device, err := ParseDeviceID("10ee:903f")
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if vendor != 0x10ee || device != 0x903f {
		t.Fatalf("ParseDeviceID = %04x:%04x, want 10ee:903f", vendor, device)
	}

	for _, bad := range []string{"", "10ee", "10ee:", ":903f", "zzzz:903f", "10ee:903f:0"} {
		if _, _, err := ParseDeviceID(bad); err == nil {
			t.Fatalf("ParseDeviceID(%q) succeeded, want error", bad)
		}
	}
}
