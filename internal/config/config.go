// Package config holds the daemon's configuration: defaults, an optional
// YAML file, and command-line overrides layered in that order. The result is
// immutable once the daemon starts.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hwtools/irqdist/internal/irqmgr"
)

// Config is the daemon's startup configuration.
type Config struct {
	// Device is the PCI "vendor:device" hex pair to bind to.
	Device string `yaml:"device"`

	// Dir is the directory holding the per-source notification FIFOs.
	Dir string `yaml:"dir"`

	// Sources is the number of interrupt sources to manage (1..32).
	Sources int `yaml:"sources"`

	// RegisterBase is the byte offset of the interrupt manager's registers
	// inside the device's first BAR.
	RegisterBase uint32 `yaml:"register_base"`

	// SelfTest spawns the round-trip verification loop.
	SelfTest bool `yaml:"self_test"`

	// Verbose enables debug logging, including a per-interrupt trace.
	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration the daemon uses with no file and no
// flags.
func Default() Config {
	return Config{
		Device:       "10ee:903f",
		Dir:          ".",
		Sources:      1,
		RegisterBase: 0x4000,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Sources < 1 || c.Sources > irqmgr.MaxSources {
		return fmt.Errorf("config: %d sources outside 1..%d", c.Sources, irqmgr.MaxSources)
	}
	if c.Dir == "" {
		return fmt.Errorf("config: FIFO directory is empty")
	}
	if !strings.Contains(c.Device, ":") {
		return fmt.Errorf("config: device %q is not vendor:device", c.Device)
	}
	if c.RegisterBase%4 != 0 {
		return fmt.Errorf("config: register base 0x%x is not 32-bit aligned", c.RegisterBase)
	}
	return nil
}
