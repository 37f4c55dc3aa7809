// Package config collects the run configuration for a VM: defaults, an
// optional YAML file, environment overrides, and command line flags, merged
// in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes one VM run. Memory is a human-readable size so the YAML
// file and the flag accept the same spelling ("64M", "1G").
type Config struct {
	CPUs    int    `yaml:"cpus"`
	Memory  string `yaml:"memory"`
	Net     string `yaml:"net"`      // "", "user", or a tap device name
	GDBPort int    `yaml:"gdb_port"` // 0 disables the debug server
	Verbose bool   `yaml:"verbose"`
}

func Default() Config {
	return Config{
		CPUs:   1,
		Memory: "64M",
	}
}

// Load merges the YAML file at path over the defaults. A missing file is an
// error; callers pass a path only when the user asked for one.
func Load(path string) (Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overrides fields from UHV_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("UHV_CPUS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UHV_CPUS: %w", err)
		}
		c.CPUs = n
	}
	if v, ok := os.LookupEnv("UHV_MEM"); ok {
		c.Memory = v
	}
	if v, ok := os.LookupEnv("UHV_NET"); ok {
		c.Net = v
	}
	if v, ok := os.LookupEnv("UHV_GDB_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UHV_GDB_PORT: %w", err)
		}
		c.GDBPort = n
	}
	return nil
}

const minMemory = 2 << 20

// MemoryBytes parses the Memory field. Plain numbers are bytes; K, M, and G
// suffixes scale them. The result must cover the reserved low region and the
// boot-info page, so anything under 2 MiB is rejected.
func (c Config) MemoryBytes() (uint64, error) {
	s := strings.TrimSpace(c.Memory)
	if s == "" {
		return 0, fmt.Errorf("memory size is empty")
	}

	shift := 0
	switch s[len(s)-1] {
	case 'k', 'K':
		shift, s = 10, s[:len(s)-1]
	case 'm', 'M':
		shift, s = 20, s[:len(s)-1]
	case 'g', 'G':
		shift, s = 30, s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory size %q: %w", c.Memory, err)
	}
	if n > (1<<63-1)>>shift {
		return 0, fmt.Errorf("memory size %q overflows", c.Memory)
	}

	bytes := n << shift
	if bytes < minMemory {
		return 0, fmt.Errorf("memory size %q is below the %d MiB minimum", c.Memory, minMemory>>20)
	}
	if bytes%0x1000 != 0 {
		return 0, fmt.Errorf("memory size %q is not page aligned", c.Memory)
	}
	return bytes, nil
}

// Validate checks the fields a run actually needs.
func (c Config) Validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("cpus must be at least 1, got %d", c.CPUs)
	}
	if _, err := c.MemoryBytes(); err != nil {
		return err
	}
	if c.GDBPort < 0 || c.GDBPort > 65535 {
		return fmt.Errorf("gdb_port %d out of range", c.GDBPort)
	}
	return nil
}
