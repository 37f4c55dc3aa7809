package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uhv.yml")
	data := "cpus: 4\nmemory: 1G\nnet: user\ngdb_port: 1234\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CPUs != 4 || c.Memory != "1G" || c.Net != "user" || c.GDBPort != 1234 {
		t.Errorf("loaded %+v", c)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uhv.yml")
	if err := os.WriteFile(path, []byte("cpus: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CPUs != 2 {
		t.Errorf("cpus: %d", c.CPUs)
	}
	if c.Memory != Default().Memory {
		t.Errorf("memory default lost: %q", c.Memory)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uhv.yml")
	if err := os.WriteFile(path, []byte("cpus: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("UHV_CPUS", "8")
	t.Setenv("UHV_MEM", "256M")
	t.Setenv("UHV_NET", "tap0")
	t.Setenv("UHV_GDB_PORT", "4321")

	c := Default()
	if err := c.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if c.CPUs != 8 || c.Memory != "256M" || c.Net != "tap0" || c.GDBPort != 4321 {
		t.Errorf("after env: %+v", c)
	}

	t.Setenv("UHV_CPUS", "lots")
	if err := c.ApplyEnv(); err == nil {
		t.Error("non-numeric UHV_CPUS accepted")
	}
}

func TestMemoryBytes(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"64M", 64 << 20, true},
		{"1G", 1 << 30, true},
		{"2048K", 2 << 20, true},
		{"4194304", 4 << 20, true},
		{"512k", 0, false}, // below minimum
		{"1M", 0, false},
		{"", 0, false},
		{"12X", 0, false},
		{"-1G", 0, false},
	} {
		got, err := Config{Memory: tc.in}.MemoryBytes()
		if tc.ok != (err == nil) {
			t.Errorf("%q: err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("%q: got %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	c.CPUs = 0
	if err := c.Validate(); err == nil {
		t.Error("zero cpus accepted")
	}

	c = Default()
	c.GDBPort = 70000
	if err := c.Validate(); err == nil {
		t.Error("out of range gdb port accepted")
	}
}
