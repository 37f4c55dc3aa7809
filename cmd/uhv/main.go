// Command uhv runs a unikernel image in a KVM virtual machine. The guest
// talks to the host through the hypercall port interface: console, files,
// command line, and an optional paravirtual NIC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tinyrange/uhv/internal/config"
	"github.com/tinyrange/uhv/internal/gdb"
	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/hv/kvm"
	"github.com/tinyrange/uhv/internal/loader"
	"github.com/tinyrange/uhv/internal/netdev"
	"github.com/tinyrange/uhv/internal/vmm"
)

// Host-detected failures exit with EX_SOFTWARE so scripts can tell them
// apart from guest exit codes.
const exitHostFailure = 70

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhv: %v\n", err)
		os.Exit(exitHostFailure)
	}
	os.Exit(code)
}

func run() (int, error) {
	cpus := flag.Int("cpus", config.Default().CPUs, "Number of vCPUs")
	memory := flag.String("memory", config.Default().Memory, "Guest memory size (supports K/M/G suffixes)")
	netSpec := flag.String("net", "", "Network backend: 'user' or a tap device name")
	gdbPort := flag.Int("gdb", 0, "Listen for a gdb client on this port")
	configPath := flag.String("config", "", "YAML config file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image> [guest args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a unikernel ELF image in a KVM virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s hello.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -cpus 4 -memory 1G -net user server.elf -p 8080\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -gdb 1234 crashy.elf\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return 0, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return 0, err
	}
	// Flags the user actually passed win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cpus":
			cfg.CPUs = *cpus
		case "memory":
			cfg.Memory = *memory
		case "net":
			cfg.Net = *netSpec
		case "gdb":
			cfg.GDBPort = *gdbPort
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return 0, fmt.Errorf("image path required")
	}
	imagePath := args[0]
	guestArgs := append([]string{filepath.Base(imagePath)}, args[1:]...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	memBytes, err := cfg.MemoryBytes()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return 0, fmt.Errorf("read image: %w", err)
	}
	img, err := loader.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("parse image %s: %w", imagePath, err)
	}

	h, err := kvm.Open()
	if err != nil {
		return 0, err
	}
	defer h.Close()

	vm, err := h.NewVirtualMachine(hv.VMConfig{
		CPUCount:   cfg.CPUs,
		MemorySize: memBytes,
	})
	if err != nil {
		return 0, err
	}
	defer vm.Close()

	var backend netdev.Backend
	if cfg.Net != "" {
		backend, err = netdev.Open(cfg.Net)
		if err != nil {
			return 0, fmt.Errorf("open network backend %q: %w", cfg.Net, err)
		}
		defer backend.Close()
	}

	m, err := vmm.New(vm, cfg.CPUs, vmm.Options{
		Console: vmm.NewConsole(os.Stdout, os.Stdin),
		Net:     backend,
		Args:    guestArgs,
		Env:     os.Environ(),
		Debug:   cfg.GDBPort != 0,
	})
	if err != nil {
		return 0, err
	}

	if err := loader.Load(vm, img, loader.BootParams{
		CPUCount: cfg.CPUs,
		Args:     guestArgs,
		Env:      os.Environ(),
	}); err != nil {
		return 0, fmt.Errorf("load image: %w", err)
	}

	if cfg.GDBPort != 0 {
		addr := net.JoinHostPort("localhost", strconv.Itoa(cfg.GDBPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return 0, fmt.Errorf("listen for gdb: %w", err)
		}
		slog.Info("gdb server listening", "addr", ln.Addr())
		go func() {
			if err := gdb.Serve(ctx, ln, m.Debugger()); err != nil {
				slog.Error("gdb server failed", "error", err)
			}
		}()
	}

	slog.Debug("starting VM",
		"image", imagePath,
		"cpus", cfg.CPUs,
		"memory", memBytes,
		"net", cfg.Net)

	code, err := m.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("interrupted")
		}
		return 0, err
	}
	return code, nil
}
