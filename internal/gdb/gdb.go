// Package gdb serves the GDB remote serial protocol over TCP so a stock
// gdb client can inspect a paused guest: registers, memory, software
// breakpoints, single stepping, and all-stop continue across every vCPU.
package gdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/vmm"
)

// Target is the stopped-VM surface the protocol drives. *vmm.Debugger
// implements it.
type Target interface {
	CPUCount() int
	Registers(cpu int) ([]uint64, error)
	SetRegisters(cpu int, values []uint64) error
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
	SetBreakpoint(addr uint64) error
	ClearBreakpoint(addr uint64) error
	Pause()
	Continue() vmm.StopEvent
	Step(cpu int) vmm.StopEvent
	Interrupt()
	Detach()
	Kill()
}

var _ Target = (*vmm.Debugger)(nil)

const maxMemoryTransfer = 4096

// Serve accepts debug clients one at a time. The VM pauses while a client
// is attached; a disconnect detaches and resumes it. Serve returns when ctx
// is cancelled or the listener fails.
func Serve(ctx context.Context, ln net.Listener, target Target) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept debug client: %w", err)
		}

		slog.Info("debug client attached", "remote", conn.RemoteAddr())
		target.Pause()

		s := &session{
			conn:   conn,
			bw:     bufio.NewWriter(conn),
			target: target,
		}
		s.run()
		conn.Close()
		slog.Info("debug client detached", "remote", conn.RemoteAddr())
	}
}

type session struct {
	conn   net.Conn
	bw     *bufio.Writer
	target Target

	cpu      int // selected thread, zero based
	noAck    bool
	detached bool
	exited   bool
}

func (s *session) run() {
	packets := make(chan []byte)
	interrupts := make(chan struct{}, 1)

	go func() {
		defer close(packets)
		br := bufio.NewReader(s.conn)
		for {
			payload, interrupt, err := readFrame(br)
			if err != nil {
				if !s.detached {
					slog.Debug("debug session dropped", "error", err)
				}
				return
			}
			if interrupt {
				select {
				case interrupts <- struct{}{}:
				default:
				}
				continue
			}
			packets <- payload
		}
	}()

	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				// Client went away mid-session; let the guest run.
				if !s.detached && !s.exited {
					s.target.Detach()
				}
				return
			}
			if err := s.dispatch(pkt, interrupts, packets); err != nil {
				return
			}
			if s.detached {
				return
			}
		case <-interrupts:
			// Already stopped; nothing to interrupt.
		}
	}
}

func (s *session) reply(payload string) error {
	if !s.noAck {
		if err := s.bw.WriteByte('+'); err != nil {
			return err
		}
	}
	return writeFrame(s.bw, []byte(payload))
}

func (s *session) dispatch(pkt []byte, interrupts chan struct{}, packets chan []byte) error {
	p := string(pkt)
	if p == "" {
		return s.reply("")
	}

	switch {
	case p == "?":
		return s.reply(stopReply(vmm.StopEvent{CPU: s.cpu, Signal: 5}))
	case strings.HasPrefix(p, "qSupported"):
		return s.reply(fmt.Sprintf("PacketSize=%x;swbreak+;QStartNoAckMode+", maxMemoryTransfer))
	case p == "QStartNoAckMode":
		if err := s.reply("OK"); err != nil {
			return err
		}
		s.noAck = true
		return nil
	case p == "qAttached":
		return s.reply("1")
	case p == "qC":
		return s.reply(fmt.Sprintf("QC%x", s.cpu+1))
	case p == "qfThreadInfo":
		ids := make([]string, s.target.CPUCount())
		for i := range ids {
			ids[i] = strconv.FormatInt(int64(i+1), 16)
		}
		return s.reply("m" + strings.Join(ids, ","))
	case p == "qsThreadInfo":
		return s.reply("l")
	case p[0] == 'H':
		return s.handleThreadSelect(p)
	case p[0] == 'T':
		if cpu, ok := s.parseThread(p[1:]); ok && cpu < s.target.CPUCount() {
			return s.reply("OK")
		}
		return s.reply("E01")
	case p == "g":
		return s.handleReadRegisters()
	case p[0] == 'G':
		return s.handleWriteRegisters(p[1:])
	case p[0] == 'p':
		return s.handleReadRegister(p[1:])
	case p[0] == 'P':
		return s.handleWriteRegister(p[1:])
	case p[0] == 'm':
		return s.handleReadMemory(p[1:])
	case p[0] == 'M':
		return s.handleWriteMemory(p[1:])
	case strings.HasPrefix(p, "Z0,"):
		return s.handleBreakpoint(p[3:], true)
	case strings.HasPrefix(p, "z0,"):
		return s.handleBreakpoint(p[3:], false)
	case p[0] == 's':
		return s.handleStop(s.target.Step(s.cpu))
	case p[0] == 'c':
		return s.handleContinue(interrupts, packets)
	case p == "D":
		s.target.Detach()
		s.detached = true
		return s.reply("OK")
	case p == "k":
		s.target.Kill()
		s.detached = true
		return nil
	default:
		// Unsupported command; an empty reply tells the client so.
		return s.reply("")
	}
}

func (s *session) handleThreadSelect(p string) error {
	if len(p) < 2 {
		return s.reply("E01")
	}
	cpu, ok := s.parseThread(p[2:])
	if !ok || cpu >= s.target.CPUCount() {
		return s.reply("E01")
	}
	if p[1] == 'g' || p[1] == 'c' {
		s.cpu = cpu
	}
	return s.reply("OK")
}

// parseThread maps a protocol thread id onto a vCPU index. The ids -1 (all
// threads) and 0 (any thread) both land on vCPU 0.
func (s *session) parseThread(arg string) (int, bool) {
	if arg == "-1" || arg == "0" || arg == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(arg, 16, 32)
	if err != nil || id < 1 {
		return 0, false
	}
	return int(id - 1), true
}

func (s *session) handleReadRegisters() error {
	values, err := s.target.Registers(s.cpu)
	if err != nil {
		return s.reply("E01")
	}
	return s.reply(encodeRegisters(values))
}

func (s *session) handleWriteRegisters(arg string) error {
	values, err := decodeRegisters(arg)
	if err != nil {
		return s.reply("E01")
	}
	if err := s.target.SetRegisters(s.cpu, values); err != nil {
		return s.reply("E01")
	}
	return s.reply("OK")
}

func (s *session) handleReadRegister(arg string) error {
	idx, err := strconv.ParseInt(arg, 16, 32)
	if err != nil || idx < 0 || int(idx) >= len(hv.GPRegisters) {
		return s.reply("E01")
	}
	values, rerr := s.target.Registers(s.cpu)
	if rerr != nil {
		return s.reply("E01")
	}
	return s.reply(encodeRegister(values[idx], registerWidth(int(idx))))
}

func (s *session) handleWriteRegister(arg string) error {
	idxStr, valStr, ok := strings.Cut(arg, "=")
	if !ok {
		return s.reply("E01")
	}
	idx, err := strconv.ParseInt(idxStr, 16, 32)
	if err != nil || idx < 0 || int(idx) >= len(hv.GPRegisters) {
		return s.reply("E01")
	}
	value, err := decodeRegister(valStr, registerWidth(int(idx)))
	if err != nil {
		return s.reply("E01")
	}

	values, rerr := s.target.Registers(s.cpu)
	if rerr != nil {
		return s.reply("E01")
	}
	values[idx] = value
	if err := s.target.SetRegisters(s.cpu, values); err != nil {
		return s.reply("E01")
	}
	return s.reply("OK")
}

func (s *session) handleReadMemory(arg string) error {
	addr, length, err := parseAddrLen(arg)
	if err != nil || length > maxMemoryTransfer {
		return s.reply("E01")
	}
	buf := make([]byte, length)
	if err := s.target.ReadMemory(addr, buf); err != nil {
		return s.reply("E14")
	}
	return s.reply(hex.EncodeToString(buf))
}

func (s *session) handleWriteMemory(arg string) error {
	spec, data, ok := strings.Cut(arg, ":")
	if !ok {
		return s.reply("E01")
	}
	addr, length, err := parseAddrLen(spec)
	if err != nil {
		return s.reply("E01")
	}
	buf, err := hex.DecodeString(data)
	if err != nil || uint64(len(buf)) != length {
		return s.reply("E01")
	}
	if err := s.target.WriteMemory(addr, buf); err != nil {
		return s.reply("E14")
	}
	return s.reply("OK")
}

func (s *session) handleBreakpoint(arg string, set bool) error {
	addrStr, _, _ := strings.Cut(arg, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return s.reply("E01")
	}

	if set {
		err = s.target.SetBreakpoint(addr)
	} else {
		err = s.target.ClearBreakpoint(addr)
	}
	if err != nil {
		return s.reply("E14")
	}
	return s.reply("OK")
}

func (s *session) handleContinue(interrupts chan struct{}, packets chan []byte) error {
	done := make(chan vmm.StopEvent, 1)
	go func() { done <- s.target.Continue() }()

	for {
		select {
		case ev := <-done:
			return s.handleStop(ev)
		case <-interrupts:
			s.target.Interrupt()
		case _, ok := <-packets:
			if !ok {
				// Disconnect while running. Bring the VM to a stop so the
				// debugger state settles, then detach and let it run free.
				s.target.Interrupt()
				ev := <-done
				if !ev.Exited {
					s.target.Detach()
				}
				s.detached = true
				return fmt.Errorf("client disconnected while running")
			}
			// The client should not talk while the guest runs; drop it.
		}
	}
}

func (s *session) handleStop(ev vmm.StopEvent) error {
	if ev.Exited {
		s.exited = true
		return s.reply(fmt.Sprintf("W%02x", byte(ev.Code)))
	}
	s.cpu = ev.CPU
	return s.reply(stopReply(ev))
}

func stopReply(ev vmm.StopEvent) string {
	sig := ev.Signal
	if sig == 0 {
		sig = 5
	}
	return fmt.Sprintf("T%02xthread:%x;", sig, ev.CPU+1)
}

func parseAddrLen(arg string) (addr, length uint64, err error) {
	addrStr, lenStr, ok := strings.Cut(arg, ",")
	if !ok {
		return 0, 0, fmt.Errorf("missing length")
	}
	if addr, err = strconv.ParseUint(addrStr, 16, 64); err != nil {
		return 0, 0, err
	}
	if length, err = strconv.ParseUint(lenStr, 16, 64); err != nil {
		return 0, 0, err
	}
	return addr, length, nil
}

// The wire register file matches gdb's amd64 layout: rax through r15 and
// rip as 64-bit values, then eflags and the six segment registers as
// 32-bit values. The order is hv.GPRegisters.
func registerWidth(idx int) int {
	if idx < 17 {
		return 8
	}
	return 4
}

func encodeRegister(value uint64, width int) string {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], value)
	return hex.EncodeToString(raw[:width])
}

func decodeRegister(arg string, width int) (uint64, error) {
	raw, err := hex.DecodeString(arg)
	if err != nil {
		return 0, err
	}
	if len(raw) != width {
		return 0, fmt.Errorf("register value has %d bytes, want %d", len(raw), width)
	}
	var full [8]byte
	copy(full[:], raw)
	return binary.LittleEndian.Uint64(full[:]), nil
}

func encodeRegisters(values []uint64) string {
	var sb strings.Builder
	for i, v := range values {
		sb.WriteString(encodeRegister(v, registerWidth(i)))
	}
	return sb.String()
}

func decodeRegisters(arg string) ([]uint64, error) {
	values := make([]uint64, len(hv.GPRegisters))
	for i := range values {
		width := registerWidth(i)
		if len(arg) < width*2 {
			return nil, fmt.Errorf("register file too short")
		}
		v, err := decodeRegister(arg[:width*2], width)
		if err != nil {
			return nil, err
		}
		values[i] = v
		arg = arg[width*2:]
	}
	if arg != "" {
		return nil, fmt.Errorf("register file too long")
	}
	return values, nil
}
