//go:build linux

package netdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/uhv/internal/guest"
	"golang.org/x/sys/unix"
)

// tapBackend bridges guest frames to a kernel TUN/TAP device. The device
// must already exist and be configured (ip tuntap add, ip link set up); a
// missing device fails at setup. A dedicated goroutine drains the device
// into a bounded queue so a slow guest drops frames instead of backing up
// the kernel.
type tapBackend struct {
	fd   int
	name string
	mac  net.HardwareAddr

	writeMu sync.Mutex

	queue  chan []byte
	closed chan struct{}
}

func OpenTap(name string) (Backend, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	mac, err := randomMAC()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &tapBackend{
		fd:     fd,
		name:   name,
		mac:    mac,
		queue:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	go t.reader()

	slog.Debug("tap backend up", "device", name, "mac", mac.String())

	return t, nil
}

func (t *tapBackend) MAC() net.HardwareAddr { return t.mac }

func (t *tapBackend) reader() {
	for {
		buf := make([]byte, guest.MaxPacketSize)
		n, err := unix.Read(t.fd, buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				slog.Error("tap read", "device", t.name, "error", err)
			}
			return
		}

		select {
		case t.queue <- buf[:n]:
		default:
			// guest not keeping up
			slog.Debug("tap queue full, dropping frame", "device", t.name, "len", n)
		}
	}
}

func (t *tapBackend) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	if _, err := unix.Write(t.fd, frame); err != nil {
		// runtime failure degrades to a dropped frame
		slog.Debug("tap write, dropping frame", "device", t.name, "error", err)
	}
	return nil
}

func (t *tapBackend) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.queue:
		return frame, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *tapBackend) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	return unix.Close(t.fd)
}
