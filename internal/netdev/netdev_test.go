package netdev

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// The forwarder callbacks must keep the handler signatures the stack
// expects; the UDP one reports whether the session was accepted.
var (
	_ udp.ForwarderHandler        = (*usernetBackend)(nil).handleUDP
	_ func(*tcp.ForwarderRequest) = (*usernetBackend)(nil).handleTCP
)

func TestOpenRejectsUnknownSpec(t *testing.T) {
	for _, spec := range []string{"", "bridge0", "vde:/tmp/sock"} {
		if _, err := Open(spec); err == nil {
			t.Errorf("Open(%q): want error", spec)
		}
	}
}

func TestRandomMAC(t *testing.T) {
	mac, err := randomMAC()
	if err != nil {
		t.Fatal(err)
	}
	if mac[0]&0x01 != 0 {
		t.Errorf("MAC %s is multicast", mac)
	}
	if mac[0]&0x02 == 0 {
		t.Errorf("MAC %s is not locally administered", mac)
	}
}

// buildARPRequest assembles a who-has frame from the guest for the gateway.
func buildARPRequest(guestMAC net.HardwareAddr) []byte {
	frame := make([]byte, 42)
	copy(frame[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], guestMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // ARP

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // IPv4
	arp[4] = 6
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:8], 1) // request
	copy(arp[8:14], guestMAC)
	copy(arp[14:18], usernetGuestIP.To4())
	copy(arp[24:28], usernetGatewayIP.To4())
	return frame
}

func TestUsernetAnswersARP(t *testing.T) {
	backend, err := OpenUsernet()
	if err != nil {
		t.Fatalf("OpenUsernet: %v", err)
	}
	defer backend.Close()

	if err := backend.Send(buildARPRequest(backend.MAC())); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		frame, err := backend.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if len(frame) < 42 || binary.BigEndian.Uint16(frame[12:14]) != 0x0806 {
			continue
		}
		arp := frame[14:]
		if op := binary.BigEndian.Uint16(arp[6:8]); op != 2 {
			continue
		}
		if got := net.HardwareAddr(arp[8:14]); got.String() != usernetGatewayMAC.String() {
			t.Fatalf("ARP reply from %s, want %s", got, usernetGatewayMAC)
		}
		if got := net.IP(arp[14:18]); !got.Equal(usernetGatewayIP) {
			t.Fatalf("ARP reply for %s, want %s", got, usernetGatewayIP)
		}
		return
	}
}

func TestUsernetRecvCancellation(t *testing.T) {
	backend, err := OpenUsernet()
	if err != nil {
		t.Fatalf("OpenUsernet: %v", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := backend.Recv(ctx); err != context.Canceled {
		t.Errorf("Recv after cancel: got %v, want context.Canceled", err)
	}
}
