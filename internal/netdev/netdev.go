// Package netdev provides the host side of the paravirtual NIC. A Backend
// moves whole ethernet frames between the guest's packet hypercalls and a
// host network: either a kernel tap device or a user-mode stack that needs
// no privileges.
package netdev

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var ErrClosed = errors.New("network backend closed")

type Backend interface {
	io.Closer

	// MAC is the guest NIC's hardware address, reported through the
	// NetInfo hypercall.
	MAC() net.HardwareAddr

	// Send pushes one guest frame toward the network. Overload or a
	// runtime device error drops the frame rather than failing the VM.
	Send(frame []byte) error

	// Recv blocks until a frame arrives for the guest or ctx is
	// cancelled. It blocks only the calling goroutine.
	Recv(ctx context.Context) ([]byte, error)
}

// Open creates a backend from its CLI spec: "user" for the built-in
// user-mode stack, anything else is taken as the name of a preconfigured
// tap device.
func Open(spec string) (Backend, error) {
	switch {
	case spec == "":
		return nil, fmt.Errorf("empty network spec")
	case spec == "user":
		return OpenUsernet()
	case strings.HasPrefix(spec, "tap"):
		return OpenTap(spec)
	default:
		return nil, fmt.Errorf("unknown network spec %q (want \"user\" or a tap device name)", spec)
	}
}

// randomMAC returns a locally administered unicast MAC.
func randomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generating MAC: %w", err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}
