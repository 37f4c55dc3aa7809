package netdev

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// User-mode network plan, fixed by convention (the guest learns its address
// from the command line): guest 10.0.2.15/24, gateway and DNS at 10.0.2.2.
const usernetNICID tcpip.NICID = 1

var (
	usernetGatewayIP  = net.IPv4(10, 0, 2, 2)
	usernetGuestIP    = net.IPv4(10, 0, 2, 15)
	usernetGatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// usernetBackend runs a gVisor tcpip stack in-process as the guest's
// "network". Outbound guest connections are forwarded to real host sockets;
// no tap device or privileges required.
type usernetBackend struct {
	stack *stack.Stack
	ch    *channel.Endpoint
	mac   net.HardwareAddr
	dns   *dnsServer

	cancel context.CancelFunc
	ctx    context.Context
}

func addrFrom4(ip net.IP) tcpip.Address {
	var b [4]byte
	copy(b[:], ip.To4())
	return tcpip.AddrFrom4(b)
}

func OpenUsernet() (Backend, error) {
	mac, err := randomMAC()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	ch := channel.New(1024, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(usernetGatewayMAC)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	u := &usernetBackend{
		stack:  s,
		ch:     ch,
		mac:    mac,
		ctx:    ctx,
		cancel: cancel,
	}

	fail := func(err error) (Backend, error) {
		cancel()
		s.Destroy()
		return nil, err
	}

	if terr := s.CreateNIC(usernetNICID, ethernet.New(ch)); terr != nil {
		return fail(fmt.Errorf("usernet: create NIC: %s", terr))
	}
	if terr := s.AddProtocolAddress(usernetNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom4(usernetGatewayIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); terr != nil {
		return fail(fmt.Errorf("usernet: add address: %s", terr))
	}

	// Accept traffic for any destination so guest connections to arbitrary
	// remote addresses reach the forwarders.
	if terr := s.SetPromiscuousMode(usernetNICID, true); terr != nil {
		return fail(fmt.Errorf("usernet: promiscuous mode: %s", terr))
	}
	if terr := s.SetSpoofing(usernetNICID, true); terr != nil {
		return fail(fmt.Errorf("usernet: spoofing: %s", terr))
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: usernetNICID},
	})

	tcpFwd := tcp.NewForwarder(s, 0, 1024, u.handleTCP)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s, u.handleUDP)
	s.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	// The DNS responder binds gateway:53 on the virtual stack; bound
	// endpoints take precedence over the UDP forwarder.
	dnsConn, err := gonet.DialUDP(s, &tcpip.FullAddress{
		NIC:  usernetNICID,
		Addr: addrFrom4(usernetGatewayIP),
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return fail(fmt.Errorf("usernet: bind DNS endpoint: %w", err))
	}
	u.dns = newDNSServer(dnsConn)
	u.dns.start()

	slog.Debug("usernet backend up", "guest", usernetGuestIP.String(), "gateway", usernetGatewayIP.String(), "mac", mac.String())

	return u, nil
}

func (u *usernetBackend) MAC() net.HardwareAddr { return u.mac }

func (u *usernetBackend) Send(frame []byte) error {
	select {
	case <-u.ctx.Done():
		return ErrClosed
	default:
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header itself; the protocol
	// argument is ignored.
	u.ch.InjectInbound(0, pkt)
	return nil
}

func (u *usernetBackend) Recv(ctx context.Context) ([]byte, error) {
	pkt := u.ch.ReadContext(ctx)
	if pkt == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	frame := append([]byte(nil), pkt.ToView().AsSlice()...)
	pkt.DecRef()
	return frame, nil
}

func (u *usernetBackend) Close() error {
	u.cancel()
	u.dns.stop()
	u.ch.Close()
	u.stack.Destroy()
	return nil
}

func (u *usernetBackend) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	go func() {
		hostConn, err := net.DialTimeout("tcp", dst, 10*time.Second)
		if err != nil {
			slog.Debug("usernet: tcp dial failed", "dst", dst, "error", err)
			r.Complete(true) // send RST
			return
		}

		var wq waiter.Queue
		ep, terr := r.CreateEndpoint(&wq)
		if terr != nil {
			slog.Debug("usernet: tcp endpoint", "dst", dst, "error", terr.String())
			hostConn.Close()
			r.Complete(true)
			return
		}
		r.Complete(false)

		guestConn := gonet.NewTCPConn(&wq, ep)
		splice(u.ctx, guestConn, hostConn)
	}()
}

func (u *usernetBackend) handleUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		slog.Debug("usernet: udp endpoint", "dst", dst, "error", terr.String())
		return false
	}
	guestConn := gonet.NewUDPConn(&wq, ep)

	go func() {
		defer guestConn.Close()

		hostConn, err := net.Dial("udp", dst)
		if err != nil {
			slog.Debug("usernet: udp dial failed", "dst", dst, "error", err)
			return
		}
		defer hostConn.Close()

		done := make(chan struct{}, 2)
		copyUDP := func(dst io.Writer, src io.Reader, deadline func(time.Time) error) {
			buf := make([]byte, 64<<10)
			for {
				if err := deadline(time.Now().Add(90 * time.Second)); err != nil {
					break
				}
				n, err := src.Read(buf)
				if err != nil {
					break
				}
				if _, err := dst.Write(buf[:n]); err != nil {
					break
				}
			}
			done <- struct{}{}
		}

		go copyUDP(hostConn, guestConn, guestConn.SetReadDeadline)
		go copyUDP(guestConn, hostConn, hostConn.(*net.UDPConn).SetReadDeadline)

		select {
		case <-done:
		case <-u.ctx.Done():
		}
	}()
	return true
}

// splice copies both directions until either side closes or the backend
// shuts down.
func splice(ctx context.Context, a, b net.Conn) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
