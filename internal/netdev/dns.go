package netdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// dnsServer answers A queries on the usernet gateway address by resolving
// through the host. Anything it cannot answer gets NXDOMAIN; the guest libc
// falls back or fails like it would against a real resolver.
type dnsServer struct {
	server *dns.Server
}

func newDNSServer(packetConn net.PacketConn) *dnsServer {
	srv := &dnsServer{}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Error("usernet: dns server exited", "error", err)
		}
	}()
}

func (s *dnsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", q.Name)
		cancel()
		if err != nil || len(ips) == 0 {
			slog.Debug("usernet: dns lookup failed", "name", q.Name, "error", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ips[0]))
		if err != nil {
			m.SetRcode(r, dns.RcodeServerFailure)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	if err := w.WriteMsg(m); err != nil {
		slog.Debug("usernet: dns write reply", "error", err)
	}
}
