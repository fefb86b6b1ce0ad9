package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

// DNSAnswer is the A record every StartDNSServer reply carries.
const DNSAnswer = "192.0.2.1"

// StartDNSServer runs a UDP resolver on loopback that answers every A query
// with DNSAnswer.
func StartDNSServer(t *testing.T) netip.AddrPort {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			for _, q := range r.Question {
				if q.Qtype != dns.TypeA {
					continue
				}
				rr, err := dns.NewRR(q.Name + " 60 IN A " + DNSAnswer)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// DNSQuery packs an A query for name.
func DNSQuery(t *testing.T, name string) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	b, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// DNSAnswers unpacks a response and returns its A record addresses.
func DNSAnswers(t *testing.T, b []byte) []string {
	t.Helper()

	var m dns.Msg
	if err := m.Unpack(b); err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, rr := range m.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out
}
