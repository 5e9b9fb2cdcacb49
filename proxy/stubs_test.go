package proxy_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/dns"
)

// stubDelivery records one leg delivery attempt.
type stubDelivery struct {
	packet dispatch.Packet
	dst    string
}

type stubLeg struct {
	proto dispatch.Proto
	addr  string
	port  uint16

	mu        sync.Mutex
	delivered []stubDelivery
}

func newStubLeg(proto dispatch.Proto, addr string, port uint16) *stubLeg {
	return &stubLeg{proto: proto, addr: addr, port: port}
}

func (l *stubLeg) Proto() dispatch.Proto { return l.proto }
func (l *stubLeg) Addr() string          { return l.addr }
func (l *stubLeg) Port() uint16          { return l.port }
func (l *stubLeg) Contact() string       { return "sip:" + l.addr }

func (l *stubLeg) Deliver(p dispatch.Packet, dst string, _ func(error)) {
	l.mu.Lock()
	l.delivered = append(l.delivered, stubDelivery{packet: p, dst: dst})
	l.mu.Unlock()
}

func (l *stubLeg) deliveries() []stubDelivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stubDelivery(nil), l.delivered...)
}

func (l *stubLeg) CanDeliverTo(proto dispatch.Proto, _ string, _ uint16) bool {
	return proto == "" || proto == l.proto
}

func (l *stubLeg) ForwardIncoming(dispatch.Packet) error               { return nil }
func (l *stubLeg) ForwardOutgoing(dispatch.Packet, dispatch.Leg) error { return nil }

func (l *stubLeg) Serve(ctx context.Context, _ func(dispatch.Packet, string)) error {
	<-ctx.Done()
	return nil
}

func (l *stubLeg) Close() error { return nil }

type manualScheduler struct {
	mu  sync.Mutex
	now time.Time
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualScheduler) AddTimer(time.Duration, func(), bool) dispatch.Timer {
	return manualTimer{}
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return false }

type stubDNS struct {
	mu   sync.Mutex
	srvs map[string][]*dns.SRV
	ips  map[string][]net.IP
}

func newStubDNS() *stubDNS {
	return &stubDNS{
		srvs: make(map[string][]*dns.SRV),
		ips:  make(map[string][]net.IP),
	}
}

func (r *stubDNS) LookupSRV(_ context.Context, service, proto, host string) ([]*dns.SRV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srvs, ok := r.srvs["_"+service+"._"+proto+"."+host]; ok {
		return srvs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *stubDNS) LookupIP(_ context.Context, _, host string) ([]net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func newTestProxyDispatcher(t *testing.T, legs []dispatch.Leg, opts *dispatch.Options) (*dispatch.Dispatcher, *manualScheduler, *stubDNS) {
	t.Helper()

	sched := &manualScheduler{now: time.Unix(1700000000, 0)}
	rslvr := newStubDNS()
	if opts == nil {
		opts = &dispatch.Options{}
	}
	opts.Scheduler = sched
	opts.DNSResolver = rslvr

	d, err := dispatch.New(legs, opts)
	if err != nil {
		t.Fatalf("dispatch.New() error = %v, want nil", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, sched, rslvr
}

// waitDeliveries polls until the leg saw n deliveries or the deadline
// passes; forwarding paths may hop through resolver goroutines.
func waitDeliveries(t *testing.T, l *stubLeg, n int) []stubDelivery {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := l.deliveries()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("leg saw %d deliveries, want %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}
