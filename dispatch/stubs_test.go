package dispatch_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/dns"
)

// stubPacket is a minimal in-memory packet.
type stubPacket struct {
	request bool
	method  string
	code    int
	uri     string
	cseq    string
	callID  string
	tid     string

	mu      sync.Mutex
	headers map[string][]string
	body    []byte
}

func newStubRequest(method, uri, cseq, callID string) *stubPacket {
	return &stubPacket{
		request: true,
		method:  method,
		uri:     uri,
		cseq:    cseq,
		callID:  callID,
		tid:     "z9hG4bK" + callID + "|" + cseq,
	}
}

func newStubResponse(code int, cseq, callID string) *stubPacket {
	return &stubPacket{
		code:   code,
		cseq:   cseq,
		callID: callID,
		tid:    "z9hG4bK" + callID + "|" + cseq,
	}
}

func (p *stubPacket) IsRequest() bool    { return p.request }
func (p *stubPacket) IsResponse() bool   { return !p.request }
func (p *stubPacket) Method() string     { return p.method }
func (p *stubPacket) Code() int          { return p.code }
func (p *stubPacket) RequestURI() string { return p.uri }
func (p *stubPacket) CSeq() string       { return p.cseq }
func (p *stubPacket) CallID() string     { return p.callID }
func (p *stubPacket) TID() string        { return p.tid }

func (p *stubPacket) HeaderValues(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.headers[name]...)
}

func (p *stubPacket) SetHeaderValues(name string, values []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.headers == nil {
		p.headers = make(map[string][]string)
	}
	p.headers[name] = append([]string(nil), values...)
}

func (p *stubPacket) Dump() []byte        { return []byte(p.method + " " + p.uri) }
func (p *stubPacket) SDP() ([]byte, bool) { return p.body, len(p.body) > 0 }
func (p *stubPacket) SetSDP(body []byte)  { p.body = body }

// stubDelivery records one leg delivery attempt.
type stubDelivery struct {
	packet dispatch.Packet
	dst    string
}

// stubLeg is an in-memory leg. Its delivery behavior mimics either an
// unreliable transport (done never called on success) or a reliable one
// (completeOK).
type stubLeg struct {
	proto dispatch.Proto
	addr  string
	port  uint16

	mu         sync.Mutex
	delivered  []stubDelivery
	deliverErr error
	completeOK bool
}

func newStubLeg(proto dispatch.Proto, addr string, port uint16) *stubLeg {
	return &stubLeg{proto: proto, addr: addr, port: port}
}

func (l *stubLeg) Proto() dispatch.Proto { return l.proto }
func (l *stubLeg) Addr() string          { return l.addr }
func (l *stubLeg) Port() uint16          { return l.port }
func (l *stubLeg) Contact() string       { return "sip:" + l.addr }

func (l *stubLeg) Deliver(p dispatch.Packet, dst string, done func(error)) {
	l.mu.Lock()
	l.delivered = append(l.delivered, stubDelivery{packet: p, dst: dst})
	err := l.deliverErr
	completeOK := l.completeOK
	l.mu.Unlock()

	if done == nil {
		return
	}
	if err != nil {
		done(err)
		return
	}
	if completeOK {
		done(nil)
	}
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

// manualScheduler is a hand-driven clock. Timers never fire on their
// own; tests call QueueExpire with the advanced time.
type manualScheduler struct {
	mu  sync.Mutex
	now time.Time
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Unix(1700000000, 0)}
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualScheduler) Advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	return s.now
}

func (s *manualScheduler) AddTimer(time.Duration, func(), bool) dispatch.Timer {
	return manualTimer{}
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return false }

// stubDNS serves canned SRV and A records and counts lookups.
type stubDNS struct {
	mu   sync.Mutex
	srvs map[string][]*dns.SRV // keyed "_service._proto.host"
	ips  map[string][]net.IP

	srvCalls []string
	ipCalls  []string
}

func newStubDNS() *stubDNS {
	return &stubDNS{
		srvs: make(map[string][]*dns.SRV),
		ips:  make(map[string][]net.IP),
	}
}

func (r *stubDNS) LookupSRV(_ context.Context, service, proto, host string) ([]*dns.SRV, error) {
	key := "_" + service + "._" + proto + "." + host
	r.mu.Lock()
	defer r.mu.Unlock()
	r.srvCalls = append(r.srvCalls, key)
	if srvs, ok := r.srvs[key]; ok {
		return srvs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *stubDNS) LookupIP(_ context.Context, _, host string) ([]net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipCalls = append(r.ipCalls, host)
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *stubDNS) calls() (srv, ip []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.srvCalls...), append([]string(nil), r.ipCalls...)
}

// newTestDispatcher builds a dispatcher over the given legs with a
// manual clock and stub DNS.
func newTestDispatcher(t *testing.T, legs []dispatch.Leg, opts *dispatch.Options) (*dispatch.Dispatcher, *manualScheduler, *stubDNS) {
	t.Helper()

	sched := newManualScheduler()
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

// resolveTargets runs ResolveURI and waits for its completion.
func resolveTargets(d *dispatch.Dispatcher, uri string, opts *dispatch.ResolveOptions) ([]dispatch.Target, error) {
	type result struct {
		targets []dispatch.Target
		err     error
	}
	ch := make(chan result, 1)
	d.ResolveURI(uri, opts, func(targets []dispatch.Target, err error) {
		ch <- result{targets, err}
	})
	select {
	case res := <-ch:
		return res.targets, res.err
	case <-time.After(5 * time.Second):
		return nil, context.DeadlineExceeded
	}
}
