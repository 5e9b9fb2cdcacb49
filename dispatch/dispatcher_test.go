package dispatch_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipdispatch/dispatch"
)

// callbackRecorder collects delivery callback invocations.
type callbackRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *callbackRecorder) callback(err error, _ *dispatch.QueueEntry) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *callbackRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestDeliver_RetransmitThenCancel(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	var rec callbackRecorder
	req := newStubRequest("INVITE", "sip:alice@example.com", "1 INVITE", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:      udpLeg,
		DstAddr:  "192.0.2.7:5060",
		Callback: rec.callback,
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	if got := len(udpLeg.deliveries()); got != 1 {
		t.Fatalf("initial deliveries = %d, want 1", got)
	}

	// 0.6 s without transport completion: exactly one retransmit.
	d.QueueExpire(sched.Advance(600 * time.Millisecond))
	if got := len(udpLeg.deliveries()); got != 2 {
		t.Fatalf("deliveries after 0.6s = %d, want 2", got)
	}

	// Cancel at 0.8 s: no further callbacks, no further sends.
	sched.Advance(200 * time.Millisecond)
	d.CancelDelivery(req.TID())
	d.CancelDelivery(req.TID()) // idempotent

	d.QueueExpire(sched.Advance(time.Hour))
	if got := len(udpLeg.deliveries()); got != 2 {
		t.Errorf("deliveries after cancel = %d, want 2", got)
	}
	if got := rec.errors(); len(got) != 0 {
		t.Errorf("callbacks after cancel = %v, want none", got)
	}
}

func TestDeliver_RetransmitTimeout(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	var rec callbackRecorder
	req := newStubRequest("OPTIONS", "sip:alice@example.com", "1 OPTIONS", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:      udpLeg,
		DstAddr:  "192.0.2.7:5060",
		Callback: rec.callback,
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	d.QueueExpire(sched.Advance(33 * time.Second))

	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], dispatch.ErrTimedOut) {
		t.Fatalf("callbacks = %v, want one %v", errs, dispatch.ErrTimedOut)
	}

	// The expired entry is gone: nothing more fires.
	d.QueueExpire(sched.Advance(time.Hour))
	if got := rec.errors(); len(got) != 1 {
		t.Errorf("callbacks after expiry = %v, want exactly one", got)
	}
}

func TestDeliver_SendSuccessRemovesRetransmits(t *testing.T) {
	t.Parallel()

	tcpLeg := newStubLeg(dispatch.ProtoTCP, "10.0.0.1", 5060)
	tcpLeg.completeOK = true
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{tcpLeg}, nil)

	req := newStubRequest("INVITE", "sip:alice@example.com", "1 INVITE", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:     tcpLeg,
		DstAddr: "192.0.2.7:5060",
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	// Transport took definite ownership: no retransmits fire.
	d.QueueExpire(sched.Advance(time.Minute))
	if got := len(tcpLeg.deliveries()); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestDeliver_SingleShot(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	noRetr := false
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	req := newStubRequest("INVITE", "sip:alice@example.com", "1 INVITE", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:         udpLeg,
		DstAddr:     "192.0.2.7:5060",
		Retransmits: &noRetr,
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	d.QueueExpire(sched.Advance(time.Minute))
	if got := len(udpLeg.deliveries()); got != 1 {
		t.Errorf("deliveries = %d, want 1 (single-shot)", got)
	}
}

func TestDeliver_SendErrorAdvancesTargets(t *testing.T) {
	t.Parallel()

	badLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	badLeg.deliverErr = errors.New("connection refused")
	goodLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.2", 5060)
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{badLeg, goodLeg}, nil)

	var rec callbackRecorder
	req := newStubRequest("OPTIONS", "sip:alice@example.com", "1 OPTIONS", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Targets: []dispatch.Target{
			{Leg: badLeg, Addr: "udp:192.0.2.7:5060"},
			{Leg: goodLeg, Addr: "udp:192.0.2.8:5060"},
		},
		Callback: rec.callback,
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	if got := len(badLeg.deliveries()); got != 1 {
		t.Errorf("first candidate deliveries = %d, want 1", got)
	}
	if got := len(goodLeg.deliveries()); got != 1 {
		t.Errorf("second candidate deliveries = %d, want 1", got)
	}
	// The failed attempt was reconciled by advancing, not surfaced.
	if got := rec.errors(); len(got) != 0 {
		t.Errorf("callbacks = %v, want none", got)
	}
}

func TestDeliver_SendErrorLastTarget(t *testing.T) {
	t.Parallel()

	badLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	sendErr := errors.New("connection refused")
	badLeg.deliverErr = sendErr
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{badLeg}, nil)

	var rec callbackRecorder
	req := newStubRequest("OPTIONS", "sip:alice@example.com", "1 OPTIONS", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:      badLeg,
		DstAddr:  "192.0.2.7:5060",
		Callback: rec.callback,
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], sendErr) {
		t.Fatalf("callbacks = %v, want one wrapping %v", errs, sendErr)
	}
}

func TestDeliver_ResolutionError(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	done := make(chan error, 1)
	req := newStubRequest("INVITE", "sip:alice@unresolvable.invalid", "1 INVITE", "c1")
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Callback: func(err error, _ *dispatch.QueueEntry) { done <- err },
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, dispatch.ErrDNSFail) {
			t.Fatalf("callback error = %v, want %v", err, dispatch.ErrDNSFail)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resolution callback never fired")
	}
}

func TestDeliver_ResponseRequiresTarget(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	res := newStubResponse(200, "1 INVITE", "c1")
	if _, err := d.Deliver(res, nil); !errors.Is(err, dispatch.ErrInvalidArgument) {
		t.Fatalf("Deliver(response) error = %v, want %v", err, dispatch.ErrInvalidArgument)
	}
}

func TestReceive_CachedResponse(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	var received []dispatch.Packet
	var mu sync.Mutex
	d.SetReceiver(func(p dispatch.Packet, _ dispatch.Leg, _ string) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	})

	res := newStubResponse(200, "1 INVITE", "c1")
	if _, err := d.Deliver(res, &dispatch.DeliverOptions{
		Leg:     udpLeg,
		DstAddr: "192.0.2.9:5060",
	}); err != nil {
		t.Fatalf("Deliver(response) error = %v, want nil", err)
	}
	sent := len(udpLeg.deliveries())

	// A retransmitted request with the same CSeq and Call-ID is answered
	// from the cache; the receiver stays untouched.
	recvLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.2", 5060)
	req := newStubRequest("INVITE", "sip:alice@example.com", "1 INVITE", "c1")
	d.Receive(req, recvLeg, "192.0.2.9:5060")

	got := recvLeg.deliveries()
	if len(got) != 1 {
		t.Fatalf("cache deliveries = %d, want 1", len(got))
	}
	if got[0].packet != dispatch.Packet(res) {
		t.Errorf("cache delivered %v, want the cached response", got[0].packet)
	}
	if got[0].dst != "192.0.2.9:5060" {
		t.Errorf("cache delivery dst = %q, want %q", got[0].dst, "192.0.2.9:5060")
	}
	if len(udpLeg.deliveries()) != sent {
		t.Errorf("original leg delivered again")
	}
	mu.Lock()
	recvCount := len(received)
	mu.Unlock()
	if recvCount != 0 {
		t.Errorf("receiver invoked %d times, want 0", recvCount)
	}

	// After the cache TTL the same request reaches the receiver.
	d.QueueExpire(sched.Advance(dispatch.ResponseCacheTTL + time.Second))
	d.Receive(req, recvLeg, "192.0.2.9:5060")

	mu.Lock()
	recvCount = len(received)
	mu.Unlock()
	if recvCount != 1 {
		t.Errorf("receiver invoked %d times after cache expiry, want 1", recvCount)
	}
	if got := recvLeg.deliveries(); len(got) != 1 {
		t.Errorf("cache deliveries after expiry = %d, want still 1", len(got))
	}
}

func TestReceive_NoReceiverDropsSilently(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	// Nothing to assert beyond the absence of a panic or delivery.
	d.Receive(newStubRequest("OPTIONS", "sip:x@y", "1 OPTIONS", "c9"), udpLeg, "192.0.2.9:5060")
	if got := len(udpLeg.deliveries()); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
}

func TestQueueExpire_MinWake(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	d, sched, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg}, nil)

	req := newStubRequest("INVITE", "sip:alice@example.com", "1 INVITE", "c1")
	start := sched.Now()
	if _, err := d.Deliver(req, &dispatch.DeliverOptions{
		Leg:     udpLeg,
		DstAddr: "192.0.2.7:5060",
	}); err != nil {
		t.Fatalf("Deliver() error = %v, want nil", err)
	}

	wake, ok := d.QueueExpire(sched.Now())
	if !ok {
		t.Fatal("QueueExpire() reported nothing pending")
	}
	if want := start.Add(500 * time.Millisecond); !wake.Equal(want) {
		t.Errorf("min wake = %v, want %v", wake, want)
	}
}

func TestGetLegs_Criteria(t *testing.T) {
	t.Parallel()

	udpLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060)
	tcpLeg := newStubLeg(dispatch.ProtoTCP, "10.0.0.1", 5060)
	otherLeg := newStubLeg(dispatch.ProtoUDP, "10.0.0.2", 5070)
	d, _, _ := newTestDispatcher(t, []dispatch.Leg{udpLeg, tcpLeg, otherLeg}, nil)

	if got := d.GetLegs(dispatch.LegCriteria{}); len(got) != 3 {
		t.Errorf("GetLegs({}) = %d legs, want 3", len(got))
	}
	if got := d.GetLegs(dispatch.LegCriteria{Proto: dispatch.ProtoUDP}); len(got) != 2 {
		t.Errorf("GetLegs(udp) = %d legs, want 2", len(got))
	}
	if got := d.GetLegs(dispatch.LegCriteria{Addr: "10.0.0.2", Port: 5070}); len(got) != 1 || got[0] != dispatch.Leg(otherLeg) {
		t.Errorf("GetLegs(addr+port) = %v, want the other leg", got)
	}
	if got := d.GetLegs(dispatch.LegCriteria{
		Proto:  dispatch.ProtoUDP,
		Filter: func(l dispatch.Leg) bool { return l.Port() == 5070 },
	}); len(got) != 1 {
		t.Errorf("GetLegs(filter) = %d legs, want 1", len(got))
	}

	d.RemoveLeg(otherLeg)
	if got := d.GetLegs(dispatch.LegCriteria{}); len(got) != 2 {
		t.Errorf("GetLegs after remove = %d legs, want 2", len(got))
	}
}
