package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipdispatch/dns"
	"github.com/ghettovoice/sipdispatch/internal/log"
)

// Receiver consumes inbound packets that were not answerable from the
// response cache.
type Receiver func(p Packet, leg Leg, from string)

// Options configure a [Dispatcher].
type Options struct {
	// Scheduler supplies the clock and timers. Defaults to the wall clock.
	Scheduler Scheduler
	// DNSResolver performs SRV and A lookups. Defaults to [dns.DefaultResolver].
	DNSResolver DNSResolver

	// OutgoingProxy routes everything without a more specific hop through
	// a single "[proto:]host[:port]" address.
	OutgoingProxy string
	// Domain2Proxy maps domains (exact, "*.<suffix>" or "*") to static
	// proxy addresses in "[proto:]host[:port]" form. Entries are expanded
	// to one hop candidate per protocol at construction.
	Domain2Proxy map[string]string
	// DomainHops holds pre-normalised static hop entries; it takes
	// precedence over Domain2Proxy for colliding domains.
	DomainHops DomainMap

	// DoRetransmits enables retransmit scheduling by default.
	// Nil means enabled; per-delivery overrides win either way.
	DoRetransmits *bool

	// Timings override the RFC 3261 timer base values.
	Timings TimingConfig

	Logger *slog.Logger
}

// DeliverOptions configure a single delivery.
type DeliverOptions struct {
	// ID overrides the cancellation key; defaults to the packet's
	// transaction id.
	ID string
	// Leg and DstAddr pin the delivery target, skipping resolution.
	// Responses must always be pinned. DstAddr accepts "host:port" or
	// "proto:host:port".
	Leg     Leg
	DstAddr string
	// Targets pins an ordered candidate list instead of Leg/DstAddr,
	// also skipping resolution.
	Targets []Target
	// Callback is invoked with the delivery outcome error; see
	// [DeliveryCallback].
	Callback DeliveryCallback
	// Retransmits overrides the dispatcher-wide retransmit default.
	Retransmits *bool
	// Protos restricts protocols considered during resolution.
	Protos []Proto
	// Legs restricts legs considered during resolution.
	Legs []Leg
}

// Dispatcher owns outbound delivery and inbound demultiplexing between
// transport legs and the upper layer. All queue, cache and registry
// state is serialised behind one lock; legs and DNS run on their own
// goroutines and re-enter through completion callbacks.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []*QueueEntry
	cache    responseCache
	receiver Receiver
	closed   bool

	registry *legRegistry
	sched    Scheduler
	dnsRslvr DNSResolver

	outgoingProxy []HopCandidate
	domainHops    DomainMap
	doRetransmits bool
	timings       TimingConfig

	expireTmr Timer
	log       *slog.Logger
}

// New creates a dispatcher over the given legs. Configuration errors,
// such as an unparsable proxy address, are fatal.
func New(legs []Leg, opts *Options) (*Dispatcher, error) {
	if opts == nil {
		opts = &Options{}
	}

	d := &Dispatcher{
		cache:         make(responseCache),
		sched:         opts.Scheduler,
		dnsRslvr:      opts.DNSResolver,
		domainHops:    make(DomainMap),
		doRetransmits: opts.DoRetransmits == nil || *opts.DoRetransmits,
		timings:       opts.Timings,
		log:           log.Or(opts.Logger),
	}
	if d.sched == nil {
		d.sched = WallScheduler()
	}
	if d.dnsRslvr == nil {
		d.dnsRslvr = dns.DefaultResolver()
	}

	allProtos := []Proto{ProtoUDP, ProtoTCP}
	if opts.OutgoingProxy != "" {
		hops, err := ParseHops(opts.OutgoingProxy, allProtos)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		d.outgoingProxy = hops
	}
	for domain, spec := range opts.Domain2Proxy {
		hops, err := ParseHops(spec, allProtos)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("domain2proxy[%q]: %v", domain, err))
		}
		d.domainHops[domain] = hops
	}
	for domain, hops := range opts.DomainHops {
		d.domainHops[domain] = hops
	}

	d.registry = newLegRegistry(d.Receive, d.log)
	if err := d.registry.add(legs...); err != nil {
		return nil, errtrace.Wrap(err)
	}

	d.expireTmr = d.sched.AddTimer(time.Second, func() {
		d.QueueExpire(d.sched.Now())
	}, true)

	return d, nil
}

// SetReceiver installs the upper-layer packet consumer.
func (d *Dispatcher) SetReceiver(r Receiver) {
	d.mu.Lock()
	d.receiver = r
	d.mu.Unlock()
}

// AddLeg registers legs and starts their receive loops.
func (d *Dispatcher) AddLeg(legs ...Leg) error {
	return errtrace.Wrap(d.registry.add(legs...))
}

// RemoveLeg removes legs by identity and stops their receive loops.
func (d *Dispatcher) RemoveLeg(legs ...Leg) {
	d.registry.remove(legs...)
}

// GetLegs returns the registered legs matching all set criteria.
// The zero criteria match every leg.
func (d *Dispatcher) GetLegs(c LegCriteria) []Leg {
	return d.registry.get(c)
}

// AddTimer schedules fn on the dispatcher's scheduler.
func (d *Dispatcher) AddTimer(dur time.Duration, fn func(), repeat bool) Timer {
	return d.sched.AddTimer(dur, fn, repeat)
}

// Close stops the expiry timer and all leg receive loops and cancels
// every queued delivery without invoking callbacks.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, qe := range d.queue {
		qe.fire(entryEvtCancelled)
	}
	d.queue = nil
	d.mu.Unlock()

	if d.expireTmr != nil {
		d.expireTmr.Stop()
	}
	return errtrace.Wrap(d.registry.close())
}

// Deliver submits a packet for delivery. Responses are additionally
// inserted into the response cache. The returned entry can be used for
// cancellation; the callback in opts reports asynchronous failures.
func (d *Dispatcher) Deliver(p Packet, opts *DeliverOptions) (*QueueEntry, error) {
	if p == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing packet"))
	}
	if opts == nil {
		opts = &DeliverOptions{}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errtrace.Wrap(ErrDispatcherClosed)
	}
	now := d.sched.Now()

	if p.IsResponse() {
		d.cache.put(p, now)
		if len(opts.Targets) == 0 && (opts.Leg == nil || opts.DstAddr == "") {
			d.mu.Unlock()
			return nil, errtrace.Wrap(NewInvalidArgumentError("response delivery requires leg and dst addr"))
		}
	}

	targets := slices.Clone(opts.Targets)
	if len(targets) == 0 && opts.Leg != nil && opts.DstAddr != "" {
		addr := opts.DstAddr
		if HostPort(addr) == addr {
			addr = string(opts.Leg.Proto()) + ":" + addr
		}
		targets = []Target{{Leg: opts.Leg, Addr: addr}}
	}

	retransmits := d.doRetransmits
	if opts.Retransmits != nil {
		retransmits = *opts.Retransmits
	}
	var schedule []time.Time
	if retransmits {
		schedule = d.timings.Schedule(p, now)
	}

	id := opts.ID
	if id == "" {
		id = p.TID()
	}

	qe := newQueueEntry(id, p, targets, schedule, opts.Callback, opts.Protos, opts.Legs, now, d.log)
	d.queue = append(d.queue, qe)
	d.mu.Unlock()

	d.deliverNext(qe)
	return qe, nil
}

// deliverNext performs the next delivery step of the entry: resolve the
// destination when targets are unknown, otherwise hand the packet to
// the head target's leg.
func (d *Dispatcher) deliverNext(qe *QueueEntry) {
	d.mu.Lock()
	if qe.done || !d.inQueueLocked(qe) {
		d.mu.Unlock()
		return
	}

	tgt, ok := qe.current()
	if !ok {
		if qe.resolving {
			d.mu.Unlock()
			return
		}
		qe.resolving = true
		uri := qe.packet.RequestURI()
		ropts := &ResolveOptions{Protos: qe.protos, Legs: qe.legs}
		d.mu.Unlock()

		d.ResolveURI(uri, ropts, func(targets []Target, err error) {
			d.resolved(qe, targets, err)
		})
		return
	}

	pkt := qe.packet
	singleShot := qe.retransmits == nil
	d.mu.Unlock()

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "delivering packet",
		slog.String("id", qe.id), slog.String("dst", tgt.Addr), slog.Any("leg", LegValue(tgt.Leg)))

	tgt.Leg.Deliver(pkt, HostPort(tgt.Addr), func(err error) {
		d.sendComplete(qe, err)
	})

	if singleShot {
		// Single-shot entries leave the queue as soon as the send attempt
		// returns; a completion arriving later is dropped.
		d.mu.Lock()
		if !qe.done && d.inQueueLocked(qe) {
			qe.fire(entryEvtDone)
			d.removeLocked(qe)
		}
		d.mu.Unlock()
	}
}

// resolved is the resolution continuation of deliverNext.
func (d *Dispatcher) resolved(qe *QueueEntry, targets []Target, err error) {
	d.mu.Lock()
	qe.resolving = false
	if qe.done || !d.inQueueLocked(qe) {
		d.mu.Unlock()
		return
	}

	if err != nil {
		qe.fire(entryEvtResolveErr)
		d.removeLocked(qe)
		cb := qe.callback
		d.mu.Unlock()
		if cb != nil {
			cb(err, qe)
		}
		return
	}

	qe.targets = targets
	qe.fire(entryEvtResolved)
	d.mu.Unlock()

	d.deliverNext(qe)
}

// sendComplete handles a leg delivery completion. Success with
// retransmits armed removes the entry: the transport took definite
// ownership. A failure advances to the next candidate target when one
// remains, otherwise it surfaces through the entry callback; the entry
// stays queued for its retransmit schedule unless it was single-shot.
func (d *Dispatcher) sendComplete(qe *QueueEntry, err error) {
	d.mu.Lock()
	if qe.done || !d.inQueueLocked(qe) {
		d.mu.Unlock()
		return
	}

	if err == nil {
		if qe.retransmits != nil {
			qe.fire(entryEvtSendOK)
			d.removeLocked(qe)
		}
		d.mu.Unlock()
		return
	}

	qe.fire(entryEvtSendErr, err)
	if len(qe.targets) > 1 {
		qe.advance()
		d.mu.Unlock()
		d.deliverNext(qe)
		return
	}

	cb := qe.callback
	d.mu.Unlock()
	if cb != nil {
		cb(errtrace.Wrap(err), qe)
	}
}

// CancelDelivery removes all queue entries with the given id. It is
// idempotent and safe to call from within a delivery callback; a
// cancelled entry gets no further callbacks.
func (d *Dispatcher) CancelDelivery(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, qe := range slices.Clone(d.queue) {
		if qe.id == id && !qe.done {
			qe.fire(entryEvtCancelled)
			d.removeLocked(qe)
		}
	}
}

// QueueExpire drives retransmission and expiry. It pops every schedule
// instant older than now, resends entries whose retransmit came due,
// times out entries whose schedule is exhausted, sweeps the response
// cache, and returns the earliest pending expiry for opportunistic
// fine-grained scheduling.
func (d *Dispatcher) QueueExpire(now time.Time) (time.Time, bool) {
	d.mu.Lock()

	var minWake time.Time
	trackWake := func(t time.Time) {
		if minWake.IsZero() || t.Before(minWake) {
			minWake = t
		}
	}

	var resend, timedOut []*QueueEntry
	for _, qe := range slices.Clone(d.queue) {
		if qe.retransmits == nil {
			continue
		}
		due, exhausted := qe.popDue(now)
		if exhausted {
			qe.fire(entryEvtExpired)
			d.removeLocked(qe)
			timedOut = append(timedOut, qe)
			continue
		}
		if due && qe.State() == EntryStateInFlight {
			qe.fire(entryEvtRetransmitDue)
			resend = append(resend, qe)
		}
		if wake, ok := qe.nextWake(); ok {
			trackWake(wake)
		}
	}

	if cacheWake, ok := d.cache.expire(now); ok {
		trackWake(cacheWake)
	}
	d.mu.Unlock()

	for _, qe := range timedOut {
		if qe.callback != nil {
			qe.callback(errtrace.Wrap(ErrTimedOut), qe)
		}
	}
	for _, qe := range resend {
		d.deliverNext(qe)
	}

	return minWake, !minWake.IsZero()
}

// Receive demultiplexes one inbound packet. Requests answerable from
// the response cache are answered directly on the receiving leg and the
// upper layer is not involved; everything else goes to the receiver, or
// is dropped silently when none is set.
func (d *Dispatcher) Receive(p Packet, leg Leg, from string) {
	if p == nil {
		return
	}

	d.mu.Lock()
	if p.IsRequest() {
		if cached, ok := d.cache.get(p, d.sched.Now()); ok {
			d.mu.Unlock()
			d.log.LogAttrs(context.Background(), slog.LevelDebug, "answering request from response cache",
				slog.String("call_id", p.CallID()), slog.String("cseq", p.CSeq()))
			leg.Deliver(cached, HostPort(from), nil)
			return
		}
	}
	recv := d.receiver
	d.mu.Unlock()

	if recv == nil {
		d.log.LogAttrs(context.Background(), slog.LevelDebug, "dropping inbound packet without receiver",
			slog.String("call_id", p.CallID()))
		return
	}
	recv(p, leg, from)
}

func (d *Dispatcher) inQueueLocked(qe *QueueEntry) bool {
	return slices.Contains(d.queue, qe)
}

func (d *Dispatcher) removeLocked(qe *QueueEntry) {
	for i, have := range d.queue {
		if have == qe {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}
