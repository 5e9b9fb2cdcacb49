// Package proxy implements a stateless SIP proxy on top of the
// dispatch core. It keeps no transaction state: responses are routed by
// the topmost Via, requests by Route headers or URI resolution, and no
// retransmits are issued for forwarded messages.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/internal/log"
)

// Registrar lets REGISTER requests be answered locally instead of being
// forwarded. HandleRegister reports whether the request was consumed.
type Registrar interface {
	HandleRegister(p dispatch.Packet, leg dispatch.Leg, from string) bool
}

// NATHelper rewrites SDP bodies of forwarded packets so media flows
// through the proxy's media relay.
type NATHelper interface {
	RewriteSDP(p dispatch.Packet, incoming, outgoing dispatch.Leg) error
}

// Options configure a [Proxy].
type Options struct {
	Registrar Registrar
	NATHelper NATHelper

	// RewriteContact is the reversible contact transform; see
	// [ContactRewriter]. Defaults to [DefaultContactRewriter] over the
	// dispatcher's legs.
	RewriteContact ContactRewriter

	// ReceivedDefaultPort is the port assumed when the topmost Via names
	// none. Defaults to 5060.
	ReceivedDefaultPort uint16

	Logger *slog.Logger
}

// Proxy is the stateless forwarder. Install its Receive method as the
// dispatcher's receiver.
type Proxy struct {
	disp    *dispatch.Dispatcher
	reg     Registrar
	nat     NATHelper
	rewrite ContactRewriter
	viaPort uint16
	log     *slog.Logger
}

// New creates a stateless proxy over the dispatcher.
func New(d *dispatch.Dispatcher, opts *Options) *Proxy {
	if opts == nil {
		opts = &Options{}
	}
	p := &Proxy{
		disp:    d,
		reg:     opts.Registrar,
		nat:     opts.NATHelper,
		rewrite: opts.RewriteContact,
		viaPort: opts.ReceivedDefaultPort,
		log:     log.Or(opts.Logger),
	}
	if p.rewrite == nil {
		p.rewrite = DefaultContactRewriter(d)
	}
	if p.viaPort == 0 {
		p.viaPort = 5060
	}
	return p
}

// Receive is the dispatcher receiver entry point of the proxy.
func (p *Proxy) Receive(pkt dispatch.Packet, leg dispatch.Leg, from string) {
	ctx := context.Background()

	if pkt.IsRequest() && p.reg != nil && dispatch.MethodIs(pkt.Method(), "REGISTER") {
		if p.reg.HandleRegister(pkt, leg, from) {
			return
		}
	}

	if err := leg.ForwardIncoming(pkt); err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "dropping packet: forward incoming failed",
			slog.String("call_id", pkt.CallID()), slog.Any("error", err))
		return
	}

	if pkt.IsResponse() {
		p.forwardResponse(pkt, leg)
		return
	}
	p.forwardRequest(pkt, leg)
}

// forwardResponse routes a response by its topmost Via header.
func (p *Proxy) forwardResponse(pkt dispatch.Packet, incoming dispatch.Leg) {
	ctx := context.Background()

	vias := pkt.HeaderValues("Via")
	if len(vias) == 0 {
		p.log.LogAttrs(ctx, slog.LevelDebug, "dropping response without via",
			slog.String("call_id", pkt.CallID()))
		return
	}
	topVia, ok := parseVia(vias[0])
	if !ok {
		p.log.LogAttrs(ctx, slog.LevelDebug, "dropping response with unparsable via",
			slog.String("call_id", pkt.CallID()))
		return
	}

	port := topVia.port
	if port == 0 {
		port = p.viaPort
	}

	// Legs eligible to send the response. A received= parameter in the
	// Via restricts them to legs whose address equals its host (and port,
	// when it names one).
	legs := p.disp.GetLegs(dispatch.LegCriteria{})
	if recvd, ok := topVia.params["received"]; ok {
		host, rport := splitHostPort(recvd, 0)
		restricted := legs[:0:0]
		for _, l := range legs {
			if l.Addr() == host && (rport == 0 || l.Port() == rport) {
				restricted = append(restricted, l)
			}
		}
		legs = restricted
	}

	finish := func(host string) {
		addr := dispatch.NewTargetAddr(topVia.proto, host, port)
		p.finalize(pkt, incoming, nil, legs, []string{addr})
	}

	if net.ParseIP(topVia.host) != nil {
		finish(topVia.host)
		return
	}
	p.disp.DNSHost2IP(topVia.host, func(ips []net.IP, err error) {
		if err != nil || len(ips) == 0 {
			p.log.LogAttrs(ctx, slog.LevelDebug, "dropping response: via host unresolvable",
				slog.String("call_id", pkt.CallID()), slog.String("host", topVia.host), slog.Any("error", err))
			return
		}
		finish(ips[0].String())
	})
}

// forwardRequest routes a request by Route headers, falling back to
// resolving its URI.
func (p *Proxy) forwardRequest(pkt dispatch.Packet, incoming dispatch.Leg) {
	ctx := context.Background()

	var outgoing dispatch.Leg
	var dstAddrs []string

	// A top Route pointing at one of our own legs selects the outgoing
	// leg and is consumed.
	routes := pkt.HeaderValues("Route")
	if len(routes) > 0 {
		if u, err := dispatch.ParseURI(routes[0]); err == nil {
			host, port := splitHostPort(u.Domain, 5060)
			for _, l := range p.disp.GetLegs(dispatch.LegCriteria{Addr: host, Port: port}) {
				outgoing = l
				pkt.SetHeaderValues("Route", routes[1:])
				routes = routes[1:]
				break
			}
		}
	}

	// The next Route, when present, supplies the destination.
	if len(routes) > 0 {
		if u, err := dispatch.ParseURI(routes[0]); err == nil {
			host, port := splitHostPort(u.Domain, 5060)
			proto := dispatch.ProtoUDP
			if t := u.Params["transport"]; strings.EqualFold(t, "tcp") || u.Scheme == "sips" {
				proto = dispatch.ProtoTCP
			}
			dstAddrs = []string{dispatch.NewTargetAddr(proto, host, port)}
		}
	}

	if len(dstAddrs) > 0 {
		p.resolveHostsAndFinalize(pkt, incoming, outgoing, nil, dstAddrs)
		return
	}

	// No route: resolve the request URI. A request that arrived over TCP
	// prefers to leave over TCP.
	var protos []dispatch.Proto
	if incoming != nil && incoming.Proto() == dispatch.ProtoTCP {
		protos = []dispatch.Proto{dispatch.ProtoTCP, dispatch.ProtoUDP}
	}
	p.disp.ResolveURI(pkt.RequestURI(), &dispatch.ResolveOptions{Protos: protos}, func(targets []dispatch.Target, err error) {
		if err != nil {
			p.log.LogAttrs(ctx, slog.LevelDebug, "dropping request: unresolvable uri",
				slog.String("call_id", pkt.CallID()), slog.String("uri", pkt.RequestURI()), slog.Any("error", err))
			return
		}
		legs := make([]dispatch.Leg, 0, len(targets))
		addrs := make([]string, 0, len(targets))
		for _, tgt := range targets {
			legs = append(legs, tgt.Leg)
			addrs = append(addrs, tgt.Addr)
		}
		p.resolveHostsAndFinalize(pkt, incoming, outgoing, legs, addrs)
	})
}

// resolveHostsAndFinalize substitutes IPs for any remaining hostnames
// in the destination list, then finalizes.
func (p *Proxy) resolveHostsAndFinalize(pkt dispatch.Packet, incoming, outgoing dispatch.Leg, legs []dispatch.Leg, dstAddrs []string) {
	for i, addr := range dstAddrs {
		proto, host, port, err := dispatch.SplitTargetAddr(addr)
		if err != nil {
			continue
		}
		if net.ParseIP(host) != nil {
			continue
		}
		p.disp.DNSHost2IP(host, func(ips []net.IP, err error) {
			if err != nil || len(ips) == 0 {
				p.log.LogAttrs(context.Background(), slog.LevelDebug, "dropping packet: unresolvable destination",
					slog.String("call_id", pkt.CallID()), slog.String("host", host), slog.Any("error", err))
				return
			}
			dstAddrs[i] = dispatch.NewTargetAddr(proto, ips[0].String(), port)
			p.resolveHostsAndFinalize(pkt, incoming, outgoing, legs, dstAddrs)
		})
		return
	}
	p.finalize(pkt, incoming, outgoing, legs, dstAddrs)
}

// finalize pairs destinations with legs, rewrites contacts, runs the
// outgoing leg and NAT hooks, and hands the packet to the dispatcher
// with retransmits disabled.
func (p *Proxy) finalize(pkt dispatch.Packet, incoming, outgoing dispatch.Leg, legs []dispatch.Leg, dstAddrs []string) {
	ctx := context.Background()

	var targets []dispatch.Target
	if outgoing != nil {
		for _, addr := range dstAddrs {
			targets = append(targets, dispatch.Target{Leg: outgoing, Addr: addr})
		}
	} else {
		if legs == nil {
			legs = p.disp.GetLegs(dispatch.LegCriteria{})
		}
		// A request that came in over TCP prefers a TCP leg out.
		if incoming != nil && incoming.Proto() == dispatch.ProtoTCP {
			var tcp, rest []dispatch.Leg
			for _, l := range legs {
				if l.Proto() == dispatch.ProtoTCP {
					tcp = append(tcp, l)
				} else {
					rest = append(rest, l)
				}
			}
			legs = append(tcp, rest...)
		}
		for _, addr := range dstAddrs {
			proto, host, port, err := dispatch.SplitTargetAddr(addr)
			if err != nil {
				continue
			}
			for _, l := range legs {
				if l.CanDeliverTo(proto, host, port) {
					targets = append(targets, dispatch.Target{Leg: l, Addr: addr})
					break
				}
			}
		}
	}
	if len(targets) == 0 {
		p.log.LogAttrs(ctx, slog.LevelDebug, "dropping packet: no outgoing leg",
			slog.String("call_id", pkt.CallID()))
		return
	}
	outgoing = targets[0].Leg

	rewriteContacts(pkt, outgoing, p.rewrite)

	if err := outgoing.ForwardOutgoing(pkt, incoming); err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "dropping packet: forward outgoing failed",
			slog.String("call_id", pkt.CallID()), slog.Any("error", err))
		return
	}
	if p.nat != nil {
		if err := p.nat.RewriteSDP(pkt, incoming, outgoing); err != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "nat sdp rewrite failed",
				slog.String("call_id", pkt.CallID()), slog.Any("error", err))
		}
	}

	noRetr := false
	_, err := p.disp.Deliver(pkt, &dispatch.DeliverOptions{
		Targets:     targets,
		Retransmits: &noRetr,
		Callback: func(err error, _ *dispatch.QueueEntry) {
			if err != nil {
				p.log.LogAttrs(ctx, slog.LevelDebug, "stateless forward failed",
					slog.String("call_id", pkt.CallID()), slog.Any("error", err))
			}
		},
	})
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelDebug, "stateless forward rejected",
			slog.String("call_id", pkt.CallID()), slog.Any("error", err))
	}
}

type via struct {
	proto  dispatch.Proto
	host   string
	port   uint16
	params map[string]string
}

// parseVia decomposes "SIP/2.0/UDP host[:port];k=v;...".
func parseVia(value string) (via, bool) {
	v := via{params: make(map[string]string)}

	sent, params, _ := strings.Cut(value, ";")
	for p := range strings.SplitSeq(params, ";") {
		if p == "" {
			continue
		}
		k, val, _ := strings.Cut(p, "=")
		v.params[strings.ToLower(strings.TrimSpace(k))] = val
	}

	fields := strings.Fields(sent)
	if len(fields) != 2 {
		return v, false
	}
	transport := fields[0]
	i := strings.LastIndexByte(transport, '/')
	if i < 0 {
		return v, false
	}
	switch strings.ToUpper(transport[i+1:]) {
	case "UDP":
		v.proto = dispatch.ProtoUDP
	case "TCP", "TLS":
		v.proto = dispatch.ProtoTCP
	default:
		return v, false
	}

	v.host, v.port = splitHostPort(fields[1], 0)
	return v, v.host != ""
}

// splitHostPort splits "host[:port]", returning def when no valid port
// is present.
func splitHostPort(s string, def uint16) (string, uint16) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return s, def
	}
	pn, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return s, def
	}
	return host, uint16(pn)
}
