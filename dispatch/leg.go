package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// Proto identifies a transport protocol of a leg.
type Proto string

const (
	ProtoUDP Proto = "udp"
	ProtoTCP Proto = "tcp"
)

// Leg is a bound transport endpoint with a fixed (proto, addr, port)
// identity. Legs own their sockets; the dispatcher never touches socket
// I/O directly.
type Leg interface {
	Proto() Proto
	Addr() string
	Port() uint16
	// Contact returns the SIP contact string advertising this leg,
	// e.g. "sip:10.0.0.1:5060".
	Contact() string

	// Deliver sends the packet to dst given as "host:port". done, when
	// non-nil, is invoked once with the delivery outcome. A leg must
	// report success only when delivery is definite: reliable transports
	// signal success once the bytes are handed to the socket, unreliable
	// transports leave the completion pending and rely on the caller's
	// retransmit schedule. Errors are always reported.
	Deliver(p Packet, dst string, done func(err error))

	// CanDeliverTo reports whether this leg can reach the given target.
	// Zero values ("" / 0) match anything.
	CanDeliverTo(proto Proto, host string, port uint16) bool

	// ForwardIncoming prepares an inbound packet for proxying,
	// e.g. injects Record-Route and marks the Via with received=.
	ForwardIncoming(p Packet) error
	// ForwardOutgoing prepares an outbound packet for proxying on this
	// leg, e.g. strips the local Via added on the incoming leg.
	ForwardOutgoing(p Packet, incoming Leg) error

	// Serve runs the receive loop until ctx is done or the leg closes,
	// invoking recv for every complete inbound packet. Partial reads and
	// unparsable input are consumed without invoking recv.
	Serve(ctx context.Context, recv func(p Packet, from string)) error

	Close() error
}

// LegKey returns the registry identity of the leg.
func LegKey(l Leg) string {
	return string(l.Proto()) + ":" + net.JoinHostPort(l.Addr(), strconv.Itoa(int(l.Port())))
}

// LegValue formats a leg for structured logs.
func LegValue(l Leg) slog.Value {
	if l == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("proto", string(l.Proto())),
		slog.String("addr", l.Addr()),
		slog.Int("port", int(l.Port())),
	)
}

// LegCriteria restricts leg selection in [Dispatcher.GetLegs].
// All set fields must match; the zero value matches every leg.
type LegCriteria struct {
	Proto Proto
	Addr  string
	Port  uint16
	// Filter is an extra predicate applied after the field matches.
	Filter func(Leg) bool
}

func (c LegCriteria) match(l Leg) bool {
	if c.Proto != "" && l.Proto() != c.Proto {
		return false
	}
	if c.Addr != "" && l.Addr() != c.Addr {
		return false
	}
	if c.Port != 0 && l.Port() != c.Port {
		return false
	}
	if c.Filter != nil && !c.Filter(l) {
		return false
	}
	return true
}

// Target is one delivery attempt candidate: a leg paired with the
// destination address "proto:host:port" it should deliver to.
type Target struct {
	Leg  Leg
	Addr string
}

// NewTargetAddr formats a target address string.
func NewTargetAddr(proto Proto, host string, port uint16) string {
	return fmt.Sprintf("%s:%s:%d", proto, host, port)
}

// SplitTargetAddr splits a "proto:host:port" target address.
func SplitTargetAddr(addr string) (proto Proto, host string, port uint16, err error) {
	rest, ok := strings.CutPrefix(addr, string(ProtoUDP)+":")
	if ok {
		proto = ProtoUDP
	} else if rest, ok = strings.CutPrefix(addr, string(ProtoTCP)+":"); ok {
		proto = ProtoTCP
	} else {
		return "", "", 0, NewInvalidArgumentError("target %q: missing protocol", addr)
	}

	h, p, err := net.SplitHostPort(rest)
	if err != nil {
		return "", "", 0, NewInvalidArgumentError(err)
	}
	pn, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", "", 0, NewInvalidArgumentError(err)
	}
	return proto, h, uint16(pn), nil
}

// HostPort strips the protocol prefix from a target address, leaving
// the "host:port" form legs deliver to.
func HostPort(addr string) string {
	if rest, ok := strings.CutPrefix(addr, string(ProtoUDP)+":"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(addr, string(ProtoTCP)+":"); ok {
		return rest
	}
	return addr
}
