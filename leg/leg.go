// Package leg provides UDP and TCP transport legs for the dispatch
// core. A leg owns its socket, frames and parses inbound messages,
// injects its Via on outgoing requests and implements the
// forward-incoming/forward-outgoing hooks used by stateless proxying.
package leg

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/internal/errorutil"
	"github.com/ghettovoice/sipdispatch/internal/log"
	"github.com/ghettovoice/sipdispatch/message"
)

// Errors reported by legs.
const (
	ErrClosed     errorutil.Error = "leg closed"
	ErrForeignVia errorutil.Error = "topmost via not ours"
)

// Options configure a leg.
type Options struct {
	// Contact overrides the SIP contact advertised for this leg.
	// Defaults to "sip:<addr>:<port>".
	Contact string
	Logger  *slog.Logger
}

// base carries the immutable identity shared by all leg kinds.
type base struct {
	proto   dispatch.Proto
	addr    string
	port    uint16
	contact string
	log     *slog.Logger
}

func newBase(proto dispatch.Proto, addr string, port uint16, opts *Options) base {
	if opts == nil {
		opts = &Options{}
	}
	contact := opts.Contact
	if contact == "" {
		contact = "sip:" + net.JoinHostPort(addr, strconv.Itoa(int(port)))
	}
	return base{
		proto:   proto,
		addr:    addr,
		port:    port,
		contact: contact,
		log:     log.Or(opts.Logger),
	}
}

func (b *base) Proto() dispatch.Proto { return b.proto }
func (b *base) Addr() string          { return b.addr }
func (b *base) Port() uint16          { return b.port }
func (b *base) Contact() string       { return b.contact }

// CanDeliverTo reports whether the leg speaks the target's protocol.
// Zero criteria match anything.
func (b *base) CanDeliverTo(proto dispatch.Proto, _ string, _ uint16) bool {
	return proto == "" || proto == b.proto
}

// via builds this leg's Via header value for the packet. The branch is
// derived from the transaction id so retransmissions carry the same
// branch.
func (b *base) via(p dispatch.Packet) string {
	sum := md5.Sum([]byte(p.TID() + b.contact)) //nolint:gosec
	transport := strings.ToUpper(string(b.proto))
	return fmt.Sprintf("SIP/2.0/%s %s;branch=z9hG4bK%s",
		transport, net.JoinHostPort(b.addr, strconv.Itoa(int(b.port))), hex.EncodeToString(sum[:8]))
}

// pushVia injects this leg's Via on top of an outgoing request. A
// request whose topmost Via is already this leg's is a redelivery and
// keeps the Via it carries.
func (b *base) pushVia(p dispatch.Packet) {
	vias := p.HeaderValues("Via")
	if len(vias) > 0 && b.viaIsOurs(vias[0]) {
		return
	}
	p.SetHeaderValues("Via", append([]string{b.via(p)}, vias...))
}

// viaIsOurs reports whether the Via value was generated by this leg.
func (b *base) viaIsOurs(value string) bool {
	v, ok := parseViaAddr(value)
	if !ok {
		return false
	}
	host, port := v.host, v.port
	if port == 0 {
		port = 5060
	}
	return strings.EqualFold(string(v.proto), string(b.proto)) && host == b.addr && port == b.port
}

// ForwardIncoming prepares an inbound packet for proxying: requests get
// a Record-Route entry pointing back at this leg, responses get our own
// topmost Via popped. A response whose topmost Via is not ours is
// rejected.
func (b *base) ForwardIncoming(p dispatch.Packet) error {
	if p.IsRequest() {
		rr := "<sip:" + net.JoinHostPort(b.addr, strconv.Itoa(int(b.port))) + ";lr>"
		p.SetHeaderValues("Record-Route", append([]string{rr}, p.HeaderValues("Record-Route")...))
		return nil
	}

	vias := p.HeaderValues("Via")
	if len(vias) == 0 || !b.viaIsOurs(vias[0]) {
		return ErrForeignVia
	}
	p.SetHeaderValues("Via", vias[1:])
	return nil
}

// ForwardOutgoing prepares an outbound packet for proxying on this leg.
// There is nothing to fix up for plain UDP and TCP legs: the Via is
// injected by Deliver and Record-Route was written on the incoming leg.
func (b *base) ForwardOutgoing(dispatch.Packet, dispatch.Leg) error { return nil }

// markReceived stamps the topmost Via of an inbound request with a
// received= parameter when the sent-by host differs from the actual
// source address.
func markReceived(p dispatch.Packet, from string) {
	if !p.IsRequest() {
		return
	}
	vias := p.HeaderValues("Via")
	if len(vias) == 0 {
		return
	}
	v, ok := parseViaAddr(vias[0])
	if !ok || strings.Contains(vias[0], ";received=") {
		return
	}
	host, _, err := net.SplitHostPort(from)
	if err != nil {
		host = from
	}
	if v.host == host {
		return
	}
	vias[0] += ";received=" + host
	p.SetHeaderValues("Via", vias)
}

type viaAddr struct {
	proto dispatch.Proto
	host  string
	port  uint16
}

func parseViaAddr(value string) (viaAddr, bool) {
	var v viaAddr

	sent, _, _ := strings.Cut(value, ";")
	fields := strings.Fields(sent)
	if len(fields) != 2 {
		return v, false
	}
	i := strings.LastIndexByte(fields[0], '/')
	if i < 0 {
		return v, false
	}
	switch strings.ToUpper(fields[0][i+1:]) {
	case "UDP":
		v.proto = dispatch.ProtoUDP
	case "TCP", "TLS":
		v.proto = dispatch.ProtoTCP
	default:
		return v, false
	}

	if host, port, err := net.SplitHostPort(fields[1]); err == nil {
		if pn, err := strconv.ParseUint(port, 10, 16); err == nil {
			v.host, v.port = host, uint16(pn)
			return v, true
		}
		return v, false
	}
	v.host = fields[1]
	return v, v.host != ""
}

// parsePacket turns raw wire bytes into a packet, marking received= on
// requests. A nil return means the input should be ignored.
func parsePacket(data []byte, from string, logger *slog.Logger) dispatch.Packet {
	if len(data) == 0 {
		return nil
	}
	msg, err := message.Parse(data)
	if err != nil {
		logger.Debug("dropping unparsable packet", "from", from, "error", err)
		return nil
	}
	markReceived(msg, from)
	return msg
}
