package dispatch

import (
	"context"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/intuitivelabs/bytescase"

	"github.com/ghettovoice/sipdispatch/dns"
	"github.com/ghettovoice/sipdispatch/internal/errorutil"
)

// DNSResolver performs the lookups needed to resolve a message
// destination: SRV for transport selection, A for addresses.
type DNSResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
}

// HopCandidate is one prospective next hop produced by DNS SRV or by a
// static mapping. Candidates are ordered ascending by Prio; non-SRV
// sources use Prio -1 so they sort before any DNS result.
type HopCandidate struct {
	Prio  int
	Proto Proto
	Host  string
	Port  uint16
}

// ParseHops expands a "[proto:]host[:port]" string into hop candidates,
// one per allowed protocol when the protocol is not fixed.
func ParseHops(spec string, protos []Proto) ([]HopCandidate, error) {
	if spec == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty hop spec"))
	}

	fixed := Proto("")
	if rest, ok := strings.CutPrefix(spec, string(ProtoUDP)+":"); ok {
		fixed, spec = ProtoUDP, rest
	} else if rest, ok := strings.CutPrefix(spec, string(ProtoTCP)+":"); ok {
		fixed, spec = ProtoTCP, rest
	}

	host := spec
	port := uint16(5060)
	if h, p, err := net.SplitHostPort(spec); err == nil {
		pn, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("hop spec %q: bad port", spec))
		}
		host, port = h, uint16(pn)
	}
	if host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("hop spec %q: missing host", spec))
	}

	if fixed != "" {
		return []HopCandidate{{Prio: -1, Proto: fixed, Host: host, Port: port}}, nil
	}
	hops := make([]HopCandidate, 0, len(protos))
	for _, proto := range protos {
		hops = append(hops, HopCandidate{Prio: -1, Proto: proto, Host: host, Port: port})
	}
	return hops, nil
}

// DomainMap maps domains to static hop candidates. Lookup walks labels:
// the exact domain first, then "*.<parent>" while stripping leading
// labels, then the catch-all "*" entry.
type DomainMap map[string][]HopCandidate

func (m DomainMap) Lookup(domain string) []HopCandidate {
	if len(m) == 0 {
		return nil
	}
	if hops, ok := m[domain]; ok {
		return hops
	}
	for d := domain; ; {
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
		if hops, ok := m["*."+d]; ok {
			return hops
		}
	}
	return m["*"]
}

// ResolveOptions restrict URI resolution.
type ResolveOptions struct {
	// Protos restricts acceptable protocols, in preference order.
	Protos []Proto
	// Legs restricts the legs considered for delivery; nil means all
	// registered legs.
	Legs []Leg
}

// URI is the decomposed form of a SIP URI the core routes on. The full
// URI grammar lives outside the core; only scheme, user, hostport and
// parameters matter here.
type URI struct {
	// Scheme is "sip" or "sips", lowercased.
	Scheme string
	User   string
	// Domain is the raw host[:port] part.
	Domain string
	// Params holds URI parameters with lowercased keys.
	Params map[string]string
}

// ParseURI decomposes a SIP or SIPS URI, accepting both bare URIs and
// name-addr forms with angle brackets.
func ParseURI(raw string) (URI, error) {
	var u URI

	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}

	i := strings.IndexByte(s, ':')
	if i < 0 {
		return u, errtrace.Wrap(NewInvalidArgumentError("uri %q: missing scheme", raw))
	}
	scheme := s[:i]
	s = s[i+1:]
	switch {
	case bytescase.CmpEq([]byte(scheme), []byte("sip")):
		u.Scheme = "sip"
	case bytescase.CmpEq([]byte(scheme), []byte("sips")):
		u.Scheme = "sips"
	default:
		return u, errtrace.Wrap(NewInvalidArgumentError("uri %q: unsupported scheme %q", raw, scheme))
	}

	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	var params string
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s, params = s[:i], s[i+1:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		u.User, s = s[:i], s[i+1:]
	}
	u.Domain = s

	if params != "" {
		u.Params = make(map[string]string)
		for p := range strings.SplitSeq(params, ";") {
			k, v, _ := strings.Cut(p, "=")
			kl := make([]byte, len(k))
			bytescase.ToLower([]byte(k), kl) //nolint:errcheck
			u.Params[string(kl)] = v
		}
	}
	return u, nil
}

var dottedQuadRx = regexp.MustCompile(`^(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})(?::(\d+))?$`)

// ResolveURI resolves a SIP URI into an ordered list of delivery
// targets and completes through done, possibly asynchronously when DNS
// is involved. Hop sources are tried in order: per-domain static
// proxies, the global outgoing proxy, an embedded IP literal, DNS SRV
// and finally DNS A. Candidates without a matching leg are dropped.
func (d *Dispatcher) ResolveURI(uri string, opts *ResolveOptions, done func(targets []Target, err error)) {
	if opts == nil {
		opts = &ResolveOptions{}
	}

	u, err := ParseURI(uri)
	if err != nil || u.Domain == "" {
		done(nil, errtrace.Wrap(errorWrap(ErrHostUnreachable, err)))
		return
	}

	// Protocol preference: sips forces TCP, an explicit transport param
	// wins, otherwise UDP is preferred over TCP.
	var protos []Proto
	defaultPort := uint16(5060)
	switch {
	case u.Scheme == "sips":
		protos = []Proto{ProtoTCP}
		defaultPort = 5061
	case u.Params["transport"] != "":
		lt := make([]byte, len(u.Params["transport"]))
		bytescase.ToLower([]byte(u.Params["transport"]), lt) //nolint:errcheck
		protos = []Proto{Proto(lt)}
	default:
		protos = []Proto{ProtoUDP, ProtoTCP}
	}
	if len(opts.Protos) > 0 {
		intersect := make([]Proto, 0, len(opts.Protos))
		for _, proto := range opts.Protos {
			if slices.Contains(protos, proto) {
				intersect = append(intersect, proto)
			}
		}
		if len(intersect) == 0 {
			done(nil, errtrace.Wrap(ErrNoProtocol))
			return
		}
		protos = intersect
	}

	// Domain canonicalisation: IP literals are rewritten to the reversed
	// in-addr.arpa form so per-address entries in the static map can be
	// matched with the same suffix walk as names.
	domain := u.Domain
	var ipLiteral string
	if m := dottedQuadRx.FindStringSubmatch(domain); m != nil {
		ipLiteral = m[1]
		if m[2] != "" {
			if pn, err := strconv.ParseUint(m[2], 10, 16); err == nil {
				defaultPort = uint16(pn)
			}
		}
		octets := strings.Split(ipLiteral, ".")
		slices.Reverse(octets)
		domain = strings.Join(octets, ".") + ".in-addr.arpa"
	} else {
		domain = strings.TrimRight(domain, ".")
		if h, p, err := net.SplitHostPort(domain); err == nil {
			if pn, err := strconv.ParseUint(p, 10, 16); err == nil {
				domain, defaultPort = h, uint16(pn)
			}
		}
	}

	// Static hop sources first; the first source yielding any candidate wins.
	if hops := filterHops(d.domainHops.Lookup(domain), protos); len(hops) > 0 {
		done(d.finalizeTargets(hops, opts.Legs))
		return
	}
	if hops := filterHops(d.outgoingProxy, protos); len(hops) > 0 {
		done(d.finalizeTargets(hops, opts.Legs))
		return
	}
	if ipLiteral != "" {
		hops := make([]HopCandidate, 0, len(protos))
		for _, proto := range protos {
			hops = append(hops, HopCandidate{Prio: -1, Proto: proto, Host: ipLiteral, Port: defaultPort})
		}
		done(d.finalizeTargets(hops, opts.Legs))
		return
	}

	// DNS last. Lookups run off the dispatcher lock and complete through
	// the continuation.
	d.DNSDomain2SRV(domain, protos, u.Scheme, func(hops []HopCandidate, err error) {
		if err != nil {
			done(nil, errtrace.Wrap(err))
			return
		}
		for i := range hops {
			if hops[i].Port == 0 {
				hops[i].Port = defaultPort
			}
		}
		done(d.finalizeTargets(hops, opts.Legs))
	})
}

// filterHops keeps candidates whose protocol is allowed.
func filterHops(hops []HopCandidate, protos []Proto) []HopCandidate {
	if len(hops) == 0 {
		return nil
	}
	out := make([]HopCandidate, 0, len(hops))
	for _, hop := range hops {
		if slices.Contains(protos, hop.Proto) {
			out = append(out, hop)
		}
	}
	return out
}

// finalizeTargets orders candidates by priority and pairs each with the
// first leg able to deliver to it. Candidates without a leg are dropped;
// an empty result is a resolution failure.
func (d *Dispatcher) finalizeTargets(hops []HopCandidate, allowedLegs []Leg) ([]Target, error) {
	slices.SortStableFunc(hops, func(a, b HopCandidate) int { return a.Prio - b.Prio })

	legs := allowedLegs
	if legs == nil {
		legs = d.GetLegs(LegCriteria{})
	}

	targets := make([]Target, 0, len(hops))
	for _, hop := range hops {
		for _, l := range legs {
			if l.CanDeliverTo(hop.Proto, hop.Host, hop.Port) {
				targets = append(targets, Target{
					Leg:  l,
					Addr: NewTargetAddr(hop.Proto, hop.Host, hop.Port),
				})
				break
			}
		}
	}
	if len(targets) == 0 {
		return nil, errtrace.Wrap(ErrHostUnreachable)
	}
	return targets, nil
}

// DNSHost2IP asynchronously resolves a hostname to its addresses.
func (d *Dispatcher) DNSHost2IP(host string, done func(ips []net.IP, err error)) {
	go func() {
		ips, err := d.dnsRslvr.LookupIP(context.Background(), "ip", host)
		if err != nil {
			done(nil, errtrace.Wrap(errorWrap(ErrDNSFail, err)))
			return
		}
		done(ips, nil)
	}()
}

// DNSDomain2SRV asynchronously collects SRV hop candidates for the
// domain over each allowed protocol, falling back to an A lookup with
// synthesised candidates when no SRV records exist at all. Synthesised
// candidates carry port 0; the caller substitutes its default port.
func (d *Dispatcher) DNSDomain2SRV(domain string, protos []Proto, scheme string, done func(hops []HopCandidate, err error)) {
	service := "sip"
	if scheme == "sips" {
		service = "sips"
	}

	go func() {
		ctx := context.Background()

		var hops []HopCandidate
		for _, proto := range protos {
			srvs, err := d.dnsRslvr.LookupSRV(ctx, service, string(proto), domain)
			if err != nil {
				continue
			}
			for _, srv := range srvs {
				hops = append(hops, HopCandidate{
					Prio:  int(srv.Priority),
					Proto: proto,
					Host:  strings.TrimSuffix(srv.Target, "."),
					Port:  srv.Port,
				})
			}
		}
		if len(hops) > 0 {
			done(hops, nil)
			return
		}

		ips, err := d.dnsRslvr.LookupIP(ctx, "ip", domain)
		if err != nil {
			done(nil, errtrace.Wrap(errorWrap(ErrDNSFail, err)))
			return
		}
		for _, proto := range protos {
			for _, ip := range ips {
				hops = append(hops, HopCandidate{Prio: -1, Proto: proto, Host: ip.String()})
			}
		}
		done(hops, nil)
	}()
}

func errorWrap(sentinel Error, err error) error {
	if err == nil {
		return sentinel
	}
	return errorutil.NewWrapperError(sentinel, err) //errtrace:skip
}
