package leg

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/internal/errorutil"
)

// UDP is a leg bound to a UDP socket. Delivery is connectionless and
// unreliable: a successful send does not complete the delivery, the
// caller's retransmit schedule owns it. Errors complete immediately.
type UDP struct {
	base

	conn *net.UDPConn

	mu     sync.Mutex
	closed bool
}

var _ dispatch.Leg = (*UDP)(nil)

// NewUDP binds a UDP leg to addr ("host:port").
func NewUDP(addr string, opts *Options) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(NewUDPConn(conn.(*net.UDPConn), opts)) //nolint:forcetypeassert
}

// NewUDPConn wraps an existing UDP socket into a leg.
func NewUDPConn(conn *net.UDPConn, opts *Options) (*UDP, error) {
	laddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("not a UDP socket"))
	}
	return &UDP{
		base: newBase(dispatch.ProtoUDP, laddr.IP.String(), uint16(laddr.Port), opts),
		conn: conn,
	}, nil
}

// Deliver sends the packet to dst ("host:port"). Requests get this
// leg's Via pushed first. done is invoked only on definite outcomes:
// write errors; a successful UDP send stays pending.
func (l *UDP) Deliver(p dispatch.Packet, dst string, done func(err error)) {
	fail := func(err error) {
		if done != nil {
			done(errtrace.Wrap(err))
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fail(ErrClosed)
		return
	}
	l.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		fail(err)
		return
	}

	if p.IsRequest() {
		l.pushVia(p)
	}

	if _, err := l.conn.WriteToUDP(p.Dump(), raddr); err != nil {
		fail(err)
		return
	}
}

// Serve reads packets until ctx is done or the leg closes.
func (l *UDP) Serve(ctx context.Context, recv func(p dispatch.Packet, from string)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errtrace.Wrap(err)
		}

		from := net.JoinHostPort(raddr.IP.String(), strconv.Itoa(raddr.Port))
		if p := parsePacket(buf[:n], from, l.log); p != nil {
			recv(p, from)
		}
	}
}

// Close shuts the socket down. Further deliveries fail with [ErrClosed].
func (l *UDP) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return errtrace.Wrap(l.conn.Close())
}
