package leg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipdispatch/dispatch"
)

// TCP is a leg backed by a TCP listener plus a pool of established
// connections, inbound and outbound alike. Messages are framed by
// Content-Length. Delivery over TCP is reliable: a successful write
// completes the delivery.
type TCP struct {
	base

	ln *net.TCPListener

	mu     sync.Mutex
	conns  map[string]*net.TCPConn
	closed bool

	grp errgroup.Group
}

var _ dispatch.Leg = (*TCP)(nil)

// DialTimeout bounds outbound connection establishment.
const DialTimeout = 10 * time.Second

// NewTCP binds a TCP leg to addr ("host:port").
func NewTCP(addr string, opts *Options) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tln := ln.(*net.TCPListener)       //nolint:forcetypeassert
	laddr := tln.Addr().(*net.TCPAddr) //nolint:forcetypeassert

	return &TCP{
		base:  newBase(dispatch.ProtoTCP, laddr.IP.String(), uint16(laddr.Port), opts),
		ln:    tln,
		conns: make(map[string]*net.TCPConn),
	}, nil
}

// Deliver sends the packet to dst ("host:port"), reusing an
// established connection or dialing a new one. Requests get this leg's
// Via pushed first. done reports the definite write outcome.
func (l *TCP) Deliver(p dispatch.Packet, dst string, done func(err error)) {
	complete := func(err error) {
		if done != nil {
			done(errtrace.Wrap(err))
		}
	}

	if p.IsRequest() {
		l.pushVia(p)
	}
	data := p.Dump()

	// Connect and write off the caller's goroutine: TCP connect can
	// block and the dispatcher must not.
	go func() {
		conn, err := l.conn(dst)
		if err != nil {
			complete(err)
			return
		}
		if _, err := conn.Write(data); err != nil {
			l.dropConn(dst, conn)
			complete(err)
			return
		}
		complete(nil)
	}()
}

func (l *TCP) conn(dst string) (*net.TCPConn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errtrace.Wrap(ErrClosed)
	}
	if conn, ok := l.conns[dst]; ok {
		l.mu.Unlock()
		return conn, nil
	}
	l.mu.Unlock()

	c, err := net.DialTimeout("tcp", dst, DialTimeout)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	conn := c.(*net.TCPConn) //nolint:forcetypeassert

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return nil, errtrace.Wrap(ErrClosed)
	}
	if have, ok := l.conns[dst]; ok {
		// lost the dial race
		l.mu.Unlock()
		conn.Close()
		return have, nil
	}
	l.conns[dst] = conn
	l.mu.Unlock()
	return conn, nil
}

func (l *TCP) dropConn(key string, conn *net.TCPConn) {
	l.mu.Lock()
	if have, ok := l.conns[key]; ok && have == conn {
		delete(l.conns, key)
	}
	l.mu.Unlock()
	conn.Close()
}

// Serve accepts connections and reads framed messages until ctx is
// done or the leg closes. Only accepted connections are read; inbound
// data on connections dialed by Deliver is not read.
func (l *TCP) Serve(ctx context.Context, recv func(p dispatch.Packet, from string)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return errtrace.Wrap(err)
		}

		key := conn.RemoteAddr().String()
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			break
		}
		if _, ok := l.conns[key]; !ok {
			l.conns[key] = conn
		}
		l.mu.Unlock()

		l.grp.Go(func() error {
			l.readConn(conn, recv)
			return nil
		})
	}

	return errtrace.Wrap(l.grp.Wait())
}

// readConn reads Content-Length framed messages off one connection.
func (l *TCP) readConn(conn *net.TCPConn, recv func(p dispatch.Packet, from string)) {
	defer l.dropConn(conn.RemoteAddr().String(), conn)

	from := conn.RemoteAddr().String()
	rd := bufio.NewReader(conn)
	for {
		data, err := readFramed(rd)
		if err != nil {
			return
		}
		if p := parsePacket(data, from, l.log); p != nil {
			recv(p, from)
		}
	}
}

// readFramed reads one head+body message, delimited by the blank line
// and the Content-Length header.
func readFramed(rd *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	var contentLength int
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		head.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
					contentLength = n
				}
			}
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(rd, body); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return append(head.Bytes(), body...), nil
}

// Close shuts the listener and every pooled connection down.
func (l *TCP) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := l.conns
	l.conns = make(map[string]*net.TCPConn)
	l.mu.Unlock()

	err := l.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
	return errtrace.Wrap(err)
}
