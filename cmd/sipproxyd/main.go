// Command sipproxyd runs a stateless SIP proxy: UDP and TCP legs, the
// dispatch core, a SQLite-backed registrar and optional static routing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/dns"
	"github.com/ghettovoice/sipdispatch/internal/log"
	"github.com/ghettovoice/sipdispatch/leg"
	"github.com/ghettovoice/sipdispatch/proxy"
	"github.com/ghettovoice/sipdispatch/registrar"
)

type domainProxyFlags map[string]string

func (f domainProxyFlags) String() string {
	var parts []string
	for d, p := range f {
		parts = append(parts, d+"="+p)
	}
	return strings.Join(parts, ",")
}

func (f domainProxyFlags) Set(value string) error {
	domain, hop, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("bad domain2proxy entry %q, want domain=[proto:]host[:port]", value)
	}
	f[domain] = hop
	return nil
}

func main() {
	var (
		udpAddr       = flag.String("listen.udp", ":5060", "UDP leg address, empty disables")
		tcpAddr       = flag.String("listen.tcp", ":5060", "TCP leg address, empty disables")
		outgoingProxy = flag.String("outgoing-proxy", "", "route everything through this [proto:]host[:port]")
		nameserver    = flag.String("dns.server", "", "DNS server address, empty uses the system resolver")
		dbPath        = flag.String("db.path", "sipproxy.db", "path to the bindings database")
		dev           = flag.Bool("log.dev", false, "use the developer log handler")
		domain2Proxy  = domainProxyFlags{}
	)
	flag.Var(domain2Proxy, "domain2proxy", "static route domain=[proto:]host[:port], repeatable")
	flag.Parse()

	logger := log.Def
	if *dev {
		logger = log.Dev
	}

	var legs []dispatch.Leg
	if *udpAddr != "" {
		l, err := leg.NewUDP(*udpAddr, &leg.Options{Logger: logger})
		if err != nil {
			logger.Error("udp leg failed", "addr", *udpAddr, "error", err)
			os.Exit(1)
		}
		legs = append(legs, l)
	}
	if *tcpAddr != "" {
		l, err := leg.NewTCP(*tcpAddr, &leg.Options{Logger: logger})
		if err != nil {
			logger.Error("tcp leg failed", "addr", *tcpAddr, "error", err)
			os.Exit(1)
		}
		legs = append(legs, l)
	}
	if len(legs) == 0 {
		logger.Error("no legs configured")
		os.Exit(1)
	}

	rslvr := &dns.Resolver{NameServer: *nameserver}

	disp, err := dispatch.New(legs, &dispatch.Options{
		DNSResolver:   rslvr,
		OutgoingProxy: *outgoingProxy,
		Domain2Proxy:  domain2Proxy,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("dispatcher failed", "error", err)
		os.Exit(1)
	}

	reg, err := registrar.New(*dbPath, logger)
	if err != nil {
		logger.Error("registrar failed", "db", *dbPath, "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	px := proxy.New(disp, &proxy.Options{
		Registrar: reg,
		Logger:    logger,
	})
	disp.SetReceiver(px.Receive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bindingSweep := disp.AddTimer(time.Minute, func() {
		if err := reg.ExpireBindings(time.Now()); err != nil {
			logger.Warn("binding sweep failed", "error", err)
		}
	}, true)
	defer bindingSweep.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return disp.Close()
	})

	logger.Info("sipproxyd running", "udp", *udpAddr, "tcp", *tcpAddr)
	if err := g.Wait(); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sipproxyd stopped")
}
