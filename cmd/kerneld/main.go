// Package main is the kernel's process entrypoint: parse flags, load the
// configuration tree, construct every subsystem, accept inbound
// connections, and shut down gracefully on SIGINT/SIGTERM. Wiring style
// (flags, signal.Notify, httpServer.Shutdown with a timeout) is grounded
// verbatim on cmd/ratelimiter-api/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"proxykernel/internal/accesslog"
	"proxykernel/internal/api"
	"proxykernel/internal/config"
	"proxykernel/internal/dispatcher"
	"proxykernel/internal/dnsresolver"
	"proxykernel/internal/inbound/socks"
	"proxykernel/internal/outbound"
	_ "proxykernel/internal/outbound/block"
	_ "proxykernel/internal/outbound/direct"
	_ "proxykernel/internal/outbound/group"
	_ "proxykernel/internal/outbound/httpclient"
	_ "proxykernel/internal/outbound/hysteria2"
	_ "proxykernel/internal/outbound/masque"
	_ "proxykernel/internal/outbound/shadowsocks"
	_ "proxykernel/internal/outbound/socksclient"
	_ "proxykernel/internal/outbound/trojan"
	_ "proxykernel/internal/outbound/vless"
	_ "proxykernel/internal/outbound/vmess"
	_ "proxykernel/internal/outbound/wireguard"
	"proxykernel/internal/persistence"
	"proxykernel/internal/resilience"
	"proxykernel/internal/router"
	"proxykernel/internal/ruleprovider"
	"proxykernel/internal/session"
	"proxykernel/internal/telemetry"
	"proxykernel/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration tree")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("kerneld: -config is required")
	}
	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("kerneld: reading config: %v", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		log.Fatalf("kerneld: parsing config: %v", err)
	}

	providers := map[string]router.Provider{}
	reloaders := map[string]api.ProviderReloader{}
	providerCfgs, err := config.RuleProviders(cfg.Router.RuleProviders)
	if err != nil {
		log.Fatalf("kerneld: rule providers: %v", err)
	}
	for name, pc := range providerCfgs {
		p, err := ruleprovider.New(pc, nil, nil)
		if err != nil {
			log.Fatalf("kerneld: loading rule provider %q: %v", name, err)
		}
		providers[name] = p
		reloaders[name] = p
	}

	rules, err := config.Rules(cfg.Router)
	if err != nil {
		log.Fatalf("kerneld: router rules: %v", err)
	}
	rtr, err := router.New(rules, cfg.Router.Default, providers)
	if err != nil {
		log.Fatalf("kerneld: constructing router: %v", err)
	}

	specs, err := config.OutboundSpecs(cfg.Outbounds, cfg.ProxyGroups)
	if err != nil {
		log.Fatalf("kerneld: outbound specs: %v", err)
	}
	mgr, err := outbound.New(specs)
	if err != nil {
		log.Fatalf("kerneld: constructing outbound manager: %v", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1024
	}
	trk := tracker.New(maxConns)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{})
	disp := dispatcher.New(trk, rtr, mgr, breakers, dispatcher.Config{})
	if len(cfg.DNS.Servers) > 0 {
		resolver, err := dnsresolver.New(cfg.DNS.Servers, cfg.DNS.CacheSize)
		if err != nil {
			log.Fatalf("kerneld: constructing dns resolver: %v", err)
		}
		var pool *dnsresolver.FakeIPPool
		if cfg.DNS.FakeIP {
			cidr := cfg.DNS.FakeIPCIDR
			if cidr == "" {
				cidr = "198.18.0.0/15"
			}
			pool, err = dnsresolver.NewFakeIPPool(cidr)
			if err != nil {
				log.Fatalf("kerneld: constructing fake-ip pool: %v", err)
			}
		}
		disp.WithDNS(resolver, pool)
	}

	logOut := os.Stdout
	accessLogger := accesslog.New(logOut, cfg.Log.LogErrorsOnly)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			log.Printf("kerneld: metrics listening on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("kerneld: metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var listeners []net.Listener
	for _, ib := range cfg.Inbounds {
		switch ib.Protocol {
		case "socks5", "http", "mixed":
			addr := net.JoinHostPort(ib.Listen, itoa(ib.Port))
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("kerneld: inbound %q: listen %s: %v", ib.Tag, addr, err)
			}
			listeners = append(listeners, ln)
			tag := ib.Tag
			sniff := ib.Sniffing
			l := &socks.Listener{
				Tag:   tag,
				Sniff: sniff,
				Dispatch: func(ctx context.Context, stream session.ByteStream, sess *session.Session) {
					start := time.Now()
					telemetry.SessionStarted()
					err := disp.Dispatch(ctx, stream, sess)
					status := accesslog.OK
					if err != nil {
						status = accesslog.FAIL
					}
					telemetry.SessionEnded(sess.InboundTag, string(status))
					accessLogger.Log(accesslog.Record{
						Timestamp:        time.Now(),
						Source:           sess.Source,
						HasSource:        sess.HasSource,
						Target:           sess.Target,
						Network:          sess.Network,
						InboundTag:       sess.InboundTag,
						Duration:         time.Since(start),
						Status:           status,
						Err:              err,
						DetectedProtocol: sess.DetectedProtocol,
					})
				},
			}
			go func(l *socks.Listener, ln net.Listener) {
				if err := l.Serve(ctx, ln); err != nil {
					log.Printf("kerneld: inbound %q serve error: %v", tag, err)
				}
			}(l, ln)
			log.Printf("kerneld: inbound %q (%s) listening on %s", ib.Tag, ib.Protocol, addr)
		default:
			log.Printf("kerneld: inbound %q: protocol %q not wired in this build, skipping", ib.Tag, ib.Protocol)
		}
	}

	apiServer := api.NewServer(api.Deps{
		Manager:   mgr,
		Tracker:   trk,
		Rules:     rules,
		Providers: reloaders,
		Stats: func() persistence.TrafficStats {
			return persistence.TrafficStats{}
		},
		ReloadGeoDBs: func() error { return nil },
	})
	var httpAPI *http.Server
	if cfg.API.Listen != "" {
		mux := http.NewServeMux()
		apiServer.RegisterRoutes(mux)
		httpAPI = &http.Server{Addr: net.JoinHostPort(cfg.API.Listen, itoa(cfg.API.Port)), Handler: mux}
		go func() {
			if err := httpAPI.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("kerneld: api server: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("kerneld: shutting down")
	cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	if httpAPI != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpAPI.Shutdown(shutdownCtx)
	}
	log.Println("kerneld: stopped")
}

func itoa(p uint16) string {
	return strconv.Itoa(int(p))
}
