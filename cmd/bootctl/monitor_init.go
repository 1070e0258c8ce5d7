package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"bootbus/internal/monitor"
)

// startMonitorServer starts the monitor.Server if --monitor-addr is set and
// returns it (nil if disabled) plus a cleanup function.
func startMonitorServer(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*monitor.Server, func()) {
	if cfg.monitorAddr == "" {
		return nil, func() {}
	}
	srv := monitor.NewServer(
		monitor.WithListenAddr(cfg.monitorAddr),
		monitor.WithLogger(l),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("monitor_server_error", "error", err)
		}
	}()

	go func() {
		if !cfg.monitorMDNS {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		addr := srv.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			if idx := strings.LastIndex(addr, ":"); idx >= 0 {
				if pn, perr := strconv.Atoi(addr[idx+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanup, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "port", portNum)
		go func() { <-ctx.Done(); cleanup() }()
	}()

	return srv, func() { _ = srv.Shutdown(context.Background()) }
}
