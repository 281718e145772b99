package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kstaniek/go-serimon/internal/hub"
	"github.com/kstaniek/go-serimon/internal/metrics"
	"github.com/kstaniek/go-serimon/internal/server"
	"github.com/kstaniek/go-serimon/internal/session"
	"github.com/kstaniek/go-serimon/internal/transport"
)

const (
	txQueueSize     = 256 // tap lines waiting for the serial write
	shutdownTimeout = 2 * time.Second
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.tapBuffer
	h.MaxClients = cfg.tapMaxClients
	h.Policy = cfg.hubPolicy
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize, "max_clients", h.MaxClients)
	return h
}

// newTapSink queues tap client lines for the serial session. A full queue
// drops the line with transport.ErrTxOverflow.
func newTapSink(ctx context.Context, send func(string) error, l *slog.Logger) *transport.AsyncTx {
	return transport.NewAsyncTx(ctx, txQueueSize, send, transport.Hooks{
		OnError: func(err error) {
			l.Debug("tap_send_failed", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return transport.ErrTxOverflow
		},
	})
}

// tapBanner describes the current session for new tap clients.
func tapBanner(loop *session.Loop) func() string {
	return func() string {
		if c, ok := loop.Config(); ok {
			return fmt.Sprintf("%sserimon %s %d (status lines start with %q)", hub.StatusPrefix, c.Device, c.Baud, hub.StatusPrefix)
		}
		return fmt.Sprintf("%sserimon idle (status lines start with %q)", hub.StatusPrefix, hub.StatusPrefix)
	}
}

// startTap runs the TCP tap and, when enabled, its mDNS advertisement. The
// returned cleanup stops both; the server is nil when the tap is disabled.
func startTap(ctx context.Context, cfg *appConfig, h *hub.Hub, loop *session.Loop, l *slog.Logger, wg *sync.WaitGroup) (*server.Server, func()) {
	if cfg.tapListen == "" {
		return nil, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	tx := newTapSink(ctx, loop.Send, l)
	srv := server.NewServer(
		server.WithListenAddr(cfg.tapListen),
		server.WithHub(h),
		server.WithSink(tx),
		server.WithLogger(l),
		server.WithReadDeadline(cfg.tapReadTO),
		server.WithBanner(tapBanner(loop)),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("tap_server_error", "error", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		stop, err := startMDNS(ctx, cfg, port, loop)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		<-ctx.Done()
		stop()
	}()
	return srv, func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tap_shutdown", "error", err)
		}
		tx.Close()
	}
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
