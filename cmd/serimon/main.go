package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-serimon/internal/line"
	"github.com/kstaniek/go-serimon/internal/metrics"
	"github.com/kstaniek/go-serimon/internal/serial"
	"github.com/kstaniek/go-serimon/internal/session"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("serimon %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	if cfg.list {
		ports := serial.ListDetailed()
		if len(ports) == 0 {
			fmt.Fprintln(os.Stderr, "no serial ports found")
		}
		for _, p := range ports {
			fmt.Println(formatPort(p))
		}
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	con := newConsole(os.Stdout, cfg.timestamps)
	h := initHub(cfg, l)
	var consumer session.Consumer = con
	if cfg.tapListen != "" {
		consumer = session.Multi(con, h)
	}
	loop, err := session.New(consumer,
		session.WithLogger(l),
		session.WithFramerOptions(line.WithEncoding(cfg.encoding), line.WithPolicy(cfg.policy), line.WithMaxLine(cfg.maxLine)),
		session.WithHistory(cfg.history),
		session.WithStatsInterval(cfg.statsInterval),
		session.WithLineEnding(lineEndings[cfg.lineEnding]),
	)
	if err != nil {
		l.Error("session_init_error", "error", err)
		os.Exit(1)
	}
	defer loop.Teardown()

	metrics.SetReadinessFunc(func() bool { return loop.State() == session.StateConnected })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	_, stopTap := startTap(ctx, cfg, h, loop, l, &wg)

	cmd := &commander{ctl: loop, con: con, cfg: cfg, ports: serial.ListDetailed}
	if cfg.port != "" {
		cmd.connect(nil)
	} else {
		con.OnDiagnostic("idle; " + helpText)
		cmd.listPorts()
	}

	quit := make(chan struct{})
	go func() {
		q, err := runConsole(os.Stdin, cmd)
		if err != nil {
			l.Warn("console_input_error", "error", err)
		}
		if q {
			close(quit)
			return
		}
		// stdin closed: keep serving the tap until a signal arrives
		l.Info("console_input_closed")
	}()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-quit:
		l.Info("console_quit")
	}
	loop.Teardown()
	cancel()
	stopTap()
	wg.Wait()
}
