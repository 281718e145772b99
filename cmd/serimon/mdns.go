package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-serimon/internal/session"
)

const mdnsServiceType = "_serimon._tcp"

// startMDNS registers the tap via mDNS and returns a cleanup function.
func startMDNS(ctx context.Context, cfg *appConfig, port int, loop *session.Loop) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("serimon-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsMeta(cfg, loop), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsMeta(cfg *appConfig, loop *session.Loop) []string {
	device, baud := cfg.port, cfg.baud
	if c, ok := loop.Config(); ok {
		device, baud = c.Device, c.Baud
	}
	return []string{
		"device=" + device,
		"baud=" + strconv.Itoa(baud),
		"version=" + version,
		"commit=" + commit,
	}
}
