package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-serimon/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"connected", snap.Connected,
		"serial_rx_bytes", snap.RxBytes,
		"serial_rx_lines", snap.RxLines,
		"serial_tx_lines", snap.TxLines,
		"lines_per_tick", snap.LinesPerTick,
		"decode_replaced", snap.Replaced,
		"decode_dropped", snap.Dropped,
		"tap_rx", snap.TapRx,
		"tap_tx", snap.TapTx,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}
