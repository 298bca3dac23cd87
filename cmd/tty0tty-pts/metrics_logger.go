package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/metrics"
)

// startMetricsLogger logs bridge counters every interval for setups without
// a Prometheus scraper.
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
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"a_to_b_bytes", snap.BridgeAtoB,
					"b_to_a_bytes", snap.BridgeBtoA,
					"dropped_chunks", snap.BridgeDropped,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
