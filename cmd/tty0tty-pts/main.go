// Command tty0tty-pts creates a pair of bridged pseudo-terminals that behave
// like two serial ports joined by a null-modem cable.
//
//	tty0tty-pts /dev/tnt0 /dev/tnt1
//
// With no arguments the /dev/pts slaves are used directly and printed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/nullmodem"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("tty0tty-pts %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := logging.Setup("tty0tty-pts", cfg.logFormat, cfg.logLevel)
	if err := run(cfg); err != nil {
		l.Error("bridge_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := logging.L()
	p, err := nullmodem.Open(nullmodem.Options{
		Links:     [2]string{cfg.linkA, cfg.linkB},
		Baud:      cfg.baud,
		QueueSize: cfg.queue,
		Logger:    l,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			l.Warn("close_error", "error", err)
		}
	}()
	a, b := p.Endpoints()
	fmt.Printf("(%s) <=> (%s)\n", a, b)

	// stop runs before wg.Wait so the metrics logger and mDNS see cancellation.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-p.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if cfg.mdnsEnable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			advertise(ctx, cfg, p, l)
		}()
	}

	err = p.Run(ctx)
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	return err
}

// advertise registers the pair once it is bridging and withdraws the
// registration when ctx ends.
func advertise(ctx context.Context, cfg *appConfig, p *nullmodem.Pair, l *slog.Logger) {
	select {
	case <-p.Ready():
	case <-ctx.Done():
		return
	}
	port, err := metricsPort(cfg.metricsAddr)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	a, b := p.Endpoints()
	cleanup, err := registerMDNS(cfg, port, a, b)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "port", port)
	<-ctx.Done()
	cleanup()
	l.Info("mdns_stopped")
}
