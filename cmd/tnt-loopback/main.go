// Command tnt-loopback writes a message to one end of a null-modem pair and
// prints the line that arrives on the other end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/kstaniek/go-tty0tty/internal/loopback"
	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/serial"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("tnt-loopback %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := logging.Setup("tnt-loopback", cfg.logFormat, cfg.logLevel)
	if err := run(cfg); err != nil {
		l.Error("loopback_failed", "error", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred shutdowns complete.
func run(cfg *appConfig) error {
	if cfg.list {
		return listPorts(os.Stdout)
	}
	lc, err := cfg.loopbackConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}
	return loopback.New(lc, loopback.WithLogger(logging.L())).Run(ctx)
}

func listPorts(w io.Writer) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}
