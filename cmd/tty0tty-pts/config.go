package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/nullmodem"
)

type appConfig struct {
	linkA           string
	linkB           string
	baud            int
	queue           int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [LINK_A LINK_B]\n", os.Args[0])
		flag.PrintDefaults()
	}
	linkA := flag.String("link-a", "", "Symlink created for the first slave (e.g., /dev/tnt0)")
	linkB := flag.String("link-b", "", "Symlink created for the second slave (e.g., /dev/tnt1)")
	baud := flag.Int("baud", nullmodem.DefaultBaud, "Line speed applied to both slaves")
	queue := flag.Int("queue", nullmodem.DefaultQueueSize, "Per-direction write queue (chunks)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log bridge counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the pair via mDNS (requires -metrics-addr)")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default tty0tty-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.linkA = *linkA
	cfg.linkB = *linkB
	cfg.baud = *baud
	cfg.queue = *queue
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := cfg.applyArgs(flag.Args(), setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "argument error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// applyArgs takes the classic positional form LINK_A LINK_B. Positional links
// count as explicitly set so the environment cannot replace them.
func (c *appConfig) applyArgs(args []string, set map[string]struct{}) error {
	switch len(args) {
	case 0:
		return nil
	case 2:
		if c.linkA != "" || c.linkB != "" {
			return errors.New("links given both as flags and arguments")
		}
		c.linkA, c.linkB = args[0], args[1]
		set["link-a"] = struct{}{}
		set["link-b"] = struct{}{}
		return nil
	}
	return fmt.Errorf("expected 0 or 2 link arguments, got %d", len(args))
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if (c.linkA == "") != (c.linkB == "") {
		return errors.New("link-a and link-b must be given together")
	}
	if c.linkA != "" && c.linkA == c.linkB {
		return fmt.Errorf("links must differ (both %s)", c.linkA)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.queue <= 0 {
		return fmt.Errorf("queue must be > 0 (got %d)", c.queue)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable {
		if c.metricsAddr == "" {
			return errors.New("mdns-enable requires metrics-addr")
		}
		if _, err := metricsPort(c.metricsAddr); err != nil {
			return err
		}
	}
	return nil
}

// metricsPort extracts the numeric port from a host:port or :port address.
func metricsPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid metrics-addr %q: %w", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("invalid metrics-addr port %q", p)
	}
	return n, nil
}

// applyEnvOverrides maps TTY0TTY_* environment variables to config fields
// unless the corresponding flag was set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("link-a", "TTY0TTY_LINK_A"); ok {
		c.linkA = v
	}
	if v, ok := get("link-b", "TTY0TTY_LINK_B"); ok {
		c.linkB = v
	}
	if v, ok := get("baud", "TTY0TTY_BAUD"); ok {
		n, err := strconv.Atoi(v)
		if err == nil && n <= 0 {
			err = fmt.Errorf("must be > 0 (got %d)", n)
		}
		if err == nil {
			c.baud = n
		} else if firstErr == nil {
			firstErr = fmt.Errorf("invalid TTY0TTY_BAUD: %w", err)
		}
	}
	if v, ok := get("queue", "TTY0TTY_QUEUE"); ok {
		n, err := strconv.Atoi(v)
		if err == nil && n <= 0 {
			err = fmt.Errorf("must be > 0 (got %d)", n)
		}
		if err == nil {
			c.queue = n
		} else if firstErr == nil {
			firstErr = fmt.Errorf("invalid TTY0TTY_QUEUE: %w", err)
		}
	}
	if v, ok := get("log-format", "TTY0TTY_LOG_FORMAT"); ok {
		c.logFormat = v
	}
	if v, ok := get("log-level", "TTY0TTY_LOG_LEVEL"); ok {
		c.logLevel = v
	}
	if v, ok := get("metrics-addr", "TTY0TTY_METRICS"); ok {
		c.metricsAddr = v
	}
	if v, ok := get("log-metrics-interval", "TTY0TTY_LOG_METRICS_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err == nil && d < 0 {
			err = fmt.Errorf("must be >= 0 (got %v)", d)
		}
		if err == nil {
			c.logMetricsEvery = d
		} else if firstErr == nil {
			firstErr = fmt.Errorf("invalid TTY0TTY_LOG_METRICS_INTERVAL: %w", err)
		}
	}
	if v, ok := get("mdns-enable", "TTY0TTY_MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid TTY0TTY_MDNS_ENABLE: %q", v)
			}
		}
	}
	if v, ok := get("mdns-name", "TTY0TTY_MDNS_NAME"); ok {
		c.mdnsName = v
	}
	return firstErr
}
