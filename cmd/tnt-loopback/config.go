package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/loopback"
	"github.com/kstaniek/go-tty0tty/internal/serial"
)

const envPrefix = "TNT_LOOPBACK_"

type appConfig struct {
	devA         string
	devB         string
	driver       string
	baud         int
	dataBits     int
	stopBits     string
	parity       string
	readTO       time.Duration
	pollInterval time.Duration
	waitTO       time.Duration
	message      string // Go-escaped
	count        int
	list         bool
	logFormat    string
	logLevel     string
	metricsAddr  string
}

func defaultConfig() *appConfig {
	return &appConfig{
		devA:         "/dev/tnt0",
		devB:         "/dev/tnt1",
		driver:       string(serial.DriverTermios),
		baud:         115200,
		dataBits:     8,
		stopBits:     "1",
		parity:       "N",
		readTO:       2 * time.Second,
		pollInterval: 10 * time.Millisecond,
		message:      `hello there \r\n`,
		count:        1,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func parseFlags() (*appConfig, bool) {
	cfg := defaultConfig()
	flag.StringVar(&cfg.devA, "a", cfg.devA, "Endpoint the message is written to")
	flag.StringVar(&cfg.devB, "b", cfg.devB, "Endpoint the reply is read from")
	flag.StringVar(&cfg.driver, "driver", cfg.driver, "Serial driver: termios|tarm|bugst")
	flag.IntVar(&cfg.baud, "baud", cfg.baud, "Baud rate for both endpoints")
	flag.IntVar(&cfg.dataBits, "databits", cfg.dataBits, "Data bits (5-8)")
	flag.StringVar(&cfg.stopBits, "stopbits", cfg.stopBits, "Stop bits: 1|1.5|2")
	flag.StringVar(&cfg.parity, "parity", cfg.parity, "Parity: N|E|O|M|S")
	flag.DurationVar(&cfg.readTO, "read-timeout", cfg.readTO, "Read timeout for the reply line")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", cfg.pollInterval, "Interval between pending-input checks")
	flag.DurationVar(&cfg.waitTO, "wait-timeout", cfg.waitTO, "Give up waiting for input after this long (0 = wait until interrupted)")
	flag.StringVar(&cfg.message, "message", cfg.message, "Message to send, Go escapes allowed")
	flag.IntVar(&cfg.count, "count", cfg.count, "Number of send/receive rounds (0 = until interrupted)")
	flag.BoolVar(&cfg.list, "list", false, "List serial ports and exit")
	flag.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9101); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
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

// validate checks values only; devices are opened later.
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
	if c.list {
		return nil
	}
	_, err := c.loopbackConfig()
	return err
}

// loopbackConfig converts the flag values into a validated loopback.Config.
func (c *appConfig) loopbackConfig() (loopback.Config, error) {
	lc := loopback.DefaultConfig()
	drv, err := serial.ParseDriver(c.driver)
	if err != nil {
		return lc, fmt.Errorf("invalid driver: %w", err)
	}
	stop, err := serial.ParseStopBits(c.stopBits)
	if err != nil {
		return lc, err
	}
	par, err := serial.ParseParity(c.parity)
	if err != nil {
		return lc, err
	}
	msg, err := unescape(c.message)
	if err != nil {
		return lc, fmt.Errorf("invalid message: %w", err)
	}
	line := serial.Config{Baud: c.baud, DataBits: c.dataBits, StopBits: stop, Parity: par, ReadTimeout: c.readTO}
	lc.Driver = drv
	lc.A, lc.B = line, line
	lc.A.Name, lc.B.Name = c.devA, c.devB
	lc.Message = []byte(msg)
	lc.PollInterval = c.pollInterval
	lc.WaitTimeout = c.waitTO
	lc.Count = c.count
	if c.readTO <= 0 {
		return lc, errors.New("read-timeout must be > 0")
	}
	if err := lc.Validate(); err != nil {
		return lc, err
	}
	return lc, nil
}

// unescape interprets Go string escapes such as \r, \n, \" and \x7f. A bare
// double quote is taken literally.
func unescape(s string) (string, error) {
	var b strings.Builder
	for len(s) > 0 {
		if s[0] == '"' {
			b.WriteByte('"')
			s = s[1:]
			continue
		}
		r, multibyte, tail, err := strconv.UnquoteChar(s, '"')
		if err != nil {
			return "", err
		}
		if multibyte {
			b.WriteRune(r)
		} else {
			b.WriteByte(byte(r))
		}
		s = tail
	}
	return b.String(), nil
}

// applyEnvOverrides maps TNT_LOOPBACK_* variables onto c unless the matching
// flag was set explicitly. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	note := func(name string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")), err)
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err == nil {
				*dst = n
			}
			note(name, err)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err == nil {
				*dst = d
			}
			note(name, err)
		}
	}
	str("a", &c.devA)
	str("b", &c.devB)
	str("driver", &c.driver)
	num("baud", &c.baud)
	num("databits", &c.dataBits)
	str("stopbits", &c.stopBits)
	str("parity", &c.parity)
	dur("read-timeout", &c.readTO)
	dur("poll-interval", &c.pollInterval)
	dur("wait-timeout", &c.waitTO)
	str("message", &c.message)
	num("count", &c.count)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	str("metrics-addr", &c.metricsAddr)
	return firstErr
}
