// Package loopback sends a message into one end of a null-modem pair and
// reports the line that comes out of the other end.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/serial"
)

// DefaultMessage is written to endpoint A on every round.
const DefaultMessage = "hello there \r\n"

var (
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrDecode              = errors.New("decode error")
	ErrWaitTimeout         = errors.New("timed out waiting for input")
)

// Config describes both endpoints and the exchange.
type Config struct {
	Driver serial.Driver
	A      serial.Config // written to
	B      serial.Config // read from
	// Message is written to A once per round.
	Message []byte
	// Delimiter terminates a received line.
	Delimiter byte
	// PollInterval separates InWaiting checks on B.
	PollInterval time.Duration
	// WaitTimeout bounds the wait for input on B; zero waits until ctx is done.
	WaitTimeout time.Duration
	// Count is the number of send/receive rounds; zero repeats until ctx is
	// done, and that cancellation ends Run without error.
	Count int
}

// DefaultConfig returns the tnt0 -> tnt1 setup at 115200 8N1 with a 2s read timeout.
func DefaultConfig() Config {
	line := serial.Config{Baud: 115200, DataBits: 8, StopBits: serial.Stop1, Parity: serial.ParityNone, ReadTimeout: 2 * time.Second}
	a, b := line, line
	a.Name, b.Name = "/dev/tnt0", "/dev/tnt1"
	return Config{
		Driver:       serial.DriverTermios,
		A:            a,
		B:            b,
		Message:      []byte(DefaultMessage),
		Delimiter:    '\n',
		PollInterval: 10 * time.Millisecond,
		Count:        1,
	}
}

// Validate checks both endpoints and the exchange parameters.
func (c Config) Validate() error {
	if err := c.A.Validate(); err != nil {
		return fmt.Errorf("endpoint a: %w", err)
	}
	if err := c.B.Validate(); err != nil {
		return fmt.Errorf("endpoint b: %w", err)
	}
	if c.A.Name == c.B.Name {
		return fmt.Errorf("endpoints must be distinct (both %s)", c.A.Name)
	}
	if len(c.Message) == 0 {
		return errors.New("empty message")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be > 0")
	}
	if c.WaitTimeout < 0 {
		return errors.New("wait timeout must be >= 0")
	}
	if c.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// State of a Demo.
type State int

const (
	StateIdle State = iota
	StateSending
	StatePolling
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StatePolling:
		return "polling"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Opener opens an endpoint; serial.Open by default.
type Opener func(serial.Driver, serial.Config) (serial.Endpoint, error)

// Demo runs the exchange. It owns both endpoints for the duration of Run.
type Demo struct {
	cfg   Config
	out   io.Writer
	l     *slog.Logger
	open  Opener
	state State
}

// Option configures a Demo.
type Option func(*Demo)

func WithOutput(w io.Writer) Option { return func(d *Demo) { d.out = w } }
func WithLogger(l *slog.Logger) Option { return func(d *Demo) { d.l = l } }
func WithOpener(open Opener) Option { return func(d *Demo) { d.open = open } }

func New(cfg Config, opts ...Option) *Demo {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = '\n'
	}
	d := &Demo{cfg: cfg, out: os.Stdout, l: logging.L(), open: serial.Open}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the state the demo last entered.
func (d *Demo) State() State { return d.state }

func (d *Demo) setState(s State) {
	d.state = s
	d.l.Debug("loopback_state", "state", s.String())
}

// Run opens both endpoints, performs cfg.Count rounds and closes the
// endpoints on every exit path.
func (d *Demo) Run(ctx context.Context) (err error) {
	d.setState(StateIdle)
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	a, b, err := d.acquire()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeEndpoint(d.l, d.cfg.A.Name, a), closeEndpoint(d.l, d.cfg.B.Name, b))
	}()

	lr := serial.NewLineReader(b, d.cfg.Delimiter)
	for i := 0; d.cfg.Count == 0 || i < d.cfg.Count; i++ {
		err := ctx.Err()
		if err == nil {
			err = d.round(ctx, a, b, lr)
		}
		if err != nil {
			if d.interrupted(ctx, err) {
				break
			}
			return err
		}
	}
	d.setState(StateTerminated)
	return nil
}

// interrupted reports whether err is ctx ending a run that repeats until
// cancelled; that is the normal way such a run stops.
func (d *Demo) interrupted(ctx context.Context, err error) bool {
	return d.cfg.Count == 0 && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (d *Demo) acquire() (serial.Endpoint, serial.Endpoint, error) {
	a, err := d.openEndpoint(d.cfg.A)
	if err != nil {
		return nil, nil, err
	}
	b, err := d.openEndpoint(d.cfg.B)
	if err != nil {
		_ = closeEndpoint(d.l, d.cfg.A.Name, a)
		return nil, nil, err
	}
	return a, b, nil
}

func (d *Demo) openEndpoint(cfg serial.Config) (serial.Endpoint, error) {
	ep, err := d.open(d.cfg.Driver, cfg)
	if err != nil {
		metrics.IncError(metrics.ErrEndpointOpen)
		return nil, fmt.Errorf("%w: %s: %w", ErrEndpointUnavailable, cfg.Name, err)
	}
	d.l.Info("serial_open", "device", cfg.Name, "driver", string(d.cfg.Driver), "baud", cfg.Baud)
	return ep, nil
}

func closeEndpoint(l *slog.Logger, name string, ep serial.Endpoint) error {
	if err := ep.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	l.Debug("serial_close", "device", name)
	return nil
}

func (d *Demo) round(ctx context.Context, a, b serial.Endpoint, lr *serial.LineReader) error {
	d.setState(StateSending)
	n, err := a.Write(d.cfg.Message)
	if err != nil {
		metrics.IncError(metrics.ErrEndpointWrite)
		return fmt.Errorf("write %s: %w", d.cfg.A.Name, err)
	}
	metrics.AddTxBytes(n)

	d.setState(StatePolling)
	if err := d.waitInput(ctx, b, lr); err != nil {
		return err
	}
	line, err := lr.ReadLine(d.cfg.B.ReadTimeout)
	switch {
	case errors.Is(err, serial.ErrReadTimeout):
		d.l.Warn("serial_read_partial", "device", d.cfg.B.Name, "bytes", len(line))
	case err != nil:
		metrics.IncError(metrics.ErrEndpointRead)
		return fmt.Errorf("read %s: %w", d.cfg.B.Name, err)
	}
	metrics.IncRxLine()

	d.setState(StateReporting)
	text, err := DecodeASCII(line)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		return err
	}
	if _, err := fmt.Fprintln(d.out, text); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// waitInput polls B until input is pending, ctx is done or the wait timeout elapses.
func (d *Demo) waitInput(ctx context.Context, b serial.Endpoint, lr *serial.LineReader) error {
	start := time.Now()
	if lr.Buffered() > 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline <-chan time.Time
	if d.cfg.WaitTimeout > 0 {
		t := time.NewTimer(d.cfg.WaitTimeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(d.cfg.PollInterval)
	defer tick.Stop()
	for {
		n, err := b.InWaiting()
		if err != nil {
			metrics.IncError(metrics.ErrEndpointRead)
			return fmt.Errorf("poll %s: %w", d.cfg.B.Name, err)
		}
		if n > 0 {
			metrics.ObserveWait(time.Since(start))
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			metrics.IncError(metrics.ErrWaitTimeout)
			return fmt.Errorf("%w on %s after %v", ErrWaitTimeout, d.cfg.B.Name, d.cfg.WaitTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
