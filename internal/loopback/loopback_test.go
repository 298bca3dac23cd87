package loopback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/serial"
)

// fakeEndpoint is one side of an in-memory null modem. Bytes written to it
// land in peer's input; InWaiting reports zero for the first holdPolls calls.
type fakeEndpoint struct {
	mu        sync.Mutex
	name      string
	in        bytes.Buffer
	peer      *fakeEndpoint
	holdPolls int
	polls     int
	closed    int
	mangle    func([]byte) []byte
}

func (f *fakeEndpoint) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.in.Len() == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer f.mu.Unlock()
	return f.in.Read(p)
}

func (f *fakeEndpoint) Write(p []byte) (int, error) {
	if f.peer == nil {
		return len(p), nil
	}
	b := p
	if f.mangle != nil {
		b = f.mangle(append([]byte(nil), p...))
	}
	f.peer.mu.Lock()
	f.peer.in.Write(b)
	f.peer.mu.Unlock()
	return len(p), nil
}

func (f *fakeEndpoint) InWaiting() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.holdPolls {
		return 0, nil
	}
	return f.in.Len(), nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func fakePair() (*fakeEndpoint, *fakeEndpoint) {
	a := &fakeEndpoint{name: "/dev/tnt0"}
	b := &fakeEndpoint{name: "/dev/tnt1"}
	a.peer, b.peer = b, a
	return a, b
}

func opener(eps ...*fakeEndpoint) Opener {
	return func(_ serial.Driver, cfg serial.Config) (serial.Endpoint, error) {
		for _, ep := range eps {
			if ep.name == cfg.Name {
				return ep, nil
			}
		}
		return nil, &os.PathError{Op: "open", Path: cfg.Name, Err: os.ErrNotExist}
	}
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.B.ReadTimeout = 100 * time.Millisecond
	return cfg
}

func TestRunPrintsReceivedLine(t *testing.T) {
	a, b := fakePair()
	b.holdPolls = 5 // nothing pending for a few polls
	var out bytes.Buffer
	before := metrics.Snap()

	d := New(testConfig(), WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := out.String(), "hello there \r\n\n"; got != want {
		t.Fatalf("printed %q want %q", got, want)
	}
	if d.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %v", d.State())
	}
	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("endpoints not closed exactly once: a=%d b=%d", a.closed, b.closed)
	}
	if b.polls <= b.holdPolls {
		t.Fatalf("expected polling past the hold, polls=%d", b.polls)
	}
	after := metrics.Snap()
	if after.TxBytes-before.TxBytes != uint64(len(DefaultMessage)) || after.RxLines-before.RxLines != 1 {
		t.Fatalf("unexpected metrics delta: %+v -> %+v", before, after)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	var outputs []string
	for i := 0; i < 2; i++ {
		a, b := fakePair()
		var out bytes.Buffer
		d := New(testConfig(), WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
		if err := d.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		outputs = append(outputs, out.String())
	}
	if outputs[0] != outputs[1] {
		t.Fatalf("runs differ: %q vs %q", outputs[0], outputs[1])
	}
}

func TestRunEndpointUnavailable(t *testing.T) {
	a, b := fakePair()
	cases := []struct {
		name    string
		open    Opener
		closedA int
	}{
		{"missingA", opener(b), 0},
		{"missingB", opener(a), 1},
	}
	for _, tc := range cases {
		a.closed = 0
		var out bytes.Buffer
		d := New(testConfig(), WithOutput(&out), WithLogger(testLogger()), WithOpener(tc.open))
		err := d.Run(context.Background())
		if !errors.Is(err, ErrEndpointUnavailable) {
			t.Fatalf("%s: expected ErrEndpointUnavailable, got %v", tc.name, err)
		}
		var perr *os.PathError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: driver error not wrapped: %v", tc.name, err)
		}
		if out.Len() != 0 {
			t.Fatalf("%s: printed %q", tc.name, out.String())
		}
		if a.closed != tc.closedA {
			t.Fatalf("%s: endpoint a closed %d times, want %d", tc.name, a.closed, tc.closedA)
		}
	}
}

func TestRunDecodeError(t *testing.T) {
	a, b := fakePair()
	a.mangle = func(p []byte) []byte { p[3] = 0xE9; return p }
	var out bytes.Buffer
	d := New(testConfig(), WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
	err := d.Run(context.Background())
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Offset != 3 || derr.Byte != 0xE9 {
		t.Fatalf("unexpected decode error detail: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("printed %q despite decode error", out.String())
	}
	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("endpoints not released on error path")
	}
}

func TestRunWaitTimeout(t *testing.T) {
	a, b := fakePair()
	a.peer = nil // nothing ever arrives on b
	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Millisecond
	d := New(cfg, WithOutput(io.Discard), WithLogger(testLogger()), WithOpener(opener(a, b)))
	start := time.Now()
	err := d.Run(context.Background())
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("returned before the wait timeout")
	}
	if d.State() != StatePolling {
		t.Fatalf("expected to stop while polling, got %v", d.State())
	}
}

func TestRunUnboundedWaitIsCancellable(t *testing.T) {
	a, b := fakePair()
	a.peer = nil
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d := New(testConfig(), WithOutput(io.Discard), WithLogger(testLogger()), WithOpener(opener(a, b)))
	err := d.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if b.closed != 1 {
		t.Fatalf("endpoint b not released on cancel")
	}
}

func TestRunPartialLineOnReadTimeout(t *testing.T) {
	a, b := fakePair()
	cfg := testConfig()
	cfg.Message = []byte("no terminator")
	cfg.B.ReadTimeout = 20 * time.Millisecond
	var out bytes.Buffer
	d := New(cfg, WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "no terminator\n" {
		t.Fatalf("printed %q", out.String())
	}
}

func TestRunCountRounds(t *testing.T) {
	a, b := fakePair()
	cfg := testConfig()
	cfg.Count = 3
	var out bytes.Buffer
	d := New(cfg, WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "hello there \r\n\nhello there \r\n\nhello there \r\n\n"
	if out.String() != want {
		t.Fatalf("printed %q want %q", out.String(), want)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"sameEndpoint", func(c *Config) { c.B.Name = c.A.Name }},
		{"badBaudA", func(c *Config) { c.A.Baud = 0 }},
		{"noNameB", func(c *Config) { c.B.Name = "" }},
		{"emptyMessage", func(c *Config) { c.Message = nil }},
		{"badPoll", func(c *Config) { c.PollInterval = 0 }},
		{"badWait", func(c *Config) { c.WaitTimeout = -time.Second }},
		{"badCount", func(c *Config) { c.Count = -1 }},
	}
	for _, tc := range tests {
		c := DefaultConfig()
		tc.mod(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecodeASCII(t *testing.T) {
	s, err := DecodeASCII([]byte("hello there \r\n"))
	if err != nil || s != "hello there \r\n" {
		t.Fatalf("DecodeASCII = %q, %v", s, err)
	}
	if s, err := DecodeASCII(nil); err != nil || s != "" {
		t.Fatalf("empty input: %q, %v", s, err)
	}
	_, err = DecodeASCII([]byte{'o', 'k', 0x80})
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Offset != 2 {
		t.Fatalf("expected DecodeError at 2, got %v", err)
	}
}

func TestRunUntilCancelledStopsCleanly(t *testing.T) {
	a, b := fakePair() // echoes instantly, so input is pending on every first poll
	cfg := testConfig()
	cfg.Count = 0
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	d := New(cfg, WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation should end the run cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
	if d.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %v", d.State())
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("hello there \r\n\n")) {
		t.Fatalf("expected at least one reported line, got %q", out.String())
	}
	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("endpoints not released: a=%d b=%d", a.closed, b.closed)
	}
}

func TestRunUntilCancelledWhileWaiting(t *testing.T) {
	a, b := fakePair()
	a.peer = nil
	cfg := testConfig()
	cfg.Count = 0
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	d := New(cfg, WithOutput(io.Discard), WithLogger(testLogger()), WithOpener(opener(a, b)))
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %v", d.State())
	}
}

func TestRunCancelledBeforeFirstRound(t *testing.T) {
	a, b := fakePair()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	d := New(testConfig(), WithOutput(&out), WithLogger(testLogger()), WithOpener(opener(a, b)))
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for a counted run, got %v", err)
	}
	if out.Len() != 0 || b.polls != 0 {
		t.Fatalf("nothing should happen after cancel: out=%q polls=%d", out.String(), b.polls)
	}
}
