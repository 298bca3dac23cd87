// Package nullmodem emulates a null-modem cable in userspace: two
// pseudo-terminals whose masters are cross-copied, so whatever a program
// writes to one slave device can be read from the other.
//
// A Pair keeps both slave devices open for its whole lifetime. That keeps the
// masters from reporting EIO while no client is attached and lets bytes
// written before the peer opens its side wait in the tty input queue.
package nullmodem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/kstaniek/go-tty0tty/internal/metrics"
	"github.com/kstaniek/go-tty0tty/internal/transport"
)

const (
	DefaultBaud      = 9600
	DefaultQueueSize = 256

	readBufSize     = 1024
	idleBackoffMin  = 100 * time.Millisecond
	idleBackoffMax  = 500 * time.Millisecond
	writeErrorPause = 500 * time.Millisecond
)

var (
	ErrLinkCreate    = errors.New("nullmodem: cannot create link")
	ErrQueueOverflow = errors.New("nullmodem: peer queue overflow")
)

// Hooks for tests.
var (
	openPTY = pty.Open
	sleepFn = time.Sleep
)

// Options configure a Pair. Zero values select the defaults.
type Options struct {
	// Links optionally names symlinks created for the A and B slave devices.
	Links     [2]string
	Baud      int
	QueueSize int
	Logger    *slog.Logger
}

type end struct {
	master *os.File
	slave  *os.File
	link   string
}

// Pair is a bridged couple of ptys. Run may be called once; Close releases
// everything and is safe to call multiple times.
type Pair struct {
	opts  Options
	l     *slog.Logger
	ends  [2]end
	ready chan struct{}

	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error
	wg           sync.WaitGroup
}

// Open allocates both ptys, puts them in raw mode at opts.Baud and creates
// the requested links, replacing whatever was at those paths.
func Open(opts Options) (*Pair, error) {
	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	p := &Pair{opts: opts, l: opts.Logger, ready: make(chan struct{})}
	for i := range p.ends {
		m, s, err := openPTY()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("open pty: %w", err)
		}
		p.ends[i] = end{master: m, slave: s}
		if err := configure(s, opts.Baud); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("configure %s: %w", s.Name(), err)
		}
	}
	for i, link := range opts.Links {
		if link == "" {
			continue
		}
		if err := replaceLink(p.ends[i].slave.Name(), link); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w %s: %v", ErrLinkCreate, link, err)
		}
		p.ends[i].link = link
	}
	return p, nil
}

func replaceLink(target, link string) error {
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(target, link)
}

// Endpoints returns the names clients should open: the link if one was
// requested, otherwise the slave device path.
func (p *Pair) Endpoints() (a, b string) {
	return p.ends[0].name(), p.ends[1].name()
}

// SlavePaths returns the underlying /dev/pts devices.
func (p *Pair) SlavePaths() (a, b string) {
	return p.ends[0].slave.Name(), p.ends[1].slave.Name()
}

func (e end) name() string {
	if e.link != "" {
		return e.link
	}
	if e.slave == nil {
		return ""
	}
	return e.slave.Name()
}

// Ready is closed once both bridge directions are running.
func (p *Pair) Ready() <-chan struct{} { return p.ready }

// Run copies bytes between the two masters until ctx is cancelled or a
// master fails. It returns nil on cancellation. The pair cannot be reused
// afterwards.
func (p *Pair) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	txA := p.newWriter(ctx, 0, metrics.DirBtoA)
	txB := p.newWriter(ctx, 1, metrics.DirAtoB)
	errCh := make(chan error, 2)
	p.wg.Add(2)
	go func() { defer p.wg.Done(); errCh <- p.copyLoop(ctx, 0, txB, metrics.DirAtoB) }()
	go func() { defer p.wg.Done(); errCh <- p.copyLoop(ctx, 1, txA, metrics.DirBtoA) }()
	a, b := p.Endpoints()
	p.l.Info("bridge_start", "a", a, "b", b, "baud", p.opts.Baud)
	close(p.ready)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	p.shutdown()
	p.wg.Wait()
	txA.Close()
	txB.Close()
	p.l.Info("bridge_end")
	return err
}

// newWriter builds the queued writer feeding master i.
func (p *Pair) newWriter(ctx context.Context, i int, dir string) *transport.AsyncTx {
	master := p.ends[i].master
	var tx *transport.AsyncTx
	hooks := transport.Hooks{
		OnAfter: func(n int) { metrics.AddBridgeBytes(dir, n) },
		OnError: func(err error) {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrBridgeWrite)
			// Kernel buffer may be full; pause, then discard what queued up meanwhile.
			sleepFn(writeErrorPause)
			dropped := tx.Drain()
			for j := 0; j < dropped; j++ {
				metrics.IncBridgeDrop()
			}
			p.l.Warn("bridge_write_error", "to", p.ends[i].name(), "error", err, "dropped", dropped)
		},
		OnDrop: func() error {
			metrics.IncBridgeDrop()
			metrics.IncError(metrics.ErrBridgeOver)
			return ErrQueueOverflow
		},
	}
	tx = transport.NewAsyncTx(ctx, p.opts.QueueSize, func(b []byte) error {
		_, err := master.Write(b)
		return err
	}, hooks)
	return tx
}

// copyLoop reads master from and queues each chunk on to. It returns nil
// once the pair is shutting down.
func (p *Pair) copyLoop(ctx context.Context, from int, to *transport.AsyncTx, dir string) error {
	src := p.ends[from]
	buf := make([]byte, readBufSize)
	backoff := idleBackoffMin
	for {
		n, err := src.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := to.SendChunk(chunk); errors.Is(serr, ErrQueueOverflow) {
				p.l.Warn("bridge_queue_full", "direction", dir, "bytes", n)
			}
			backoff = idleBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
			return nil
		}
		// EIO: no slave open; EAGAIN: nothing to read on a non-blocking master.
		if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, io.EOF) {
			sleepFn(backoff)
			backoff *= 2
			if backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			continue
		}
		metrics.IncError(metrics.ErrBridgeRead)
		p.l.Error("bridge_read_error", "from", src.name(), "error", err)
		return fmt.Errorf("read %s: %w", src.name(), err)
	}
}

// shutdown closes every descriptor once. Slaves go first so a master read
// blocked in the kernel sees the hangup.
func (p *Pair) shutdown() {
	p.shutdownOnce.Do(func() {
		var errs []error
		for _, e := range p.ends {
			if e.slave != nil {
				errs = append(errs, e.slave.Close())
			}
		}
		for _, e := range p.ends {
			if e.master != nil {
				errs = append(errs, e.master.Close())
			}
		}
		p.closeErr = errors.Join(errs...)
	})
}

// Close stops bridging, closes all descriptors and removes the links that
// still point at this pair's slaves.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		p.shutdown()
		var errs []error
		for _, e := range p.ends {
			if e.link == "" || e.slave == nil {
				continue
			}
			if target, err := os.Readlink(e.link); err == nil && target == e.slave.Name() {
				if err := os.Remove(e.link); err != nil {
					errs = append(errs, err)
				}
			}
		}
		p.closeErr = errors.Join(append([]error{p.closeErr}, errs...)...)
	})
	return p.closeErr
}
