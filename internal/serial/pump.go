package serial

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/kstaniek/go-tty0tty/internal/metrics"
)

const (
	pumpChunkSize  = 4096
	pumpBackoffMin = 20 * time.Millisecond
	pumpBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// pumpedPort gives libraries without a pending-input query an Endpoint
// surface: one goroutine reads ahead into buf and InWaiting reports its size.
type pumpedPort struct {
	port   Port
	name   string
	readTO time.Duration

	mu  sync.Mutex
	buf bytes.Buffer
	err error // terminal pump error, returned once buf is drained

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPumpedPort(p Port, name string, readTO time.Duration) *pumpedPort {
	pp := &pumpedPort{
		port:   p,
		name:   name,
		readTO: readTO,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	pp.wg.Add(1)
	go pp.pump()
	return pp
}

func (p *pumpedPort) pump() {
	defer p.wg.Done()
	chunk := make([]byte, pumpChunkSize)
	backoff := pumpBackoffMin
	for {
		select {
		case <-p.done:
			return
		default:
		}
		n, err := p.port.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			p.mu.Unlock()
			p.signal()
			backoff = pumpBackoffMin
		}
		if err == nil {
			continue
		}
		select {
		case <-p.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			continue // tarm reports a read timeout as EOF
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			p.fail(err) // device removed or fatal
			return
		}
		metrics.IncError(metrics.ErrPumpRead)
		logging.L().Warn("serial_pump_read_error", "device", p.name, "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > pumpBackoffMax {
			backoff = pumpBackoffMax
		}
	}
}

func (p *pumpedPort) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pumpedPort) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.signal()
}

// Read returns buffered bytes, waiting up to the read timeout for some to
// arrive. A timeout yields (0, nil) like a tty with VTIME set.
func (p *pumpedPort) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if p.readTO > 0 {
		t := time.NewTimer(p.readTO)
		defer t.Stop()
		timeout = t.C
	}
	for {
		p.mu.Lock()
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}
		select {
		case <-p.notify:
		case <-timeout:
			return 0, nil
		case <-p.done:
			return 0, ErrClosed
		}
	}
}

func (p *pumpedPort) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrClosed
	default:
	}
	return p.port.Write(b)
}

// InWaiting reports the read-ahead size; a dead pump surfaces its error once drained.
func (p *pumpedPort) InWaiting() (int, error) {
	select {
	case <-p.done:
		return 0, ErrClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.buf.Len(); n > 0 || p.err == nil {
		return n, nil
	}
	return 0, p.err
}

// Close stops the pump and closes the underlying port. Safe to call multiple times.
func (p *pumpedPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.port.Close()
		p.wg.Wait()
	})
	return err
}
