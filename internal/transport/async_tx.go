package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx is an asynchronous chunk writer that funnels all writes to one
// destination through a single goroutine. Enqueue never blocks: when the
// buffer is full SendChunk invokes the OnDrop hook and returns its error.
// This keeps a reader from stalling behind a slow or wedged peer.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, writeFn, hooks)
//	a.SendChunk(b)
//	a.Close()
//
// Chunks are handed to the write function as-is; callers must not reuse a
// slice after enqueueing it.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func([]byte) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when write returns a non-nil error (chunk not written).
	OnError func(error)
	// OnAfter is called only after a successful write with the chunk length.
	OnAfter func(n int)
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendChunk. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, write func([]byte) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case b, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(b); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(len(b))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendChunk queues b for asynchronous write or returns the drop error if the
// buffer is full.
func (a *AsyncTx) SendChunk(b []byte) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- b:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Drain discards queued chunks without writing them and returns how many
// were dropped. It may be called from the write function.
func (a *AsyncTx) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-a.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// pending reports the number of queued chunks.
func (a *AsyncTx) pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. Queued chunks are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first, then close the channel under the send lock to avoid racing SendChunk.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
