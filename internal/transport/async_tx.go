package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canusb-server/internal/can"
)

// AsyncTx funnels message transmissions through a single goroutine (fan-in)
// with non-blocking enqueue semantics: when the internal buffer is full,
// SendMessage invokes the configured OnDrop hook and returns its error
// (usually ErrTxOverflow). This keeps producers, such as TCP client readers,
// from blocking behind a slow or wedged serial device.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendMessage(msg)
//	a.Close()
//
// After Close returns no more messages are processed; late SendMessage calls
// fail with ErrAsyncTxClosed.
//
// Hooks let each user keep distinct metrics and logging without duplicating
// the goroutine and buffer plumbing.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Message) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (message not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendMessage. If nil, the overflow is silent (best-effort fire-and-forget).
	OnDrop func() error
}

// ErrTxOverflow is the conventional OnDrop result for a full buffer.
var ErrTxOverflow = errors.New("tx overflow")

// ErrAsyncTxClosed is returned by SendMessage after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Message) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Message, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
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
		case m, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if err := a.send(m); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendMessage queues a message for asynchronous transmission or returns the
// drop error when the buffer is full.
func (a *AsyncTx) SendMessage(m can.Message) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- m:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for all pending operations to finish.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
