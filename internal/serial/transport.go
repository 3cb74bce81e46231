package serial

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canusb-server/internal/logging"
	"github.com/kstaniek/go-canusb-server/internal/metrics"
)

const (
	// DefaultRingSize is the receive ring capacity in bytes. At 1 Mbit/s the
	// bus cannot produce more than ~10 KiB/s of ASCII, so 4 KiB rides out
	// a polling consumer comfortably.
	DefaultRingSize = 4096

	readChunk    = 512
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Transport adapts a serial Port to the cursor-based receive contract the
// canusb core consumes: a fixed byte ring filled by one background reader
// goroutine plus a write cursor wrapping modulo the ring capacity. Writes go
// straight to the port on the caller's goroutine.
//
// The ring is single-producer (the reader goroutine) single-consumer (the
// polling side). The cursor is published with an atomic store after the
// bytes it covers, so a consumer that loads the cursor first always sees
// those bytes. A consumer lagging more than one ring capacity behind loses
// data silently; size the ring for the polling interval.
type Transport struct {
	port   Port
	ring   []byte
	cursor atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport starts the reader goroutine over port. ringSize falls back to
// DefaultRingSize when not positive.
func NewTransport(parent context.Context, port Port, ringSize int) *Transport {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Transport{
		port:   port,
		ring:   make([]byte, ringSize),
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.rxLoop(ctx)
	return t
}

// Write transmits p on the serial port, fire-and-forget.
func (t *Transport) Write(p []byte) error {
	_, err := t.port.Write(p)
	return err
}

// ReceiveBuffer returns the ring's full backing storage.
func (t *Transport) ReceiveBuffer() []byte { return t.ring }

// ReceiveCursor returns the current write position into the ring, wrapping
// modulo its capacity.
func (t *Transport) ReceiveCursor() int { return int(t.cursor.Load()) }

// Close stops the reader goroutine and closes the port.
func (t *Transport) Close() error {
	t.cancel()
	err := t.port.Close() // unblocks a pending Read
	t.wg.Wait()
	return err
}

func (t *Transport) rxLoop(ctx context.Context) {
	defer t.wg.Done()
	defer logging.L().Info("serial_rx_end")
	buf := make([]byte, readChunk)
	pos := int(t.cursor.Load())
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			for _, b := range buf[:n] {
				t.ring[pos] = b
				pos = (pos + 1) % len(t.ring)
			}
			t.cursor.Store(int64(pos))
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // ignore transient EOF (read timeout)
			}
			metrics.IncError(metrics.ErrSerialRead)
			logging.L().Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}
