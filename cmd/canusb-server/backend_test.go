package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canusb-server/internal/can"
	"github.com/kstaniek/go-canusb-server/internal/hub"
	"github.com/kstaniek/go-canusb-server/internal/serial"
)

// fakePort scripts reads and records writes for backend tests.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	writes bytes.Buffer
	closed bool
}

func (p *fakePort) push(b []byte) {
	p.mu.Lock()
	p.reads = append(p.reads, b)
	p.mu.Unlock()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.reads) == 0 {
		return 0, io.EOF // read timeout, no data
	}
	n := copy(b, p.reads[0])
	if n == len(p.reads[0]) {
		p.reads = p.reads[1:]
	} else {
		p.reads[0] = p.reads[0][n:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.String()
}

func withFakeBackend(t *testing.T, port *fakePort) {
	t.Helper()
	origOpen, origLock := openSerialPort, lockDevice
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }
	lockDevice = func(string) (*serial.DeviceLock, error) { return &serial.DeviceLock{}, nil }
	t.Cleanup(func() { openSerialPort, lockDevice = origOpen, origLock })
}

func backendConfig() *appConfig {
	c := validConfig()
	c.canBitrate = 500000
	c.pollInterval = 2 * time.Millisecond
	return c
}

func TestInitBackend_SetupSequence(t *testing.T) {
	port := &fakePort{}
	withFakeBackend(t, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	_, cleanup, err := initBackend(ctx, backendConfig(), hub.New(), slog.Default(), &wg, nil)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	if got := port.written(); got != "S6\rO\r" {
		t.Fatalf("setup wire = %q, want %q", got, "S6\rO\r")
	}
}

func TestInitBackend_UnsupportedBitrate(t *testing.T) {
	port := &fakePort{}
	withFakeBackend(t, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	cfg := backendConfig()
	cfg.canBitrate = 300000
	_, _, err := initBackend(ctx, cfg, hub.New(), slog.Default(), &wg, nil)
	if err == nil {
		t.Fatal("expected error for unsupported bitrate")
	}
	cancel()
	wg.Wait()
}

func TestInitBackend_ReceiveBroadcastsToHub(t *testing.T) {
	port := &fakePort{}
	withFakeBackend(t, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	h := hub.New()
	cl := &hub.Client{Out: make(chan can.Message, 16), Closed: make(chan struct{})}
	h.Add(cl)
	defer h.Remove(cl)

	_, cleanup, err := initBackend(ctx, backendConfig(), h, slog.Default(), &wg, nil)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	port.push([]byte("t0012ABCD\r"))
	select {
	case m := <-cl.Out:
		want := can.Message{ID: 0x001, Len: 2, Data: [8]byte{0xAB, 0xCD}}
		if !m.Equal(want) {
			t.Fatalf("broadcast %+v, want %+v", m, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast for received frame")
	}
}

func TestInitBackend_SendWritesASCII(t *testing.T) {
	port := &fakePort{}
	withFakeBackend(t, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	sendFunc, cleanup, err := initBackend(ctx, backendConfig(), hub.New(), slog.Default(), &wg, nil)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	if err := sendFunc(can.Message{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	want := "S6\rO\rt1232AABB\r"
	for time.Now().Before(deadline) {
		if port.written() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("wire after send = %q, want %q", port.written(), want)
}
