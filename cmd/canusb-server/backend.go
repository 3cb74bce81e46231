package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canusb-server/internal/can"
	"github.com/kstaniek/go-canusb-server/internal/canusb"
	"github.com/kstaniek/go-canusb-server/internal/hub"
	"github.com/kstaniek/go-canusb-server/internal/metrics"
	"github.com/kstaniek/go-canusb-server/internal/mqttpub"
	"github.com/kstaniek/go-canusb-server/internal/serial"
	"github.com/kstaniek/go-canusb-server/internal/transport"
)

// Hooks for tests.
var (
	openSerialPort = serial.Open
	lockDevice     = serial.LockDevice
)

// initBackend opens the CANUSB adapter, configures the bus and starts the
// receive poll loop. It returns a message sender for the TCP server and a
// cleanup function. The transceiver contract is single threaded, so the
// poll loop and the async TX writer serialize on one mutex.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup, pub *mqttpub.Publisher) (func(can.Message) error, func(), error) {
	lock, err := lockDevice(cfg.serialDev)
	if err != nil {
		return nil, func() {}, fmt.Errorf("lock device: %w", err)
	}
	sp, err := openSerialPort(cfg.serialDev, cfg.serialBaud, cfg.serialReadTO)
	if err != nil {
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.serialBaud)

	tr := serial.NewTransport(ctx, sp, cfg.serialRing)
	adapter := canusb.NewAdapter(tr)
	bm, err := adapter.AcquireBusManager()
	if err != nil {
		_ = tr.Close()
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("acquire bus manager: %w", err)
	}
	trx, err := adapter.AcquireTransceiver(cfg.msgRing)
	if err != nil {
		_ = tr.Close()
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("acquire transceiver: %w", err)
	}
	if err := bm.SetBaudRate(cfg.canBitrate); err != nil {
		metrics.IncError(metrics.ErrAdapterSetup)
		_ = tr.Close()
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("set baud rate %d: %w", cfg.canBitrate, err)
	}
	if err := bm.SetFilterMode(canusb.FilterAcceptAll); err != nil {
		metrics.IncError(metrics.ErrAdapterSetup)
		_ = tr.Close()
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("set filter mode: %w", err)
	}
	bm.OnBusOff(func() {
		l.Warn("bus_off")
	})
	if err := bm.BusOn(); err != nil {
		metrics.IncError(metrics.ErrAdapterSetup)
		_ = tr.Close()
		_ = lock.Release()
		return nil, func() {}, fmt.Errorf("bus on: %w", err)
	}
	l.Info("bus_on", "bitrate", cfg.canBitrate)

	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("adapter_rx_end")
		t := time.NewTicker(cfg.pollInterval)
		defer t.Stop()
		lastIdx := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			mu.Lock()
			cur := trx.ReceiveCursor()
			buf := trx.ReceiveBuffer()
			mu.Unlock()
			for idx := lastIdx; idx != cur; idx = (idx + 1) % len(buf) {
				m := buf[idx]
				h.Broadcast(m)
				if pub != nil {
					pub.Publish(m)
				}
			}
			lastIdx = cur
		}
	}()

	w := transport.NewAsyncTx(ctx, txQueueSize, func(m can.Message) error {
		mu.Lock()
		defer mu.Unlock()
		return trx.Send(m)
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			l.Error("adapter_tx_error", "error", err)
		},
		OnAfter: metrics.IncSerialTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return transport.ErrTxOverflow
		},
	})
	cleanup := func() {
		w.Close()
		_ = tr.Close()
		_ = lock.Release()
	}
	return w.SendMessage, cleanup, nil
}
