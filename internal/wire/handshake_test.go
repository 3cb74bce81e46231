package wire

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestHandshake_BothSides(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	errCh := make(chan error, 2)
	go func() { errCh <- Handshake(context.Background(), a, time.Second) }()
	go func() { errCh <- Handshake(context.Background(), b, time.Second) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
}

func TestHandshake_BadHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		_, _ = io.WriteString(b, "NOTTHEMAGIC")
		buf := make([]byte, len(hello))
		_, _ = io.ReadFull(b, buf)
	}()
	if err := Handshake(context.Background(), a, time.Second); err == nil {
		t.Fatal("expected handshake failure on wrong hello")
	}
}

func TestHandshake_Timeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	// Peer never responds.
	start := time.Now()
	err := Handshake(context.Background(), a, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("handshake did not honor its deadline")
	}
}
