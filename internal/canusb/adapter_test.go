package canusb

import (
	"bytes"
	"errors"
	"testing"
)

// fakeTransport records writes and exposes a scripted receive stream.
type fakeTransport struct {
	writes [][]byte
	rx     streamSim
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rx: streamSim{buf: make([]byte, 256)}}
}

func (f *fakeTransport) Write(p []byte) error {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) ReceiveBuffer() []byte { return f.rx.buf }
func (f *fakeTransport) ReceiveCursor() int    { return f.rx.cursor }

func (f *fakeTransport) wrote() []byte {
	var all []byte
	for _, w := range f.writes {
		all = append(all, w...)
	}
	return all
}

func TestAdapter_FacetExclusivity(t *testing.T) {
	a := NewAdapter(newFakeTransport())
	if _, err := a.AcquireBusManager(); err != nil {
		t.Fatalf("first AcquireBusManager: %v", err)
	}
	if _, err := a.AcquireBusManager(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second AcquireBusManager = %v, want ErrBusy", err)
	}
	if _, err := a.AcquireTransceiver(16); err != nil {
		t.Fatalf("first AcquireTransceiver: %v", err)
	}
	if _, err := a.AcquireTransceiver(16); !errors.Is(err, ErrBusy) {
		t.Fatalf("second AcquireTransceiver = %v, want ErrBusy", err)
	}
}

func TestBusManager_SetBaudRate(t *testing.T) {
	ft := newFakeTransport()
	a := NewAdapter(ft)
	bm, _ := a.AcquireBusManager()
	trx, _ := a.AcquireTransceiver(4)

	if trx.BaudRate() != DefaultBitrate {
		t.Fatalf("initial BaudRate = %d, want %d", trx.BaudRate(), DefaultBitrate)
	}
	if err := bm.SetBaudRate(500000); err != nil {
		t.Fatalf("SetBaudRate(500000): %v", err)
	}
	if got := ft.wrote(); !bytes.Equal(got, []byte("S6\r")) {
		t.Fatalf("wire after setup = %q, want %q", got, "S6\r")
	}
	if trx.BaudRate() != 500000 {
		t.Fatalf("BaudRate = %d, want 500000", trx.BaudRate())
	}

	// Unsupported rate: rejected without touching state or the transport.
	if err := bm.SetBaudRate(300000); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetBaudRate(300000) = %v, want ErrNotSupported", err)
	}
	if trx.BaudRate() != 500000 || len(ft.writes) != 1 {
		t.Fatal("failed setup must not change state or write")
	}
}

func TestBusManager_BusOnLocksBaudRate(t *testing.T) {
	ft := newFakeTransport()
	a := NewAdapter(ft)
	bm, _ := a.AcquireBusManager()

	if err := bm.BusOn(); err != nil {
		t.Fatalf("BusOn: %v", err)
	}
	if got := ft.wrote(); !bytes.Equal(got, []byte("O\r")) {
		t.Fatalf("wire after bus-on = %q, want %q", got, "O\r")
	}
	// Idempotent: no second command.
	if err := bm.BusOn(); err != nil {
		t.Fatalf("second BusOn: %v", err)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("second BusOn wrote %d commands, want 1", len(ft.writes))
	}
	if err := bm.SetBaudRate(500000); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("SetBaudRate after BusOn = %v, want ErrNotPermitted", err)
	}
}

func TestTransceiver_SendRequiresOpenBus(t *testing.T) {
	ft := newFakeTransport()
	a := NewAdapter(ft)
	bm, _ := a.AcquireBusManager()
	trx, _ := a.AcquireTransceiver(4)

	m := mkMsg(0x123, false, false, 0xAA, 0xBB)
	if err := trx.Send(m); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Send on closed bus = %v, want ErrNotSupported", err)
	}
	if len(ft.writes) != 0 {
		t.Fatal("rejected send must not write")
	}
	if err := bm.BusOn(); err != nil {
		t.Fatalf("BusOn: %v", err)
	}
	if err := trx.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ft.writes[len(ft.writes)-1]; !bytes.Equal(got, []byte("t1232AABB\r")) {
		t.Fatalf("sent %q, want %q", got, "t1232AABB\r")
	}
}

func TestTransceiver_ReceiveDrainsOnAccess(t *testing.T) {
	ft := newFakeTransport()
	a := NewAdapter(ft)
	trx, _ := a.AcquireTransceiver(8)

	ft.rx.feed([]byte("t0011AA\rT0012ABCD2DEAD\r"))
	cur := trx.ReceiveCursor()
	if cur != 2 {
		t.Fatalf("ReceiveCursor = %d, want 2", cur)
	}
	buf := trx.ReceiveBuffer()
	if !buf[0].Equal(mkMsg(0x001, false, false, 0xAA)) {
		t.Fatalf("first received %+v", buf[0])
	}
	if !buf[1].Equal(mkMsg(0x0012ABCD, true, false, 0xDE, 0xAD)) {
		t.Fatalf("second received %+v", buf[1])
	}
	// No new bytes: cursor is stable.
	if trx.ReceiveCursor() != 2 {
		t.Fatal("cursor moved without transport progress")
	}
}

func TestAdapter_EndToEndSession(t *testing.T) {
	ft := newFakeTransport()
	a := NewAdapter(ft)
	bm, err := a.AcquireBusManager()
	if err != nil {
		t.Fatal(err)
	}
	trx, err := a.AcquireTransceiver(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := bm.SetBaudRate(250000); err != nil {
		t.Fatal(err)
	}
	if err := bm.SetFilterMode(FilterAcceptAll); err != nil {
		t.Fatal(err)
	}
	if err := bm.BusOn(); err != nil {
		t.Fatal(err)
	}
	if err := trx.Send(mkMsg(0x100, false, false, 0x01)); err != nil {
		t.Fatal(err)
	}
	if got := string(ft.writes[0]); got != "S5\r" {
		t.Fatalf("setup command %q", got)
	}
	if got := string(ft.writes[1]); got != "O\r" {
		t.Fatalf("open command %q", got)
	}
	if got := string(ft.writes[2]); got != "t100101\r" {
		t.Fatalf("frame command %q", got)
	}

	ft.rx.feed([]byte("r7F00\r"))
	if trx.ReceiveCursor() != 1 {
		t.Fatal("expected one received message")
	}
	got := trx.ReceiveBuffer()[0]
	if !got.Remote || got.ID != 0x7F0 || got.Len != 0 {
		t.Fatalf("received %+v, want remote 0x7F0", got)
	}
}
