package canusb

import "github.com/kstaniek/go-canusb-server/internal/can"

// Transceiver is the data-plane facet: send one message and poll the receive
// ring. Every read of the ring or its cursor first drains whatever bytes the
// transport accumulated since the previous call; there is no background task
// and no notification path.
type Transceiver struct {
	adapter *Adapter
	ring    *Ring
	parser  parser
}

// BaudRate returns the currently configured bit rate.
func (t *Transceiver) BaudRate() uint32 { return t.adapter.bitrate }

// Send encodes m and writes it to the transport. The bus must be open;
// sending on a closed bus fails with ErrNotSupported. The write either
// completes or fails immediately, there is no acknowledgment to wait for.
func (t *Transceiver) Send(m can.Message) error {
	if !t.adapter.open {
		return ErrNotSupported
	}
	return t.adapter.transport.Write(EncodeMessage(m))
}

// ReceiveBuffer runs a parser pass and returns the ring's full backing
// storage: capacity entries, not just written slots. Pair it with
// ReceiveCursor snapshots to drain new messages wraparound-safely.
func (t *Transceiver) ReceiveBuffer() []can.Message {
	t.drain()
	return t.ring.Backing()
}

// ReceiveCursor runs a parser pass and returns the ring's write index.
func (t *Transceiver) ReceiveCursor() int {
	t.drain()
	return t.ring.WriteIndex()
}

func (t *Transceiver) drain() {
	t.parser.scan(t.adapter.transport.ReceiveBuffer(), t.adapter.transport.ReceiveCursor(), t.ring)
}
