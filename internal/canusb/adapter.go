// Package canusb drives a Lawicel CANUSB USB-to-CAN adapter over a serial
// byte stream, speaking the adapter's ASCII command protocol: "t"/"r"/"T"/"R"
// CAN frames, "SX" bit-rate setup and "O" bus-on, all terminated by a
// carriage return.
//
// The package is a single-threaded, non-blocking core. Nothing here spawns a
// goroutine or waits: encode, decode, parser passes and transport writes all
// run synchronously on the caller's goroutine. Receive-side parsing is
// pull-based, deferred to the moment a consumer reads the transceiver's ring
// or cursor, so CPU work is bounded by useful calls. Concurrent use of one
// facet must be serialized by the caller.
package canusb

// Transport is the byte-stream link to the adapter hardware. Write transmits
// fire-and-forget. The receive side follows the cursor convention: the full
// backing storage of the transport's own receive ring plus a write cursor
// wrapping modulo its capacity. A mechanism owned by the transport appends
// bytes and advances the cursor; this package only ever reads both.
type Transport interface {
	Write(p []byte) error
	ReceiveBuffer() []byte
	ReceiveCursor() int
}

// DefaultBitrate is the adapter's bit rate before any setup command, 125 kHz.
const DefaultBitrate = 125000

// Adapter is the root object owning the state shared by the two facets. At
// most one BusManager and one Transceiver can ever be acquired from one
// Adapter: the acquisition flags are monotonic for the adapter's lifetime,
// so a released facet cannot be re-acquired.
type Adapter struct {
	transport Transport

	bitrate uint32
	open    bool

	busManagerAcquired  bool
	transceiverAcquired bool
}

// NewAdapter wraps transport. The bus starts closed at the default bit rate.
func NewAdapter(transport Transport) *Adapter {
	return &Adapter{transport: transport, bitrate: DefaultBitrate}
}

// AcquireBusManager hands out the configuration facet. A second call fails
// with ErrBusy and has no side effect.
func (a *Adapter) AcquireBusManager() (*BusManager, error) {
	if a.busManagerAcquired {
		return nil, ErrBusy
	}
	a.busManagerAcquired = true
	return &BusManager{adapter: a}, nil
}

// AcquireTransceiver hands out the data-plane facet with a receive ring of
// the given capacity (coerced to at least one slot). A second call fails
// with ErrBusy and has no side effect.
func (a *Adapter) AcquireTransceiver(capacity int) (*Transceiver, error) {
	if a.transceiverAcquired {
		return nil, ErrBusy
	}
	a.transceiverAcquired = true
	return &Transceiver{adapter: a, ring: NewRing(capacity)}, nil
}
