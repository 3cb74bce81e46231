package canusb

// FilterMode selects the acceptance filtering scheme a caller would like.
// This driver implements none of them: the device keeps receiving all
// frames regardless of the configured mode.
type FilterMode int

const (
	FilterAcceptAll FilterMode = iota
	FilterAcceptNone
)

// BusManager is the configuration facet: bit rate, filter mode, bus-off
// callback registration and bus-on.
type BusManager struct {
	adapter  *Adapter
	onBusOff func()
}

// SetBaudRate configures the CAN bit rate while the bus is closed, emitting
// the "SX\r" setup command. Once the bus is open it fails with
// ErrNotPermitted; a rate outside the fixed table fails with
// ErrNotSupported. Neither failure touches adapter state or the transport.
func (b *BusManager) SetBaudRate(hz uint32) error {
	if b.adapter.open {
		return ErrNotPermitted
	}
	cmd, ok := SetupCommand(hz)
	if !ok {
		return ErrNotSupported
	}
	if err := b.adapter.transport.Write(cmd); err != nil {
		return err
	}
	b.adapter.bitrate = hz
	return nil
}

// SetFilterMode is accepted in any state and has no effect. Documented
// limitation: no hardware acceptance filtering is implemented, the device
// always accepts all frames.
func (b *BusManager) SetFilterMode(FilterMode) error { return nil }

// OnBusOff stores cb. The CANUSB wire protocol carries no bus-off event, so
// the callback is never invoked; registration exists for interface parity
// and is a known, intentional limitation.
func (b *BusManager) OnBusOff(cb func()) { b.onBusOff = cb }

// BusOn opens the CAN channel with the "O\r" command and is idempotent: once
// open, no further transport traffic is generated. There is no way back to
// the closed state.
func (b *BusManager) BusOn() error {
	if b.adapter.open {
		return nil
	}
	if err := b.adapter.transport.Write(OpenCommand()); err != nil {
		return err
	}
	b.adapter.open = true
	return nil
}
