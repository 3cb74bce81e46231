package can

// Identifier masks for the two CAN identifier spaces.
const (
	SFFMask = 0x7FF      // 11-bit standard frame format
	EFFMask = 0x1FFFFFFF // 29-bit extended frame format
)

// Message is one classic CAN message as exchanged with the CANUSB adapter.
// Len is the payload length (0..8); only the first Len bytes of Data are
// meaningful, the rest are don't-care.
type Message struct {
	ID       uint32
	Extended bool
	Remote   bool
	Len      uint8
	Data     [8]byte
}

// IDValid reports whether ID fits the identifier space selected by Extended.
func (m Message) IDValid() bool {
	if m.Extended {
		return m.ID <= EFFMask
	}
	return m.ID <= SFFMask
}

// Equal compares two messages ignoring payload bytes past Len.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.Extended != o.Extended || m.Remote != o.Remote || m.Len != o.Len {
		return false
	}
	return string(m.Data[:m.Len]) == string(o.Data[:o.Len])
}
