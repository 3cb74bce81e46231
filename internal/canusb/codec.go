package canusb

import (
	"strconv"

	"github.com/kstaniek/go-canusb-server/internal/can"
)

// Command bytes of the CANUSB ASCII protocol.
const (
	cmdStdData   = 't'
	cmdStdRemote = 'r'
	cmdExtData   = 'T'
	cmdExtRemote = 'R'
	cmdSetup     = 'S'
	cmdOpen      = 'O'

	// Terminator ends every frame and control command on the wire.
	Terminator = '\r'
)

// Minimum frame sizes per variant: command byte + ID digits + length digit +
// terminator.
const (
	minStdFrame = 1 + 3 + 1 + 1
	minExtFrame = 1 + 8 + 1 + 1

	// MaxFrame is the longest possible ASCII frame: 'T', 8 ID digits, the
	// length digit, 16 payload digits and the terminator.
	MaxFrame = 1 + 8 + 1 + 16 + 1
)

const upperhex = "0123456789ABCDEF"

// EncodeMessage renders m in the adapter's ASCII wire form. The encoding is
// total over structurally valid messages (Len <= 8): command byte, zero-padded
// upper-case hex ID (3 digits standard, 8 extended), one length digit, the
// payload as hex pairs for data frames only, and the terminator.
func EncodeMessage(m can.Message) []byte {
	var scratch [MaxFrame]byte
	i := 0
	switch {
	case m.Extended && m.Remote:
		scratch[i] = cmdExtRemote
	case m.Extended:
		scratch[i] = cmdExtData
	case m.Remote:
		scratch[i] = cmdStdRemote
	default:
		scratch[i] = cmdStdData
	}
	i++
	if m.Extended {
		id := m.ID & can.EFFMask
		for shift := 28; shift >= 0; shift -= 4 {
			scratch[i] = upperhex[(id>>uint(shift))&0xF]
			i++
		}
	} else {
		id := m.ID & can.SFFMask
		for shift := 8; shift >= 0; shift -= 4 {
			scratch[i] = upperhex[(id>>uint(shift))&0xF]
			i++
		}
	}
	scratch[i] = '0' + m.Len
	i++
	if !m.Remote {
		for _, b := range m.Data[:m.Len] {
			scratch[i] = upperhex[b>>4]
			scratch[i+1] = upperhex[b&0xF]
			i += 2
		}
	}
	scratch[i] = Terminator
	i++
	out := make([]byte, i)
	copy(out, scratch[:i])
	return out
}

// DecodeMessage parses one complete ASCII frame (terminator included in b)
// into a CAN message. It is total over arbitrary input and reports ok=false
// on anything malformed: empty input, unknown command byte, input shorter
// than the variant minimum, non-hex ID or payload digits, a length digit
// above 8, or a remaining-byte count other than 2*len+1. The terminator byte
// itself is only counted, never inspected.
func DecodeMessage(b []byte) (can.Message, bool) {
	var m can.Message
	if len(b) == 0 {
		return m, false
	}
	var idDigits, minLen int
	switch b[0] {
	case cmdStdData, cmdStdRemote:
		idDigits, minLen = 3, minStdFrame
	case cmdExtData, cmdExtRemote:
		idDigits, minLen = 8, minExtFrame
		m.Extended = true
	default:
		return m, false
	}
	if len(b) < minLen {
		return m, false
	}
	m.Remote = b[0] == cmdStdRemote || b[0] == cmdExtRemote

	rest := b[1:]
	id, err := strconv.ParseUint(string(rest[:idDigits]), 16, 32)
	if err != nil {
		return m, false
	}
	m.ID = uint32(id)
	rest = rest[idDigits:]

	length := rest[0] - '0'
	if length > 8 {
		return m, false
	}
	rest = rest[1:]
	// Payload hex pairs plus the terminator byte.
	if len(rest) != int(length)*2+1 {
		return m, false
	}
	m.Len = length
	for i := 0; i < int(length); i++ {
		v, err := strconv.ParseUint(string(rest[i*2:i*2+2]), 16, 8)
		if err != nil {
			return m, false
		}
		m.Data[i] = byte(v)
	}
	return m, true
}

// BitrateChar maps a CAN bit rate in Hz to its setup command character. The
// table is closed; anything outside it reports ok=false.
func BitrateChar(hz uint32) (byte, bool) {
	switch hz {
	case 10000:
		return '0', true
	case 20000:
		return '1', true
	case 50000:
		return '2', true
	case 100000:
		return '3', true
	case 125000:
		return '4', true
	case 250000:
		return '5', true
	case 500000:
		return '6', true
	case 800000:
		return '7', true
	case 1000000:
		return '8', true
	}
	return 0, false
}

// Bitrates lists the rates the setup command table covers, ascending.
func Bitrates() []uint32 {
	return []uint32{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}
}

// SetupCommand builds the "SX\r" bit-rate setup frame for hz; ok=false when
// hz is outside the table.
func SetupCommand(hz uint32) ([]byte, bool) {
	c, ok := BitrateChar(hz)
	if !ok {
		return nil, false
	}
	return []byte{cmdSetup, c, Terminator}, true
}

// OpenCommand builds the "O\r" bus-on frame.
func OpenCommand() []byte {
	return []byte{cmdOpen, Terminator}
}
