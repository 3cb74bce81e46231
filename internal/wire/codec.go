package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canusb-server/internal/can"
	"github.com/kstaniek/go-canusb-server/internal/metrics"
)

// Flag bits packed into the flag/length byte of the TCP framing.
const (
	flagExtended = 0x80
	flagRemote   = 0x40
	lenMask      = 0x0F
)

// Codec encodes and decodes the gateway's TCP framing. Each message is a
// 4-byte big-endian CAN ID, one flag/length byte (bit 7 extended, bit 6
// remote, low nibble DLC 0..8) and, for data frames, DLC payload bytes.
// Remote frames carry no payload; their DLC is the requested length.
// Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("wire: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// Encode packs msgs into a single contiguous byte stream.
func (c *Codec) Encode(msgs []can.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	// Pre-size: worst case per message = 4(id) + 1(flags/len) + 8(data)
	buf.Grow(len(msgs) * (4 + 1 + 8))
	_, _ = c.EncodeTo(&buf, msgs)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of msgs to w and returns bytes
// written.
func (c *Codec) EncodeTo(w io.Writer, msgs []can.Message) (int, error) {
	var total int
	for _, m := range msgs {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], m.ID)
		n, err := w.Write(id[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode id: %w", err)
		}
		fl := m.Len & lenMask
		if m.Extended {
			fl |= flagExtended
		}
		if m.Remote {
			fl |= flagRemote
		}
		if _, err := w.Write([]byte{fl}); err != nil {
			total++ // conservative increment
			return total, fmt.Errorf("wire encode flags: %w", err)
		}
		total++
		if !m.Remote && m.Len > 0 {
			n, err = w.Write(m.Data[:m.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("wire encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one message from r. It returns io.EOF if called at a
// clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Message, error) {
	var m can.Message
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return m, err
	}
	m.ID = binary.BigEndian.Uint32(idb[:])
	var fb [1]byte
	n, err := r.Read(fb[:])
	if err != nil {
		return m, err
	}
	if n == 0 {
		return m, io.EOF
	}
	fl := fb[0]
	m.Extended = fl&flagExtended != 0
	m.Remote = fl&flagRemote != 0
	ln := int(fl & lenMask)
	if ln > 8 {
		metrics.IncMalformed()
		return m, fmt.Errorf("wire decode: %w (%d)", ErrInvalidLength, ln)
	}
	m.Len = uint8(ln)
	if !m.Remote && ln > 0 {
		if _, err := io.ReadFull(r, m.Data[:ln]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				metrics.IncMalformed()
				return m, fmt.Errorf("wire decode payload: %w", ErrTruncatedFrame)
			}
			metrics.IncMalformed()
			return m, fmt.Errorf("wire decode payload: %w", err)
		}
	}
	return m, nil
}

// DecodeN decodes up to max messages (if max>0) or until EOF (if max<=0),
// invoking onMsg for each. It returns the number decoded and the terminal
// error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error) {
	var n int
	for max <= 0 || n < max {
		m, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onMsg(m)
		n++
	}
	return n, nil
}
