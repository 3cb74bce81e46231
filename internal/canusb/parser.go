package canusb

import "github.com/kstaniek/go-canusb-server/internal/metrics"

// assemblySize fits the longest ASCII frame with one byte of slack.
const assemblySize = MaxFrame + 1

// parser accumulates transport bytes between terminators and feeds decoded
// messages into a ring. It trails the transport's receive ring with its own
// cursor so every byte is consumed exactly once across calls.
type parser struct {
	lastCursor int
	asm        [assemblySize]byte
	fill       int
}

// scan consumes the bytes the transport appended since the previous call.
// buf is the transport's full receive backing storage and cursor its current
// write position; both wrap modulo len(buf). Bytes past the assembly
// capacity are dropped, not buffered, so an unterminated stream truncates
// instead of growing. On each terminator the accumulated frame is decoded:
// success pushes into the ring, failure is dropped silently (only the
// malformed counter observes it). A call with no transport progress returns
// immediately.
func (p *parser) scan(buf []byte, cursor int, ring *Ring) {
	m := len(buf)
	if m == 0 {
		return
	}
	fresh := (cursor - p.lastCursor + m) % m
	if fresh == 0 {
		return
	}
	for i := 0; i < fresh; i++ {
		b := buf[(p.lastCursor+i)%m]
		if p.fill < assemblySize-1 {
			p.asm[p.fill] = b
			p.fill++
		}
		if b == Terminator {
			if msg, ok := DecodeMessage(p.asm[:p.fill]); ok {
				ring.Push(msg)
				metrics.IncSerialRx()
			} else {
				metrics.IncMalformed()
			}
			p.fill = 0
		}
	}
	p.lastCursor = cursor
}
