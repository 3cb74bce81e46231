package transport

import (
	"io"

	"github.com/kstaniek/go-canusb-server/internal/can"
	"github.com/kstaniek/go-canusb-server/internal/wire"
)

// MessageDecoder decodes a single CAN message from a stream.
type MessageDecoder interface {
	Decode(r io.Reader) (can.Message, error)
}

// MultiMessageDecoder optionally drains multiple messages from a stream.
type MultiMessageDecoder interface {
	DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error)
}

// BatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type BatchEncoder interface {
	Encode([]can.Message) []byte
	EncodeTo(w io.Writer, msgs []can.Message) (int, error)
}

// MessageSink is a generic CAN message transmission target.
type MessageSink interface {
	SendMessage(can.Message) error
}

// Compile-time assertions that *wire.Codec satisfies the optional capabilities.
var (
	_ MessageDecoder      = (*wire.Codec)(nil)
	_ MultiMessageDecoder = (*wire.Codec)(nil)
	_ BatchEncoder        = (*wire.Codec)(nil)
	_ MessageSink         = (*AsyncTx)(nil)
)
