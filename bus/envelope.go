package bus

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// envelope wraps a wire-framed message with the channel name it was
// published to, since a single websocket connection on the loopback bus
// carries every channel multiplexed (spec.md §4.5 "self-delimited
// variable-length fields" extended here to the channel name itself).
type envelope struct {
	channel string
	frame   []byte
}

func encodeEnvelope(e envelope) []byte {
	buf := make([]byte, 2+len(e.channel)+len(e.frame))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.channel)))
	n := copy(buf[2:], e.channel)
	copy(buf[2+n:], e.frame)
	return buf
}

func decodeEnvelope(buf []byte) (envelope, error) {
	if len(buf) < 2 {
		return envelope{}, tperr.New(tperr.CodecError, "bus envelope shorter than channel length prefix")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return envelope{}, tperr.New(tperr.CodecError, "bus envelope channel name truncated")
	}
	return envelope{channel: string(buf[2 : 2+n]), frame: append([]byte(nil), buf[2+n:]...)}, nil
}

// controlKind distinguishes a subscribe control message from a data
// envelope on the wire, via a one-byte prefix.
type controlKind byte

const (
	kindData      controlKind = 0
	kindSubscribe controlKind = 1
)

func encodeFrame(kind controlKind, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	return buf
}

func decodeFrame(buf []byte) (controlKind, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, tperr.New(tperr.CodecError, "bus frame empty")
	}
	return controlKind(buf[0]), buf[1:], nil
}
