// Package frame implements the relay's audio frame codec.
//
// Wire layout (big-endian):
//
//	magic(2) version(1) direction(1) seq(8) timestamp_us(8) length(4) payload(length)
package frame

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

const (
	Version    = 1
	HeaderSize = 24

	DefaultMaxPayloadBytes = 32 * 1024
)

var magic = [2]byte{0xA5, 0x1F}

type Direction uint8

const (
	ClientToUpstream Direction = 1
	UpstreamToClient Direction = 2
)

func (d Direction) Valid() bool {
	return d == ClientToUpstream || d == UpstreamToClient
}

func (d Direction) String() string {
	switch d {
	case ClientToUpstream:
		return "client_to_upstream"
	case UpstreamToClient:
		return "upstream_to_client"
	default:
		return "unknown"
	}
}

// AudioFrame is one chunk of PCM16 little-endian mono audio.
type AudioFrame struct {
	Seq       uint64
	Payload   []byte
	Timestamp time.Time
	Direction Direction
}

func (f AudioFrame) Equal(o AudioFrame) bool {
	return f.Seq == o.Seq &&
		f.Direction == o.Direction &&
		f.Timestamp.Equal(o.Timestamp) &&
		bytes.Equal(f.Payload, o.Payload)
}

type Codec struct {
	MaxPayloadBytes int
}

func NewCodec(maxPayloadBytes int) *Codec {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Codec{MaxPayloadBytes: maxPayloadBytes}
}

func (c *Codec) max() int {
	if c == nil || c.MaxPayloadBytes <= 0 {
		return DefaultMaxPayloadBytes
	}
	return c.MaxPayloadBytes
}

func (c *Codec) Marshal(f AudioFrame) ([]byte, error) {
	if len(f.Payload) > c.max() {
		return nil, relayerr.Newf(relayerr.KindFrameTooLarge, "frame.marshal", "payload %d bytes exceeds %d", len(f.Payload), c.max())
	}
	if !f.Direction.Valid() {
		return nil, relayerr.Newf(relayerr.KindMalformedFrame, "frame.marshal", "invalid direction %d", f.Direction)
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0], out[1] = magic[0], magic[1]
	out[2] = Version
	out[3] = byte(f.Direction)
	binary.BigEndian.PutUint64(out[4:12], f.Seq)
	binary.BigEndian.PutUint64(out[12:20], uint64(f.Timestamp.UnixMicro()))
	binary.BigEndian.PutUint32(out[20:24], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

func (c *Codec) Decode(data []byte) (AudioFrame, error) {
	if len(data) < HeaderSize {
		return AudioFrame{}, relayerr.Newf(relayerr.KindMalformedFrame, "frame.decode", "frame of %d bytes is shorter than header", len(data))
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return AudioFrame{}, relayerr.New(relayerr.KindMalformedFrame, "frame.decode", "bad magic")
	}
	if data[2] != Version {
		return AudioFrame{}, relayerr.Newf(relayerr.KindMalformedFrame, "frame.decode", "unsupported version %d", data[2])
	}
	dir := Direction(data[3])
	if !dir.Valid() {
		return AudioFrame{}, relayerr.Newf(relayerr.KindMalformedFrame, "frame.decode", "invalid direction %d", data[3])
	}
	n := binary.BigEndian.Uint32(data[20:24])
	if uint64(n) > uint64(c.max()) {
		return AudioFrame{}, relayerr.Newf(relayerr.KindFrameTooLarge, "frame.decode", "payload %d bytes exceeds %d", n, c.max())
	}
	if int(n) != len(data)-HeaderSize {
		return AudioFrame{}, relayerr.Newf(relayerr.KindMalformedFrame, "frame.decode", "length %d does not match payload of %d bytes", n, len(data)-HeaderSize)
	}
	payload := make([]byte, n)
	copy(payload, data[HeaderSize:])
	return AudioFrame{
		Seq:       binary.BigEndian.Uint64(data[4:12]),
		Payload:   payload,
		Timestamp: time.UnixMicro(int64(binary.BigEndian.Uint64(data[12:20]))).UTC(),
		Direction: dir,
	}, nil
}
