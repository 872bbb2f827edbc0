package frame

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

func pcm(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	codec := NewCodec(1024)
	enc := NewEncoder(codec, ClientToUpstream)

	for _, size := range []int{0, 1, 2, 320, 1024} {
		f, err := enc.Encode(pcm(size))
		require.NoError(t, err)

		wire, err := codec.Marshal(f)
		require.NoError(t, err)
		require.Len(t, wire, HeaderSize+size)

		got, err := codec.Decode(wire)
		require.NoError(t, err)
		assert.True(t, got.Equal(f), "size=%d got=%+v want=%+v", size, got, f)
	}
}

func TestEncodeAssignsIncreasingSeq(t *testing.T) {
	enc := NewEncoder(NewCodec(0), UpstreamToClient)
	var last uint64
	for i := 0; i < 50; i++ {
		f, err := enc.Encode(pcm(4))
		require.NoError(t, err)
		assert.Greater(t, f.Seq, last)
		assert.Equal(t, UpstreamToClient, f.Direction)
		last = f.Seq
	}
	assert.Equal(t, uint64(50), enc.LastSeq())
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	enc := NewEncoder(NewCodec(16), ClientToUpstream)
	_, err := enc.Encode(pcm(17))
	assert.ErrorIs(t, err, relayerr.ErrFrameTooLarge)
	assert.Equal(t, uint64(0), enc.LastSeq())
}

func TestEncodeChunksSplitsOnSampleBoundary(t *testing.T) {
	enc := NewEncoder(NewCodec(7), UpstreamToClient)
	raw := pcm(20)
	frames := enc.EncodeChunks(raw)

	require.Len(t, frames, 4)
	var joined []byte
	for i, f := range frames {
		assert.LessOrEqual(t, len(f.Payload), 6)
		assert.Zero(t, len(f.Payload)%2)
		assert.Equal(t, uint64(i+1), f.Seq)
		joined = append(joined, f.Payload...)
	}
	assert.Equal(t, raw, joined)
	assert.Nil(t, enc.EncodeChunks(nil))
}

func TestDecodeErrors(t *testing.T) {
	codec := NewCodec(8)
	valid, err := codec.Marshal(AudioFrame{Seq: 1, Payload: pcm(4), Timestamp: time.Unix(10, 0), Direction: ClientToUpstream})
	require.NoError(t, err)

	mutate := func(fn func(b []byte) []byte) []byte {
		b := bytes.Clone(valid)
		return fn(b)
	}

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid[:HeaderSize-1], relayerr.ErrMalformedFrame},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 0; return b }), relayerr.ErrMalformedFrame},
		{"bad version", mutate(func(b []byte) []byte { b[2] = 9; return b }), relayerr.ErrMalformedFrame},
		{"bad direction", mutate(func(b []byte) []byte { b[3] = 0; return b }), relayerr.ErrMalformedFrame},
		{"truncated payload", valid[:len(valid)-1], relayerr.ErrMalformedFrame},
		{"trailing bytes", append(bytes.Clone(valid), 0), relayerr.ErrMalformedFrame},
		{"too large", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[20:24], 9)
			return append(b, pcm(5)...)
		}), relayerr.ErrFrameTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(tc.data)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, relayerr.IsCodecError(err))
		})
	}
}

func TestMarshalRejectsInvalidFrames(t *testing.T) {
	codec := NewCodec(4)
	_, err := codec.Marshal(AudioFrame{Payload: pcm(5), Direction: ClientToUpstream})
	assert.ErrorIs(t, err, relayerr.ErrFrameTooLarge)
	_, err = codec.Marshal(AudioFrame{Payload: pcm(2)})
	assert.ErrorIs(t, err, relayerr.ErrMalformedFrame)
}

func TestSeqTracker(t *testing.T) {
	var tr SeqTracker

	obs, _ := tr.Observe(1)
	assert.Equal(t, InOrder, obs)
	obs, _ = tr.Observe(2)
	assert.Equal(t, InOrder, obs)

	obs, missing := tr.Observe(5)
	assert.Equal(t, Gap, obs)
	assert.Equal(t, uint64(2), missing)

	obs, _ = tr.Observe(5)
	assert.Equal(t, Stale, obs)
	obs, _ = tr.Observe(3)
	assert.Equal(t, Stale, obs)

	assert.Equal(t, uint64(5), tr.Last())
	assert.Equal(t, uint64(2), tr.Lost())
}

func TestSeqTrackerGapBeforeFirst(t *testing.T) {
	var tr SeqTracker
	obs, missing := tr.Observe(4)
	assert.Equal(t, Gap, obs)
	assert.Equal(t, uint64(3), missing)
}
