package frame

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

// Encoder turns raw audio into frames for one direction of one session.
// Sequence numbers start at 1 and are safe to draw from any goroutine.
type Encoder struct {
	codec     *Codec
	direction Direction
	seq       atomic.Uint64
	now       func() time.Time
}

func NewEncoder(codec *Codec, dir Direction) *Encoder {
	if codec == nil {
		codec = NewCodec(0)
	}
	return &Encoder{codec: codec, direction: dir, now: time.Now}
}

func (e *Encoder) Direction() Direction { return e.direction }

// LastSeq returns the most recently assigned sequence number, or 0.
func (e *Encoder) LastSeq() uint64 { return e.seq.Load() }

func (e *Encoder) Encode(raw []byte) (AudioFrame, error) {
	if len(raw) > e.codec.max() {
		return AudioFrame{}, relayerr.Newf(relayerr.KindFrameTooLarge, "frame.encode", "payload %d bytes exceeds %d", len(raw), e.codec.max())
	}
	return e.encode(raw), nil
}

// EncodeChunks splits raw into as many frames as needed. PCM16 sample
// boundaries are kept by splitting on even offsets.
func (e *Encoder) EncodeChunks(raw []byte) []AudioFrame {
	if len(raw) == 0 {
		return nil
	}
	size := e.codec.max() &^ 1
	if size <= 0 {
		size = 2
	}
	out := make([]AudioFrame, 0, (len(raw)+size-1)/size)
	for off := 0; off < len(raw); off += size {
		end := off + size
		if end > len(raw) {
			end = len(raw)
		}
		out = append(out, e.encode(raw[off:end]))
	}
	return out
}

func (e *Encoder) encode(raw []byte) AudioFrame {
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return AudioFrame{
		Seq:       e.seq.Add(1),
		Payload:   payload,
		Timestamp: e.now().UTC().Truncate(time.Microsecond),
		Direction: e.direction,
	}
}

type Observation int

const (
	InOrder Observation = iota
	Gap
	Stale
)

func (o Observation) String() string {
	switch o {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// SeqTracker checks received sequence numbers for one direction. It never
// reorders: stale frames are reported so the caller can drop them.
type SeqTracker struct {
	mu      sync.Mutex
	last    uint64
	started bool
	lost    uint64
}

func (t *SeqTracker) Observe(seq uint64) (Observation, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.last = seq
		if seq > 1 {
			missing := seq - 1
			t.lost += missing
			return Gap, missing
		}
		return InOrder, 0
	}
	if seq <= t.last {
		return Stale, 0
	}
	missing := seq - t.last - 1
	t.last = seq
	if missing > 0 {
		t.lost += missing
		return Gap, missing
	}
	return InOrder, 0
}

func (t *SeqTracker) Last() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Lost is the total number of sequence numbers skipped so far.
func (t *SeqTracker) Lost() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}
