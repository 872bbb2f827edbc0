package upstream_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream/upstreamtest"
)

func openStream(t *testing.T, opts upstream.Options) (*upstream.Stream, *upstreamtest.Conn) {
	t.Helper()
	dialer := upstreamtest.NewDialer()
	var calls atomic.Int64
	client := upstream.NewClient(dialer, countingStore(&calls), opts)
	s, err := client.Open(context.Background(), "sess_test", upstream.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, <-dialer.Conns
}

func nextEvent(t *testing.T, s *upstream.Stream) upstream.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Receive():
		if !ok {
			t.Fatalf("receive channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return upstream.Event{}
}

func TestStream_SendPreservesOrder(t *testing.T) {
	s, conn := openStream(t, fastOptions())
	enc := frame.NewEncoder(frame.NewCodec(0), frame.ClientToUpstream)

	want := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		f, _ := enc.Encode([]byte{byte(i), byte(i)})
		if _, err := s.Send(context.Background(), f); err != nil {
			t.Fatalf("Send: %v", err)
		}
		want = append(want, f.Payload)
	}
	if err := s.Control(context.Background(), upstream.EndTurn); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := conn.Audio()
	if len(got) != len(want) {
		t.Fatalf("sent=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d=%v, want %v", i, got[i], want[i])
		}
	}
	controls := conn.Controls()
	if len(controls) != 2 || controls[0] != "end_turn" || controls[1] != "finish" {
		t.Fatalf("controls=%v", controls)
	}
	if s.Sent() != 10 {
		t.Fatalf("Sent()=%d", s.Sent())
	}
}

type blockingConn struct {
	*upstreamtest.Conn
	release chan struct{}
}

func (c *blockingConn) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Conn.SendAudio(ctx, pcm)
}

func TestStream_SendTimesOutWhenQueueFull(t *testing.T) {
	inner := upstreamtest.NewConn()
	bc := &blockingConn{Conn: inner, release: make(chan struct{})}
	opts := fastOptions()
	opts.SendQueueSize = 1
	opts.SendTimeout = 20 * time.Millisecond
	var calls atomic.Int64
	client := upstream.NewClient(upstream.DialerFunc(func(context.Context, upstream.DialRequest) (upstream.Conn, error) {
		return bc, nil
	}), countingStore(&calls), opts)
	s, err := client.Open(context.Background(), "sess_test", upstream.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	f := frame.AudioFrame{Seq: 1, Payload: []byte{1, 2}, Direction: frame.ClientToUpstream}
	var sendErr error
	for i := 0; i < 3 && sendErr == nil; i++ {
		_, sendErr = s.Send(context.Background(), f)
	}
	if !errors.Is(sendErr, relayerr.ErrSendTimeout) {
		t.Fatalf("err=%v, want send timeout", sendErr)
	}
	close(bc.release)
}

func TestStream_AssignsResponseIDs(t *testing.T) {
	s, conn := openStream(t, fastOptions())
	conn.Push(
		upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleUser},
		upstream.Event{Kind: upstream.EventText, Role: upstream.RoleUser, Text: "hi"},
		upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant},
		upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: []byte{1}},
		upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleAssistant},
		upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant},
	)

	if ev := nextEvent(t, s); ev.ResponseID != "" {
		t.Fatalf("user turn response id=%q", ev.ResponseID)
	}
	nextEvent(t, s)
	start := nextEvent(t, s)
	audio := nextEvent(t, s)
	end := nextEvent(t, s)
	second := nextEvent(t, s)
	if start.ResponseID == "" || audio.ResponseID != start.ResponseID || end.ResponseID != start.ResponseID {
		t.Fatalf("ids start=%q audio=%q end=%q", start.ResponseID, audio.ResponseID, end.ResponseID)
	}
	if second.ResponseID == start.ResponseID || second.ResponseID == "" {
		t.Fatalf("second id=%q, first=%q", second.ResponseID, start.ResponseID)
	}
}

func TestStream_DiscardDropsCanceledResponse(t *testing.T) {
	s, conn := openStream(t, fastOptions())
	conn.Push(upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant})
	start := nextEvent(t, s)

	s.Discard(start.ResponseID)
	conn.Push(
		upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: []byte{9}},
		upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleAssistant},
		upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant},
		upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: []byte{7}},
	)

	next := nextEvent(t, s)
	if next.Kind != upstream.EventTurnStart || next.ResponseID == start.ResponseID {
		t.Fatalf("next=%+v, want fresh turn start", next)
	}
	audio := nextEvent(t, s)
	if !bytes.Equal(audio.Audio, []byte{7}) {
		t.Fatalf("audio=%v, want new response audio", audio.Audio)
	}
}

func TestStream_TerminalEventsThenClosed(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		s, conn := openStream(t, fastOptions())
		conn.End()
		if ev := nextEvent(t, s); ev.Kind != upstream.EventEnded {
			t.Fatalf("kind=%v, want ended", ev.Kind)
		}
		if _, ok := <-s.Receive(); ok {
			t.Fatalf("expected closed channel")
		}
	})
	t.Run("error", func(t *testing.T) {
		s, conn := openStream(t, fastOptions())
		conn.Fail(relayerr.New(relayerr.KindNetwork, "recv", "reset"))
		ev := nextEvent(t, s)
		if ev.Kind != upstream.EventError || !errors.Is(ev.Err, relayerr.ErrNetwork) {
			t.Fatalf("event=%+v, want network error", ev)
		}
		if _, ok := <-s.Receive(); ok {
			t.Fatalf("expected closed channel")
		}
	})
	t.Run("write failure", func(t *testing.T) {
		dialer := upstreamtest.NewDialer()
		dialer.Prepare = func(c *upstreamtest.Conn) { c.SendErr = relayerr.New(relayerr.KindNetwork, "send", "broken pipe") }
		var calls atomic.Int64
		client := upstream.NewClient(dialer, countingStore(&calls), fastOptions())
		s, err := client.Open(context.Background(), "sess_test", upstream.SessionConfig{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()
		_, _ = s.Send(context.Background(), frame.AudioFrame{Seq: 1, Payload: []byte{1, 2}, Direction: frame.ClientToUpstream})
		ev := nextEvent(t, s)
		if ev.Kind != upstream.EventError || !errors.Is(ev.Err, relayerr.ErrNetwork) {
			t.Fatalf("event=%+v, want write error", ev)
		}
	})
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s, conn := openStream(t, fastOptions())
	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if conn.Closes() != 1 {
		t.Fatalf("conn closes=%d, want 1", conn.Closes())
	}
	select {
	case <-s.Closed():
	default:
		t.Fatalf("Closed() not done")
	}
	if _, err := s.Send(context.Background(), frame.AudioFrame{Seq: 1, Direction: frame.ClientToUpstream}); !errors.Is(err, relayerr.ErrStreamClosed) {
		t.Fatalf("send after close err=%v", err)
	}
}
