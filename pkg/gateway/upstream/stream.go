package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

const maxDiscardedResponses = 64

type outboundKind int

const (
	outboundAudio outboundKind = iota + 1
	outboundControl
	outboundFinish
)

type outboundItem struct {
	kind    outboundKind
	frame   frame.AudioFrame
	control Control
	done    chan error
}

// Stream is the handle for one open upstream session. Send, Control and
// Finish are safe for concurrent use; Receive has a single consumer.
type Stream struct {
	id         string
	generation uint64
	conn       Conn
	logger     *slog.Logger

	sendTimeout time.Duration
	outbound    chan outboundItem
	events      chan Event

	ctx    context.Context
	cancel context.CancelFunc

	failMu  sync.Mutex
	failErr error

	closeOnce sync.Once
	closeErr  error
	closing   chan struct{}
	closed    chan struct{}
	wg        sync.WaitGroup

	discardMu sync.Mutex
	discarded map[string]struct{}
	order     []string

	responses atomic.Uint64
	sent      atomic.Uint64
}

func newStream(id string, conn Conn, generation uint64, opts Options, logger *slog.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		id:          id,
		generation:  generation,
		conn:        conn,
		logger:      logger,
		sendTimeout: opts.SendTimeout,
		outbound:    make(chan outboundItem, opts.SendQueueSize),
		events:      make(chan Event, opts.EventQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		closing:     make(chan struct{}),
		closed:      make(chan struct{}),
		discarded:   make(map[string]struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Stream) ID() string { return s.id }

// CredentialGeneration identifies the credential the stream was opened with.
func (s *Stream) CredentialGeneration() uint64 { return s.generation }

// Sent counts audio frames handed to the provider.
func (s *Stream) Sent() uint64 { return s.sent.Load() }

// Send queues one client frame. When the queue is full it waits up to the
// configured send timeout.
func (s *Stream) Send(ctx context.Context, f frame.AudioFrame) (Ack, error) {
	if err := s.enqueue(ctx, outboundItem{kind: outboundAudio, frame: f}); err != nil {
		return Ack{}, err
	}
	return Ack{Seq: f.Seq, Queued: len(s.outbound)}, nil
}

// Control queues a turn boundary in order with audio.
func (s *Stream) Control(ctx context.Context, c Control) error {
	return s.enqueue(ctx, outboundItem{kind: outboundControl, control: c})
}

// Finish flushes queued input, signals end of input, and returns once the
// provider has accepted it.
func (s *Stream) Finish(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.enqueue(ctx, outboundItem{kind: outboundFinish, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.streamErr()
	}
}

func (s *Stream) enqueue(ctx context.Context, item outboundItem) error {
	if s.ctx.Err() != nil {
		return s.streamErr()
	}
	select {
	case s.outbound <- item:
		return nil
	default:
	}
	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- item:
		return nil
	case <-timer.C:
		return relayerr.Newf(relayerr.KindSendTimeout, "upstream.send", "send queue full for %s", s.sendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.streamErr()
	}
}

func (s *Stream) streamErr() error {
	if err := s.failure(); err != nil {
		return err
	}
	return relayerr.New(relayerr.KindStreamClosed, "upstream.send", "stream closed")
}

// Receive yields provider events. The sequence ends with exactly one
// EventEnded or EventError, after which the channel is closed.
func (s *Stream) Receive() <-chan Event { return s.events }

// Discard drops undelivered events of a canceled response.
func (s *Stream) Discard(responseID string) {
	if responseID == "" {
		return
	}
	s.discardMu.Lock()
	defer s.discardMu.Unlock()
	if _, ok := s.discarded[responseID]; ok {
		return
	}
	s.discarded[responseID] = struct{}{}
	s.order = append(s.order, responseID)
	if len(s.order) > maxDiscardedResponses {
		delete(s.discarded, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Stream) isDiscarded(responseID string) bool {
	if responseID == "" {
		return false
	}
	s.discardMu.Lock()
	defer s.discardMu.Unlock()
	_, ok := s.discarded[responseID]
	return ok
}

// Close releases the provider connection. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		s.closeErr = s.conn.Close()
		s.wg.Wait()
		close(s.closed)
	})
	return s.closeErr
}

// Closed is done once Close has released the connection.
func (s *Stream) Closed() <-chan struct{} { return s.closed }

func (s *Stream) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.cancel()
}

func (s *Stream) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.outbound:
			var err error
			switch item.kind {
			case outboundAudio:
				err = s.conn.SendAudio(s.ctx, item.frame.Payload)
				if err == nil {
					s.sent.Add(1)
				}
			case outboundControl:
				switch item.control {
				case BeginTurn:
					err = s.conn.BeginTurn(s.ctx)
				case EndTurn:
					err = s.conn.EndTurn(s.ctx)
				}
			case outboundFinish:
				err = s.conn.Finish(s.ctx)
				item.done <- err
			}
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("upstream write failed", "error", err)
					s.fail(err)
				}
				return
			}
		}
	}
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	var current string
	for {
		ev, err := s.conn.Recv(s.ctx)
		if err != nil {
			s.emitTerminal(err)
			return
		}
		switch {
		case ev.Kind == EventTurnStart && ev.Role == RoleAssistant:
			current = "resp_" + strconv.FormatUint(s.responses.Add(1), 10)
			ev.ResponseID = current
		case ev.Role == RoleAssistant || ev.Kind == EventInterrupted:
			ev.ResponseID = current
		}
		if ev.Kind == EventTurnEnd && ev.Role == RoleAssistant {
			current = ""
		}
		if ev.Kind.Terminal() {
			s.emitTerminal(ev.Err)
			return
		}
		if ev.Kind != EventInterrupted && s.isDiscarded(ev.ResponseID) {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			s.emitTerminal(context.Canceled)
			return
		}
	}
}

// emitTerminal delivers the final event. A write-side failure recorded by
// fail takes precedence over the read error it caused.
func (s *Stream) emitTerminal(err error) {
	failed := s.failure()
	if failed != nil {
		err = failed
	}
	ev := Event{Kind: EventEnded}
	switch {
	case err == nil || errors.Is(err, io.EOF):
	case failed == nil && (s.ctx.Err() != nil || errors.Is(err, context.Canceled)):
		// Local Close.
	default:
		ev = Event{Kind: EventError, Err: err}
	}
	select {
	case s.events <- ev:
	default:
		// Queue full: wait briefly so the terminal event is not lost
		// unless the stream is being closed.
		select {
		case s.events <- ev:
		case <-s.closing:
		case <-time.After(s.sendTimeout):
			s.logger.Warn("dropping terminal upstream event", "kind", ev.Kind.String())
		}
	}
}
