// Package session relays one browser connection to one upstream stream.
//
// Run owns all session state. The client socket is read by one goroutine
// and written by the outbound writer; everything else happens on the Run
// goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

const (
	maxCanceledResponses = 64
	priorityQueueSize    = 32

	// priorityReserve slots are kept free of droppable frames.
	priorityReserve = 8
)

var (
	errBackpressure = errors.New("outbound backpressure")
	errAbandoned    = errors.New("session released before it ran")
)

// ClientConn is the subset of *websocket.Conn a session uses.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Upstream is the part of *upstream.Stream a session drives.
type Upstream interface {
	Send(ctx context.Context, f frame.AudioFrame) (upstream.Ack, error)
	Control(ctx context.Context, c upstream.Control) error
	Finish(ctx context.Context) error
	Receive() <-chan upstream.Event
	Discard(responseID string)
	Close() error
}

type OpenFunc func(ctx context.Context, sessionID string, cfg upstream.SessionConfig) (Upstream, error)

// OpenWith adapts an upstream client to an OpenFunc.
func OpenWith(c *upstream.Client) OpenFunc {
	return func(ctx context.Context, sessionID string, cfg upstream.SessionConfig) (Upstream, error) {
		st, err := c.Open(ctx, sessionID, cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

type Config struct {
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	DrainTimeout       time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxMalformedFrames int
	MaxJSONBytes       int64
	OutboundQueueSize  int
	// PendingFrames bounds client input buffered while the upstream opens.
	PendingFrames int
	Upstream      upstream.SessionConfig
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMalformedFrames <= 0 {
		c.MaxMalformedFrames = 10
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.PendingFrames <= 0 {
		c.PendingFrames = 256
	}
	if c.Upstream.InputSampleRate <= 0 {
		c.Upstream.InputSampleRate = 16000
	}
	if c.Upstream.OutputSampleRate <= 0 {
		c.Upstream.OutputSampleRate = 24000
	}
	return c
}

// Hooks observe a session. All are optional. OnFrame may be called from
// the writer goroutine.
type Hooks struct {
	OnStateChange func(from, to State)
	OnFrame       func(dir frame.Direction, bytes int)
	OnBargeIn     func(reason string)
	OnDrop        func(reason string)
	OnClose       func(s *Session, reason protocol.CloseReason, err error)
}

type Dependencies struct {
	Conn      ClientConn
	Logger    *slog.Logger
	Open      OpenFunc
	Codec     *frame.Codec
	Hello     protocol.ClientHello
	SessionID string
	Config    Config
	Hooks     Hooks
	Now       func() time.Time
}

type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
	BargeIns  uint64
	Dropped   uint64
	Malformed uint64
}

type Session struct {
	id     string
	conn   ClientConn
	logger *slog.Logger
	open   OpenFunc
	codec  *frame.Codec
	hello  protocol.ClientHello
	cfg    Config
	hooks  Hooks
	now    func() time.Time

	createdAt    time.Time
	lastActivity atomic.Int64
	state        atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	abandoned atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	openCh  chan openResult
	signals chan signal

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	writerExited     chan struct{}
	writerErr        error

	canceledResponses atomic.Value // canceledResponseState
	closeReason       atomic.Value // protocol.CloseReason
	closeConnOnce     sync.Once

	inEncoder  *frame.Encoder
	outEncoder *frame.Encoder
	inSeq      frame.SeqTracker

	// Owned by Run.
	stream         Upstream
	activeResponse string
	userTurnOpen   bool
	explicitTurn   bool // the open user turn came from "start"
	malformed      int
	pending        []pendingInput

	framesIn       atomic.Uint64
	framesOut      atomic.Uint64
	bytesIn        atomic.Uint64
	bytesOut       atomic.Uint64
	bargeIns       atomic.Uint64
	dropped        atomic.Uint64
	malformedTotal atomic.Uint64
}

type openResult struct {
	stream Upstream
	err    error
}

type signalKind int

const (
	signalWarn signalKind = iota + 1
	signalDrain
)

type signal struct {
	kind    signalKind
	message string
}

type pendingInput struct {
	frame   frame.AudioFrame
	control upstream.Control
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type canceledResponseState struct {
	set   map[string]struct{}
	order []string
}

// ending describes how the main loop stopped.
type ending struct {
	state  State
	reason protocol.CloseReason
	err    error
	// clientGone skips the client flush.
	clientGone bool
	// finishUpstream signals end of input before closing; pump keeps
	// relaying upstream output until it ends or DrainTimeout passes.
	finishUpstream bool
	pump           bool
	notify         any
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Open == nil {
		return nil, fmt.Errorf("upstream opener is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	codec := deps.Codec
	if codec == nil {
		codec = frame.NewCodec(0)
	}
	if deps.Hello.Capabilities.FrameFormat == "" {
		deps.Hello.Capabilities.FrameFormat = protocol.FrameFormatFramed
	}
	cfg := deps.Config
	if !deps.Hello.AudioIn.IsZero() {
		cfg.Upstream.InputSampleRate = deps.Hello.AudioIn.SampleRateHz
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:               deps.SessionID,
		conn:             deps.Conn,
		logger:           logger.With("session_id", deps.SessionID),
		open:             deps.Open,
		codec:            codec,
		hello:            deps.Hello,
		cfg:              cfg,
		hooks:            deps.Hooks,
		now:              now,
		createdAt:        now(),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		openCh:           make(chan openResult, 1),
		signals:          make(chan signal, 8),
		outboundPriority: make(chan outboundFrame, priorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		writerExited:     make(chan struct{}),
		inEncoder:        frame.NewEncoder(codec, frame.ClientToUpstream),
		outEncoder:       frame.NewEncoder(codec, frame.UpstreamToClient),
	}
	s.state.Store(int32(StateHandshaking))
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Done is closed once the session has reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Started reports whether Run has been called.
func (s *Session) Started() bool { return s.started.Load() }

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		BargeIns:  s.bargeIns.Load(),
		Dropped:   s.dropped.Load(),
		Malformed: s.malformedTotal.Load(),
	}
}

// Abandon claims a session that has not started, so Run never will, and
// releases its client connection. It reports false once Run has begun.
func (s *Session) Abandon() bool {
	if !s.started.CompareAndSwap(false, true) {
		return false
	}
	s.abandoned.Store(true)
	s.cancel()
	s.closeConn()
	s.setState(StateClosed)
	close(s.done)
	return true
}

// Cancel stops the session without draining.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Drain asks the session to finish its upstream stream and close with
// going_away.
func (s *Session) Drain(reason string) {
	s.signal(signal{kind: signalDrain, message: reason})
}

// Warn sends a warning message to the client.
func (s *Session) Warn(message string) {
	s.signal(signal{kind: signalWarn, message: message})
}

func (s *Session) signal(sig signal) {
	if s == nil {
		return
	}
	select {
	case s.signals <- sig:
	default:
		s.logger.Debug("session signal dropped", "kind", int(sig.kind))
	}
}

// Run relays until either side ends the session. It returns nil for a
// graceful close.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		if s.abandoned.Load() {
			return errAbandoned
		}
		return errors.New("session already running")
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	reason := protocol.ReasonGoingAway
	defer func() { s.teardown(reason, err) }()

	s.wg.Add(3)
	go s.runWriter()
	inbound := make(chan inboundFrame, 16)
	go func() {
		defer s.wg.Done()
		s.readLoop(inbound)
	}()
	go s.openUpstream()

	s.logger.Info("session started",
		"frame_format", s.hello.Capabilities.FrameFormat,
		"client", s.hello.Client.Name,
		"input_sample_rate", s.cfg.Upstream.InputSampleRate,
	)
	_ = s.sendHelloAck()

	e := s.loop(inbound)
	err = s.end(e)
	reason = e.reason
	return err
}

func (s *Session) runWriter() {
	defer s.wg.Done()
	w := outboundWriter{
		ws:          s.conn,
		ctx:         s.ctx,
		cfg:         s.cfg,
		priority:    s.outboundPriority,
		normal:      s.outboundNormal,
		isCanceled:  s.isResponseCanceled,
		closeReason: s.currentCloseReason,
		onWrite:     s.recordWrite,
	}
	s.writerErr = w.Run()
	if s.writerErr != nil && s.ctx.Err() == nil {
		s.logger.Debug("client write failed", "error", s.writerErr)
	}
	close(s.writerExited)
}

func (s *Session) recordWrite(f outboundFrame) {
	if len(f.binaryPayload) == 0 {
		return
	}
	s.framesOut.Add(1)
	s.bytesOut.Add(uint64(len(f.binaryPayload)))
	if s.hooks.OnFrame != nil {
		s.hooks.OnFrame(frame.UpstreamToClient, len(f.binaryPayload))
	}
}

func (s *Session) currentCloseReason(shutdown bool) protocol.CloseReason {
	if r, ok := s.closeReason.Load().(protocol.CloseReason); ok {
		return r
	}
	if shutdown {
		return protocol.ReasonGoingAway
	}
	return protocol.ReasonNormal
}

func (s *Session) openUpstream() {
	defer s.wg.Done()
	st, err := s.open(s.ctx, s.id, s.cfg.Upstream)
	s.openCh <- openResult{stream: st, err: err}
}

func (s *Session) loop(inbound <-chan inboundFrame) *ending {
	var idle, maxDur *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.cfg.IdleTimeout)
		defer idle.Stop()
	}
	if s.cfg.MaxSessionDuration > 0 {
		maxDur = time.NewTimer(s.cfg.MaxSessionDuration)
		defer maxDur.Stop()
	}
	touch := func() {
		s.lastActivity.Store(s.now().UnixNano())
		if idle != nil {
			idle.Reset(s.cfg.IdleTimeout)
		}
	}

	openCh := s.openCh
	for {
		var events <-chan upstream.Event
		if s.stream != nil {
			events = s.stream.Receive()
		}
		var e *ending
		select {
		case <-s.ctx.Done():
			return &ending{state: StateDraining, reason: protocol.ReasonGoingAway}
		case <-s.writerExited:
			return &ending{state: StateDraining, reason: protocol.ReasonNormal, clientGone: true, finishUpstream: true}
		case r := <-openCh:
			openCh = nil
			e = s.opened(r)
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if in.err == nil {
				touch()
			}
			e = s.handleInbound(in)
		case ev, ok := <-events:
			if !ok {
				return &ending{state: StateDraining, reason: protocol.ReasonNormal}
			}
			touch()
			e = s.handleEvent(ev)
		case <-timerC(idle):
			s.logger.Info("session idle timeout", "idle_timeout_ms", s.cfg.IdleTimeout.Milliseconds())
			e = &ending{
				state:          StateDraining,
				reason:         protocol.ReasonIdleTimeout,
				err:            relayerr.New(relayerr.KindSessionTimeout, "session", "idle timeout"),
				finishUpstream: true,
			}
		case <-timerC(maxDur):
			s.logger.Info("session reached max duration", "max_session_ms", s.cfg.MaxSessionDuration.Milliseconds())
			e = &ending{
				state:          StateDraining,
				reason:         protocol.ReasonMaxDuration,
				err:            relayerr.New(relayerr.KindSessionTimeout, "session", "max session duration"),
				finishUpstream: true,
			}
		case sig := <-s.signals:
			e = s.handleSignal(sig)
		}
		if e != nil {
			return e
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) opened(r openResult) *ending {
	if r.err != nil {
		s.logger.Warn("upstream open failed", "error", r.err)
		return &ending{
			state:  StateErroring,
			reason: protocol.ReasonUpstreamFailure,
			err:    r.err,
			notify: errorMessage(r.err),
		}
	}
	s.stream = r.stream
	s.setState(StateActive)
	_ = s.sendJSON(protocol.ServerReady{Type: "ready", SessionID: s.id})

	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		var err error
		if p.control != 0 {
			err = s.stream.Control(s.ctx, p.control)
		} else {
			_, err = s.stream.Send(s.ctx, p.frame)
		}
		if e := s.sendFailed(err); e != nil {
			return e
		}
	}
	return nil
}

func (s *Session) handleSignal(sig signal) *ending {
	switch sig.kind {
	case signalWarn:
		_ = s.sendWarning("server_notice", sig.message)
	case signalDrain:
		s.logger.Info("session draining", "reason", sig.message)
		return &ending{state: StateDraining, reason: protocol.ReasonGoingAway, finishUpstream: true, pump: true}
	}
	return nil
}

func (s *Session) handleInbound(in inboundFrame) *ending {
	if in.err != nil {
		if errors.Is(in.err, websocket.ErrReadLimit) {
			s.malformedTotal.Add(1)
			s.logger.Warn("client message exceeded read limit", "error", in.err)
			return &ending{
				state:      StateErroring,
				reason:     protocol.ReasonProtocolError,
				err:        relayerr.Wrap(relayerr.KindFrameTooLarge, "session.read", in.err),
				clientGone: true,
			}
		}
		if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(in.err, io.EOF) {
			s.logger.Debug("client closed connection")
		} else {
			s.logger.Info("client read failed", "error", in.err)
		}
		return &ending{state: StateDraining, reason: protocol.ReasonNormal, clientGone: true, finishUpstream: true}
	}
	switch in.messageType {
	case websocket.TextMessage:
		return s.handleControl(in.data)
	case websocket.BinaryMessage:
		return s.handleAudio(in.data)
	}
	return nil
}

func (s *Session) handleControl(data []byte) *ending {
	if s.cfg.MaxJSONBytes > 0 && int64(len(data)) > s.cfg.MaxJSONBytes {
		return s.malformedFrame(relayerr.Newf(relayerr.KindFrameTooLarge, "session.read", "control message of %d bytes", len(data)))
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		return s.malformedFrame(err)
	}
	switch m := msg.(type) {
	case protocol.ClientHello:
		_ = s.sendWarning("duplicate_hello", "hello already negotiated")
	case protocol.ClientStart:
		s.bargeIn("client_start", s.activeResponse)
		s.userTurnOpen = true
		s.explicitTurn = true
		return s.forwardControl(upstream.BeginTurn)
	case protocol.ClientStop:
		if m.Scope == protocol.StopScopeSession {
			return &ending{state: StateDraining, reason: protocol.ReasonNormal, finishUpstream: true, pump: true}
		}
		if s.userTurnOpen {
			s.userTurnOpen = false
			s.explicitTurn = false
			return s.forwardControl(upstream.EndTurn)
		}
	case protocol.ClientInterrupt:
		s.bargeIn("client_interrupt", s.activeResponse)
	case protocol.ClientPing:
		payload, err := json.Marshal(protocol.ServerPong{Type: "pong", Nonce: m.Nonce})
		if err == nil {
			_ = s.enqueuePriority(outboundFrame{textPayload: payload, droppable: true})
		}
	}
	return nil
}

func (s *Session) handleAudio(data []byte) *ending {
	var frames []frame.AudioFrame
	if s.hello.Capabilities.FrameFormat == protocol.FrameFormatRaw {
		frames = s.inEncoder.EncodeChunks(data)
	} else {
		f, err := s.codec.Decode(data)
		if err != nil {
			return s.malformedFrame(err)
		}
		if f.Direction != frame.ClientToUpstream {
			return s.malformedFrame(relayerr.Newf(relayerr.KindMalformedFrame, "session.read", "unexpected direction %s", f.Direction))
		}
		switch obs, missing := s.inSeq.Observe(f.Seq); obs {
		case frame.Stale:
			s.logger.Debug("dropping out-of-order client frame", "seq", f.Seq, "last_seq", s.inSeq.Last())
			s.drop("stale_seq")
			return nil
		case frame.Gap:
			s.logger.Warn("client frame gap", "seq", f.Seq, "missing", missing)
		}
		frames = []frame.AudioFrame{f}
	}
	if len(frames) == 0 {
		return nil
	}
	if !s.userTurnOpen {
		s.bargeIn("client_audio", s.activeResponse)
		s.userTurnOpen = true
		s.explicitTurn = false
	}
	for _, f := range frames {
		s.framesIn.Add(1)
		s.bytesIn.Add(uint64(len(f.Payload)))
		if s.hooks.OnFrame != nil {
			s.hooks.OnFrame(frame.ClientToUpstream, len(f.Payload))
		}
		if e := s.forwardAudio(f); e != nil {
			return e
		}
	}
	return nil
}

func (s *Session) forwardAudio(f frame.AudioFrame) *ending {
	if s.stream == nil {
		s.buffer(pendingInput{frame: f})
		return nil
	}
	_, err := s.stream.Send(s.ctx, f)
	return s.sendFailed(err)
}

func (s *Session) forwardControl(c upstream.Control) *ending {
	if s.stream == nil {
		s.buffer(pendingInput{control: c})
		return nil
	}
	return s.sendFailed(s.stream.Control(s.ctx, c))
}

func (s *Session) buffer(p pendingInput) {
	s.pending = append(s.pending, p)
	if len(s.pending) > s.cfg.PendingFrames {
		s.pending = s.pending[1:]
		s.drop("pending_overflow")
	}
}

// sendFailed handles a failed upstream enqueue. Stream failures end the
// session through the terminal event, not here.
func (s *Session) sendFailed(err error) *ending {
	if err == nil {
		return nil
	}
	if errors.Is(err, relayerr.ErrSendTimeout) {
		s.drop("send_timeout")
		_ = s.sendWarning("send_timeout", "upstream is not keeping up; audio dropped")
		return nil
	}
	if s.ctx.Err() == nil {
		s.logger.Debug("upstream send failed", "error", err)
	}
	return nil
}

func (s *Session) malformedFrame(err error) *ending {
	s.malformedTotal.Add(1)
	s.malformed++
	if s.malformed >= s.cfg.MaxMalformedFrames {
		s.logger.Warn("malformed frame threshold reached", "malformed", s.malformed, "error", err)
		if !relayerr.IsCodecError(err) {
			err = relayerr.Wrap(relayerr.KindMalformedFrame, "session.read", err)
		}
		return &ending{
			state:  StateErroring,
			reason: protocol.ReasonProtocolError,
			err:    err,
			notify: protocol.ServerError{Type: "error", Code: "protocol_error", Message: "too many malformed frames", Close: true},
		}
	}
	s.logger.Debug("malformed client frame", "error", err)
	_ = s.sendWarning(protocol.ErrorCodeFor(err), err.Error())
	return nil
}

func (s *Session) handleEvent(ev upstream.Event) *ending {
	switch ev.Kind {
	case upstream.EventTurnStart:
		if ev.Role == upstream.RoleAssistant {
			s.activeResponse = ev.ResponseID
			// An implicit user turn ends when the assistant answers, so
			// further mic audio counts as speech over the response.
			if !s.explicitTurn {
				s.userTurnOpen = false
			}
		}
		_ = s.sendResponseJSON(ev.ResponseID, protocol.ServerTurn{Type: "turn_start", Role: string(ev.Role), ResponseID: ev.ResponseID})
	case upstream.EventTurnEnd:
		if ev.Role == upstream.RoleAssistant && ev.ResponseID == s.activeResponse {
			s.activeResponse = ""
		}
		_ = s.sendResponseJSON(ev.ResponseID, protocol.ServerTurn{
			Type:       "turn_end",
			Role:       string(ev.Role),
			ResponseID: ev.ResponseID,
			StopReason: ev.StopReason,
		})
	case upstream.EventText:
		if !s.hello.Capabilities.WantsText() || ev.Text == "" {
			return nil
		}
		_ = s.sendResponseJSON(ev.ResponseID, protocol.ServerTranscript{
			Type:       "transcript",
			Role:       string(ev.Role),
			Text:       ev.Text,
			Final:      ev.Final,
			ResponseID: ev.ResponseID,
		})
	case upstream.EventAudio:
		s.sendAssistantAudio(ev.ResponseID, ev.Audio)
	case upstream.EventInterrupted:
		id := ev.ResponseID
		if id == "" {
			id = s.activeResponse
		}
		s.bargeIn("upstream_interrupted", id)
	case upstream.EventEnded:
		s.logger.Info("upstream stream ended")
		return &ending{state: StateDraining, reason: protocol.ReasonNormal}
	case upstream.EventError:
		s.logger.Warn("upstream stream failed", "error", ev.Err)
		return &ending{
			state:  StateErroring,
			reason: protocol.ReasonUpstreamFailure,
			err:    ev.Err,
			notify: errorMessage(ev.Err),
		}
	}
	return nil
}

func (s *Session) sendAssistantAudio(responseID string, pcm []byte) {
	if len(pcm) == 0 || s.isResponseCanceled(responseID) {
		return
	}
	for _, f := range s.outEncoder.EncodeChunks(pcm) {
		payload := f.Payload
		if s.hello.Capabilities.FrameFormat != protocol.FrameFormatRaw {
			b, err := s.codec.Marshal(f)
			if err != nil {
				s.logger.Warn("encode assistant audio failed", "error", err)
				return
			}
			payload = b
		}
		if err := s.enqueueNormal(outboundFrame{responseID: responseID, binaryPayload: payload}); err != nil {
			return
		}
	}
}

// bargeIn cancels responseID: queued and future output for it is dropped
// and the client is told to flush playback.
func (s *Session) bargeIn(reason, responseID string) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" || s.isResponseCanceled(responseID) {
		return
	}
	if responseID == s.activeResponse {
		s.activeResponse = ""
	}
	s.cancelResponse(responseID)
	if s.stream != nil {
		s.stream.Discard(responseID)
	}
	s.bargeIns.Add(1)
	if s.hooks.OnBargeIn != nil {
		s.hooks.OnBargeIn(reason)
	}
	s.logger.Info("barge-in", "reason", reason, "response_id", responseID)
	_ = s.sendAudioReset(reason, responseID)
}

func (s *Session) drop(reason string) {
	s.dropped.Add(1)
	if s.hooks.OnDrop != nil {
		s.hooks.OnDrop(reason)
	}
}

// end moves the session to its final non-closed state and flushes the
// side that is still connected.
func (s *Session) end(e *ending) error {
	s.setState(e.state)
	s.closeReason.Store(e.reason)
	err := e.err

	if e.finishUpstream && s.stream != nil && s.ctx.Err() == nil {
		fctx, cancel := context.WithTimeout(s.ctx, s.cfg.DrainTimeout)
		ferr := s.stream.Finish(fctx)
		switch {
		case ferr == nil && e.pump && !e.clientGone:
			if pe := s.pump(fctx); pe != nil && pe.state == StateErroring {
				s.setState(StateErroring)
				e.reason, e.notify, err = pe.reason, pe.notify, pe.err
			}
		case ferr != nil && hardFailure(ferr) && !e.clientGone:
			s.logger.Warn("upstream finish failed", "error", ferr)
			s.setState(StateErroring)
			e.reason, e.notify, err = protocol.ReasonUpstreamFailure, errorMessage(ferr), ferr
		}
		cancel()
		s.closeReason.Store(e.reason)
	}

	if e.clientGone {
		return err
	}
	if e.notify != nil {
		_ = s.sendJSONPriority(e.notify)
	}
	_ = s.sendJSONPriority(protocol.ServerSessionEnd{Type: "session_end", Reason: e.reason.Reason, Code: e.reason.Code})
	close(s.outboundPriority)
	close(s.outboundNormal)

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-s.writerExited:
	case <-timer.C:
		s.logger.Warn("client flush timed out", "drain_timeout_ms", s.cfg.DrainTimeout.Milliseconds())
	}
	return err
}

// pump relays upstream output after Finish until the stream ends.
func (s *Session) pump(ctx context.Context) *ending {
	events := s.stream.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.writerExited:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if e := s.handleEvent(ev); e != nil {
				return e
			}
		}
	}
}

func hardFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return relayerr.KindOf(err) != relayerr.KindStreamClosed
}

func (s *Session) teardown(reason protocol.CloseReason, err error) {
	s.cancel()
	if s.stream != nil {
		if cerr := s.stream.Close(); cerr != nil {
			s.logger.Debug("upstream close failed", "error", cerr)
		}
	}
	s.closeConn()
	s.wg.Wait()
	select {
	case r := <-s.openCh:
		if r.stream != nil {
			_ = r.stream.Close()
		}
	default:
	}
	s.setState(StateClosed)

	stats := s.Stats()
	attrs := []any{
		"close_code", reason.Code,
		"reason", reason.Reason,
		"duration_ms", s.now().Sub(s.createdAt).Milliseconds(),
		"frames_in", stats.FramesIn,
		"frames_out", stats.FramesOut,
		"barge_ins", stats.BargeIns,
		"dropped", stats.Dropped,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Info("session closed", attrs...)

	if s.hooks.OnClose != nil {
		s.hooks.OnClose(s, reason, err)
	}
	close(s.done)
}

func (s *Session) closeConn() {
	s.closeConnOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Session) setState(to State) {
	from := State(s.state.Load())
	if from == to {
		return
	}
	if to != StateClosed && !CanTransition(from, to) {
		s.logger.Warn("ignoring invalid state transition", "from", from.String(), "to", to.String())
		return
	}
	s.state.Store(int32(to))
	s.logger.Debug("session state", "from", from.String(), "to", to.String())
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(from, to)
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendHelloAck() error {
	audioIn := s.hello.AudioIn
	if audioIn.IsZero() {
		audioIn = protocol.AudioFormat{Encoding: protocol.EncodingPCMS16LE, SampleRateHz: s.cfg.Upstream.InputSampleRate, Channels: 1}
	}
	return s.sendJSONPriority(protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.id,
		FrameFormat:     s.hello.Capabilities.FrameFormat,
		AudioIn:         audioIn,
		AudioOut:        protocol.AudioFormat{Encoding: protocol.EncodingPCMS16LE, SampleRateHz: s.cfg.Upstream.OutputSampleRate, Channels: 1},
		Limits: protocol.HelloAckLimits{
			MaxFrameBytes:       s.codec.MaxPayloadBytes + frame.HeaderSize,
			MaxJSONMessageBytes: int(s.cfg.MaxJSONBytes),
			IdleTimeoutMS:       s.cfg.IdleTimeout.Milliseconds(),
			MaxSessionMS:        s.cfg.MaxSessionDuration.Milliseconds(),
		},
	})
}

func errorMessage(err error) protocol.ServerError {
	msg := "upstream failure"
	if err != nil {
		msg = err.Error()
	}
	return protocol.ServerError{
		Type:      "error",
		Code:      protocol.ErrorCodeFor(err),
		Message:   msg,
		Retryable: relayerr.Retryable(err),
		Close:     true,
	}
}

func (s *Session) sendAudioReset(reason, responseID string) error {
	return s.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: reason, ResponseID: responseID})
}

func (s *Session) sendWarning(code, message string) error {
	return s.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *Session) sendResponseJSON(responseID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{responseID: responseID, textPayload: payload})
}

// enqueueNormal waits up to WriteTimeout for queue space, then drops the
// frame with a backpressure warning.
func (s *Session) enqueueNormal(f outboundFrame) error {
	if f.responseID != "" && s.isResponseCanceled(f.responseID) {
		return nil
	}
	select {
	case s.outboundNormal <- f:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outboundNormal <- f:
		return nil
	case <-timer.C:
		s.drop("backpressure")
		s.logger.Warn("outbound queue full; dropping frame", "response_id", f.responseID)
		payload, _ := json.Marshal(protocol.ServerWarning{Type: "warning", Code: "backpressure", Message: "client is not keeping up; frame dropped"})
		_ = s.enqueuePriority(outboundFrame{textPayload: payload, droppable: true})
		return errBackpressure
	case <-s.writerExited:
		return errBackpressure
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// enqueuePriority never evicts queued frames. Droppable frames are refused
// once only the reserved slots remain; others wait up to WriteTimeout.
func (s *Session) enqueuePriority(f outboundFrame) error {
	if f.droppable {
		if len(s.outboundPriority) >= cap(s.outboundPriority)-priorityReserve {
			s.drop("priority_full")
			return errBackpressure
		}
		select {
		case s.outboundPriority <- f:
			return nil
		default:
			s.drop("priority_full")
			return errBackpressure
		}
	}
	select {
	case s.outboundPriority <- f:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outboundPriority <- f:
		return nil
	case <-timer.C:
		s.logger.Warn("priority queue full; dropping control message")
		return errBackpressure
	case <-s.writerExited:
		return errBackpressure
	}
}

func (s *Session) cancelResponse(responseID string) {
	raw := s.canceledResponses.Load()
	state, ok := raw.(canceledResponseState)
	if !ok {
		state = canceledResponseState{set: make(map[string]struct{})}
	}
	if _, exists := state.set[responseID]; exists {
		return
	}

	nextSet := make(map[string]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]string, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, responseID)
	nextSet[responseID] = struct{}{}

	for len(nextOrder) > maxCanceledResponses {
		delete(nextSet, nextOrder[0])
		nextOrder = nextOrder[1:]
	}

	s.canceledResponses.Store(canceledResponseState{set: nextSet, order: nextOrder})
}

func (s *Session) isResponseCanceled(responseID string) bool {
	if responseID == "" {
		return false
	}
	state, ok := s.canceledResponses.Load().(canceledResponseState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[responseID]
	return exists
}
