// Package gemini adapts the Gemini Live API to upstream.Conn.
package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

const (
	DefaultModel           = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultInputSampleRate = 16000
)

type Config struct {
	Model string
	Voice string
}

// liveSession is the subset of *genai.Session used here.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

type Dialer struct {
	cfg     Config
	connect connectFunc
	logger  *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	connect := func(ctx context.Context, apiKey, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, err
		}
		return client.Live.Connect(ctx, model, lc)
	}
	return &Dialer{cfg: cfg, connect: connect, logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, req upstream.DialRequest) (upstream.Conn, error) {
	if strings.TrimSpace(req.Credential.Secret) == "" {
		return nil, relayerr.New(relayerr.KindAuth, "gemini.dial", "missing api key")
	}
	model := d.cfg.Model
	if req.Config.Model != "" {
		model = req.Config.Model
	}
	voice := req.Config.Voice
	if voice == "" {
		voice = d.cfg.Voice
	}

	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if p := strings.TrimSpace(req.Config.SystemPrompt); p != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p}}}
	}
	if voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
		}}
	}

	sess, err := d.connect(ctx, req.Credential.Secret, model, lc)
	if err != nil {
		return nil, classify("gemini.connect", err)
	}
	rate := req.Config.InputSampleRate
	if rate <= 0 {
		rate = DefaultInputSampleRate
	}
	c := &conn{
		sess:     sess,
		mimeType: "audio/pcm;rate=" + strconv.Itoa(rate),
		logger:   d.logger.With("session_id", req.SessionID),
		msgs:     make(chan recvResult, 16),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

type recvResult struct {
	msg *genai.LiveServerMessage
	err error
}

type conn struct {
	sess     liveSession
	mimeType string
	logger   *slog.Logger

	msgs chan recvResult
	done chan struct{}

	assistantOpen bool
	userOpen      bool
	pending       []upstream.Event
	ended         bool

	closeOnce sync.Once
	closeErr  error
}

// pump adapts the blocking Receive to a channel so Recv can honor ctx.
func (c *conn) pump() {
	for {
		msg, err := c.sess.Receive()
		select {
		case c.msgs <- recvResult{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) SendAudio(_ context.Context, pcm []byte) error {
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: c.mimeType},
	})
	return classify("gemini.send", err)
}

// BeginTurn is a no-op: Gemini detects speech activity server-side.
func (c *conn) BeginTurn(context.Context) error { return nil }

func (c *conn) EndTurn(context.Context) error {
	return classify("gemini.send", c.sess.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}))
}

func (c *conn) Finish(ctx context.Context) error {
	return c.EndTurn(ctx)
}

func (c *conn) Recv(ctx context.Context) (upstream.Event, error) {
	for len(c.pending) == 0 {
		if c.ended {
			return upstream.Event{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return upstream.Event{}, ctx.Err()
		case r := <-c.msgs:
			if r.err != nil {
				if isNormalClose(r.err) {
					return upstream.Event{}, io.EOF
				}
				return upstream.Event{}, classify("gemini.recv", r.err)
			}
			c.pending = append(c.pending, c.translate(r.msg)...)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *conn) openAssistant(out []upstream.Event) []upstream.Event {
	if c.assistantOpen {
		return out
	}
	c.assistantOpen = true
	return append(out, upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant})
}

func (c *conn) translate(msg *genai.LiveServerMessage) []upstream.Event {
	if msg == nil {
		return nil
	}
	var out []upstream.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			if c.assistantOpen {
				out = append(out, upstream.Event{Kind: upstream.EventInterrupted, Role: upstream.RoleAssistant})
			}
			c.assistantOpen = false
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			if !c.userOpen {
				c.userOpen = true
				out = append(out, upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleUser})
			}
			out = append(out, upstream.Event{Kind: upstream.EventText, Role: upstream.RoleUser, Text: t.Text, Final: t.Finished})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				if p.InlineData != nil && len(p.InlineData.Data) > 0 && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					if c.userOpen {
						c.userOpen = false
						out = append(out, upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleUser})
					}
					out = c.openAssistant(out)
					out = append(out, upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: p.InlineData.Data})
				}
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			out = c.openAssistant(out)
			out = append(out, upstream.Event{Kind: upstream.EventText, Role: upstream.RoleAssistant, Text: t.Text, Final: t.Finished})
		}
		if sc.TurnComplete && c.assistantOpen {
			c.assistantOpen = false
			out = append(out, upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleAssistant, StopReason: "turn_complete"})
		}
	}
	if msg.GoAway != nil {
		c.logger.Info("gemini live session going away")
		c.ended = true
	}
	return out
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.sess.Close()
	})
	return c.closeErr
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return relayerr.Wrap(relayerr.KindNetwork, op, err)
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		if k, ok := kindForStatus(apiErr.Code, apiErr.Status+" "+apiErr.Message); ok {
			return relayerr.Wrap(k, op, err)
		}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch {
		case strings.Contains(strings.ToLower(closeErr.Text), "quota"), strings.Contains(closeErr.Text, "RESOURCE_EXHAUSTED"):
			return relayerr.Wrap(relayerr.KindQuotaExceeded, op, err)
		case closeErr.Code == websocket.ClosePolicyViolation:
			return relayerr.Wrap(relayerr.KindAuth, op, err)
		case closeErr.Code == websocket.CloseInternalServerErr, closeErr.Code == websocket.CloseTryAgainLater, closeErr.Code == websocket.CloseServiceRestart, closeErr.Code == websocket.CloseAbnormalClosure:
			return relayerr.Wrap(relayerr.KindNetwork, op, err)
		}
		return relayerr.Wrap(relayerr.KindConnect, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, websocket.ErrBadHandshake) {
		return relayerr.Wrap(relayerr.KindNetwork, op, err)
	}
	if k, ok := kindForStatus(0, err.Error()); ok {
		return relayerr.Wrap(k, op, err)
	}
	return relayerr.Wrap(relayerr.KindConnect, op, err)
}

func kindForStatus(code int, text string) (relayerr.Kind, bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return relayerr.KindAuth, true
	case code == http.StatusTooManyRequests:
		return relayerr.KindQuotaExceeded, true
	case code >= 500:
		return relayerr.KindNetwork, true
	}
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "api key not valid"), strings.Contains(t, "unauthenticated"), strings.Contains(t, "permission_denied"):
		return relayerr.KindAuth, true
	case strings.Contains(t, "resource_exhausted"), strings.Contains(t, "quota"):
		return relayerr.KindQuotaExceeded, true
	case strings.Contains(t, "unavailable"):
		return relayerr.KindNetwork, true
	}
	return "", false
}
