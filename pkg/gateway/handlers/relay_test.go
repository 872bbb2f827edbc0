package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/credential"
	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/registry"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream/upstreamtest"
)

type relayTestOptions struct {
	limit   int
	origins map[string]struct{}
	prepare func(*upstreamtest.Conn)
	hooks   session.Hooks
	tune    func(*config.Config)
}

type relayHarness struct {
	srv      *httptest.Server
	registry *registry.Registry
	dialer   *upstreamtest.Dialer

	mu       sync.Mutex
	rejected []string
}

func (h *relayHarness) close() { h.srv.Close() }

func (h *relayHarness) rejections() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rejected...)
}

func testRelayConfig() config.Config {
	return config.Config{
		MaxFrameBytes:       32 * 1024,
		MaxJSONMessageBytes: 64 * 1024,
		MaxMalformedFrames:  3,
		HandshakeTimeout:    2 * time.Second,
		DrainTimeout:        500 * time.Millisecond,
		WSWriteTimeout:      time.Second,
		WSPingInterval:      time.Hour,
	}
}

func newRelayTestServer(t *testing.T, opts relayTestOptions) (*relayHarness, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := upstreamtest.NewDialer()
	dialer.Prepare = opts.prepare
	store := credential.NewStore(credential.Static("k"), credential.Options{})
	client := upstream.NewClient(dialer, store, upstream.Options{
		MaxAttempts:    1,
		ConnectTimeout: time.Second,
		SendTimeout:    100 * time.Millisecond,
		Logger:         logger,
	})

	cfg := testRelayConfig()
	cfg.CORSAllowedOrigins = opts.origins
	if opts.tune != nil {
		opts.tune(&cfg)
	}
	h := &relayHarness{
		registry: registry.New(registry.Options{Limit: opts.limit, Logger: logger}),
		dialer:   dialer,
	}
	handler := RelayHandler{
		Config:   cfg,
		Registry: h.registry,
		Open:     session.OpenWith(client),
		Upstream: upstream.SessionConfig{InputSampleRate: 16000, OutputSampleRate: 24000},
		Logger:   logger,
		Hooks:    opts.hooks,
		OnReject: func(reason string) {
			h.mu.Lock()
			h.rejected = append(h.rejected, reason)
			h.mu.Unlock()
		},
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/relay", handler)
	h.srv = httptest.NewServer(mux)
	return h, "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/relay"
}

func baseHello(version string) map[string]any {
	return map[string]any{
		"type":             "hello",
		"protocol_version": version,
		"client":           map[string]any{"name": "test", "version": "0"},
		"capabilities":     map[string]any{"frame_format": "framed"},
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}
}

// readUntil returns the first JSON message of type typ, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		msg := mustReadJSON(t, conn, 2*time.Second)
		if msg["type"] == typ {
			return msg
		}
	}
}

// closeCodeOf reads until the peer closes and returns its close code.
func closeCodeOf(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			t.Fatalf("ReadMessage: %v", err)
		}
	}
}

func TestRelayHandler_HandshakeUnsupportedVersion(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseHello("2"))

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type=%v", msg["type"])
	}
	if msg["code"] != "unsupported" {
		t.Fatalf("code=%v", msg["code"])
	}
	if got := closeCodeOf(t, conn); got != protocol.CloseProtocolError {
		t.Fatalf("close code=%d, want %d", got, protocol.CloseProtocolError)
	}
	if h.registry.Count() != 0 {
		t.Fatalf("registry count=%d, want 0", h.registry.Count())
	}
}

func TestRelayHandler_FirstFrameMustBeHello(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["code"] != "bad_request" {
		t.Fatalf("code=%v", msg["code"])
	}

	conn2 := mustDialWS(t, serverURL)
	defer conn2.Close()
	mustWriteJSON(t, conn2, map[string]any{"type": "start"})
	msg = mustReadJSON(t, conn2, 2*time.Second)
	if msg["code"] != "bad_request" {
		t.Fatalf("code=%v", msg["code"])
	}
	if got := closeCodeOf(t, conn2); got != protocol.CloseProtocolError {
		t.Fatalf("close code=%d, want %d", got, protocol.CloseProtocolError)
	}
}

func TestRelayHandler_RelaysSession(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{
		prepare: func(c *upstreamtest.Conn) { c.EndOnFinish = true },
	})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()
	mustWriteJSON(t, conn, baseHello("1"))

	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "hello_ack" {
		t.Fatalf("type=%v, want hello_ack", ack["type"])
	}
	id, _ := ack["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in %v", ack)
	}
	if _, ok := h.registry.Lookup(id); !ok {
		t.Fatalf("session %q not registered", id)
	}
	readUntil(t, conn, "ready")

	var up *upstreamtest.Conn
	select {
	case up = <-h.dialer.Conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream not dialed")
	}
	up.Push(
		upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant},
		upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: []byte{1, 0, 2, 0}},
	)
	readUntil(t, conn, "turn_start")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("message type=%d, want binary (%q)", messageType, data)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "stop", "scope": "session"})
	if got := closeCodeOf(t, conn); got != protocol.CloseNormal {
		t.Fatalf("close code=%d, want %d", got, protocol.CloseNormal)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count=%d after close", h.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayHandler_CapacityExceeded(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{limit: 1})
	defer h.close()

	first := mustDialWS(t, serverURL)
	defer first.Close()
	mustWriteJSON(t, first, baseHello("1"))
	if msg := mustReadJSON(t, first, 2*time.Second); msg["type"] != "hello_ack" {
		t.Fatalf("first type=%v", msg["type"])
	}

	second := mustDialWS(t, serverURL)
	defer second.Close()
	mustWriteJSON(t, second, baseHello("1"))
	msg := mustReadJSON(t, second, 2*time.Second)
	if msg["type"] != "error" || msg["code"] != "capacity_exceeded" {
		t.Fatalf("msg=%v", msg)
	}
	if got := closeCodeOf(t, second); got != protocol.CloseCapacityExceeded {
		t.Fatalf("close code=%d, want %d", got, protocol.CloseCapacityExceeded)
	}
	if got := h.rejections(); len(got) != 1 || got[0] != "capacity_exceeded" {
		t.Fatalf("rejections=%v", got)
	}
	if h.registry.Count() != 1 {
		t.Fatalf("registry count=%d, want 1", h.registry.Count())
	}
}

func TestRelayHandler_NotAcceptingRejectsBeforeUpgrade(t *testing.T) {
	h, _ := newRelayTestServer(t, relayTestOptions{})
	defer h.close()
	h.registry.SetAccepting(false)

	resp, err := http.Get(h.srv.URL + "/v1/relay")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	var env map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env["error"]["type"] != "overloaded_error" {
		t.Fatalf("error=%v", env["error"])
	}
}

func TestRelayHandler_RejectsDisallowedOrigin(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{
		origins: map[string]struct{}{"https://app.example.com": {}},
	})
	defer h.close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(serverURL, header)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, header)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	_ = conn.Close()
}

func TestRelayHandler_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/relay", nil)
	rr := httptest.NewRecorder()
	RelayHandler{Registry: registry.New(registry.Options{})}.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRelayHandler_ReadLimitCoversFrameAndJSON(t *testing.T) {
	h := RelayHandler{Config: config.Config{MaxFrameBytes: 1000, MaxJSONMessageBytes: 100}}
	if got := h.readLimit(); got != 2048 {
		t.Fatalf("readLimit=%d, want 2048", got)
	}
	h.Config.MaxJSONMessageBytes = 4096
	if got := h.readLimit(); got != 8192 {
		t.Fatalf("readLimit=%d, want 8192", got)
	}
}

func oversizedFrame(t *testing.T, payload int) []byte {
	t.Helper()
	b, err := frame.NewCodec(payload).Marshal(frame.AudioFrame{
		Seq:       1,
		Timestamp: time.Now(),
		Direction: frame.ClientToUpstream,
		Payload:   make([]byte, payload),
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestRelayHandler_OversizedFrameWarnsThenCloses4004(t *testing.T) {
	h, serverURL := newRelayTestServer(t, relayTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()
	mustWriteJSON(t, conn, baseHello("1"))
	readUntil(t, conn, "ready")

	big := oversizedFrame(t, testRelayConfig().MaxFrameBytes+2)
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, big); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		msg := readUntil(t, conn, "warning")
		if msg["code"] != "frame_too_large" {
			t.Fatalf("warning code=%v, want frame_too_large", msg["code"])
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, big); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg := readUntil(t, conn, "error")
	if msg["code"] != "protocol_error" {
		t.Fatalf("error code=%v, want protocol_error", msg["code"])
	}
	if got := closeCodeOf(t, conn); got != protocol.CloseProtocolError {
		t.Fatalf("close code=%d, want %d", got, protocol.CloseProtocolError)
	}
}

func TestRelayHandler_ReadLimitExceededIsProtocolError(t *testing.T) {
	tune := func(c *config.Config) {
		c.MaxFrameBytes = 1024
		c.MaxJSONMessageBytes = 1024
	}
	reasons := make(chan protocol.CloseReason, 1)
	hooks := session.Hooks{
		OnClose: func(_ *session.Session, reason protocol.CloseReason, _ error) { reasons <- reason },
	}
	h, serverURL := newRelayTestServer(t, relayTestOptions{tune: tune, hooks: hooks})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()
	mustWriteJSON(t, conn, baseHello("1"))
	readUntil(t, conn, "ready")

	cfg := testRelayConfig()
	tune(&cfg)
	limit := RelayHandler{Config: cfg}.readLimit()
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, limit+1)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := closeCodeOf(t, conn); got != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", got, websocket.CloseMessageTooBig)
	}
	select {
	case reason := <-reasons:
		if reason != protocol.ReasonProtocolError {
			t.Fatalf("close reason=%+v, want protocol_error", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session never closed")
	}
}
