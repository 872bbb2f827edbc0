package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/frame"
	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/registry"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

// RelayHandler handles /v1/relay websocket sessions.
type RelayHandler struct {
	Config   config.Config
	Registry *registry.Registry
	Open     session.OpenFunc
	Upstream upstream.SessionConfig
	Logger   *slog.Logger
	// Hooks are installed on every admitted session.
	Hooks session.Hooks
	// OnReject observes connections refused before a session starts.
	OnReject func(reason string)
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, r, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Registry == nil || !h.Registry.Accepting() {
		h.reject("draining")
		writeErrJSON(w, r, registry.ErrNotAccepting)
		return
	}
	if !h.originAllowed(r) {
		h.reject("origin")
		writeErrorJSON(w, r, http.StatusForbidden, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	admitted := false
	defer func() {
		if !admitted {
			_ = conn.Close()
		}
	}()

	conn.SetReadLimit(h.readLimit())

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.reject("handshake")
		h.writeWSError(conn, "bad_request", "failed to read hello", protocol.ReasonProtocolError)
		return
	}
	if messageType != websocket.TextMessage {
		h.reject("handshake")
		h.writeWSError(conn, "bad_request", "first frame must be hello", protocol.ReasonProtocolError)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.reject("handshake")
		h.writeWSError(conn, protocol.ErrorCodeFor(err), err.Error(), protocol.ReasonProtocolError)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.reject("handshake")
		h.writeWSError(conn, "bad_request", "first frame must be hello", protocol.ReasonProtocolError)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s, err := h.Registry.Admit(conn, session.Dependencies{
		Logger: logger,
		Open:   h.Open,
		Codec:  frame.NewCodec(h.Config.MaxFrameBytes),
		Hello:  hello,
		Config: h.sessionConfig(),
		Hooks:  h.Hooks,
	})
	if err != nil {
		reason := protocol.CloseReasonFor(err)
		h.reject(reason.Reason)
		logger.Warn("relay session rejected", "request_id", requestIDFromContext(r), "reason", reason.Reason, "error", err)
		h.writeWSError(conn, reason.Reason, err.Error(), reason)
		return
	}
	admitted = true

	logger.Info("relay session admitted",
		"session_id", s.ID(),
		"request_id", requestIDFromContext(r),
		"hello", hello.RedactedForLog(),
	)
	if err := s.Run(r.Context()); err != nil {
		logger.Warn("relay session ended with error", "session_id", s.ID(), "request_id", requestIDFromContext(r), "error", err)
	}
}

func (h RelayHandler) sessionConfig() session.Config {
	return session.Config{
		IdleTimeout:        h.Config.IdleTimeout,
		MaxSessionDuration: h.Config.MaxSessionDuration,
		DrainTimeout:       h.Config.DrainTimeout,
		WriteTimeout:       h.Config.WSWriteTimeout,
		PingInterval:       h.Config.WSPingInterval,
		MaxMalformedFrames: h.Config.MaxMalformedFrames,
		MaxJSONBytes:       h.Config.MaxJSONMessageBytes,
		OutboundQueueSize:  h.Config.OutboundQueueSize,
		Upstream:           h.Upstream,
	}
}

// readLimit is twice the larger of a full audio frame and a JSON message.
// Oversized messages below it reach the session, which answers with a
// frame_too_large warning and counts them toward the malformed threshold.
func (h RelayHandler) readLimit() int64 {
	limit := int64(h.Config.MaxFrameBytes + frame.HeaderSize)
	if h.Config.MaxJSONMessageBytes > limit {
		limit = h.Config.MaxJSONMessageBytes
	}
	if limit <= int64(frame.HeaderSize) {
		limit = 64 * 1024
	}
	return 2 * limit
}

func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return sameHost(origin, r.Host)
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func sameHost(origin, host string) bool {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.EqualFold(origin, scheme+host) {
			return true
		}
	}
	return false
}

func (h RelayHandler) reject(reason string) {
	if h.OnReject != nil {
		h.OnReject(reason)
	}
}

func (h RelayHandler) writeWSError(conn *websocket.Conn, code, message string, reason protocol.CloseReason) {
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(reason.Code, reason.Reason), deadline)
}
