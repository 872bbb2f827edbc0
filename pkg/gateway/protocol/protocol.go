// Package protocol defines the JSON control messages exchanged with
// browser clients and the close codes the relay uses.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	FrameFormatFramed = "framed"
	FrameFormatRaw    = "raw"

	EncodingPCMS16LE = "pcm_s16le"

	StopScopeTurn    = "turn"
	StopScopeSession = "session"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes a negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

func (f AudioFormat) IsZero() bool {
	return f.Encoding == "" && f.SampleRateHz == 0 && f.Channels == 0
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloCapabilities struct {
	FrameFormat string `json:"frame_format,omitempty"`
	Text        *bool  `json:"text,omitempty"`
}

// WantsText defaults to true when the client does not say.
func (c HelloCapabilities) WantsText() bool {
	return c.Text == nil || *c.Text
}

type ClientHello struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Client          HelloClient       `json:"client,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
	AudioIn         AudioFormat       `json:"audio_in,omitempty"`
	AudioOut        AudioFormat       `json:"audio_out,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"protocol_version": h.ProtocolVersion,
		"client_name":      h.Client.Name,
		"client_version":   h.Client.Version,
		"frame_format":     h.Capabilities.FrameFormat,
		"audio_in":         h.AudioIn,
	}
}

type ClientStart struct {
	Type string `json:"type"`
}

type ClientStop struct {
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
}

type ClientInterrupt struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "start":
		return ClientStart{Type: typ}, nil
	case "stop":
		var msg ClientStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop", "")
		}
		switch strings.TrimSpace(msg.Scope) {
		case "", StopScopeTurn:
			msg.Scope = StopScopeTurn
		case StopScopeSession:
			msg.Scope = StopScopeSession
		default:
			return nil, unsupported("unsupported stop scope", "scope")
		}
		return msg, nil
	case "interrupt":
		return ClientInterrupt{Type: typ}, nil
	case "ping":
		var msg ClientPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks required fields and fills negotiated defaults.
func ValidateHello(msg *ClientHello) error {
	v := strings.TrimSpace(msg.ProtocolVersion)
	if v == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if v != ProtocolVersion1 {
		return unsupported("unsupported protocol_version", "protocol_version")
	}
	switch strings.TrimSpace(msg.Capabilities.FrameFormat) {
	case "":
		msg.Capabilities.FrameFormat = FrameFormatFramed
	case FrameFormatFramed, FrameFormatRaw:
		msg.Capabilities.FrameFormat = strings.TrimSpace(msg.Capabilities.FrameFormat)
	default:
		return unsupported("unsupported frame format", "capabilities.frame_format")
	}
	if !msg.AudioIn.IsZero() {
		if msg.AudioIn.Encoding != EncodingPCMS16LE {
			return unsupported("audio_in.encoding must be pcm_s16le", "audio_in.encoding")
		}
		if msg.AudioIn.Channels != 1 {
			return unsupported("audio_in.channels must be 1", "audio_in.channels")
		}
		if msg.AudioIn.SampleRateHz <= 0 {
			return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
		}
	}
	return nil
}

type HelloAckLimits struct {
	MaxFrameBytes       int   `json:"max_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	IdleTimeoutMS       int64 `json:"idle_timeout_ms"`
	MaxSessionMS        int64 `json:"max_session_ms,omitempty"`
}

type ServerHelloAck struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	FrameFormat     string         `json:"frame_format"`
	AudioIn         AudioFormat    `json:"audio_in"`
	AudioOut        AudioFormat    `json:"audio_out"`
	Limits          HelloAckLimits `json:"limits"`
}

type ServerReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerTurn struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	ResponseID string `json:"response_id,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type ServerTranscript struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Final      bool   `json:"final"`
	ResponseID string `json:"response_id,omitempty"`
}

type ServerAudioReset struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	ResponseID string `json:"response_id,omitempty"`
}

type ServerPong struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

type ServerSessionEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}
