// Package upstream opens and drives streaming sessions against a
// speech-to-speech model provider.
package upstream

import (
	"context"

	"github.com/vango-go/vai-relay/pkg/gateway/credential"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventText
	EventTurnStart
	EventTurnEnd
	EventInterrupted
	// EventEnded and EventError are terminal.
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventTurnStart:
		return "turn_start"
	case EventTurnEnd:
		return "turn_end"
	case EventInterrupted:
		return "interrupted"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

func (k EventKind) Terminal() bool { return k == EventEnded || k == EventError }

type Event struct {
	Kind EventKind
	Role Role
	// ResponseID identifies the assistant response an event belongs to.
	// The Stream assigns it; adapters leave it empty.
	ResponseID string
	Audio      []byte
	Text       string
	Final      bool
	// StopReason is the provider's reason for a turn end, when it has one.
	StopReason string
	Err        error
}

type SessionConfig struct {
	Model            string
	SystemPrompt     string
	Voice            string
	InputSampleRate  int
	OutputSampleRate int
}

type DialRequest struct {
	SessionID  string
	Credential credential.Credential
	Config     SessionConfig
}

// Conn is one live provider connection. The Stream serializes all calls
// on the send side and runs Recv from a single goroutine.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	BeginTurn(ctx context.Context) error
	EndTurn(ctx context.Context) error
	// Finish signals end of input. The provider ends the stream once it
	// has flushed its output.
	Finish(ctx context.Context) error
	// Recv returns io.EOF once the provider ends the stream gracefully.
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens provider connections. Errors should be classified with
// relayerr kinds (auth, quota_exceeded, network).
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

type DialerFunc func(ctx context.Context, req DialRequest) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, req DialRequest) (Conn, error) { return f(ctx, req) }

type Control int

const (
	BeginTurn Control = iota + 1
	EndTurn
)

func (c Control) String() string {
	switch c {
	case BeginTurn:
		return "begin_turn"
	case EndTurn:
		return "end_turn"
	default:
		return "unknown"
	}
}

type Ack struct {
	Seq    uint64
	Queued int
}
