package bedrock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

// Input events. Field names follow the Nova Sonic bidirectional schema.

type inputEnvelope struct {
	Event inputEvent `json:"event"`
}

type inputEvent struct {
	SessionStart *sessionStart `json:"sessionStart,omitempty"`
	PromptStart  *promptStart  `json:"promptStart,omitempty"`
	ContentStart *contentStart `json:"contentStart,omitempty"`
	TextInput    *contentInput `json:"textInput,omitempty"`
	AudioInput   *contentInput `json:"audioInput,omitempty"`
	ContentEnd   *contentRef   `json:"contentEnd,omitempty"`
	PromptEnd    *promptRef    `json:"promptEnd,omitempty"`
	SessionEnd   *struct{}     `json:"sessionEnd,omitempty"`
}

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type sessionStart struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type mediaType struct {
	MediaType string `json:"mediaType"`
}

type audioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type promptStart struct {
	PromptName               string             `json:"promptName"`
	TextOutputConfiguration  mediaType          `json:"textOutputConfiguration"`
	AudioOutputConfiguration audioConfiguration `json:"audioOutputConfiguration"`
}

type contentStart struct {
	PromptName              string              `json:"promptName"`
	ContentName             string              `json:"contentName"`
	Type                    string              `json:"type"`
	Interactive             bool                `json:"interactive"`
	Role                    string              `json:"role"`
	TextInputConfiguration  *mediaType          `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *audioConfiguration `json:"audioInputConfiguration,omitempty"`
}

type contentInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentRef struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptRef struct {
	PromptName string `json:"promptName"`
}

func encodeEvent(ev inputEvent) ([]byte, error) {
	return json.Marshal(inputEnvelope{Event: ev})
}

// Output events.

type outputEnvelope struct {
	Event struct {
		ContentStart *struct {
			Role                  string `json:"role"`
			Type                  string `json:"type"`
			AdditionalModelFields string `json:"additionalModelFields"`
		} `json:"contentStart"`
		TextOutput *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"textOutput"`
		AudioOutput *struct {
			Content string `json:"content"`
		} `json:"audioOutput"`
		ContentEnd *struct {
			Role       string `json:"role"`
			Type       string `json:"type"`
			StopReason string `json:"stopReason"`
		} `json:"contentEnd"`
		CompletionEnd *struct {
			StopReason string `json:"stopReason"`
		} `json:"completionEnd"`
	} `json:"event"`
}

const (
	stageSpeculative = "SPECULATIVE"
	stageFinal       = "FINAL"

	stopEndTurn     = "END_TURN"
	stopInterrupted = "INTERRUPTED"
)

// decoder turns Nova Sonic output chunks into relay events. It tracks the
// role and generation stage of the current content block and suppresses
// repeated final assistant text within one turn. SPECULATIVE assistant text
// is dropped unless speculative is set.
type decoder struct {
	speculative   bool
	role          string
	stage         string
	assistantOpen bool
	userOpen      bool
	emitted       map[string]struct{}
}

func roleOf(s string) upstream.Role {
	switch strings.ToUpper(s) {
	case "USER":
		return upstream.RoleUser
	case "SYSTEM":
		return upstream.RoleSystem
	default:
		return upstream.RoleAssistant
	}
}

func (d *decoder) decode(raw []byte) ([]upstream.Event, error) {
	var msg outputEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode output event: %w", err)
	}
	ev := msg.Event
	var out []upstream.Event

	switch {
	case ev.ContentStart != nil:
		d.role = strings.ToUpper(ev.ContentStart.Role)
		d.stage = ""
		if f := strings.TrimSpace(ev.ContentStart.AdditionalModelFields); f != "" {
			var fields struct {
				GenerationStage string `json:"generationStage"`
			}
			if json.Unmarshal([]byte(f), &fields) == nil {
				d.stage = fields.GenerationStage
			}
		}
		switch d.role {
		case "ASSISTANT":
			if !d.assistantOpen {
				d.assistantOpen = true
				d.emitted = make(map[string]struct{})
				out = append(out, upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant})
			}
		case "USER":
			if !d.userOpen {
				d.userOpen = true
				out = append(out, upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleUser})
			}
		}

	case ev.TextOutput != nil:
		text := ev.TextOutput.Content
		if isInterruptMarker(text) {
			d.assistantOpen = false
			return []upstream.Event{{Kind: upstream.EventInterrupted, Role: upstream.RoleAssistant}}, nil
		}
		if text == "" {
			return nil, nil
		}
		role := d.role
		if ev.TextOutput.Role != "" {
			role = strings.ToUpper(ev.TextOutput.Role)
		}
		if role != "ASSISTANT" {
			return []upstream.Event{{Kind: upstream.EventText, Role: roleOf(role), Text: text, Final: true}}, nil
		}
		if d.stage == stageSpeculative {
			if !d.speculative {
				return nil, nil
			}
			return []upstream.Event{{Kind: upstream.EventText, Role: upstream.RoleAssistant, Text: text}}, nil
		}
		if d.emitted == nil {
			d.emitted = make(map[string]struct{})
		}
		if _, dup := d.emitted[text]; dup {
			return nil, nil
		}
		d.emitted[text] = struct{}{}
		out = append(out, upstream.Event{Kind: upstream.EventText, Role: upstream.RoleAssistant, Text: text, Final: true})

	case ev.AudioOutput != nil:
		pcm, err := base64.StdEncoding.DecodeString(ev.AudioOutput.Content)
		if err != nil {
			return nil, fmt.Errorf("decode audio output: %w", err)
		}
		if len(pcm) == 0 {
			return nil, nil
		}
		if !d.assistantOpen {
			d.assistantOpen = true
			d.emitted = make(map[string]struct{})
			out = append(out, upstream.Event{Kind: upstream.EventTurnStart, Role: upstream.RoleAssistant})
		}
		out = append(out, upstream.Event{Kind: upstream.EventAudio, Role: upstream.RoleAssistant, Audio: pcm})

	case ev.ContentEnd != nil:
		role := d.role
		if ev.ContentEnd.Role != "" {
			role = strings.ToUpper(ev.ContentEnd.Role)
		}
		reason := ev.ContentEnd.StopReason
		switch role {
		case "ASSISTANT":
			if reason == stopInterrupted && d.assistantOpen {
				out = append(out, upstream.Event{Kind: upstream.EventInterrupted, Role: upstream.RoleAssistant, StopReason: reason})
			}
			if (reason == stopEndTurn || reason == stopInterrupted) && d.assistantOpen {
				d.assistantOpen = false
				out = append(out, upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleAssistant, StopReason: reason})
			}
		case "USER":
			if d.userOpen {
				d.userOpen = false
				out = append(out, upstream.Event{Kind: upstream.EventTurnEnd, Role: upstream.RoleUser, StopReason: reason})
			}
		}
		d.stage = ""
	}
	return out, nil
}

func isInterruptMarker(text string) bool {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "{") || !strings.Contains(t, "interrupted") {
		return false
	}
	var v struct {
		Interrupted bool `json:"interrupted"`
	}
	return json.Unmarshal([]byte(t), &v) == nil && v.Interrupted
}
