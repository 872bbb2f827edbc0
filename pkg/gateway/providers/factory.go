// Package providers builds the upstream dialer and credential source for
// the configured model provider.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/credential"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream/bedrock"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream/gemini"
)

type Provider struct {
	Name   string
	Dialer upstream.Dialer
	Source credential.Source
}

// New builds the provider selected by cfg.Provider. Bedrock resolves
// credentials through the default AWS chain; Gemini reads its API key from
// the variable named by cfg.GeminiAPIKeyEnv on every refresh.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case config.ProviderBedrock:
		bcfg := bedrock.Config{
			ModelID:     cfg.ModelID,
			Region:      cfg.AWSRegion,
			Endpoint:    cfg.Endpoint,
			VoiceID:     cfg.VoiceID,
			MaxTokens:   cfg.MaxTokens,
			TopP:        cfg.TopP,
			Temperature: cfg.Temperature,
			Speculative: cfg.SpeculativeTranscripts,
		}
		client, creds, err := bedrock.LoadClient(ctx, bcfg)
		if err != nil {
			return Provider{}, fmt.Errorf("load aws config: %w", err)
		}
		return Provider{
			Name:   string(config.ProviderBedrock),
			Dialer: bedrock.NewDialer(client, bcfg, logger),
			Source: credential.FromAWS(creds),
		}, nil
	case config.ProviderGemini:
		return Provider{
			Name:   string(config.ProviderGemini),
			Dialer: gemini.NewDialer(gemini.Config{Model: cfg.ModelID, Voice: geminiVoice(cfg.VoiceID)}, logger),
			Source: credential.FromEnv(cfg.GeminiAPIKeyEnv),
		}, nil
	default:
		return Provider{}, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// geminiVoice drops the Nova Sonic default, which Gemini does not know.
func geminiVoice(v string) string {
	if v == bedrock.DefaultVoiceID {
		return ""
	}
	return v
}

// SessionConfig is the per-session upstream configuration derived from cfg.
func SessionConfig(cfg config.Config) upstream.SessionConfig {
	voice := cfg.VoiceID
	if cfg.Provider == config.ProviderGemini {
		voice = geminiVoice(voice)
	}
	return upstream.SessionConfig{
		Model:            cfg.ModelID,
		SystemPrompt:     cfg.SystemPrompt,
		Voice:            voice,
		InputSampleRate:  bedrock.DefaultInputSampleRate,
		OutputSampleRate: bedrock.DefaultOutputSampleRate,
	}
}

// ClientOptions maps relay configuration onto upstream client options.
func ClientOptions(cfg config.Config, logger *slog.Logger, onAttempt func(error)) upstream.Options {
	return upstream.Options{
		MaxAttempts:    cfg.UpstreamMaxAttempts,
		BaseBackoff:    cfg.UpstreamBaseBackoff,
		MaxBackoff:     cfg.UpstreamMaxBackoff,
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		SendTimeout:    cfg.SendTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		Logger:         logger,
		OnAttempt:      onAttempt,
	}
}
