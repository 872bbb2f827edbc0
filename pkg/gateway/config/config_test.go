package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"RELAY_CONFIG_FILE",
	"RELAY_ADDR",
	"PORT",
	"RELAY_PROVIDER",
	"AWS_REGION",
	"AWS_DEFAULT_REGION",
	"MODEL_ID",
	"RELAY_MODEL_ID",
	"RELAY_UPSTREAM_ENDPOINT",
	"RELAY_VOICE_ID",
	"RELAY_SPECULATIVE_TRANSCRIPTS",
	"RELAY_SYSTEM_PROMPT",
	"RELAY_MAX_TOKENS",
	"RELAY_TOP_P",
	"RELAY_TEMPERATURE",
	"RELAY_GEMINI_API_KEY_ENV",
	"RELAY_MAX_SESSIONS",
	"RELAY_MAX_FRAME_BYTES",
	"RELAY_MAX_JSON_MESSAGE_BYTES",
	"RELAY_MAX_MALFORMED_FRAMES",
	"RELAY_OUTBOUND_QUEUE_SIZE",
	"RELAY_HANDSHAKE_TIMEOUT",
	"RELAY_IDLE_TIMEOUT",
	"RELAY_MAX_SESSION_DURATION",
	"RELAY_DRAIN_TIMEOUT",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_UPSTREAM_MAX_ATTEMPTS",
	"RELAY_UPSTREAM_BASE_BACKOFF",
	"RELAY_UPSTREAM_MAX_BACKOFF",
	"RELAY_UPSTREAM_CONNECT_TIMEOUT",
	"RELAY_SEND_TIMEOUT",
	"RELAY_SEND_QUEUE_SIZE",
	"RELAY_CREDENTIAL_REFRESH_INTERVAL",
	"RELAY_CREDENTIAL_REFRESH_SKEW",
	"RELAY_CORS_ORIGINS",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
	"RELAY_DATABASE_URL",
	"RELAY_LOG_FORMAT",
	"RELAY_LOG_LEVEL",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Provider != ProviderBedrock {
		t.Fatalf("Provider = %q, want bedrock", cfg.Provider)
	}
	if cfg.AWSRegion != "us-east-1" {
		t.Fatalf("AWSRegion = %q, want us-east-1", cfg.AWSRegion)
	}
	if cfg.ModelID != "amazon.nova-sonic-v1:0" {
		t.Fatalf("ModelID = %q", cfg.ModelID)
	}
	if cfg.VoiceID != "sarah" {
		t.Fatalf("VoiceID = %q, want sarah", cfg.VoiceID)
	}
	if cfg.SpeculativeTranscripts {
		t.Fatalf("SpeculativeTranscripts = true, want off by default")
	}
	if cfg.MaxSessions != 100 {
		t.Fatalf("MaxSessions = %d, want 100", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("IdleTimeout = %v, want 60s", cfg.IdleTimeout)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 5s", cfg.HandshakeTimeout)
	}
	if cfg.DrainTimeout != 5*time.Second {
		t.Fatalf("DrainTimeout = %v, want 5s", cfg.DrainTimeout)
	}
	if cfg.UpstreamMaxAttempts != 3 {
		t.Fatalf("UpstreamMaxAttempts = %d, want 3", cfg.UpstreamMaxAttempts)
	}
	if cfg.SendTimeout != 2*time.Second {
		t.Fatalf("SendTimeout = %v, want 2s", cfg.SendTimeout)
	}
	if cfg.CredentialRefreshInterval != 15*time.Minute {
		t.Fatalf("CredentialRefreshInterval = %v, want 15m", cfg.CredentialRefreshInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Fatalf("log = %q/%q, want text/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoad_HonorsOriginalEnvNames(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	t.Setenv("MODEL_ID", "amazon.nova-sonic-v2:0")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AWSRegion != "eu-west-1" {
		t.Fatalf("AWSRegion = %q, want eu-west-1", cfg.AWSRegion)
	}
	if cfg.ModelID != "amazon.nova-sonic-v2:0" {
		t.Fatalf("ModelID = %q", cfg.ModelID)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want :9000", cfg.Addr)
	}

	t.Setenv("AWS_REGION", "ap-south-1")
	t.Setenv("RELAY_ADDR", "127.0.0.1:7000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AWSRegion != "ap-south-1" {
		t.Fatalf("AWS_REGION should win over AWS_DEFAULT_REGION, got %q", cfg.AWSRegion)
	}
	if cfg.Addr != "127.0.0.1:7000" {
		t.Fatalf("RELAY_ADDR should win over PORT, got %q", cfg.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_PROVIDER", "Gemini")
	t.Setenv("RELAY_MODEL_ID", "gemini-live")
	t.Setenv("RELAY_MAX_SESSIONS", "7")
	t.Setenv("RELAY_IDLE_TIMEOUT", "11s")
	t.Setenv("RELAY_MAX_SESSION_DURATION", "0s")
	t.Setenv("RELAY_MAX_JSON_MESSAGE_BYTES", "2048")
	t.Setenv("RELAY_TOP_P", "0.5")
	t.Setenv("RELAY_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RELAY_DATABASE_URL", "postgres://localhost/relay")
	t.Setenv("RELAY_LOG_FORMAT", "JSON")
	t.Setenv("RELAY_SPECULATIVE_TRANSCRIPTS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != ProviderGemini {
		t.Fatalf("Provider = %q, want gemini", cfg.Provider)
	}
	if cfg.ModelID != "gemini-live" {
		t.Fatalf("ModelID = %q", cfg.ModelID)
	}
	if cfg.MaxSessions != 7 {
		t.Fatalf("MaxSessions = %d, want 7", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 11*time.Second {
		t.Fatalf("IdleTimeout = %v, want 11s", cfg.IdleTimeout)
	}
	if cfg.MaxSessionDuration != 0 {
		t.Fatalf("MaxSessionDuration = %v, want 0", cfg.MaxSessionDuration)
	}
	if cfg.MaxJSONMessageBytes != 2048 {
		t.Fatalf("MaxJSONMessageBytes = %d, want 2048", cfg.MaxJSONMessageBytes)
	}
	if cfg.TopP != 0.5 {
		t.Fatalf("TopP = %v, want 0.5", cfg.TopP)
	}
	if !cfg.SpeculativeTranscripts {
		t.Fatalf("SpeculativeTranscripts = false, want true")
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v, want 2 entries", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing https://b.example in %v", cfg.CORSAllowedOrigins)
	}
	if cfg.DatabaseURL != "postgres://localhost/relay" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoad_IgnoresUnparseableValues(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_MAX_SESSIONS", "many")
	t.Setenv("RELAY_IDLE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxSessions != 100 {
		t.Fatalf("MaxSessions = %d, want default 100", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("IdleTimeout = %v, want default 60s", cfg.IdleTimeout)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearRelayEnv(t)
	path := writeFile(t, `
provider: gemini
model_id: gemini-from-file
max_sessions: 12
idle_timeout: 45s
drain_timeout: 2s
system_prompt: "You are a friendly assistant."
cors_allowed_origins:
  - https://file.example
`)
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_MAX_SESSIONS", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != ProviderGemini {
		t.Fatalf("Provider = %q, want gemini", cfg.Provider)
	}
	if cfg.ModelID != "gemini-from-file" {
		t.Fatalf("ModelID = %q", cfg.ModelID)
	}
	if cfg.MaxSessions != 20 {
		t.Fatalf("MaxSessions = %d, env should override file", cfg.MaxSessions)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Fatalf("IdleTimeout = %v, want 45s", cfg.IdleTimeout)
	}
	if cfg.DrainTimeout != 2*time.Second {
		t.Fatalf("DrainTimeout = %v, want 2s", cfg.DrainTimeout)
	}
	if cfg.SystemPrompt != "You are a friendly assistant." {
		t.Fatalf("SystemPrompt = %q", cfg.SystemPrompt)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("HandshakeTimeout = %v, keys absent from the file keep defaults", cfg.HandshakeTimeout)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://file.example"]; !ok {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_YAMLFileErrors(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("error = %v, want missing file error", err)
	}

	t.Setenv("RELAY_CONFIG_FILE", writeFile(t, "max_sessions: [1, 2"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse RELAY_CONFIG_FILE") {
		t.Fatalf("error = %v, want parse error", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "unknown provider",
			env:       map[string]string{"RELAY_PROVIDER": "openai"},
			errSubstr: "RELAY_PROVIDER",
		},
		{
			name:      "zero max sessions",
			env:       map[string]string{"RELAY_MAX_SESSIONS": "0"},
			errSubstr: "RELAY_MAX_SESSIONS must be > 0",
		},
		{
			name:      "zero idle timeout",
			env:       map[string]string{"RELAY_IDLE_TIMEOUT": "0s"},
			errSubstr: "RELAY_IDLE_TIMEOUT must be > 0",
		},
		{
			name:      "negative max duration",
			env:       map[string]string{"RELAY_MAX_SESSION_DURATION": "-1s"},
			errSubstr: "RELAY_MAX_SESSION_DURATION",
		},
		{
			name: "backoff bounds",
			env: map[string]string{
				"RELAY_UPSTREAM_BASE_BACKOFF": "3s",
				"RELAY_UPSTREAM_MAX_BACKOFF":  "1s",
			},
			errSubstr: "RELAY_UPSTREAM_MAX_BACKOFF must be >=",
		},
		{
			name:      "zero attempts",
			env:       map[string]string{"RELAY_UPSTREAM_MAX_ATTEMPTS": "0"},
			errSubstr: "RELAY_UPSTREAM_MAX_ATTEMPTS",
		},
		{
			name:      "top p out of range",
			env:       map[string]string{"RELAY_TOP_P": "1.5"},
			errSubstr: "RELAY_TOP_P",
		},
		{
			name:      "bad log level",
			env:       map[string]string{"RELAY_LOG_LEVEL": "trace"},
			errSubstr: "RELAY_LOG_LEVEL",
		},
		{
			name:      "zero shutdown grace period",
			env:       map[string]string{"RELAY_SHUTDOWN_GRACE_PERIOD": "0s"},
			errSubstr: "RELAY_SHUTDOWN_GRACE_PERIOD",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearRelayEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}
