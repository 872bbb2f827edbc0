package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Provider string

const (
	ProviderBedrock Provider = "bedrock"
	ProviderGemini  Provider = "gemini"
)

type Config struct {
	Addr string `yaml:"addr"`

	// Upstream provider selection.
	Provider     Provider `yaml:"provider"`
	AWSRegion    string   `yaml:"aws_region"`
	ModelID      string   `yaml:"model_id"`
	Endpoint     string   `yaml:"endpoint"`
	VoiceID      string   `yaml:"voice_id"`
	SystemPrompt string   `yaml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens"`
	TopP         float64  `yaml:"top_p"`
	Temperature  float64  `yaml:"temperature"`

	// SpeculativeTranscripts relays Nova Sonic SPECULATIVE assistant text
	// as non-final transcripts. Off, only FINAL text is sent.
	SpeculativeTranscripts bool `yaml:"speculative_transcripts"`

	// GeminiAPIKeyEnv names the variable holding the Gemini API key. The key
	// itself is never read from the YAML file.
	GeminiAPIKeyEnv string `yaml:"gemini_api_key_env"`

	// Admission and framing.
	MaxSessions         int   `yaml:"max_sessions"`
	MaxFrameBytes       int   `yaml:"max_frame_bytes"`
	MaxJSONMessageBytes int64 `yaml:"max_json_message_bytes"`
	MaxMalformedFrames  int   `yaml:"max_malformed_frames"`
	OutboundQueueSize   int   `yaml:"outbound_queue_size"`

	// Session timing.
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	WSWriteTimeout     time.Duration `yaml:"ws_write_timeout"`
	WSPingInterval     time.Duration `yaml:"ws_ping_interval"`

	// Upstream client.
	UpstreamMaxAttempts    int           `yaml:"upstream_max_attempts"`
	UpstreamBaseBackoff    time.Duration `yaml:"upstream_base_backoff"`
	UpstreamMaxBackoff     time.Duration `yaml:"upstream_max_backoff"`
	UpstreamConnectTimeout time.Duration `yaml:"upstream_connect_timeout"`
	SendTimeout            time.Duration `yaml:"send_timeout"`
	SendQueueSize          int           `yaml:"send_queue_size"`

	// Credentials.
	CredentialRefreshInterval time.Duration `yaml:"credential_refresh_interval"`
	CredentialRefreshSkew     time.Duration `yaml:"credential_refresh_skew"`

	// CORS
	CORSAllowedOrigins map[string]struct{} `yaml:"-"` // empty => same-origin only

	// Operational defaults
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	// Optional session journal.
	DatabaseURL string `yaml:"-"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

// Defaults returns the configuration Load starts from.
func Defaults() Config { return defaults() }

func defaults() Config {
	return Config{
		Addr:                      ":8080",
		Provider:                  ProviderBedrock,
		AWSRegion:                 "us-east-1",
		ModelID:                   "amazon.nova-sonic-v1:0",
		VoiceID:                   "sarah",
		MaxTokens:                 1024,
		TopP:                      0.9,
		Temperature:               0.7,
		GeminiAPIKeyEnv:           "GEMINI_API_KEY",
		MaxSessions:               100,
		MaxFrameBytes:             64 * 1024,
		MaxJSONMessageBytes:       64 * 1024,
		MaxMalformedFrames:        10,
		OutboundQueueSize:         256,
		HandshakeTimeout:          5 * time.Second,
		IdleTimeout:               60 * time.Second,
		MaxSessionDuration:        30 * time.Minute,
		DrainTimeout:              5 * time.Second,
		WSWriteTimeout:            5 * time.Second,
		WSPingInterval:            20 * time.Second,
		UpstreamMaxAttempts:       3,
		UpstreamBaseBackoff:       200 * time.Millisecond,
		UpstreamMaxBackoff:        2 * time.Second,
		UpstreamConnectTimeout:    10 * time.Second,
		SendTimeout:               2 * time.Second,
		SendQueueSize:             256,
		CredentialRefreshInterval: 15 * time.Minute,
		CredentialRefreshSkew:     2 * time.Minute,
		CORSAllowedOrigins:        make(map[string]struct{}),
		ReadHeaderTimeout:         10 * time.Second,
		ShutdownGracePeriod:       30 * time.Second,
		LogFormat:                 "text",
		LogLevel:                  "info",
	}
}

// Load layers defaults, the optional YAML file named by RELAY_CONFIG_FILE
// and the environment, then validates the result.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("RELAY_CONFIG_FILE %q does not exist", path)
		}
		return fmt.Errorf("read RELAY_CONFIG_FILE: %w", err)
	}
	var file struct {
		Config             `yaml:",inline"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	}
	file.Config = *cfg
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse RELAY_CONFIG_FILE: %w", err)
	}
	*cfg = file.Config
	if cfg.CORSAllowedOrigins == nil {
		cfg.CORSAllowedOrigins = make(map[string]struct{})
	}
	for _, origin := range file.CORSAllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.Addr = envOr("RELAY_ADDR", cfg.Addr)

	cfg.Provider = Provider(strings.ToLower(envOr("RELAY_PROVIDER", string(cfg.Provider))))
	cfg.AWSRegion = envOr("AWS_DEFAULT_REGION", cfg.AWSRegion)
	cfg.AWSRegion = envOr("AWS_REGION", cfg.AWSRegion)
	cfg.ModelID = envOr("MODEL_ID", cfg.ModelID)
	cfg.ModelID = envOr("RELAY_MODEL_ID", cfg.ModelID)
	cfg.Endpoint = envOr("RELAY_UPSTREAM_ENDPOINT", cfg.Endpoint)
	cfg.VoiceID = envOr("RELAY_VOICE_ID", cfg.VoiceID)
	cfg.SystemPrompt = envOr("RELAY_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.MaxTokens = envIntOr("RELAY_MAX_TOKENS", cfg.MaxTokens)
	cfg.TopP = envFloat64Or("RELAY_TOP_P", cfg.TopP)
	cfg.Temperature = envFloat64Or("RELAY_TEMPERATURE", cfg.Temperature)
	cfg.SpeculativeTranscripts = envBoolOr("RELAY_SPECULATIVE_TRANSCRIPTS", cfg.SpeculativeTranscripts)
	cfg.GeminiAPIKeyEnv = envOr("RELAY_GEMINI_API_KEY_ENV", cfg.GeminiAPIKeyEnv)

	cfg.MaxSessions = envIntOr("RELAY_MAX_SESSIONS", cfg.MaxSessions)
	cfg.MaxFrameBytes = envIntOr("RELAY_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	cfg.MaxJSONMessageBytes = envInt64Or("RELAY_MAX_JSON_MESSAGE_BYTES", cfg.MaxJSONMessageBytes)
	cfg.MaxMalformedFrames = envIntOr("RELAY_MAX_MALFORMED_FRAMES", cfg.MaxMalformedFrames)
	cfg.OutboundQueueSize = envIntOr("RELAY_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)

	cfg.HandshakeTimeout = envDurationOr("RELAY_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.IdleTimeout = envDurationOr("RELAY_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxSessionDuration = envDurationOr("RELAY_MAX_SESSION_DURATION", cfg.MaxSessionDuration)
	cfg.DrainTimeout = envDurationOr("RELAY_DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.WSWriteTimeout = envDurationOr("RELAY_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSPingInterval = envDurationOr("RELAY_WS_PING_INTERVAL", cfg.WSPingInterval)

	cfg.UpstreamMaxAttempts = envIntOr("RELAY_UPSTREAM_MAX_ATTEMPTS", cfg.UpstreamMaxAttempts)
	cfg.UpstreamBaseBackoff = envDurationOr("RELAY_UPSTREAM_BASE_BACKOFF", cfg.UpstreamBaseBackoff)
	cfg.UpstreamMaxBackoff = envDurationOr("RELAY_UPSTREAM_MAX_BACKOFF", cfg.UpstreamMaxBackoff)
	cfg.UpstreamConnectTimeout = envDurationOr("RELAY_UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	cfg.SendTimeout = envDurationOr("RELAY_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.SendQueueSize = envIntOr("RELAY_SEND_QUEUE_SIZE", cfg.SendQueueSize)

	cfg.CredentialRefreshInterval = envDurationOr("RELAY_CREDENTIAL_REFRESH_INTERVAL", cfg.CredentialRefreshInterval)
	cfg.CredentialRefreshSkew = envDurationOr("RELAY_CREDENTIAL_REFRESH_SKEW", cfg.CredentialRefreshSkew)

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	cfg.ReadHeaderTimeout = envDurationOr("RELAY_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	cfg.DatabaseURL = envOr("RELAY_DATABASE_URL", cfg.DatabaseURL)
	cfg.LogFormat = strings.ToLower(envOr("RELAY_LOG_FORMAT", cfg.LogFormat))
	cfg.LogLevel = strings.ToLower(envOr("RELAY_LOG_LEVEL", cfg.LogLevel))
}

func (cfg Config) Validate() error {
	switch cfg.Provider {
	case ProviderBedrock, ProviderGemini:
	default:
		return fmt.Errorf("RELAY_PROVIDER must be one of bedrock|gemini")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("RELAY_ADDR must not be empty")
	}
	if cfg.Provider == ProviderBedrock && strings.TrimSpace(cfg.AWSRegion) == "" {
		return fmt.Errorf("AWS_REGION must not be empty")
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		return fmt.Errorf("MODEL_ID must not be empty")
	}
	if cfg.Provider == ProviderGemini && strings.TrimSpace(cfg.GeminiAPIKeyEnv) == "" {
		return fmt.Errorf("RELAY_GEMINI_API_KEY_ENV must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("RELAY_MAX_TOKENS must be > 0")
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		return fmt.Errorf("RELAY_TOP_P must be in (0, 1]")
	}
	if cfg.Temperature < 0 {
		return fmt.Errorf("RELAY_TEMPERATURE must be >= 0")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("RELAY_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxMalformedFrames <= 0 {
		return fmt.Errorf("RELAY_MAX_MALFORMED_FRAMES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("RELAY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration < 0 {
		return fmt.Errorf("RELAY_MAX_SESSION_DURATION must be >= 0")
	}
	if cfg.DrainTimeout <= 0 {
		return fmt.Errorf("RELAY_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.UpstreamMaxAttempts <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_MAX_ATTEMPTS must be > 0")
	}
	if cfg.UpstreamBaseBackoff <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_BASE_BACKOFF must be > 0")
	}
	if cfg.UpstreamMaxBackoff < cfg.UpstreamBaseBackoff {
		return fmt.Errorf("RELAY_UPSTREAM_MAX_BACKOFF must be >= RELAY_UPSTREAM_BASE_BACKOFF")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("RELAY_SEND_TIMEOUT must be > 0")
	}
	if cfg.SendQueueSize <= 0 {
		return fmt.Errorf("RELAY_SEND_QUEUE_SIZE must be > 0")
	}
	if cfg.CredentialRefreshInterval < 0 {
		return fmt.Errorf("RELAY_CREDENTIAL_REFRESH_INTERVAL must be >= 0")
	}
	if cfg.CredentialRefreshSkew < 0 {
		return fmt.Errorf("RELAY_CREDENTIAL_REFRESH_SKEW must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
