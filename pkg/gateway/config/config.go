package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/auth"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  auth.Keyring

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Enable only behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// Pipeline defaults; the client hello may narrow language and path.
	PreferredPath                string
	RealtimeFirstFragmentTimeout time.Duration
	FallbackStageTimeout         time.Duration
	FallbackStageRetries         int
	MaxBackoff                   time.Duration
	FragmentBufferCap            int
	Language                     string

	// Live WebSocket limits (/v1/live).
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveHandshakeTimeout    time.Duration

	// Realtime speech backend.
	RealtimeURL    string
	RealtimeAPIKey string
	RealtimeModel  string
	RealtimeVoice  string

	// Fallback stage providers.
	CartesiaAPIKey   string
	ReasoningAPIKey  string
	ReasoningBaseURL string
	ReasoningModel   string
	TTSVoice         string
	AudioSampleRate  int

	// Flight search backend.
	FlightSearchBaseURL string
	FlightSearchAPIKey  string

	// Conversation store; empty disables persistence.
	DatabaseURL string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                         envOr("SKYVOICE_ADDR", ":8080"),
		AuthMode:                     AuthMode(envOr("SKYVOICE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                      make(auth.Keyring),
		TrustProxyHeaders:            envBoolOr("SKYVOICE_TRUST_PROXY_HEADERS", false),
		PreferredPath:                envOr("SKYVOICE_PREFERRED_PATH", "realtime"),
		RealtimeFirstFragmentTimeout: envDurationOr("SKYVOICE_REALTIME_FIRST_FRAGMENT_TIMEOUT", 3*time.Second),
		FallbackStageTimeout:         envDurationOr("SKYVOICE_FALLBACK_STAGE_TIMEOUT", 10*time.Second),
		FallbackStageRetries:         envIntOr("SKYVOICE_FALLBACK_STAGE_RETRIES", 2),
		MaxBackoff:                   envDurationOr("SKYVOICE_MAX_BACKOFF", 8*time.Second),
		FragmentBufferCap:            envIntOr("SKYVOICE_FRAGMENT_BUFFER_CAP", 64),
		Language:                     envOr("SKYVOICE_LANGUAGE", "en"),
		LiveMaxAudioFrameBytes:       envIntOr("SKYVOICE_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:      envInt64Or("SKYVOICE_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:           envDurationOr("SKYVOICE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:           envDurationOr("SKYVOICE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:         envDurationOr("SKYVOICE_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		RealtimeURL:                  envOr("SKYVOICE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:               strings.TrimSpace(os.Getenv("SKYVOICE_REALTIME_API_KEY")),
		RealtimeModel:                envOr("SKYVOICE_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeVoice:                envOr("SKYVOICE_REALTIME_VOICE", "alloy"),
		CartesiaAPIKey:               strings.TrimSpace(os.Getenv("SKYVOICE_CARTESIA_API_KEY")),
		ReasoningAPIKey:              strings.TrimSpace(os.Getenv("SKYVOICE_REASONING_API_KEY")),
		ReasoningBaseURL:             envOr("SKYVOICE_REASONING_BASE_URL", "https://api.openai.com/v1"),
		ReasoningModel:               envOr("SKYVOICE_REASONING_MODEL", "gpt-4o-mini"),
		TTSVoice:                     strings.TrimSpace(os.Getenv("SKYVOICE_TTS_VOICE")),
		AudioSampleRate:              envIntOr("SKYVOICE_AUDIO_SAMPLE_RATE", 24000),
		FlightSearchBaseURL:          strings.TrimSpace(os.Getenv("SKYVOICE_FLIGHT_SEARCH_BASE_URL")),
		FlightSearchAPIKey:           strings.TrimSpace(os.Getenv("SKYVOICE_FLIGHT_SEARCH_API_KEY")),
		DatabaseURL:                  strings.TrimSpace(os.Getenv("SKYVOICE_DATABASE_URL")),
		ReadHeaderTimeout:            envDurationOr("SKYVOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                  envDurationOr("SKYVOICE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:          envDurationOr("SKYVOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("SKYVOICE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("SKYVOICE_API_KEYS")) {
		cfg.APIKeys.Add(key)
	}

	switch cfg.PreferredPath {
	case "realtime", "fallback":
	default:
		return Config{}, fmt.Errorf("SKYVOICE_PREFERRED_PATH must be realtime|fallback")
	}
	if cfg.RealtimeFirstFragmentTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_REALTIME_FIRST_FRAGMENT_TIMEOUT must be > 0")
	}
	if cfg.FallbackStageTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_FALLBACK_STAGE_TIMEOUT must be > 0")
	}
	if cfg.FallbackStageRetries < 0 {
		return Config{}, fmt.Errorf("SKYVOICE_FALLBACK_STAGE_RETRIES must be >= 0")
	}
	if cfg.MaxBackoff <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_MAX_BACKOFF must be > 0")
	}
	if cfg.FragmentBufferCap <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_FRAGMENT_BUFFER_CAP must be > 0")
	}
	if strings.TrimSpace(cfg.Language) == "" {
		return Config{}, fmt.Errorf("SKYVOICE_LANGUAGE must not be empty")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_AUDIO_SAMPLE_RATE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SKYVOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("SKYVOICE_API_KEYS must be set when SKYVOICE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
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
