package pipeline

import "time"

// Config is the per-session pipeline configuration. Zero values take the
// defaults below.
type Config struct {
	// PreferredPath selects the initial path: "realtime" or "fallback".
	PreferredPath string

	// RealtimeFirstFragmentTimeout bounds how long the realtime path may
	// take to produce its first response fragment before failover.
	RealtimeFirstFragmentTimeout time.Duration

	// FallbackStageTimeout bounds each discrete fallback stage call.
	FallbackStageTimeout time.Duration

	// FallbackStageRetries bounds per-stage retries after the first
	// attempt.
	FallbackStageRetries int

	// MaxBackoff caps the exponential realtime retry backoff.
	MaxBackoff time.Duration

	// FragmentBufferCap bounds the per-utterance delivery buffer.
	FragmentBufferCap int

	// Language is the session default language.
	Language string
}

// Defaults.
const (
	DefaultFirstFragmentTimeout = 3 * time.Second
	DefaultStageTimeout         = 10 * time.Second
	DefaultStageRetries         = 2
	DefaultMaxBackoff           = 8 * time.Second
	DefaultFragmentBufferCap    = 64
	DefaultLanguage             = "en"

	// backoffBase is the gap after the first realtime failure; it doubles
	// per consecutive failure up to MaxBackoff.
	backoffBase = time.Second
)

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.PreferredPath == "" {
		c.PreferredPath = "realtime"
	}
	if c.RealtimeFirstFragmentTimeout <= 0 {
		c.RealtimeFirstFragmentTimeout = DefaultFirstFragmentTimeout
	}
	if c.FallbackStageTimeout <= 0 {
		c.FallbackStageTimeout = DefaultStageTimeout
	}
	if c.FallbackStageRetries < 0 {
		c.FallbackStageRetries = DefaultStageRetries
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.FragmentBufferCap <= 0 {
		c.FragmentBufferCap = DefaultFragmentBufferCap
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	return c
}
