// Package stt provides speech-to-text for the fallback path: one buffered
// utterance in, one transcript out.
package stt

import "context"

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts a complete utterance's audio to text.
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // provider-specific model (default: "ink-whisper")
	Language   string // ISO language code (default: "en")
	Encoding   string // raw PCM encoding (default: "pcm_s16le")
	SampleRate int    // audio sample rate in Hz
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string
	Language string  // detected or specified language
	Duration float64 // audio duration in seconds
}
