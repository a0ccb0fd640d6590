// Package tts provides text-to-speech for the fallback path.
package tts

import "context"

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio in one shot.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)

	// SynthesizeStream converts text to streaming audio chunks.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // voice identifier
	Speed      float64 // speed multiplier (0.6-1.5, default 1.0)
	Language   string  // language code
	Format     string  // output format: "wav", "mp3", or "pcm"
	SampleRate int     // sample rate in Hz
}

// Synthesis is the result of one-shot synthesis.
type Synthesis struct {
	Audio  []byte
	Format string
}

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks chan []byte
	err    error
	done   chan struct{}
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed when synthesis
// completes or fails; check Err after it closes.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the stream error, if any. Valid after Chunks closes.
func (s *SynthesisStream) Err() error {
	return s.err
}

// Close abandons the stream.
func (s *SynthesisStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

// SetError records the stream error.
func (s *SynthesisStream) SetError(err error) {
	s.err = err
}

// Send delivers a chunk. Returns false if the stream was closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
