// Package path defines the polymorphic pipeline path the controller
// supervises, with a realtime and a fallback implementation emitting the
// same fragment contract.
package path

import (
	"context"

	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
)

// Turn is one utterance's processing on a path. Audio is fed until
// EndOfInput; fragments arrive on Fragments until it closes. After the
// channel closes, Err reports whether the turn completed or failed.
type Turn interface {
	// FeedAudio streams one captured frame into the turn.
	FeedAudio(frame []byte) error

	// EndOfInput signals that the utterance's audio is complete and the
	// response should be generated.
	EndOfInput() error

	// Fragments is the stream of response fragments. Closed when the turn
	// completes, fails, or is cancelled.
	Fragments() <-chan types.ResponseFragment

	// Cancel aborts the turn. Fragments closes shortly after.
	Cancel()

	// Err reports a turn failure as a typed pipeline error, nil on clean
	// completion. Valid after Fragments closes.
	Err() error

	// Text returns the full assistant text of the completed turn, for
	// conversation history. Valid after Fragments closes.
	Text() string
}

// Path is one pipeline variant. At most one turn runs per path instance
// at a time.
type Path interface {
	// Name returns "realtime" or "fallback".
	Name() string

	// EmitsTranscript reports whether this path produces text fragments.
	// The delivery layer only enforces text-precedes-audio for paths that
	// do.
	EmitsTranscript() bool

	// StartTurn begins processing one utterance. Frames already buffered
	// on the utterance are consumed by the turn; later frames are fed via
	// Turn.FeedAudio.
	StartTurn(ctx context.Context, utt *types.Utterance, history []types.HistoryTurn) (Turn, error)

	// Close releases any persistent backend resources.
	Close() error
}
