package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/transport"
)

// Delivery orders fragment delivery onto the transport per utterance:
// text goes out immediately, audio with sequence number s is held until
// the text with sequence number >= s has been delivered. A final text
// fragment releases everything still held. Paths that emit no transcript
// bypass the rule entirely.
type Delivery struct {
	ch     transport.Channel
	cap    int
	logger *slog.Logger

	mu              sync.Mutex
	utteranceID     string
	language        string
	emitsTranscript bool
	textSeq         int
	finalText       bool
	pending         []types.ResponseFragment
}

// NewDelivery binds the delivery layer to a transport channel. bufferCap
// bounds the per-utterance hold buffer.
func NewDelivery(ch transport.Channel, bufferCap int, logger *slog.Logger) *Delivery {
	if bufferCap <= 0 {
		bufferCap = DefaultFragmentBufferCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{ch: ch, cap: bufferCap, logger: logger}
}

// BeginUtterance resets per-utterance state. Any leftovers from a prior
// utterance are discarded.
func (d *Delivery) BeginUtterance(utteranceID, language string, emitsTranscript bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.utteranceID = utteranceID
	d.language = language
	d.emitsTranscript = emitsTranscript
	d.textSeq = 0
	d.finalText = false
	d.pending = nil
}

// Buffered reports how many fragments are currently held.
func (d *Delivery) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Deliver routes one fragment. A *core.Error with kind delivery_overflow
// means the utterance must be cancelled; the buffer is already discarded.
func (d *Delivery) Deliver(ctx context.Context, frag types.ResponseFragment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if frag.UtteranceID != d.utteranceID {
		// Late fragment from a cancelled or superseded utterance.
		return nil
	}

	switch frag.Kind {
	case types.FragmentText:
		return d.deliverText(ctx, frag)
	case types.FragmentAudio:
		return d.deliverAudio(ctx, frag)
	default:
		return nil
	}
}

func (d *Delivery) deliverText(ctx context.Context, frag types.ResponseFragment) error {
	if len(d.pending) > 0 {
		// Something earlier is still held; keep the stream ordered.
		if err := d.bufferLocked(frag); err != nil {
			return err
		}
		return d.flushLocked(ctx)
	}
	if err := d.sendTextLocked(ctx, frag); err != nil {
		if err == transport.ErrBackpressure {
			// A momentarily full queue buffers the text like held audio;
			// only a full hold buffer is an overflow.
			return d.bufferLocked(frag)
		}
		return err
	}
	return d.flushLocked(ctx)
}

func (d *Delivery) deliverAudio(ctx context.Context, frag types.ResponseFragment) error {
	if d.deliverableLocked(frag.Seq) && len(d.pending) == 0 {
		if err := d.sendAudioLocked(ctx, frag); err != nil {
			if err == transport.ErrBackpressure {
				return d.bufferLocked(frag)
			}
			return err
		}
		return nil
	}
	if err := d.bufferLocked(frag); err != nil {
		return err
	}
	return d.flushLocked(ctx)
}

func (d *Delivery) sendTextLocked(ctx context.Context, frag types.ResponseFragment) error {
	msg, err := transport.NewDataMessage(transport.DataTranscript, frag.UtteranceID, frag.Seq, transport.TranscriptPayload{
		Text:     frag.Text,
		Final:    frag.Final,
		Language: d.language,
	})
	if err != nil {
		return err
	}
	if err := d.ch.SendDataMessage(ctx, msg); err != nil {
		return err
	}
	if frag.Seq > d.textSeq {
		d.textSeq = frag.Seq
	}
	if frag.Final {
		d.finalText = true
	}
	return nil
}

// deliverableLocked applies the precedence rule for one audio sequence
// number.
func (d *Delivery) deliverableLocked(seq int) bool {
	if !d.emitsTranscript || d.finalText {
		return true
	}
	return seq <= d.textSeq
}

func (d *Delivery) sendAudioLocked(ctx context.Context, frag types.ResponseFragment) error {
	if len(frag.Audio) == 0 {
		// Final marker with no payload.
		return nil
	}
	return d.ch.SendAudioFrame(ctx, frag.Audio)
}

// bufferLocked holds a fragment, keeping the hold buffer ordered by
// sequence number (text before audio within a sequence) and bounded by the
// configured cap.
func (d *Delivery) bufferLocked(frag types.ResponseFragment) error {
	if len(d.pending) >= d.cap {
		return d.overflowLocked(frag)
	}
	i := sort.Search(len(d.pending), func(i int) bool {
		if d.pending[i].Seq != frag.Seq {
			return d.pending[i].Seq > frag.Seq
		}
		return d.pending[i].Kind == types.FragmentAudio && frag.Kind == types.FragmentText
	})
	d.pending = append(d.pending, types.ResponseFragment{})
	copy(d.pending[i+1:], d.pending[i:])
	d.pending[i] = frag
	return nil
}

// flushLocked sends every held fragment that has become deliverable, in
// sequence order.
func (d *Delivery) flushLocked(ctx context.Context) error {
	for len(d.pending) > 0 {
		head := d.pending[0]
		var err error
		switch head.Kind {
		case types.FragmentText:
			err = d.sendTextLocked(ctx, head)
		default:
			if !d.deliverableLocked(head.Seq) {
				return nil
			}
			err = d.sendAudioLocked(ctx, head)
		}
		if err != nil {
			if err == transport.ErrBackpressure {
				// Leave the buffer intact; the next Deliver retries.
				return nil
			}
			return err
		}
		d.pending = d.pending[1:]
	}
	return nil
}

func (d *Delivery) overflowLocked(frag types.ResponseFragment) error {
	buffered := len(d.pending)
	d.pending = nil
	d.logger.Warn("fragment buffer overflow",
		"utterance_id", frag.UtteranceID,
		"buffered", buffered,
		"cap", d.cap)
	return core.NewDeliveryOverflow(frag.UtteranceID, buffered, d.cap)
}

// CancelUtterance discards held fragments and sends exactly one
// cancellation marker on the data channel. The marker is the client's only
// signal that the utterance died, so a transiently full queue is retried
// briefly before giving up.
func (d *Delivery) CancelUtterance(ctx context.Context, utteranceID, reason, kind string) error {
	d.mu.Lock()
	if utteranceID == d.utteranceID {
		d.pending = nil
		d.utteranceID = ""
	}
	d.mu.Unlock()

	msg, err := transport.NewDataMessage(transport.DataCancel, utteranceID, 0, transport.CancelPayload{
		Reason: reason,
		Kind:   kind,
	})
	if err != nil {
		return err
	}

	b := retry.WithMaxRetries(5, retry.NewConstant(20*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := d.ch.SendDataMessage(ctx, msg); err != nil {
			if err == transport.ErrBackpressure {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}
