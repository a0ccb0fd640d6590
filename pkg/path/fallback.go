package path

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/flightsearch"
	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
	"github.com/skyvoice-ai/skyvoice/pkg/voice/stt"
	"github.com/skyvoice-ai/skyvoice/pkg/voice/tts"
)

// Stage names used in stage-tagged errors.
const (
	StageSTT       = "stt"
	StageReasoning = "reasoning"
	StageTTS       = "tts"
)

// maxFunctionCalls bounds the reasoning loop: at most one outstanding call
// per step, at most this many steps per utterance.
const maxFunctionCalls = 4

// FallbackConfig tunes the discrete pipeline.
type FallbackConfig struct {
	StageTimeout time.Duration // per external call
	StageRetries int           // retries after the first attempt
	Language     string
	Voice        string
	SampleRate   int
	System       string
}

// Fallback is the discrete STT -> Reasoning -> TTS pipeline, run once per
// utterance.
type Fallback struct {
	stt      stt.Provider
	llm      reasoning.Provider
	tts      tts.Provider
	executor *flightsearch.Registry
	cfg      FallbackConfig
	logger   *slog.Logger
}

// NewFallback wires the three stages and the function executor.
func NewFallback(sttP stt.Provider, llm reasoning.Provider, ttsP tts.Provider, executor *flightsearch.Registry, cfg FallbackConfig, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Second
	}
	if cfg.StageRetries < 0 {
		cfg.StageRetries = 0
	}
	return &Fallback{stt: sttP, llm: llm, tts: ttsP, executor: executor, cfg: cfg, logger: logger}
}

// Name returns the path identifier.
func (p *Fallback) Name() string { return "fallback" }

// EmitsTranscript reports that this path produces text fragments.
func (p *Fallback) EmitsTranscript() bool { return true }

// Close is a no-op: the fallback path holds no persistent backend session.
func (p *Fallback) Close() error { return nil }

// StartTurn begins one utterance. The turn copies frames already buffered
// on the utterance so a failover replay loses nothing.
func (p *Fallback) StartTurn(ctx context.Context, utt *types.Utterance, history []types.HistoryTurn) (Turn, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &fallbackTurn{
		path:      p,
		utterance: utt,
		history:   append([]types.HistoryTurn(nil), history...),
		frames:    utt.FrameSnapshot(),
		fragments: make(chan types.ResponseFragment, 32),
		endInput:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go t.run()
	return t, nil
}

type fallbackTurn struct {
	path      *Fallback
	utterance *types.Utterance
	history   []types.HistoryTurn
	fragments chan types.ResponseFragment
	endInput  chan struct{}
	endOnce   sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	frames   [][]byte
	err      error
	userText string
	text     strings.Builder
}

func (t *fallbackTurn) FeedAudio(frame []byte) error {
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	case <-t.endInput:
		return fmt.Errorf("input already ended")
	default:
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	t.mu.Lock()
	t.frames = append(t.frames, buf)
	t.mu.Unlock()
	return nil
}

func (t *fallbackTurn) EndOfInput() error {
	t.endOnce.Do(func() { close(t.endInput) })
	return nil
}

func (t *fallbackTurn) Fragments() <-chan types.ResponseFragment {
	return t.fragments
}

func (t *fallbackTurn) Cancel() {
	t.cancel()
}

func (t *fallbackTurn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fallbackTurn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

func (t *fallbackTurn) UserText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userText
}

func (t *fallbackTurn) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *fallbackTurn) emit(frag types.ResponseFragment) bool {
	select {
	case t.fragments <- frag:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *fallbackTurn) run() {
	defer close(t.fragments)
	defer t.cancel()

	// Wait for the utterance's input to complete before the STT stage.
	select {
	case <-t.endInput:
	case <-t.ctx.Done():
		return
	}

	userText, err := t.transcribe()
	if err != nil {
		t.fail(err)
		return
	}
	t.mu.Lock()
	t.userText = userText
	t.mu.Unlock()
	if strings.TrimSpace(userText) == "" {
		// Nothing intelligible: an empty completed turn, not an error.
		return
	}

	reply, err := t.reason(userText)
	if err != nil {
		t.fail(err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}
	t.mu.Lock()
	t.text.WriteString(reply)
	t.mu.Unlock()

	if err := t.speak(reply); err != nil {
		t.fail(err)
	}
}

// transcribe runs the STT stage with bounded retries.
func (t *fallbackTurn) transcribe() (string, error) {
	p := t.path
	t.mu.Lock()
	audio := make([]byte, 0)
	for _, f := range t.frames {
		audio = append(audio, f...)
	}
	t.mu.Unlock()

	language := t.utterance.Language
	if language == "" {
		language = p.cfg.Language
	}

	var transcript *stt.Transcript
	err := retry.Do(t.ctx, p.stageBackoff(), func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
		tr, err := p.stt.Transcribe(sctx, audio, stt.TranscribeOptions{
			Language:   language,
			Encoding:   "pcm_s16le",
			SampleRate: p.cfg.SampleRate,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		transcript = tr
		return nil
	})
	if err != nil {
		return "", core.NewStageError(core.ErrSttFailure, StageSTT, "transcription failed", err)
	}
	return transcript.Text, nil
}

// reason runs the reasoning loop, resolving at most one function call per
// step through the executor.
func (t *fallbackTurn) reason(userText string) (string, error) {
	p := t.path
	history := append(t.history, types.HistoryTurn{Role: types.RoleUser, Text: userText})

	for step := 0; step <= maxFunctionCalls; step++ {
		req := &reasoning.Request{
			System:   p.cfg.System,
			Language: p.cfg.Language,
			History:  history,
			Tools:    p.executor.Schemas(),
		}

		var reply *reasoning.Reply
		err := retry.Do(t.ctx, p.stageBackoff(), func(ctx context.Context) error {
			sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
			defer cancel()
			r, err := p.llm.Complete(sctx, req)
			if err != nil {
				return retry.RetryableError(err)
			}
			reply = r
			return nil
		})
		if err != nil {
			return "", core.NewStageError(core.ErrReasoningFailure, StageReasoning, "reasoning failed", err)
		}

		if reply.Call == nil {
			return reply.Text, nil
		}

		// Execution errors come back as structured results; the model
		// decides how to recover.
		result := p.executor.Execute(t.ctx, *reply.Call)
		p.logger.Debug("tool call resolved",
			"tool", reply.Call.Name,
			"call_id", reply.Call.CallID,
			"failed", result.Error != "")
		history = append(history,
			types.HistoryTurn{Role: types.RoleAssistant, Call: reply.Call},
			types.HistoryTurn{Role: types.RoleTool, CallResp: &result},
		)
	}
	return "", core.NewStageError(core.ErrReasoningFailure, StageReasoning,
		fmt.Sprintf("function call budget exhausted (%d)", maxFunctionCalls), nil)
}

// speak synthesizes the reply sentence by sentence. Each sentence takes one
// sequence number: its text fragment first, then its audio chunks under the
// same number, so downstream ordering pairs them naturally.
func (t *fallbackTurn) speak(reply string) error {
	p := t.path
	sentences := SplitSentences(reply)
	for i, sentence := range sentences {
		seq := i + 1
		last := i == len(sentences)-1

		if !t.emit(types.ResponseFragment{
			UtteranceID: t.utterance.ID,
			Kind:        types.FragmentText,
			Seq:         seq,
			Text:        sentence,
			Final:       last,
		}) {
			return t.ctx.Err()
		}

		var stream *tts.SynthesisStream
		err := retry.Do(t.ctx, p.stageBackoff(), func(ctx context.Context) error {
			sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
			defer cancel()
			s, err := p.tts.SynthesizeStream(sctx, sentence, tts.SynthesizeOptions{
				Voice:      p.cfg.Voice,
				Language:   p.cfg.Language,
				Format:     "pcm",
				SampleRate: p.cfg.SampleRate,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			stream = s
			return nil
		})
		if err != nil {
			return core.NewStageError(core.ErrTtsFailure, StageTTS, "synthesis failed", err)
		}

		for chunk := range stream.Chunks() {
			if !t.emit(types.ResponseFragment{
				UtteranceID: t.utterance.ID,
				Kind:        types.FragmentAudio,
				Seq:         seq,
				Audio:       chunk,
			}) {
				stream.Close()
				return t.ctx.Err()
			}
		}
		if serr := stream.Err(); serr != nil {
			return core.NewStageError(core.ErrTtsFailure, StageTTS, "synthesis stream failed", serr)
		}
		if last {
			if !t.emit(types.ResponseFragment{
				UtteranceID: t.utterance.ID,
				Kind:        types.FragmentAudio,
				Seq:         seq,
				Final:       true,
			}) {
				return t.ctx.Err()
			}
		}
	}
	return nil
}

func (p *Fallback) stageBackoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	return retry.WithMaxRetries(uint64(p.cfg.StageRetries), b)
}

// SplitSentences breaks reply text at sentence punctuation, keeping the
// punctuation with its sentence. Text without terminal punctuation comes
// back as one trailing sentence.
func SplitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
