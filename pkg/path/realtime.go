package path

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/flightsearch"
	"github.com/skyvoice-ai/skyvoice/pkg/realtime"
)

// RealtimeBackend is the duplex session surface the realtime path drives.
// *realtime.Session implements it; tests use fakes.
type RealtimeBackend interface {
	AppendAudio(frame []byte) error
	Commit() error
	ClearInput() error
	CancelResponse() error
	SendFunctionResult(callID string, output json.RawMessage) error
	Events() <-chan realtime.Event
	Err() error
	Close() error
}

// RealtimeDialer opens a new backend session.
type RealtimeDialer func(ctx context.Context) (RealtimeBackend, error)

// Turn states of the realtime path. Function calls pause only the response
// stream; audio capture keeps feeding the backend.
const (
	realtimeStreaming    = "streaming"
	realtimePausedOnCall = "paused_on_function_call"
)

// Realtime is the primary path: one persistent duplex session reused
// across utterances, redialed lazily after a failure.
//
// Reuse needs two guards on the shared event stream. lastPump serializes
// turn handoff: a new turn waits for the previous pump to exit before it
// reads events, so two pumps never race for the same channel. staleDones
// counts responses a cancelled turn requested but never consumed; the next
// pump discards events until those responses have fully flushed past.
type Realtime struct {
	dial     RealtimeDialer
	executor *flightsearch.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	session    RealtimeBackend
	lastPump   chan struct{}
	staleDones int
}

// NewRealtime wires the dialer and function executor.
func NewRealtime(dial RealtimeDialer, executor *flightsearch.Registry, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{dial: dial, executor: executor, logger: logger}
}

// Name returns the path identifier.
func (p *Realtime) Name() string { return "realtime" }

// EmitsTranscript reports that the backend streams incremental transcripts.
func (p *Realtime) EmitsTranscript() bool { return true }

// Close tears down the persistent session if one is open.
func (p *Realtime) Close() error {
	p.mu.Lock()
	session := p.session
	p.session = nil
	p.mu.Unlock()
	if session != nil {
		return session.Close()
	}
	return nil
}

// dropSession forgets a dead session so the next turn redials.
func (p *Realtime) dropSession(s RealtimeBackend) {
	p.mu.Lock()
	if p.session == s {
		p.session = nil
		p.staleDones = 0
	}
	p.mu.Unlock()
	_ = s.Close()
}

// noteUnconsumedResponse records that a turn's pump exited with a requested
// response still unread on the session. Its events are stale for whoever
// reads the channel next.
func (p *Realtime) noteUnconsumedResponse(s RealtimeBackend) {
	p.mu.Lock()
	if p.session == s {
		p.staleDones++
	}
	p.mu.Unlock()
}

// discardStale reports whether ev belongs to a response a previous turn
// abandoned, consuming the stale terminator when it passes.
func (p *Realtime) discardStale(s RealtimeBackend, ev realtime.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != s || p.staleDones == 0 {
		return false
	}
	if _, ok := ev.(*realtime.ResponseDone); ok {
		p.staleDones--
	}
	return true
}

// StartTurn begins one utterance, dialing the backend if needed and
// replaying any frames already buffered on the utterance.
func (p *Realtime) StartTurn(ctx context.Context, utt *types.Utterance, _ []types.HistoryTurn) (Turn, error) {
	p.mu.Lock()
	session := p.session
	prevPump := p.lastPump
	p.mu.Unlock()

	if session == nil {
		s, err := p.dial(ctx)
		if err != nil {
			return nil, core.NewRealtimeUnavailable("backend connect failed", err)
		}
		p.mu.Lock()
		p.session = s
		p.lastPump = nil
		p.staleDones = 0
		p.mu.Unlock()
		session = s
		prevPump = nil
	}

	// The previous turn's pump must release the event stream before this
	// turn reads it.
	if prevPump != nil {
		select {
		case <-prevPump:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &realtimeTurn{
		path:      p,
		session:   session,
		utterance: utt,
		fragments: make(chan types.ResponseFragment, 32),
		pumpDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		state:     realtimeStreaming,
	}

	for _, frame := range utt.FrameSnapshot() {
		if err := session.AppendAudio(frame); err != nil {
			cancel()
			p.dropSession(session)
			return nil, core.NewRealtimeUnavailable("audio replay failed", err)
		}
	}

	p.mu.Lock()
	p.lastPump = t.pumpDone
	p.mu.Unlock()

	go t.pump()
	return t, nil
}

type realtimeTurn struct {
	path      *Realtime
	session   RealtimeBackend
	utterance *types.Utterance
	fragments chan types.ResponseFragment
	pumpDone  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// doneSeen is touched only by the pump goroutine.
	doneSeen bool

	mu        sync.Mutex
	state     string
	committed bool
	err       error
	text      strings.Builder
	textSeq   int
	audioSeq  int
}

func (t *realtimeTurn) FeedAudio(frame []byte) error {
	select {
	case <-t.ctx.Done():
		return t.ctx.Err()
	default:
	}
	if err := t.session.AppendAudio(frame); err != nil {
		err = core.NewRealtimeUnavailable("audio append failed", err)
		t.fail(err)
		t.path.dropSession(t.session)
		return err
	}
	return nil
}

func (t *realtimeTurn) EndOfInput() error {
	t.mu.Lock()
	t.committed = true
	t.mu.Unlock()
	if err := t.session.Commit(); err != nil {
		err = core.NewRealtimeUnavailable("commit failed", err)
		t.fail(err)
		t.path.dropSession(t.session)
		return err
	}
	return nil
}

func (t *realtimeTurn) Fragments() <-chan types.ResponseFragment {
	return t.fragments
}

func (t *realtimeTurn) Cancel() {
	_ = t.session.CancelResponse()
	_ = t.session.ClearInput()
	t.cancel()
}

func (t *realtimeTurn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *realtimeTurn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

func (t *realtimeTurn) UserText() string { return "" }

func (t *realtimeTurn) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *realtimeTurn) setState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *realtimeTurn) emit(frag types.ResponseFragment) bool {
	select {
	case t.fragments <- frag:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// pump translates backend events into fragments until the response
// completes or the session dies. On exit it settles the shared stream: a
// committed response it never read to completion is flagged stale so the
// next turn can skip past it, and pumpDone releases stream ownership.
func (t *realtimeTurn) pump() {
	defer func() {
		t.cancel()
		t.mu.Lock()
		committed := t.committed
		t.mu.Unlock()
		if committed && !t.doneSeen {
			t.path.noteUnconsumedResponse(t.session)
		}
		close(t.pumpDone)
		close(t.fragments)
	}()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-t.session.Events():
			if !ok {
				err := t.session.Err()
				t.fail(core.NewRealtimeUnavailable("session closed", err))
				t.path.dropSession(t.session)
				return
			}
			if t.path.discardStale(t.session, ev) {
				continue
			}
			if !t.handleEvent(ev) {
				return
			}
		}
	}
}

func (t *realtimeTurn) handleEvent(ev realtime.Event) bool {
	switch e := ev.(type) {
	case *realtime.TranscriptDelta:
		t.mu.Lock()
		t.textSeq++
		seq := t.textSeq
		t.text.WriteString(e.Text)
		t.mu.Unlock()
		return t.emit(types.ResponseFragment{
			UtteranceID: t.utterance.ID,
			Kind:        types.FragmentText,
			Seq:         seq,
			Text:        e.Text,
			Final:       e.Final,
		})

	case *realtime.AudioDelta:
		// Audio pairs with the transcript produced so far. Before any
		// transcript, seq 1 holds audio onset behind the first text.
		t.mu.Lock()
		seq := t.textSeq
		if seq < 1 {
			seq = 1
		}
		if seq < t.audioSeq {
			seq = t.audioSeq
		}
		t.audioSeq = seq
		t.mu.Unlock()
		return t.emit(types.ResponseFragment{
			UtteranceID: t.utterance.ID,
			Kind:        types.FragmentAudio,
			Seq:         seq,
			Audio:       e.Audio,
		})

	case *realtime.AudioDone:
		t.mu.Lock()
		seq := t.audioSeq
		if seq < 1 {
			seq = 1
		}
		t.mu.Unlock()
		return t.emit(types.ResponseFragment{
			UtteranceID: t.utterance.ID,
			Kind:        types.FragmentAudio,
			Seq:         seq,
			Final:       true,
		})

	case *realtime.FunctionCall:
		// The response stream pauses here; audio capture does not.
		t.setState(realtimePausedOnCall)
		result := t.path.executor.Execute(t.ctx, types.FunctionCallRequest{
			CallID: e.CallID,
			Name:   e.Name,
			Args:   e.Args,
		})
		output := result.Result
		if result.Error != "" {
			output = json.RawMessage(`{"error":` + quoteJSON(result.Error) + `}`)
		}
		if err := t.session.SendFunctionResult(e.CallID, output); err != nil {
			t.fail(core.NewRealtimeUnavailable("function result send failed", err))
			t.path.dropSession(t.session)
			return false
		}
		t.setState(realtimeStreaming)
		return true

	case *realtime.ResponseDone:
		t.doneSeen = true
		return false

	default:
		return true
	}
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
