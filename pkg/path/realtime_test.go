package path

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/flightsearch"
	"github.com/skyvoice-ai/skyvoice/pkg/realtime"
)

type fakeBackend struct {
	mu       sync.Mutex
	appended [][]byte
	commits  int
	cancels  int
	clears   int
	results  []json.RawMessage
	closed   bool

	events    chan realtime.Event
	appendErr error
	err       error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan realtime.Event, 32)}
}

func (b *fakeBackend) AppendAudio(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	b.appended = append(b.appended, buf)
	return nil
}

func (b *fakeBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	return nil
}

func (b *fakeBackend) ClearInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	return nil
}

func (b *fakeBackend) CancelResponse() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *fakeBackend) SendFunctionResult(_ string, output json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, output)
	return nil
}

func (b *fakeBackend) Events() <-chan realtime.Event { return b.events }

func (b *fakeBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func dialerFor(b *fakeBackend) RealtimeDialer {
	return func(context.Context) (RealtimeBackend, error) { return b, nil }
}

func TestRealtime_ReplaysBufferedFramesOnStart(t *testing.T) {
	backend := newFakeBackend()
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	utt := newUtterance("f1", "f2")
	turn, err := p.StartTurn(context.Background(), utt, nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}
	defer turn.Cancel()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.appended) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(backend.appended))
	}
	if string(backend.appended[0]) != "f1" || string(backend.appended[1]) != "f2" {
		t.Fatalf("replay order wrong: %q %q", backend.appended[0], backend.appended[1])
	}
}

func TestRealtime_AudioSeqFollowsTranscript(t *testing.T) {
	backend := newFakeBackend()
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	turn, err := p.StartTurn(context.Background(), newUtterance(), nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}

	backend.events <- &realtime.AudioDelta{Audio: []byte("early")}
	backend.events <- &realtime.TranscriptDelta{Text: "Hello"}
	backend.events <- &realtime.AudioDelta{Audio: []byte("mid")}
	backend.events <- &realtime.TranscriptDelta{Text: " there", Final: true}
	backend.events <- &realtime.AudioDone{}
	backend.events <- &realtime.ResponseDone{}

	frags := collectFragments(t, turn)
	if err := turn.Err(); err != nil {
		t.Fatalf("turn error: %v", err)
	}

	// Audio before any transcript sits at seq 1, so delivery holds it until
	// the first text fragment is out.
	if frags[0].Kind != types.FragmentAudio || frags[0].Seq != 1 {
		t.Fatalf("fragment 0 = %+v, want audio seq 1", frags[0])
	}
	if frags[1].Kind != types.FragmentText || frags[1].Seq != 1 {
		t.Fatalf("fragment 1 = %+v, want text seq 1", frags[1])
	}
	if frags[2].Kind != types.FragmentAudio || frags[2].Seq != 1 {
		t.Fatalf("fragment 2 = %+v, want audio seq 1", frags[2])
	}
	if frags[3].Kind != types.FragmentText || frags[3].Seq != 2 || !frags[3].Final {
		t.Fatalf("fragment 3 = %+v, want final text seq 2", frags[3])
	}
	last := frags[len(frags)-1]
	if last.Kind != types.FragmentAudio || !last.Final {
		t.Fatalf("last fragment = %+v, want final audio marker", last)
	}
	if got := turn.Text(); got != "Hello there" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestRealtime_SessionDeathSurfacesAsUnavailable(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.New("connection reset")
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	turn, err := p.StartTurn(context.Background(), newUtterance(), nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}

	close(backend.events)
	collectFragments(t, turn)

	if !core.IsKind(turn.Err(), core.ErrRealtimeUnavailable) {
		t.Fatalf("turn error = %v, want realtime_unavailable", turn.Err())
	}

	// The dead session is dropped; the next turn redials.
	backend.mu.Lock()
	closed := backend.closed
	backend.mu.Unlock()
	if !closed {
		t.Fatalf("dead session was not closed")
	}

	fresh := newFakeBackend()
	dialed := false
	p2 := p
	p2.dial = func(context.Context) (RealtimeBackend, error) {
		dialed = true
		return fresh, nil
	}
	turn2, err := p2.StartTurn(context.Background(), newUtterance(), nil)
	if err != nil {
		t.Fatalf("StartTurn() after death: %v", err)
	}
	defer turn2.Cancel()
	if !dialed {
		t.Fatalf("second turn reused the dead session")
	}
}

func TestRealtime_FunctionCallRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	// An empty registry turns any call into an execution error result, which
	// still goes back to the backend as structured output.
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	turn, err := p.StartTurn(context.Background(), newUtterance(), nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}

	backend.events <- &realtime.FunctionCall{
		CallID: "c1",
		Name:   "search_flights",
		Args:   json.RawMessage(`{"origin":"BER"}`),
	}
	backend.events <- &realtime.TranscriptDelta{Text: "Sorry.", Final: true}
	backend.events <- &realtime.ResponseDone{}

	collectFragments(t, turn)
	if err := turn.Err(); err != nil {
		t.Fatalf("turn error: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.results) != 1 {
		t.Fatalf("function results sent = %d, want 1", len(backend.results))
	}
	var payload map[string]any
	if err := json.Unmarshal(backend.results[0], &payload); err != nil {
		t.Fatalf("result payload not JSON: %v", err)
	}
	if _, ok := payload["error"]; !ok {
		t.Fatalf("unknown tool result should carry error field: %s", backend.results[0])
	}
}

func TestRealtime_DialFailureIsUnavailable(t *testing.T) {
	p := NewRealtime(func(context.Context) (RealtimeBackend, error) {
		return nil, errors.New("dns failure")
	}, flightsearch.NewRegistry(), nil)

	_, err := p.StartTurn(context.Background(), newUtterance(), nil)
	if !core.IsKind(err, core.ErrRealtimeUnavailable) {
		t.Fatalf("StartTurn error = %v, want realtime_unavailable", err)
	}
}

func TestRealtime_CancelledResponseLeftoversSkipped(t *testing.T) {
	backend := newFakeBackend()
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	utt1 := &types.Utterance{ID: "u1", Language: "en"}
	turn1, err := p.StartTurn(context.Background(), utt1, nil)
	if err != nil {
		t.Fatalf("StartTurn() u1: %v", err)
	}
	if err := turn1.EndOfInput(); err != nil {
		t.Fatalf("EndOfInput() u1: %v", err)
	}
	turn1.Cancel()

	// The backend still flushes the aborted response after the cancel.
	backend.events <- &realtime.AudioDelta{Audio: []byte("leftover-audio")}
	backend.events <- &realtime.ResponseDone{}

	utt2 := &types.Utterance{ID: "u2", Language: "en"}
	turn2, err := p.StartTurn(context.Background(), utt2, nil)
	if err != nil {
		t.Fatalf("StartTurn() u2: %v", err)
	}
	if err := turn2.EndOfInput(); err != nil {
		t.Fatalf("EndOfInput() u2: %v", err)
	}

	backend.events <- &realtime.TranscriptDelta{Text: "Found one option.", Final: true}
	backend.events <- &realtime.AudioDelta{Audio: []byte("real-audio")}
	backend.events <- &realtime.AudioDone{}
	backend.events <- &realtime.ResponseDone{}

	frags := collectFragments(t, turn2)
	if err := turn2.Err(); err != nil {
		t.Fatalf("turn2 error: %v", err)
	}
	if len(frags) == 0 {
		t.Fatalf("turn2 delivered no fragments")
	}
	for _, f := range frags {
		if f.UtteranceID != "u2" {
			t.Fatalf("fragment carries utterance %q, want u2", f.UtteranceID)
		}
		if string(f.Audio) == "leftover-audio" {
			t.Fatalf("aborted response audio leaked into the next turn: %+v", f)
		}
	}
	if got := turn2.Text(); got != "Found one option." {
		t.Fatalf("turn2 Text() = %q", got)
	}
}

func TestRealtime_CancelBeforeCommitLeavesStreamClean(t *testing.T) {
	backend := newFakeBackend()
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	turn1, err := p.StartTurn(context.Background(), &types.Utterance{ID: "u1"}, nil)
	if err != nil {
		t.Fatalf("StartTurn() u1: %v", err)
	}
	// No commit: nothing was requested, so nothing stale is expected.
	turn1.Cancel()

	turn2, err := p.StartTurn(context.Background(), &types.Utterance{ID: "u2"}, nil)
	if err != nil {
		t.Fatalf("StartTurn() u2: %v", err)
	}
	if err := turn2.EndOfInput(); err != nil {
		t.Fatalf("EndOfInput() u2: %v", err)
	}

	backend.events <- &realtime.TranscriptDelta{Text: "Hi.", Final: true}
	backend.events <- &realtime.ResponseDone{}

	frags := collectFragments(t, turn2)
	if err := turn2.Err(); err != nil {
		t.Fatalf("turn2 error: %v", err)
	}
	if len(frags) != 1 || frags[0].Text != "Hi." {
		t.Fatalf("turn2 fragments = %+v, want the transcript", frags)
	}
}

func TestRealtime_CancelClearsBackendInput(t *testing.T) {
	backend := newFakeBackend()
	p := NewRealtime(dialerFor(backend), flightsearch.NewRegistry(), nil)

	turn, err := p.StartTurn(context.Background(), newUtterance(), nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}
	turn.Cancel()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.cancels != 1 || backend.clears != 1 {
		t.Fatalf("cancels=%d clears=%d, want 1/1", backend.cancels, backend.clears)
	}
}
