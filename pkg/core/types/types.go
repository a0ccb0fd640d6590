// Package types holds the data model shared by the pipeline, paths, and
// transport: utterances, response fragments, and function calls.
package types

import (
	"encoding/json"
	"sync"
	"time"
)

// FragmentKind distinguishes the two output sub-channels.
type FragmentKind string

const (
	FragmentText  FragmentKind = "text"
	FragmentAudio FragmentKind = "audio"
)

// ResponseFragment is one sequenced unit of assistant output belonging to a
// single utterance. Text and audio carry independent sequence spaces:
// audio seq s corresponds to the text fragment(s) with seq <= s.
type ResponseFragment struct {
	UtteranceID string
	Kind        FragmentKind
	Seq         int
	Text        string
	Audio       []byte
	// Final marks the last fragment of its kind for the utterance.
	Final bool
}

// Utterance is one user speech turn. Frames accumulate as audio arrives and
// are retained until the response completes, so a failover can replay them.
// The frame buffer is written by the session goroutine and read by path
// goroutines, so access goes through the mutex.
type Utterance struct {
	ID        string
	Language  string
	StartedAt time.Time
	EndedAt   time.Time

	mu     sync.Mutex
	frames [][]byte
}

// AppendFrame records an inbound audio frame.
func (u *Utterance) AppendFrame(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	u.mu.Lock()
	u.frames = append(u.frames, buf)
	u.mu.Unlock()
}

// FrameSnapshot returns the buffered frames in arrival order. The frames
// themselves are never mutated after append, so sharing them is safe.
func (u *Utterance) FrameSnapshot() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.frames...)
}

// FrameCount reports how many frames are buffered.
func (u *Utterance) FrameCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.frames)
}

// AudioBytes concatenates all buffered frames, for batch STT.
func (u *Utterance) AudioBytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, f := range u.frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range u.frames {
		out = append(out, f...)
	}
	return out
}

// FunctionCallRequest is a tool invocation produced by a reasoning stage.
type FunctionCallRequest struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// FunctionCallResult carries the tool output back to the reasoning stage.
// Exactly one of Result or Error is set.
type FunctionCallResult struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HistoryRole identifies the speaker of a conversation turn.
type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
	RoleTool      HistoryRole = "tool"
)

// HistoryTurn is one entry of the per-session conversation history fed to
// the reasoning stage.
type HistoryTurn struct {
	Role     HistoryRole `json:"role"`
	Text     string      `json:"text,omitempty"`
	Call     *FunctionCallRequest
	CallResp *FunctionCallResult
}
