package realtime

import "encoding/json"

// Event is a typed message from the backend session.
type Event interface {
	EventType() string
}

// SessionReady signals the backend accepted the session configuration.
type SessionReady struct{}

func (e *SessionReady) EventType() string { return "session_ready" }

// TranscriptDelta is an incremental piece of the assistant's transcript.
// Final marks the end of the transcript for the current response.
type TranscriptDelta struct {
	Text  string
	Final bool
}

func (e *TranscriptDelta) EventType() string { return "transcript_delta" }

// AudioDelta is a chunk of synthesized assistant audio.
type AudioDelta struct {
	Audio []byte
}

func (e *AudioDelta) EventType() string { return "audio_delta" }

// AudioDone marks the end of assistant audio for the current response.
type AudioDone struct{}

func (e *AudioDone) EventType() string { return "audio_done" }

// FunctionCall asks the caller to resolve a tool invocation before the
// response stream resumes.
type FunctionCall struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

func (e *FunctionCall) EventType() string { return "function_call" }

// ResponseDone marks the end of the current response.
type ResponseDone struct{}

func (e *ResponseDone) EventType() string { return "response_done" }
