// Package realtime implements the client side of a duplex speech-to-speech
// backend session: streamed audio in, streamed transcript and audio out,
// with mid-stream function calls.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
)

const (
	// DefaultURL is the default realtime backend endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the speech-to-speech model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Config describes one backend session.
type Config struct {
	URL              string
	APIKey           string
	Model            string
	Voice            string
	Language         string
	Instructions     string
	Tools            []reasoning.ToolSchema
	HandshakeTimeout time.Duration
}

// Session is a live duplex connection to the realtime backend. Events are
// consumed from Events(); a closed channel means the session ended, and
// Err() reports why.
type Session struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects, configures the session, and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	urlStr := cfg.URL
	if urlStr == "" {
		urlStr = DefaultURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("%s?model=%s", urlStr, model), header)
	if err != nil {
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}

	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if err := s.configure(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()

	return s, nil
}

// configure disables server-side turn detection: the pipeline controller
// owns utterance boundaries and commits explicitly.
func (s *Session) configure(cfg Config) error {
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}

	apiTools := make([]map[string]any, 0, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		apiTools = append(apiTools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}

	instructions := cfg.Instructions
	if cfg.Language != "" {
		instructions += "\nAlways respond in language: " + cfg.Language
	}

	msg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        instructions,
			"voice":               voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      nil,
			"tools":               apiTools,
			"tool_choice":         "auto",
		},
	}
	return s.sendJSON(msg)
}

// AppendAudio streams one captured frame into the backend's input buffer.
func (s *Session) AppendAudio(frame []byte) error {
	return s.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

// Commit ends the input for the current utterance and requests a response.
func (s *Session) Commit() error {
	if err := s.sendJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.sendJSON(map[string]string{"type": "response.create"})
}

// ClearInput discards uncommitted input audio.
func (s *Session) ClearInput() error {
	return s.sendJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CancelResponse aborts the in-progress response.
func (s *Session) CancelResponse() error {
	return s.sendJSON(map[string]string{"type": "response.cancel"})
}

// SendFunctionResult feeds a resolved function call back and resumes the
// response stream.
func (s *Session) SendFunctionResult(callID string, output json.RawMessage) error {
	err := s.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
	if err != nil {
		return err
	}
	return s.sendJSON(map[string]string{"type": "response.create"})
}

// Events returns the inbound event channel. Closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended, nil for a clean close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the connection.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("realtime session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(err)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "session.created":
			s.emit(&SessionReady{})
		case "response.audio_transcript.delta":
			s.emit(&TranscriptDelta{Text: msg.Delta})
		case "response.audio_transcript.done":
			s.emit(&TranscriptDelta{Text: "", Final: true})
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil {
				continue
			}
			s.emit(&AudioDelta{Audio: audio})
		case "response.audio.done":
			s.emit(&AudioDone{})
		case "response.function_call_arguments.done":
			s.emit(&FunctionCall{
				CallID: msg.CallID,
				Name:   msg.Name,
				Args:   json.RawMessage(msg.Arguments),
			})
		case "response.done":
			s.emit(&ResponseDone{})
		case "error":
			errMsg := "backend error"
			if msg.Error != nil {
				errMsg = msg.Error.Message
			}
			s.setErr(fmt.Errorf("realtime backend: %s", errMsg))
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type serverMessage struct {
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}
