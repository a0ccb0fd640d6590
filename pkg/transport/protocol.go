// Package transport defines the live wire protocol and the Channel the
// pipeline delivers onto: a binary audio sub-channel and a JSON data
// sub-channel multiplexed over one websocket.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Data message types on the server-to-client data sub-channel.
const (
	DataTranscript = "transcript"
	DataEvent      = "event"
	DataCancel     = "cancel"
	DataError      = "error"
	DataHelloAck   = "hello_ack"
)

// DecodeError reports a malformed or unsupported client frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the negotiated audio shape for one direction.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// ClientHello opens a session and negotiates audio format and language.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	APIKey          string      `json:"api_key,omitempty"`
	Language        string      `json:"language,omitempty"`
	PreferredPath   string      `json:"preferred_path,omitempty"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

// RedactedForLog strips credentials for access logging.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"language":         h.Language,
		"preferred_path":   h.PreferredPath,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_api_key":      strings.TrimSpace(h.APIKey) != "",
	}
}

// ClientAudioFrame carries one captured audio frame. Binary websocket
// messages are the normal carrier; this JSON shape exists for clients that
// cannot send binary frames.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ClientControl carries utterance lifecycle operations.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// Control operations.
const (
	OpStartUtterance = "start_utterance"
	OpEndUtterance   = "end_utterance"
	OpCancel         = "cancel_utterance"
	OpEndSession     = "end_session"
)

// DecodeClientMessage parses and validates one text frame from the client.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		switch op {
		case OpStartUtterance, OpEndUtterance, OpCancel, OpEndSession:
		case "":
			return nil, badRequest("control.op is required", "op")
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks the required hello fields.
func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" {
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels <= 0 {
		return badRequest("hello.audio_in.channels must be > 0", "audio_in.channels")
	}
	if strings.TrimSpace(msg.AudioOut.Encoding) == "" {
		return badRequest("hello.audio_out.encoding is required", "audio_out.encoding")
	}
	if msg.AudioOut.SampleRateHz <= 0 {
		return badRequest("hello.audio_out.sample_rate_hz must be > 0", "audio_out.sample_rate_hz")
	}
	if msg.AudioOut.Channels <= 0 {
		return badRequest("hello.audio_out.channels must be > 0", "audio_out.channels")
	}
	switch strings.TrimSpace(msg.PreferredPath) {
	case "", "realtime", "fallback":
	default:
		return unsupported("unsupported preferred path", "preferred_path")
	}
	return nil
}

// DataMessage is the envelope for every server-to-client data frame.
type DataMessage struct {
	Type        string          `json:"type"`
	UtteranceID string          `json:"utteranceId,omitempty"`
	Seq         int             `json:"seq,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// TranscriptPayload is the payload of a DataTranscript message.
type TranscriptPayload struct {
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	Language string `json:"language,omitempty"`
}

// EventPayload is the payload of a DataEvent message.
type EventPayload struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

// CancelPayload is the payload of a DataCancel message.
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// HelloAckLimits advertises the server's inbound limits.
type HelloAckLimits struct {
	MaxAudioFrameBytes  int `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int `json:"max_json_message_bytes"`
}

// HelloAckPayload is the payload of a DataHelloAck message.
type HelloAckPayload struct {
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Language        string         `json:"language"`
	ActivePath      string         `json:"active_path"`
	AudioIn         AudioFormat    `json:"audio_in"`
	AudioOut        AudioFormat    `json:"audio_out"`
	Limits          HelloAckLimits `json:"limits"`
}

// ErrorPayload is the payload of a DataError message.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

// NewDataMessage builds an envelope with a marshaled payload.
func NewDataMessage(typ, utteranceID string, seq int, payload any) (DataMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return DataMessage{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return DataMessage{Type: typ, UtteranceID: utteranceID, Seq: seq, Payload: raw}, nil
}
