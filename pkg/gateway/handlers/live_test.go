package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/session"
	"github.com/skyvoice-ai/skyvoice/pkg/path"
	"github.com/skyvoice-ai/skyvoice/pkg/transport"
)

type idleTurn struct {
	fragments chan types.ResponseFragment
}

func newIdleTurn() *idleTurn {
	return &idleTurn{fragments: make(chan types.ResponseFragment)}
}

func (t *idleTurn) FeedAudio([]byte) error                   { return nil }
func (t *idleTurn) EndOfInput() error                        { return nil }
func (t *idleTurn) Fragments() <-chan types.ResponseFragment { return t.fragments }
func (t *idleTurn) Cancel()                                  { close(t.fragments) }
func (t *idleTurn) Err() error                               { return nil }
func (t *idleTurn) Text() string                             { return "" }

type idlePath struct {
	name string
}

func (p *idlePath) Name() string          { return p.name }
func (p *idlePath) EmitsTranscript() bool { return true }
func (p *idlePath) StartTurn(context.Context, *types.Utterance, []types.HistoryTurn) (path.Turn, error) {
	return newIdleTurn(), nil
}
func (p *idlePath) Close() error { return nil }

type stubPathFactory struct {
	gotHello transport.ClientHello
}

func (f *stubPathFactory) NewPaths(hello transport.ClientHello, _ *slog.Logger) (session.Paths, error) {
	f.gotHello = hello
	return session.Paths{
		Realtime: &idlePath{name: "realtime"},
		Fallback: &idlePath{name: "fallback"},
	}, nil
}

func liveConfig() config.Config {
	return config.Config{
		AuthMode:                     config.AuthModeRequired,
		APIKeys:                      map[string]struct{}{"sv_key": {}},
		PreferredPath:                "realtime",
		Language:                     "en",
		RealtimeFirstFragmentTimeout: 3 * time.Second,
		FallbackStageTimeout:         10 * time.Second,
		MaxBackoff:                   8 * time.Second,
		FragmentBufferCap:            64,
		LiveMaxAudioFrameBytes:       8192,
		LiveMaxJSONMessageBytes:      64 * 1024,
		LiveWSPingInterval:           20 * time.Second,
		LiveWSWriteTimeout:           2 * time.Second,
		LiveHandshakeTimeout:         2 * time.Second,
	}
}

func newLiveServer(t *testing.T, cfg config.Config) (*httptest.Server, *stubPathFactory) {
	t.Helper()
	factory := &stubPathFactory{}
	h := LiveHandler{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Paths:  factory,
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, factory
}

func dialLive(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func helloFrame(apiKey string) map[string]any {
	return map[string]any{
		"type":             "hello",
		"protocol_version": transport.ProtocolVersion1,
		"api_key":          apiKey,
		"language":         "it",
		"audio_in":         map[string]any{"encoding": "pcm16", "sample_rate_hz": 16000, "channels": 1},
		"audio_out":        map[string]any{"encoding": "pcm16", "sample_rate_hz": 24000, "channels": 1},
	}
}

func readData(t *testing.T, conn *websocket.Conn) transport.DataMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg transport.DataMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read data message: %v", err)
	}
	return msg
}

func TestLiveHandler_RejectsNonGet(t *testing.T) {
	rec := httptest.NewRecorder()
	h := LiveHandler{Config: liveConfig()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/live", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestLiveHandler_HelloAck(t *testing.T) {
	srv, factory := newLiveServer(t, liveConfig())
	conn := dialLive(t, srv)

	if err := conn.WriteJSON(helloFrame("sv_key")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	msg := readData(t, conn)
	if msg.Type != transport.DataHelloAck {
		t.Fatalf("first message type = %q, want hello_ack", msg.Type)
	}
	var ack transport.HelloAckPayload
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	if ack.ProtocolVersion != transport.ProtocolVersion1 {
		t.Fatalf("ack protocol_version = %q", ack.ProtocolVersion)
	}
	if !strings.HasPrefix(ack.SessionID, "s_") {
		t.Fatalf("session_id = %q, want s_ prefix", ack.SessionID)
	}
	if ack.Language != "it" {
		t.Fatalf("language = %q, want hello override it", ack.Language)
	}
	if ack.ActivePath != "realtime" {
		t.Fatalf("active_path = %q, want realtime", ack.ActivePath)
	}
	if ack.Limits.MaxAudioFrameBytes != 8192 {
		t.Fatalf("limits = %+v", ack.Limits)
	}
	if factory.gotHello.Language != "it" {
		t.Fatalf("factory hello = %+v, want forwarded hello", factory.gotHello)
	}

	// A clean shutdown on request.
	if err := conn.WriteJSON(map[string]string{"type": "control", "op": "end_session"}); err != nil {
		t.Fatalf("write end_session: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestLiveHandler_InvalidFirstFrame(t *testing.T) {
	srv, _ := newLiveServer(t, liveConfig())
	conn := dialLive(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readData(t, conn)
	if msg.Type != transport.DataError {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
	var payload transport.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != "bad_request" || !payload.Close {
		t.Fatalf("error payload = %+v, want closing bad_request", payload)
	}
}

func TestLiveHandler_ControlBeforeHello(t *testing.T) {
	srv, _ := newLiveServer(t, liveConfig())
	conn := dialLive(t, srv)

	if err := conn.WriteJSON(map[string]string{"type": "control", "op": "start_utterance"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readData(t, conn)
	if msg.Type != transport.DataError {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
}

func TestLiveHandler_UnsupportedProtocolVersion(t *testing.T) {
	srv, _ := newLiveServer(t, liveConfig())
	conn := dialLive(t, srv)

	frame := helloFrame("sv_key")
	frame["protocol_version"] = "99"
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readData(t, conn)
	var payload transport.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != "unsupported_version" {
		t.Fatalf("error code = %q, want unsupported_version", payload.Code)
	}
}

func TestLiveHandler_RejectsBadKey(t *testing.T) {
	srv, _ := newLiveServer(t, liveConfig())
	conn := dialLive(t, srv)

	if err := conn.WriteJSON(helloFrame("wrong")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readData(t, conn)
	var payload transport.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", payload.Code)
	}
}

func TestLiveHandler_OptionalAuthAllowsAnonymous(t *testing.T) {
	cfg := liveConfig()
	cfg.AuthMode = config.AuthModeOptional
	srv, _ := newLiveServer(t, cfg)
	conn := dialLive(t, srv)

	if err := conn.WriteJSON(helloFrame("")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readData(t, conn)
	if msg.Type != transport.DataHelloAck {
		t.Fatalf("message type = %q, want hello_ack for anonymous optional auth", msg.Type)
	}
}
