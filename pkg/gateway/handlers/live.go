package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/auth"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/metrics"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/session"
	"github.com/skyvoice-ai/skyvoice/pkg/store"
	"github.com/skyvoice-ai/skyvoice/pkg/transport"
)

// PathFactory builds the pipeline paths for one live session.
type PathFactory interface {
	NewPaths(hello transport.ClientHello, logger *slog.Logger) (session.Paths, error)
}

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Paths   PathFactory
	Store   *store.Store
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello", true)
		return
	}

	decoded, err := transport.DecodeClientMessage(firstFrame)
	if err != nil {
		code, msg := decodeErrorParts(err)
		h.writeWSError(conn, code, msg, true)
		return
	}
	hello, ok := decoded.(transport.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello", true)
		return
	}
	if strings.TrimSpace(hello.ProtocolVersion) != transport.ProtocolVersion1 {
		h.writeWSError(conn, "unsupported_version", "unsupported protocol_version", true)
		return
	}

	if err := h.authorize(r, hello); err != nil {
		h.writeWSError(conn, "unauthorized", err.Error(), true)
		return
	}

	language := strings.TrimSpace(hello.Language)
	if language == "" {
		language = h.Config.Language
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	paths, err := h.Paths.NewPaths(hello, logger)
	if err != nil {
		logger.Error("failed to build pipeline paths", "err", err)
		h.writeWSError(conn, "internal", "failed to initialize session", true)
		return
	}

	sessionID := "s_" + randHex(8)
	s := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Metrics:   h.Metrics,
		Store:     h.Store,
		Paths:     paths,
		Hello:     hello,
		SessionID: sessionID,
		Language:  language,
		Config: session.Config{
			PreferredPath:                preferredPath(hello, h.Config),
			RealtimeFirstFragmentTimeout: h.Config.RealtimeFirstFragmentTimeout,
			FallbackStageTimeout:         h.Config.FallbackStageTimeout,
			FallbackStageRetries:         h.Config.FallbackStageRetries,
			MaxBackoff:                   h.Config.MaxBackoff,
			FragmentBufferCap:            h.Config.FragmentBufferCap,
			MaxAudioFrameBytes:           h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes:          h.Config.LiveMaxJSONMessageBytes,
			PingInterval:                 h.Config.LiveWSPingInterval,
			WriteTimeout:                 h.Config.LiveWSWriteTimeout,
		},
	})

	_ = conn.SetReadDeadline(time.Time{})
	if err := s.Run(r.Context()); err != nil {
		logger.Warn("live session ended with error", "session_id", sessionID, "error", err)
	}
}

// authorize re-checks credentials at hello time. The HTTP middleware cannot
// reject websocket clients that pass the key inside the hello frame, so the
// handler accepts either an Authorization header or hello.api_key.
func (h LiveHandler) authorize(r *http.Request, hello transport.ClientHello) error {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return nil
	}

	key := strings.TrimSpace(hello.APIKey)
	source := auth.SourceHello
	if key == "" {
		key, _ = auth.BearerToken(r)
		source = auth.SourceHeader
	}
	if key == "" {
		if h.Config.AuthMode == config.AuthModeOptional {
			return nil
		}
		return fmt.Errorf("missing api key")
	}
	if _, ok := h.Config.APIKeys.Authenticate(key, source); !ok {
		return fmt.Errorf("invalid api key")
	}
	return nil
}

func preferredPath(hello transport.ClientHello, cfg config.Config) string {
	if p := strings.TrimSpace(hello.PreferredPath); p != "" {
		return p
	}
	return cfg.PreferredPath
}

func decodeErrorParts(err error) (code, message string) {
	var de *transport.DecodeError
	if errors.As(err, &de) {
		return de.Code, de.Message
	}
	return "bad_request", err.Error()
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string, closeConn bool) {
	msg, err := transport.NewDataMessage(transport.DataError, "", 0, transport.ErrorPayload{
		Code:    code,
		Message: message,
		Close:   closeConn,
	})
	if err == nil {
		_ = conn.WriteJSON(msg)
	}
	if closeConn {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
