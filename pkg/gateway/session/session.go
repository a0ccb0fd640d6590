// Package session runs one live websocket session: it decodes client
// frames, feeds the pipeline controller, and pumps delivery output back
// over the connection.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/metrics"
	"github.com/skyvoice-ai/skyvoice/pkg/path"
	"github.com/skyvoice-ai/skyvoice/pkg/pipeline"
	"github.com/skyvoice-ai/skyvoice/pkg/store"
	"github.com/skyvoice-ai/skyvoice/pkg/transport"
)

// Paths carries the two pipeline paths built for this session.
type Paths struct {
	Realtime path.Path
	Fallback path.Path
}

// Config tunes one session.
type Config struct {
	PreferredPath                string
	RealtimeFirstFragmentTimeout time.Duration
	FallbackStageTimeout         time.Duration
	FallbackStageRetries         int
	MaxBackoff                   time.Duration
	FragmentBufferCap            int

	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
}

// Dependencies wires a session together.
type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Store     *store.Store
	Paths     Paths
	Hello     transport.ClientHello
	SessionID string
	Language  string
	Config    Config
}

// Session is one live websocket session.
type Session struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *store.Store
	hello   transport.ClientHello
	id      string
	lang    string
	cfg     Config

	wsChannel  *transport.WSChannel
	controller *pipeline.Controller

	mu        sync.Mutex
	startedAt map[string]time.Time
}

// New builds a session. Run drives it.
func New(deps Dependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:      deps.Conn,
		logger:    logger.With("session_id", deps.SessionID),
		metrics:   deps.Metrics,
		store:     deps.Store,
		hello:     deps.Hello,
		id:        deps.SessionID,
		lang:      deps.Language,
		cfg:       deps.Config,
		startedAt: make(map[string]time.Time),
	}

	s.wsChannel = transport.NewWSChannel(64, 256)

	delivery := pipeline.NewDelivery(s.wsChannel, deps.Config.FragmentBufferCap, s.logger)
	s.controller = pipeline.NewController(
		deps.SessionID,
		deps.Paths.Realtime,
		deps.Paths.Fallback,
		delivery,
		pipeline.Config{
			PreferredPath:                deps.Config.PreferredPath,
			RealtimeFirstFragmentTimeout: deps.Config.RealtimeFirstFragmentTimeout,
			FallbackStageTimeout:         deps.Config.FallbackStageTimeout,
			FallbackStageRetries:         deps.Config.FallbackStageRetries,
			MaxBackoff:                   deps.Config.MaxBackoff,
			FragmentBufferCap:            deps.Config.FragmentBufferCap,
			Language:                     deps.Language,
		},
		s.onEvent,
		s.logger,
	)
	return s
}

// Run pumps the session until the client ends it or the connection drops.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	status := "completed"
	if s.metrics != nil {
		s.metrics.RecordSessionStart()
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordSessionEnd(status, time.Since(start))
		}
	}()

	if s.store != nil {
		if err := s.store.CreateSession(ctx, s.id, s.lang); err != nil {
			s.logger.Warn("failed to persist session", "err", err)
		}
		defer func() {
			endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.store.EndSession(endCtx, s.id, status); err != nil {
				s.logger.Warn("failed to close session record", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := transport.NewWriter(s.conn, s.wsChannel, transport.WriterConfig{
		PingInterval: s.cfg.PingInterval,
		WriteTimeout: s.cfg.WriteTimeout,
	})
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(ctx) }()

	defer func() {
		s.controller.Close()
		s.wsChannel.Close()
		cancel()
		<-writerDone
	}()

	if err := s.sendHelloAck(ctx); err != nil {
		status = "error"
		return err
	}

	for {
		select {
		case err := <-writerDone:
			writerDone <- err
			if err != nil {
				status = "error"
			}
			return err
		default:
		}

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			status = "error"
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(ctx, data)
		case websocket.TextMessage:
			done, err := s.handleText(ctx, data)
			if err != nil {
				status = "error"
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (s *Session) sendHelloAck(ctx context.Context) error {
	ack := transport.HelloAckPayload{
		ProtocolVersion: transport.ProtocolVersion1,
		SessionID:       s.id,
		Language:        s.lang,
		ActivePath:      s.controller.ActivePathName(),
		AudioIn:         s.hello.AudioIn,
		AudioOut:        s.hello.AudioOut,
		Limits: transport.HelloAckLimits{
			MaxAudioFrameBytes:  s.cfg.MaxAudioFrameBytes,
			MaxJSONMessageBytes: int(s.cfg.MaxJSONMessageBytes),
		},
	}
	msg, err := transport.NewDataMessage(transport.DataHelloAck, "", 0, ack)
	if err != nil {
		return err
	}
	return s.wsChannel.SendDataMessage(ctx, msg)
}

func (s *Session) handleAudio(ctx context.Context, frame []byte) {
	if s.cfg.MaxAudioFrameBytes > 0 && len(frame) > s.cfg.MaxAudioFrameBytes {
		s.sendError(ctx, "frame_too_large", fmt.Sprintf("audio frame exceeds %d bytes", s.cfg.MaxAudioFrameBytes), false)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAudio("in", len(frame))
	}
	if err := s.controller.SubmitAudioFrame(frame); err != nil {
		s.sendPipelineError(ctx, err)
	}
}

// handleText processes one JSON frame. It returns done=true when the client
// requested session end.
func (s *Session) handleText(ctx context.Context, data []byte) (bool, error) {
	decoded, err := transport.DecodeClientMessage(data)
	if err != nil {
		s.sendError(ctx, "bad_request", err.Error(), false)
		return false, nil
	}

	switch msg := decoded.(type) {
	case transport.ClientHello:
		s.sendError(ctx, "bad_request", "hello already received", false)
		return false, nil

	case transport.ClientAudioFrame:
		frame, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			s.sendError(ctx, "bad_request", "invalid audio_frame.data_b64", false)
			return false, nil
		}
		s.handleAudio(ctx, frame)
		return false, nil

	case transport.ClientControl:
		return s.handleControl(ctx, msg)

	default:
		s.sendError(ctx, "bad_request", "unsupported message type", false)
		return false, nil
	}
}

func (s *Session) handleControl(ctx context.Context, msg transport.ClientControl) (bool, error) {
	switch msg.Op {
	case transport.OpStartUtterance:
		if _, err := s.controller.StartUtterance(s.lang); err != nil {
			s.sendPipelineError(ctx, err)
		}
		return false, nil
	case transport.OpEndUtterance:
		if err := s.controller.EndOfUtterance(); err != nil {
			s.sendPipelineError(ctx, err)
		}
		return false, nil
	case transport.OpCancel:
		if err := s.controller.CancelUtterance(); err != nil {
			s.sendPipelineError(ctx, err)
		}
		return false, nil
	case transport.OpEndSession:
		return true, nil
	default:
		s.sendError(ctx, "unsupported", "unsupported control operation", false)
		return false, nil
	}
}

// onEvent forwards pipeline events to the data channel, the metrics
// registry, and the store. It must not block: the controller calls it from
// its pump goroutines.
func (s *Session) onEvent(ev pipeline.Event) {
	if s.metrics != nil {
		s.metrics.RecordEvent(ev)
	}

	switch e := ev.(type) {
	case *pipeline.UtteranceStarted:
		s.mu.Lock()
		s.startedAt[e.UtteranceID] = time.Now()
		s.mu.Unlock()
	case *pipeline.UtteranceCompleted:
		s.persistUtterance(e.UtteranceID, e.Path, "completed", e.Text)
	case *pipeline.UtteranceCancelled:
		s.persistUtterance(e.UtteranceID, "", "cancelled", "")
	}

	payload := transport.EventPayload{Name: ev.EventType(), Fields: eventFields(ev)}
	msg, err := transport.NewDataMessage(transport.DataEvent, eventUtteranceID(ev), 0, payload)
	if err != nil {
		s.logger.Warn("failed to encode event", "event", ev.EventType(), "err", err)
		return
	}
	if err := s.wsChannel.SendDataMessage(context.Background(), msg); err != nil {
		s.logger.Debug("dropped event frame", "event", ev.EventType(), "err", err)
	}
}

func (s *Session) persistUtterance(utteranceID, pathName, outcome, text string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	startedAt, ok := s.startedAt[utteranceID]
	delete(s.startedAt, utteranceID)
	s.mu.Unlock()
	if !ok {
		startedAt = time.Now()
	}

	rec := store.UtteranceRecord{
		ID:         utteranceID,
		SessionID:  s.id,
		Path:       pathName,
		Outcome:    outcome,
		ReplyText:  text,
		Language:   s.lang,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.store.RecordUtterance(ctx, rec); err != nil {
			s.logger.Warn("failed to persist utterance", "utterance_id", utteranceID, "err", err)
		}
	}()
}

func (s *Session) sendError(ctx context.Context, code, message string, closeConn bool) {
	msg, err := transport.NewDataMessage(transport.DataError, "", 0, transport.ErrorPayload{
		Code:    code,
		Message: message,
		Close:   closeConn,
	})
	if err != nil {
		return
	}
	_ = s.wsChannel.SendDataMessage(ctx, msg)
}

func (s *Session) sendPipelineError(ctx context.Context, err error) {
	code := "pipeline_error"
	retryable := false
	var pe *core.Error
	if errors.As(err, &pe) {
		code = string(pe.Kind)
		retryable = pe.IsRetryable()
	}
	msg, mErr := transport.NewDataMessage(transport.DataError, "", 0, transport.ErrorPayload{
		Code:      code,
		Message:   err.Error(),
		Retryable: retryable,
	})
	if mErr != nil {
		return
	}
	_ = s.wsChannel.SendDataMessage(ctx, msg)
}

func eventUtteranceID(ev pipeline.Event) string {
	switch e := ev.(type) {
	case *pipeline.PathSwitched:
		return e.UtteranceID
	case *pipeline.UtteranceStarted:
		return e.UtteranceID
	case *pipeline.UtteranceCompleted:
		return e.UtteranceID
	case *pipeline.UtteranceCancelled:
		return e.UtteranceID
	case *pipeline.DeliveryOverflow:
		return e.UtteranceID
	default:
		return ""
	}
}

func eventFields(ev pipeline.Event) map[string]any {
	switch e := ev.(type) {
	case *pipeline.PathSwitched:
		return map[string]any{"from": e.From, "to": e.To, "reason": e.Reason, "failures": e.Failures}
	case *pipeline.UtteranceStarted:
		return map[string]any{"path": e.Path, "language": e.Language}
	case *pipeline.UtteranceCompleted:
		return map[string]any{"path": e.Path}
	case *pipeline.UtteranceCancelled:
		return map[string]any{"reason": e.Reason, "kind": e.ErrKind}
	case *pipeline.DeliveryOverflow:
		return map[string]any{"buffered": e.Buffered, "cap": e.Cap}
	default:
		return nil
	}
}
