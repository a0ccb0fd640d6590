// Package pipeline contains the per-session pipeline controller and the
// synchronized delivery layer it drives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/path"
)

// Session states of the failover state machine.
const (
	StateRealtimeActive       = "REALTIME_ACTIVE"
	StateFallbackActive       = "FALLBACK_ACTIVE"
	StateDegradedRetryPending = "DEGRADED_RETRY_PENDING"
)

// Cancellation reasons carried on the cancel marker.
const (
	ReasonClientRequest  = "client_request"
	ReasonPathFailure    = "path_failure"
	ReasonOverflow       = "delivery_overflow"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonSessionClosed  = "session_closed"
)

// Controller owns one session's path selection, failover, and utterance
// lifecycle. All exported methods are safe for concurrent use; session
// state is mutated only here.
type Controller struct {
	sessionID string
	realtime  path.Path
	fallback  path.Path
	delivery  *Delivery
	cfg       Config
	onEvent   func(Event)
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    string
	failures int
	retryAt  time.Time
	current  *utteranceRun
	history  []types.HistoryTurn
	closed   bool
	wg       sync.WaitGroup
}

// utteranceRun tracks one in-flight utterance and the turn currently
// serving it. gen guards against stale pump goroutines acting after a
// failover swapped the turn.
type utteranceRun struct {
	utt        *types.Utterance
	turn       path.Turn
	pathName   string
	inputEnded bool
	cancelled  bool
	gen        int
}

// NewController builds a session controller. onEvent receives every
// lifecycle event; a nil callback is allowed.
func NewController(sessionID string, realtimePath, fallbackPath path.Path, delivery *Delivery, cfg Config, onEvent func(Event), logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	cfg = cfg.withDefaults()

	state := StateRealtimeActive
	if cfg.PreferredPath == "fallback" {
		state = StateFallbackActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sessionID: sessionID,
		realtime:  realtimePath,
		fallback:  fallbackPath,
		delivery:  delivery,
		cfg:       cfg,
		onEvent:   onEvent,
		logger:    logger.With("session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		state:     state,
	}
}

// State returns the current failover state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActivePathName returns the path the next utterance would try.
func (c *Controller) ActivePathName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRealtimeActive {
		return c.realtime.Name()
	}
	return c.fallback.Name()
}

// StartUtterance opens a new utterance. At most one utterance is in
// flight; starting while one is open is an error.
func (c *Controller) StartUtterance(language string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("session closed")
	}
	if c.current != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("utterance %s still in flight", c.current.utt.ID)
	}
	if language == "" {
		language = c.cfg.Language
	}

	utt := &types.Utterance{
		ID:        uuid.NewString(),
		Language:  language,
		StartedAt: time.Now(),
	}
	p := c.selectPathLocked()
	run := &utteranceRun{utt: utt, gen: 1}
	c.current = run
	history := append([]types.HistoryTurn(nil), c.history...)
	c.mu.Unlock()

	turn, usedPath, err := c.startTurn(p, utt, history)
	if err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	run.turn = turn
	run.pathName = usedPath.Name()
	gen := run.gen
	c.mu.Unlock()

	c.delivery.BeginUtterance(utt.ID, utt.Language, usedPath.EmitsTranscript())
	c.emit(&UtteranceStarted{
		SessionID:   c.sessionID,
		UtteranceID: utt.ID,
		Path:        usedPath.Name(),
		Language:    utt.Language,
	})

	c.wg.Add(1)
	go c.pump(run, turn, usedPath, gen)
	return utt.ID, nil
}

// selectPathLocked applies the state machine to pick the path for a new
// utterance, handling the backoff-gated failback attempt.
func (c *Controller) selectPathLocked() path.Path {
	switch c.state {
	case StateRealtimeActive:
		return c.realtime
	case StateDegradedRetryPending:
		if time.Now().After(c.retryAt) || time.Now().Equal(c.retryAt) {
			return c.realtime
		}
		// Backoff window still open: stay on fallback.
		c.state = StateFallbackActive
		return c.fallback
	default:
		if !c.retryAt.IsZero() && !time.Now().Before(c.retryAt) {
			return c.realtime
		}
		return c.fallback
	}
}

// startTurn tries the chosen path, falling back immediately when the
// realtime path cannot even open a turn.
func (c *Controller) startTurn(p path.Path, utt *types.Utterance, history []types.HistoryTurn) (path.Turn, path.Path, error) {
	turn, err := p.StartTurn(c.ctx, utt, history)
	if err == nil {
		if p == c.realtime {
			c.noteRealtimeRecoveryAttempt()
		}
		return turn, p, nil
	}
	if p != c.realtime {
		return nil, nil, err
	}

	c.recordRealtimeFailure(utt.ID, "connect_failed")
	turn, ferr := c.fallback.StartTurn(c.ctx, utt, history)
	if ferr != nil {
		return nil, nil, ferr
	}
	return turn, c.fallback, nil
}

// noteRealtimeRecoveryAttempt moves a degraded session optimistically back
// to realtime; a turn failure will re-enter fallback.
func (c *Controller) noteRealtimeRecoveryAttempt() {
	c.mu.Lock()
	if c.state != StateRealtimeActive {
		c.state = StateRealtimeActive
		c.mu.Unlock()
		c.emit(&PathSwitched{
			SessionID: c.sessionID,
			From:      c.fallback.Name(),
			To:        c.realtime.Name(),
			Reason:    "backoff_elapsed",
		})
		return
	}
	c.mu.Unlock()
}

// recordRealtimeFailure increments the failure counter, extends the capped
// exponential backoff, and flips the session to fallback.
func (c *Controller) recordRealtimeFailure(utteranceID, reason string) {
	c.mu.Lock()
	c.failures++
	delay := backoffBase << (c.failures - 1)
	if delay > c.cfg.MaxBackoff || delay <= 0 {
		delay = c.cfg.MaxBackoff
	}
	c.retryAt = time.Now().Add(delay)
	c.state = StateFallbackActive
	failures := c.failures
	c.mu.Unlock()

	c.logger.Warn("realtime path failed",
		"utterance_id", utteranceID,
		"reason", reason,
		"failures", failures,
		"retry_backoff", delay)
	c.emit(&PathSwitched{
		SessionID:   c.sessionID,
		UtteranceID: utteranceID,
		From:        c.realtime.Name(),
		To:          c.fallback.Name(),
		Reason:      reason,
		Failures:    failures,
	})
}

// SubmitAudioFrame buffers the frame on the utterance for failover replay
// and feeds it to the active turn.
func (c *Controller) SubmitAudioFrame(frame []byte) error {
	c.mu.Lock()
	run := c.current
	if run == nil || run.turn == nil {
		c.mu.Unlock()
		return core.NewNoActiveUtterance(c.sessionID)
	}
	if run.inputEnded {
		c.mu.Unlock()
		return fmt.Errorf("utterance %s input already ended", run.utt.ID)
	}
	run.utt.AppendFrame(frame)
	turn := run.turn
	c.mu.Unlock()

	if err := turn.FeedAudio(frame); err != nil {
		// A realtime feed failure surfaces through the pump as a turn
		// failure; the frame is already buffered for replay.
		c.logger.Debug("feed audio failed", "err", err)
	}
	return nil
}

// EndOfUtterance marks the utterance's input complete and triggers
// response generation.
func (c *Controller) EndOfUtterance() error {
	c.mu.Lock()
	run := c.current
	if run == nil || run.turn == nil {
		c.mu.Unlock()
		return core.NewNoActiveUtterance(c.sessionID)
	}
	run.inputEnded = true
	run.utt.EndedAt = time.Now()
	turn := run.turn
	c.mu.Unlock()

	if err := turn.EndOfInput(); err != nil {
		c.logger.Debug("end of input failed", "err", err)
	}
	return nil
}

// CancelUtterance aborts the in-flight utterance: buffered audio and
// partial fragments are discarded and one cancellation marker is sent.
func (c *Controller) CancelUtterance() error {
	return c.cancelCurrent(ReasonClientRequest, "")
}

func (c *Controller) cancelCurrent(reason, errKind string) error {
	c.mu.Lock()
	run := c.current
	if run == nil {
		c.mu.Unlock()
		return core.NewNoActiveUtterance(c.sessionID)
	}
	run.cancelled = true
	run.gen++
	turn := run.turn
	utt := run.utt
	c.current = nil
	c.mu.Unlock()

	if turn != nil {
		turn.Cancel()
	}
	_ = c.delivery.CancelUtterance(c.ctx, utt.ID, reason, errKind)
	c.emit(&UtteranceCancelled{
		SessionID:   c.sessionID,
		UtteranceID: utt.ID,
		Reason:      reason,
		ErrKind:     errKind,
	})
	return nil
}

// Close tears down the session: the in-flight utterance is cancelled and
// both paths are released.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hasCurrent := c.current != nil
	c.mu.Unlock()

	if hasCurrent {
		_ = c.cancelCurrent(ReasonSessionClosed, "")
	}
	c.cancel()
	c.wg.Wait()
	_ = c.realtime.Close()
	_ = c.fallback.Close()
}

// pump drains one turn's fragments into the delivery layer, watching the
// realtime first-fragment timeout and driving failover on turn failure.
func (c *Controller) pump(run *utteranceRun, turn path.Turn, p path.Path, gen int) {
	defer c.wg.Done()

	var timeout <-chan time.Time
	var timer *time.Timer
	if p == c.realtime {
		timer = time.NewTimer(c.cfg.RealtimeFirstFragmentTimeout)
		timeout = timer.C
		defer timer.Stop()
	}

	gotFirst := false
	for {
		select {
		case <-c.ctx.Done():
			return

		case <-timeout:
			if !c.isLive(run, gen) {
				return
			}
			turn.Cancel()
			c.recordRealtimeFailure(run.utt.ID, "first_fragment_timeout")
			c.failoverToFallback(run, gen)
			return

		case frag, ok := <-turn.Fragments():
			if !ok {
				c.finishTurn(run, turn, p, gen)
				return
			}
			if !gotFirst {
				gotFirst = true
				if timer != nil {
					timer.Stop()
					timeout = nil
				}
			}
			if !c.isLive(run, gen) {
				return
			}
			if err := c.delivery.Deliver(c.ctx, frag); err != nil {
				c.handleDeliveryError(run, turn, gen, err)
				return
			}
		}
	}
}

// isLive reports whether this pump still owns the utterance.
func (c *Controller) isLive(run *utteranceRun, gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == run && run.gen == gen && !run.cancelled
}

// finishTurn handles a turn whose fragment stream closed: clean completion,
// realtime failover, or terminal fallback failure.
func (c *Controller) finishTurn(run *utteranceRun, turn path.Turn, p path.Path, gen int) {
	if !c.isLive(run, gen) {
		return
	}

	err := turn.Err()
	if err == nil {
		c.completeUtterance(run, turn, p)
		return
	}

	if p == c.realtime {
		reason := "path_error"
		if core.IsKind(err, core.ErrRealtimeUnavailable) {
			reason = "realtime_unavailable"
		}
		c.recordRealtimeFailure(run.utt.ID, reason)
		c.failoverToFallback(run, gen)
		return
	}

	// Fallback failed after (or without) a realtime failover: terminal for
	// the utterance, the session survives.
	kind := ""
	if k, ok := core.KindOf(err); ok {
		kind = string(k)
	}
	c.logger.Error("fallback path failed", "utterance_id", run.utt.ID, "err", err)
	c.mu.Lock()
	if c.current == run {
		c.current = nil
	}
	c.mu.Unlock()
	_ = c.delivery.CancelUtterance(c.ctx, run.utt.ID, ReasonPathFailure, kind)
	c.emit(&UtteranceCancelled{
		SessionID:   c.sessionID,
		UtteranceID: run.utt.ID,
		Reason:      ReasonPathFailure,
		ErrKind:     kind,
	})
}

// failoverToFallback replays the buffered utterance against the fallback
// path mid-flight. No captured frame is lost: the replacement turn starts
// from the utterance's full frame buffer.
func (c *Controller) failoverToFallback(run *utteranceRun, gen int) {
	c.mu.Lock()
	if c.current != run || run.gen != gen || run.cancelled {
		c.mu.Unlock()
		return
	}
	run.gen++
	newGen := run.gen
	utt := run.utt
	history := append([]types.HistoryTurn(nil), c.history...)

	// The lock stays held across the restart. SubmitAudioFrame appends
	// under the same lock, so every frame lands either in the snapshot the
	// replacement turn takes at start or in a FeedAudio call against it
	// once the swap is visible. The fallback path opens turns without
	// network work.
	turn, err := c.fallback.StartTurn(c.ctx, utt, history)
	if err != nil {
		if c.current == run {
			c.current = nil
		}
		c.mu.Unlock()
		kind := ""
		if k, ok := core.KindOf(err); ok {
			kind = string(k)
		}
		_ = c.delivery.CancelUtterance(c.ctx, utt.ID, ReasonPathFailure, kind)
		c.emit(&UtteranceCancelled{
			SessionID:   c.sessionID,
			UtteranceID: utt.ID,
			Reason:      ReasonPathFailure,
			ErrKind:     kind,
		})
		return
	}

	run.turn = turn
	run.pathName = c.fallback.Name()
	inputEnded := run.inputEnded
	c.mu.Unlock()

	c.delivery.BeginUtterance(utt.ID, utt.Language, c.fallback.EmitsTranscript())
	if inputEnded {
		if err := turn.EndOfInput(); err != nil {
			c.logger.Debug("end of input after failover failed", "err", err)
		}
	}

	c.wg.Add(1)
	go c.pump(run, turn, c.fallback, newGen)
}

// completeUtterance records history, advances the state machine, and emits
// the completion event.
func (c *Controller) completeUtterance(run *utteranceRun, turn path.Turn, p path.Path) {
	text := turn.Text()
	userText := ""
	if ut, ok := turn.(interface{ UserText() string }); ok {
		userText = ut.UserText()
	}

	c.mu.Lock()
	if c.current != run {
		c.mu.Unlock()
		return
	}
	c.current = nil
	if userText != "" {
		c.history = append(c.history, types.HistoryTurn{Role: types.RoleUser, Text: userText})
	}
	if text != "" {
		c.history = append(c.history, types.HistoryTurn{Role: types.RoleAssistant, Text: text})
	}
	if p == c.realtime {
		// A clean realtime utterance resets the failure accounting.
		c.failures = 0
		c.retryAt = time.Time{}
		c.state = StateRealtimeActive
	} else if c.state == StateFallbackActive {
		c.state = StateDegradedRetryPending
	}
	c.mu.Unlock()

	c.emit(&UtteranceCompleted{
		SessionID:   c.sessionID,
		UtteranceID: run.utt.ID,
		Path:        p.Name(),
		Text:        text,
	})
}

// handleDeliveryError cancels the utterance on any terminal delivery error.
// Leaving the utterance open would wedge the session: nothing else ever
// clears it.
func (c *Controller) handleDeliveryError(run *utteranceRun, turn path.Turn, gen int, err error) {
	reason := ReasonDeliveryFailed
	kind := ""
	var pe *core.Error
	if errors.As(err, &pe) {
		kind = string(pe.Kind)
	}
	if pe != nil && pe.Kind == core.ErrDeliveryOverflow {
		reason = ReasonOverflow
		c.emit(&DeliveryOverflow{
			SessionID:   c.sessionID,
			UtteranceID: run.utt.ID,
			Buffered:    c.cfg.FragmentBufferCap,
			Cap:         c.cfg.FragmentBufferCap,
		})
	} else {
		c.logger.Error("fragment delivery failed", "utterance_id", run.utt.ID, "err", err)
	}

	c.mu.Lock()
	live := c.current == run && run.gen == gen && !run.cancelled
	if live {
		run.cancelled = true
		run.gen++
		c.current = nil
	}
	c.mu.Unlock()
	if !live {
		return
	}
	turn.Cancel()
	_ = c.delivery.CancelUtterance(c.ctx, run.utt.ID, reason, kind)
	c.emit(&UtteranceCancelled{
		SessionID:   c.sessionID,
		UtteranceID: run.utt.ID,
		Reason:      reason,
		ErrKind:     kind,
	})
}

// History returns a copy of the conversation history.
func (c *Controller) History() []types.HistoryTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.HistoryTurn(nil), c.history...)
}

func (c *Controller) emit(ev Event) {
	c.onEvent(ev)
}
