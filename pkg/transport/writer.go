package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// WriterConfig tunes the outbound pump.
type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Writer drains a WSChannel's queues onto the websocket. Data frames are
// written before audio frames; a queued data frame preempts an audio frame
// that has been dequeued but not yet written.
type Writer struct {
	ws  wsWriter
	ch  *WSChannel
	cfg WriterConfig
}

// NewWriter binds a channel's queues to a websocket connection.
func NewWriter(ws wsWriter, ch *WSChannel, cfg WriterConfig) *Writer {
	return &Writer{ws: ws, ch: ch, cfg: cfg}
}

// Run pumps frames until ctx is cancelled, the channel closes and drains,
// or a write fails. Ping frames keep the connection alive between writes.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingAudio *outboundFrame

	for {
		select {
		case <-ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: drain data frames before any audio write.
		select {
		case frame := <-w.ch.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingAudio != nil {
			select {
			case frame := <-w.ch.priority:
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingAudio, writeTimeout); err != nil {
				return err
			}
			pendingAudio = nil
			continue
		}

		select {
		case <-ctx.Done():
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.ch.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.ch.normal:
			pendingAudio = &frame
		case <-w.ch.done:
			// Drain whatever was queued before close, then exit.
			for {
				select {
				case frame := <-w.ch.priority:
					if err := w.writeFrame(frame, writeTimeout); err != nil {
						return err
					}
				case frame := <-w.ch.normal:
					if err := w.writeFrame(frame, writeTimeout); err != nil {
						return err
					}
				default:
					_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
					return nil
				}
			}
		}
	}
}

func (w *Writer) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}

	deadline := time.Now().Add(flushTimeout)
	const maxFlushFrames = 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.ch.priority:
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *Writer) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)
	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	}
	if len(frame.binaryPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPayload)
	}
	return nil
}
