package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBackpressure is returned when an outbound queue is full. Callers treat
// it as a delivery overflow signal rather than blocking audio capture.
var ErrBackpressure = errors.New("transport: outbound queue full")

// Channel is the delivery side of the transport: a binary audio sub-channel
// and a JSON data sub-channel. The synchronized delivery layer writes to
// this interface; the websocket session implements it.
type Channel interface {
	SendAudioFrame(ctx context.Context, frame []byte) error
	SendDataMessage(ctx context.Context, msg DataMessage) error
}

type outboundFrame struct {
	textPayload   []byte
	binaryPayload []byte
}

// WSChannel queues outbound frames for a single websocket connection. Data
// messages take priority over audio so transcripts and events are never
// stuck behind a long audio burst. Enqueueing never blocks: a full queue
// returns ErrBackpressure immediately.
type WSChannel struct {
	priority chan outboundFrame
	normal   chan outboundFrame
	done     chan struct{}
}

// NewWSChannel sizes the two outbound queues. dataDepth bounds the data
// sub-channel, audioDepth the audio sub-channel.
func NewWSChannel(dataDepth, audioDepth int) *WSChannel {
	if dataDepth <= 0 {
		dataDepth = 64
	}
	if audioDepth <= 0 {
		audioDepth = 256
	}
	return &WSChannel{
		priority: make(chan outboundFrame, dataDepth),
		normal:   make(chan outboundFrame, audioDepth),
		done:     make(chan struct{}),
	}
}

// SendAudioFrame queues a binary frame on the audio sub-channel.
func (c *WSChannel) SendAudioFrame(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-c.done:
		return errors.New("transport: channel closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.normal <- outboundFrame{binaryPayload: buf}:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendDataMessage queues a JSON message on the data sub-channel.
func (c *WSChannel) SendDataMessage(ctx context.Context, msg DataMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal data message: %w", err)
	}
	select {
	case <-c.done:
		return errors.New("transport: channel closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.priority <- outboundFrame{textPayload: raw}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops accepting frames. The writer drains what was already queued.
func (c *WSChannel) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
