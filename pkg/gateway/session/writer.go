package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type outboundFrame struct {
	// responseID tags assistant output so a barge-in can drop it.
	responseID string

	textPayload   []byte
	binaryPayload []byte

	// droppable frames (warnings, pongs) are shed when the priority queue
	// is near full; resets and terminal messages never are.
	droppable bool
}

// outboundWriter is the only goroutine that writes to the client socket.
// It exits once both queues are closed and drained, or when ctx ends; in
// both cases it sends a close frame carrying closeReason().
type outboundWriter struct {
	ws          wsWriter
	ctx         context.Context
	cfg         Config
	priority    <-chan outboundFrame
	normal      <-chan outboundFrame
	isCanceled  func(string) bool
	closeReason func(shutdown bool) protocol.CloseReason
	onWrite     func(outboundFrame)
}

func (w *outboundWriter) Run() error {
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

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown(writeTimeout)
				w.writeClose(true, writeTimeout)
				return nil
			default:
			}
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// A priority frame queued after a normal frame was taken still goes first.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			w.writeClose(false, writeTimeout)
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}
		select {
		case <-done:
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) writeClose(shutdown bool, writeTimeout time.Duration) {
	reason := protocol.ReasonNormal
	if shutdown {
		reason = protocol.ReasonGoingAway
	}
	if w.closeReason != nil {
		reason = w.closeReason(shutdown)
	}
	msg := websocket.FormatCloseMessage(reason.Code, reason.Reason)
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.responseID != "" && w.isCanceled != nil && w.isCanceled(frame.responseID) {
		return nil
	}

	deadline := time.Now().Add(writeTimeout)

	var err error
	switch {
	case len(frame.textPayload) > 0:
		if err = w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		err = w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	case len(frame.binaryPayload) > 0:
		if err = w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		err = w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPayload)
	default:
		return nil
	}
	if err == nil && w.onWrite != nil {
		w.onWrite(frame)
	}
	return err
}
