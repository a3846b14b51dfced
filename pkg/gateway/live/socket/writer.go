package socket

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type outboundFrame struct {
	textPayload []byte

	// A close frame is always the last thing the writer sends.
	close       bool
	closeCode   int
	closeReason string
}

type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	onFrame      func(payload []byte)
}

// Run writes queued frames until a close frame is sent, ctx is done, or a
// write fails. Priority frames always go out before normal ones.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
			return nil
		default:
		}

		select {
		case frame := <-w.priority:
			done, err := w.writeFrame(frame, writeTimeout)
			if err != nil || done {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			continue
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame := <-w.priority:
			done, err := w.writeFrame(frame, writeTimeout)
			if err != nil || done {
				return err
			}
		case frame := <-w.normal:
			// Let a priority frame queued in the meantime go first.
			select {
			case p := <-w.priority:
				done, err := w.writeFrame(p, writeTimeout)
				if err != nil || done {
					return err
				}
			default:
			}
			done, err := w.writeFrame(frame, writeTimeout)
			if err != nil || done {
				return err
			}
		}
	}
}

// flushPriorityOnShutdown gives already queued error frames a short chance to
// reach the client before the going-away close.
func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			if frame.close {
				return
			}
			_, _ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) (closed bool, err error) {
	deadline := time.Now().Add(writeTimeout)
	if frame.close {
		return true, w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(frame.closeCode, frame.closeReason), deadline)
	}
	if len(frame.textPayload) == 0 {
		return false, nil
	}
	if err := w.ws.SetWriteDeadline(deadline); err != nil {
		return false, err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, frame.textPayload); err != nil {
		return false, err
	}
	if w.onFrame != nil {
		w.onFrame(frame.textPayload)
	}
	return false, nil
}
