// Package socket runs one client WebSocket bound to a voice session.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/core/worker"
	"github.com/vango-go/roomgate/pkg/gateway/live/protocol"
	"github.com/vango-go/roomgate/pkg/metrics"
)

var (
	errBackpressure = errors.New("outbound queue full")
	errAudioReceive = errors.New("audio receive failed")
)

const (
	outboundQueueSize         = 64
	outboundPriorityQueueSize = 8
)

// textReceived answers a text frame whose worker replies out of band.
const textReceived = "Message received"

// Sessions is the part of the session registry a socket drives.
type Sessions interface {
	Transition(ctx context.Context, id string, ev session.Event) (session.Record, error)
	ProcessAudio(ctx context.Context, id string, data []byte) error
	ProcessText(ctx context.Context, id, text string) (string, error)
}

type Config struct {
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
}

type Dependencies struct {
	Conn      *websocket.Conn
	Sessions  Sessions
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	RequestID string
	Config    Config
}

// Socket owns the read and write sides of one connection. All writes go
// through the outbound queues; only the writer goroutine touches the conn.
type Socket struct {
	conn      *websocket.Conn
	sessions  Sessions
	logger    *slog.Logger
	metrics   *metrics.Metrics
	requestID string
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	closeOnce sync.Once
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) *Socket {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		conn:             deps.Conn,
		sessions:         deps.Sessions,
		logger:           logger,
		metrics:          deps.Metrics,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, outboundQueueSize),
	}
}

// Run greets the client and serves frames until the connection closes. rec
// is the session as it stood when the connection was attached.
func (s *Socket) Run(rec session.Record) error {
	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
			onFrame:      s.recordOutbound,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()
	defer func() {
		s.cancel()
		s.waitWriter(writerErrCh)
	}()

	_ = s.sendJSON(protocol.ServerConnectionEstablished{
		Type:      "connection_established",
		Message:   "Connected to voice service",
		SessionID: rec.ID,
		RoomName:  rec.RoomName,
		RoomInfo: protocol.RoomInfo{
			RoomName:      rec.RoomName,
			UserIdentity:  rec.UserIdentity,
			AgentIdentity: rec.AgentIdentity,
			UserToken:     rec.UserToken,
		},
	})
	_ = s.sendJSON(protocol.SessionReady())

	for {
		select {
		case <-s.ctx.Done():
			return s.drainReadError(rec.ID, readCh)
		case err := <-writerErrCh:
			// The writer only stops on its own after a close frame or a
			// failed write. Give the peer a moment to answer the close.
			s.waitReader(readCh)
			return err
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return s.readFailure(rec.ID, frame.err)
			}
			if fatal := s.handleFrame(rec.ID, frame); fatal {
				s.waitWriter(writerErrCh)
				s.waitReader(readCh)
				return nil
			}
		}
	}
}

// handleFrame applies one client frame and reports whether the connection
// is being closed because of it.
func (s *Socket) handleFrame(sessionID string, frame inboundFrame) bool {
	switch frame.messageType {
	case websocket.BinaryMessage:
		s.metrics.RecordFrame("in", "binary")
		return s.handleAudio(sessionID, frame.data)
	case websocket.TextMessage:
	default:
		return false
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		s.metrics.RecordFrame("in", "invalid")
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			out := protocol.Error(de.Code, de.Message)
			out.Param = de.Param
			_ = s.sendJSON(out)
			return false
		}
		_ = s.sendJSON(protocol.Error(protocol.CodeProtocolError, "invalid frame"))
		return false
	}

	switch m := msg.(type) {
	case protocol.ClientAudio:
		s.metrics.RecordFrame("in", "audio")
		return s.handleAudio(sessionID, m.Decoded)
	case protocol.ClientText:
		s.metrics.RecordFrame("in", "text")
		reply, err := s.sessions.ProcessText(s.ctx, sessionID, m.Text)
		if err != nil {
			return s.handleProcessingError(sessionID, err)
		}
		if reply == "" {
			reply = textReceived
		}
		_ = s.sendJSON(protocol.Response(reply))
		return false
	case protocol.ClientControl:
		s.metrics.RecordFrame("in", "control")
		return s.handleControl(sessionID, m.Action)
	}
	return false
}

func (s *Socket) handleAudio(sessionID string, data []byte) bool {
	if err := s.sessions.ProcessAudio(s.ctx, sessionID, data); err != nil {
		return s.handleProcessingError(sessionID, fmt.Errorf("%w: %w", errAudioReceive, err))
	}
	_ = s.sendJSON(protocol.Ack())
	return false
}

func (s *Socket) handleControl(sessionID, action string) bool {
	var (
		ev     session.Event
		notice protocol.ServerNotice
	)
	switch action {
	case protocol.ActionStart:
		ev, notice = session.EventListen, protocol.ListeningStarted()
	case protocol.ActionStop:
		ev, notice = session.EventPause, protocol.ListeningStopped()
	default:
		_ = s.sendJSON(protocol.Error(protocol.CodeProtocolError, "unknown control action"))
		return false
	}

	_ = s.sendJSON(notice)
	if _, err := s.sessions.Transition(s.ctx, sessionID, ev); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidTransition):
			_ = s.sendJSON(protocol.Error(protocol.CodeInvalidTransition, err.Error()))
			return false
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, context.Canceled):
			// The session ended underneath us; its release path closes the socket.
			return false
		case errors.Is(err, session.ErrWorkerUnavailable):
			_ = s.sendJSON(protocol.Error(protocol.CodeWorkerUnavailable, "worker not available"))
			return false
		case worker.IsStartError(err):
			s.logger.Warn("worker start failed", "session_id", sessionID, "request_id", s.requestID, "error", err)
			s.fail(protocol.CodeWorkerStartFailed, "failed to start voice worker")
			return true
		default:
			s.logger.Error("session transition failed", "session_id", sessionID, "request_id", s.requestID, "event", ev, "error", err)
			s.fail(protocol.CodeInternal, "internal error")
			return true
		}
	}
	return false
}

func (s *Socket) handleProcessingError(sessionID string, err error) bool {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, session.ErrWorkerUnavailable):
		_ = s.sendJSON(protocol.Error(protocol.CodeWorkerUnavailable, "not listening; send a start control message first"))
		return false
	default:
		s.logger.Warn("frame processing failed", "session_id", sessionID, "request_id", s.requestID, "error", err)
		msg := "failed to process message"
		if errors.Is(err, errAudioReceive) {
			msg = "failed to process audio"
		}
		_ = s.sendJSON(protocol.Error(protocol.CodeProcessingFailed, msg))
		return false
	}
}

// fail sends a closing error frame followed by an internal-error close. Both
// go through the normal queue so frames already queued are delivered first.
func (s *Socket) fail(code, message string) {
	out := protocol.Error(code, message)
	out.Close = true
	_ = s.sendJSON(out)
	s.closeOnce.Do(func() {
		_ = s.enqueue(s.outboundNormal, outboundFrame{close: true, closeCode: websocket.CloseInternalServerErr, closeReason: code})
	})
}

// Release tells the client its session ended and closes the connection.
func (s *Socket) Release() error {
	if err := s.sendJSONPriority(protocol.SessionStopped()); err != nil {
		return err
	}
	s.closeWith(websocket.CloseNormalClosure, "session ended")
	return nil
}

// Warn sends a non-closing error frame.
func (s *Socket) Warn(code, message string) error {
	return s.sendJSONPriority(protocol.Error(code, message))
}

// Cancel stops the socket; the writer sends a going-away close on its way out.
func (s *Socket) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *Socket) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		_ = s.enqueue(s.outboundPriority, outboundFrame{close: true, closeCode: code, closeReason: reason})
	})
}

func (s *Socket) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- outboundFrame{textPayload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Socket) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueue(s.outboundPriority, outboundFrame{textPayload: payload})
}

// enqueue waits up to the write timeout for room in ch.
func (s *Socket) enqueue(ch chan<- outboundFrame, frame outboundFrame) error {
	select {
	case ch <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(s.writeTimeout()):
		return errBackpressure
	}
}

func (s *Socket) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			// Abort anything in flight for a client that is gone.
			s.cancel()
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// readFailure maps a read error to Run's result. A clean close from the
// client is not an error; anything else means the transport broke.
func (s *Socket) readFailure(sessionID string, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	s.logger.Debug("socket read ended", "session_id", sessionID, "request_id", s.requestID, "error", err)
	return fmt.Errorf("%w: %w", errAudioReceive, err)
}

// drainReadError reports a read failure that raced with cancellation. The
// reader queues its error before cancelling, so it is already buffered.
func (s *Socket) drainReadError(sessionID string, readCh <-chan inboundFrame) error {
	for {
		select {
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return s.readFailure(sessionID, frame.err)
			}
		default:
			return nil
		}
	}
}

func (s *Socket) waitWriter(writerErrCh <-chan error) {
	timer := time.NewTimer(s.writeTimeout())
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
}

func (s *Socket) waitReader(readCh <-chan inboundFrame) {
	timer := time.NewTimer(s.writeTimeout())
	defer timer.Stop()
	for {
		select {
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func (s *Socket) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (s *Socket) recordOutbound(payload []byte) {
	if s.metrics == nil {
		return
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	s.metrics.RecordFrame("out", envelope.Type)
}
