package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/core/worker"
	"github.com/vango-go/roomgate/pkg/gateway/live/protocol"
)

type fakeSessions struct {
	mu         sync.Mutex
	events     []session.Event
	audio      [][]byte
	texts      []string
	transition func(ev session.Event) error
	audioErr   error
	textReply  string
}

func (f *fakeSessions) Transition(_ context.Context, id string, ev session.Event) (session.Record, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	fn := f.transition
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ev); err != nil {
			return session.Record{}, err
		}
	}
	return session.Record{ID: id}, nil
}

func (f *fakeSessions) ProcessAudio(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return f.audioErr
}

func (f *fakeSessions) ProcessText(_ context.Context, _ string, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.textReply, nil
}

func (f *fakeSessions) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type harness struct {
	conn    *websocket.Conn
	sockets chan *Socket
	done    chan error
}

func startSocket(t *testing.T, sessions Sessions) *harness {
	t.Helper()
	h := &harness{sockets: make(chan *Socket, 1), done: make(chan error, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s := New(Dependencies{
			Conn:     conn,
			Sessions: sessions,
			Config:   Config{MaxMessageBytes: 1 << 20, PingInterval: time.Hour, WriteTimeout: time.Second},
		})
		h.sockets <- s
		h.done <- s.Run(session.Record{
			ID:            "s1",
			RoomName:      "travel-session-s1",
			UserIdentity:  "user-s1",
			AgentIdentity: "agent-s1",
		})
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn

	greeting := readFrame(t, conn)
	if greeting["type"] != "connection_established" {
		t.Fatalf("first frame=%v, want connection_established", greeting)
	}
	if ready := readFrame(t, conn); ready["type"] != "session_ready" {
		t.Fatalf("second frame=%v, want session_ready", ready)
	}
	return h
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want close error", err)
	}
	if ce.Code != code {
		t.Fatalf("close code=%d, want %d", ce.Code, code)
	}
}

func TestSocket_GreetingCarriesRoomInfo(t *testing.T) {
	h := &harness{sockets: make(chan *Socket, 1), done: make(chan error, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s := New(Dependencies{Conn: conn, Sessions: &fakeSessions{}})
		h.done <- s.Run(session.Record{ID: "abc", RoomName: "travel-session-abc", UserIdentity: "user-abc", AgentIdentity: "agent-abc", UserToken: "tok"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != "connection_established" || frame["session_id"] != "abc" || frame["room_name"] != "travel-session-abc" {
		t.Fatalf("frame=%v", frame)
	}
	info := frame["room_info"].(map[string]any)
	if info["user_token"] != "tok" || info["user_identity"] != "user-abc" {
		t.Fatalf("room_info=%v", info)
	}
}

func TestSocket_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	sessions := &fakeSessions{textReply: "Echo: hi"}
	h := startSocket(t, sessions)

	if err := h.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, h.conn)
	if frame["type"] != "error" || frame["code"] != protocol.CodeProtocolError {
		t.Fatalf("frame=%v, want protocol_error", frame)
	}

	if err := h.conn.WriteJSON(map[string]any{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["code"] != protocol.CodeProtocolError || frame["param"] != "type" {
		t.Fatalf("frame=%v", frame)
	}

	if err := h.conn.WriteJSON(map[string]any{"type": "text", "text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame = readFrame(t, h.conn)
	if frame["type"] != "response" || frame["text"] != "Echo: hi" {
		t.Fatalf("frame=%v, want response", frame)
	}
}

func TestSocket_TextWithoutReplyStillGetsResponse(t *testing.T) {
	h := startSocket(t, &fakeSessions{})
	if err := h.conn.WriteJSON(map[string]any{"type": "text", "text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, h.conn)
	if frame["type"] != "response" || frame["text"] != textReceived {
		t.Fatalf("frame=%v, want response %q", frame, textReceived)
	}
}

func TestSocket_ControlStartStop(t *testing.T) {
	sessions := &fakeSessions{}
	h := startSocket(t, sessions)

	if err := h.conn.WriteJSON(map[string]any{"type": "control", "action": "start"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "listening_started" {
		t.Fatalf("frame=%v, want listening_started", frame)
	}
	if err := h.conn.WriteJSON(map[string]any{"type": "control", "action": "stop"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "listening_stopped" {
		t.Fatalf("frame=%v, want listening_stopped", frame)
	}

	sessions.mu.Lock()
	events := append([]session.Event(nil), sessions.events...)
	sessions.mu.Unlock()
	if len(events) != 2 || events[0] != session.EventListen || events[1] != session.EventPause {
		t.Fatalf("events=%v", events)
	}
}

func TestSocket_InvalidTransitionIsNotFatal(t *testing.T) {
	sessions := &fakeSessions{transition: func(ev session.Event) error {
		return fmt.Errorf("%w: pause from ready", session.ErrInvalidTransition)
	}}
	h := startSocket(t, sessions)

	if err := h.conn.WriteJSON(map[string]any{"type": "control", "action": "stop"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "listening_stopped" {
		t.Fatalf("frame=%v", frame)
	}
	frame := readFrame(t, h.conn)
	if frame["type"] != "error" || frame["code"] != protocol.CodeInvalidTransition {
		t.Fatalf("frame=%v, want invalid_transition", frame)
	}

	if err := h.conn.WriteJSON(map[string]any{"type": "text", "text": "still here"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "response" {
		t.Fatalf("frame=%v, want response", frame)
	}
}

func TestSocket_WorkerStartFailureClosesWithInternalError(t *testing.T) {
	sessions := &fakeSessions{transition: func(ev session.Event) error {
		return fmt.Errorf("%w: dispatch refused", worker.ErrStartFailure)
	}}
	h := startSocket(t, sessions)

	if err := h.conn.WriteJSON(map[string]any{"type": "control", "action": "start"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "listening_started" {
		t.Fatalf("frame=%v", frame)
	}
	frame := readFrame(t, h.conn)
	if frame["code"] != protocol.CodeWorkerStartFailed || frame["close"] != true {
		t.Fatalf("frame=%v, want closing worker_start_failed", frame)
	}
	expectClose(t, h.conn, websocket.CloseInternalServerErr)
}

func TestSocket_BinaryAudioForwardedAndAcked(t *testing.T) {
	sessions := &fakeSessions{}
	h := startSocket(t, sessions)

	if err := h.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "ack" {
		t.Fatalf("frame=%v, want ack", frame)
	}
	if sessions.audioCount() != 1 {
		t.Fatalf("audio frames=%d, want 1", sessions.audioCount())
	}
}

func TestSocket_AudioWithoutWorkerReportsError(t *testing.T) {
	h := startSocket(t, &fakeSessions{audioErr: session.ErrWorkerUnavailable})

	if err := h.conn.WriteJSON(map[string]any{"type": "audio", "data": "AQID"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["code"] != protocol.CodeWorkerUnavailable {
		t.Fatalf("frame=%v, want worker_unavailable", frame)
	}
}

func TestSocket_AudioFailureKeepsConnectionOpen(t *testing.T) {
	h := startSocket(t, &fakeSessions{audioErr: errors.New("room gone")})

	if err := h.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, h.conn)
	if frame["code"] != protocol.CodeProcessingFailed || frame["message"] != "failed to process audio" {
		t.Fatalf("frame=%v, want processing_failed for audio", frame)
	}

	if err := h.conn.WriteJSON(map[string]any{"type": "text", "text": "still here"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "response" {
		t.Fatalf("frame=%v, want response after audio failure", frame)
	}
}

func TestSocket_ReleaseSendsSessionStoppedThenCloses(t *testing.T) {
	h := startSocket(t, &fakeSessions{})
	s := <-h.sockets

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if frame := readFrame(t, h.conn); frame["type"] != "session_stopped" {
		t.Fatalf("frame=%v, want session_stopped", frame)
	}
	expectClose(t, h.conn, websocket.CloseNormalClosure)

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after release")
	}
}

func TestSocket_CancelClosesGoingAway(t *testing.T) {
	h := startSocket(t, &fakeSessions{})
	s := <-h.sockets

	s.Cancel()
	expectClose(t, h.conn, websocket.CloseGoingAway)
}

func TestSocket_ClientDisconnectEndsRun(t *testing.T) {
	h := startSocket(t, &fakeSessions{})
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = h.conn.Close()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run err=%v, want nil after clean close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after client disconnect")
	}
}

func TestSocket_BrokenTransportIsReported(t *testing.T) {
	h := startSocket(t, &fakeSessions{})
	// Drop the TCP connection without a close handshake.
	_ = h.conn.UnderlyingConn().Close()

	select {
	case err := <-h.done:
		if !errors.Is(err, errAudioReceive) {
			t.Fatalf("Run err=%v, want errAudioReceive", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after transport failure")
	}
}
