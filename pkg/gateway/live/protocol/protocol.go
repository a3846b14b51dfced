package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Error codes carried in ServerError.Code.
const (
	CodeProtocolError     = "protocol_error"
	CodeSessionNotFound   = "session_not_found"
	CodeRoomNotFound      = "room_not_found"
	CodeAlreadyConnected  = "already_connected"
	CodeInvalidTransition = "invalid_transition"
	CodeWorkerUnavailable = "worker_unavailable"
	CodeWorkerStartFailed = "worker_start_failed"
	CodeProcessingFailed  = "processing_failed"
	CodeInternal          = "internal_error"
	CodeShuttingDown      = "shutting_down"
)

// WebSocket close codes in the private 4000-4999 range.
const (
	CloseSessionNotFound  = 4404
	CloseAlreadyConnected = 4409
	CloseRoomNotFound     = 4412
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeProtocolError, Message: message, Param: param}
}

// ClientAudio carries base64 audio inside a text frame. Binary frames carry
// raw audio and never decode to this type.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`

	Decoded []byte `json:"-"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientControl struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// DecodeClientMessage parses one inbound text frame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		msg.Decoded = decoded
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if msg.Text == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control frame", "")
		}
		switch strings.TrimSpace(msg.Action) {
		case ActionStart, ActionStop:
			msg.Action = strings.TrimSpace(msg.Action)
			return msg, nil
		case "":
			return nil, badRequest("control.action is required", "action")
		default:
			return nil, badRequest(fmt.Sprintf("unknown control action %q", msg.Action), "action")
		}
	default:
		return nil, badRequest(fmt.Sprintf("unknown message type %q", typ), "type")
	}
}

type RoomInfo struct {
	RoomName      string `json:"room_name"`
	UserIdentity  string `json:"user_identity"`
	AgentIdentity string `json:"agent_identity"`
	UserToken     string `json:"user_token,omitempty"`
}

type ServerConnectionEstablished struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	RoomName  string   `json:"room_name"`
	RoomInfo  RoomInfo `json:"room_info"`
}

// ServerNotice covers the message-only frames: session_ready,
// listening_started, listening_stopped, ack and session_stopped.
type ServerNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerResponse struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

func SessionReady() ServerNotice {
	return ServerNotice{Type: "session_ready", Message: "Session is ready for voice interaction"}
}

func ListeningStarted() ServerNotice {
	return ServerNotice{Type: "listening_started", Message: "Listening started"}
}

func ListeningStopped() ServerNotice {
	return ServerNotice{Type: "listening_stopped", Message: "Listening stopped"}
}

func Ack() ServerNotice {
	return ServerNotice{Type: "ack", Message: "Audio received"}
}

func SessionStopped() ServerNotice {
	return ServerNotice{Type: "session_stopped", Message: "Session has been stopped"}
}

func Response(text string) ServerResponse {
	return ServerResponse{Type: "response", Text: text}
}

func Error(code, message string) ServerError {
	return ServerError{Type: "error", Code: code, Message: message}
}
