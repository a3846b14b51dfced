// Package session owns voice session records and their state machine.
package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusReady   Status = "ready"
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusEnded   Status = "ended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusEnded }

// Connectable reports whether a client connection may be bound in this status.
func (s Status) Connectable() bool {
	return s == StatusReady || s == StatusActive || s == StatusStopped
}

type Event string

const (
	EventStart  Event = "start"
	EventListen Event = "listen"
	EventPause  Event = "pause"
	EventFail   Event = "fail"
	EventEnd    Event = "end"
)

const (
	DefaultSystemPrompt = "You are a friendly travel assistant."
	DefaultAgentName    = "TravelAssistant"
	DefaultLanguage     = "en"
	DefaultRoomPrefix   = "travel-session-"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrDuplicateSession  = errors.New("session already exists")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrWorkerUnavailable = errors.New("worker not available")
)

// Record is a snapshot of one session. Registry methods always return copies.
type Record struct {
	ID            string    `json:"session_id"`
	SystemPrompt  string    `json:"system_prompt"`
	AgentName     string    `json:"agent_name"`
	Language      string    `json:"language"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	RoomName      string    `json:"room_name"`
	UserIdentity  string    `json:"user_identity"`
	AgentIdentity string    `json:"agent_identity"`
	UserToken     string    `json:"user_token"`
	AgentToken    string    `json:"agent_token"`
	WorkerID      string    `json:"worker_id,omitempty"`
}

type CreateParams struct {
	ID           string
	SystemPrompt string
	AgentName    string
	Language     string
}

// RoomName derives the room for a session id from its first eight characters.
func RoomName(prefix, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + short
}

func UserIdentity(id string) string  { return "user-" + id }
func AgentIdentity(id string) string { return "agent-" + id }

// next returns the status ev leads to from the given status, or false when ev
// is not allowed there.
func next(from Status, ev Event) (Status, bool) {
	switch ev {
	case EventStart:
		if from == StatusCreated {
			return StatusReady, true
		}
	case EventListen:
		if from == StatusReady || from == StatusStopped {
			return StatusActive, true
		}
	case EventPause:
		if from == StatusActive {
			return StatusStopped, true
		}
	case EventFail:
		if from != StatusEnded && from != StatusError {
			return StatusError, true
		}
	case EventEnd:
		return StatusEnded, true
	}
	return from, false
}
