// Package worker defines the contract for remote voice workers and the pool
// that keeps stopped workers around for reuse.
package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStartTimeout is returned when a start phase exceeds its deadline.
	ErrStartTimeout = errors.New("worker start timed out")
	// ErrStartFailure wraps any other start error.
	ErrStartFailure = errors.New("worker start failed")
	// ErrCleanup marks errors raised while releasing a worker. They are logged, never propagated.
	ErrCleanup = errors.New("worker cleanup failed")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Handle references one remote worker instance.
type Handle struct {
	ID               string
	SessionID        string
	Room             string
	DispatchID       string
	AvatarDispatchID string
	StartedAt        time.Time
	Starts           int
}

// StartRequest carries everything a bridge needs to bind a worker to a session's room.
type StartRequest struct {
	SessionID    string
	Room         string
	SystemPrompt string
	AgentName    string
	Language     string
	AgentToken   string

	// Reuse is a previously stopped handle that should be re-bound instead of
	// provisioning a fresh worker. Bridges may ignore it.
	Reuse *Handle
}

// Bridge starts, stops and talks to remote workers.
type Bridge interface {
	Start(ctx context.Context, req StartRequest) (*Handle, error)
	// Stop detaches the worker from its room but keeps it reusable.
	Stop(ctx context.Context, h *Handle) error
	// Dispose releases every resource held by the worker.
	Dispose(ctx context.Context, h *Handle) error
	ProcessAudio(ctx context.Context, h *Handle, data []byte) error
	ProcessText(ctx context.Context, h *Handle, text string) (string, error)
}

// IsStartError reports whether err came from a failed or timed out start.
func IsStartError(err error) bool {
	return errors.Is(err, ErrStartTimeout) || errors.Is(err, ErrStartFailure)
}
