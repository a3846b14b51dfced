package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EchoBridge is an in-process bridge used when no LiveKit deployment is
// configured. Text is echoed back and audio is counted.
type EchoBridge struct {
	mu      sync.Mutex
	running map[string]*Handle
	stopped map[string]*Handle
	audio   map[string]int
}

func NewEchoBridge() *EchoBridge {
	return &EchoBridge{
		running: make(map[string]*Handle),
		stopped: make(map[string]*Handle),
		audio:   make(map[string]int),
	}
}

func (b *EchoBridge) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailure, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	h := req.Reuse
	if h != nil {
		if _, ok := b.stopped[h.ID]; !ok {
			return nil, fmt.Errorf("%w: worker %s is not reusable", ErrStartFailure, h.ID)
		}
		delete(b.stopped, h.ID)
	} else {
		h = &Handle{ID: uuid.NewString()}
	}
	h.SessionID = req.SessionID
	h.Room = req.Room
	h.StartedAt = time.Now()
	h.Starts++
	b.running[h.ID] = h
	return h, nil
}

func (b *EchoBridge) Stop(_ context.Context, h *Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.running[h.ID]; !ok {
		return fmt.Errorf("worker %s is not running", h.ID)
	}
	delete(b.running, h.ID)
	b.stopped[h.ID] = h
	return nil
}

func (b *EchoBridge) Dispose(_ context.Context, h *Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, h.ID)
	delete(b.stopped, h.ID)
	delete(b.audio, h.ID)
	return nil
}

func (b *EchoBridge) ProcessAudio(_ context.Context, h *Handle, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.running[h.ID]; !ok {
		return fmt.Errorf("worker %s is not running", h.ID)
	}
	b.audio[h.ID] += len(data)
	return nil
}

func (b *EchoBridge) ProcessText(_ context.Context, h *Handle, text string) (string, error) {
	b.mu.Lock()
	_, ok := b.running[h.ID]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("worker %s is not running", h.ID)
	}
	return "Echo: " + text, nil
}

// AudioBytes reports how many audio bytes the worker has received.
func (b *EchoBridge) AudioBytes(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio[id]
}

// Running reports how many workers are currently bound to rooms.
func (b *EchoBridge) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}
