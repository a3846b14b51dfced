package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/roomgate/pkg/metrics"
)

const DefaultPoolCapacity = 50

type PoolConfig struct {
	Capacity int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type pooled struct {
	handle   *Handle
	lastUsed time.Time
}

// Pool is a bounded FIFO cache of stopped workers. The oldest entry is evicted
// and disposed when a Put would exceed capacity.
type Pool struct {
	bridge   Bridge
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	entries []pooled // oldest first
	closed  bool
}

func NewPool(bridge Bridge, cfg PoolConfig) *Pool {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		bridge:   bridge,
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

func (p *Pool) Bridge() Bridge { return p.bridge }

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire binds a worker for req. The most recently pooled worker is tried
// first; if none is available, or the warm start fails, a fresh worker is started.
func (p *Pool) Acquire(ctx context.Context, req StartRequest) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var reuse *Handle
	if n := len(p.entries); n > 0 {
		reuse = p.entries[n-1].handle
		p.entries[n-1] = pooled{}
		p.entries = p.entries[:n-1]
	}
	size := len(p.entries)
	p.mu.Unlock()
	p.metrics.SetPoolSize(size)

	if reuse != nil {
		warm := req
		warm.Reuse = reuse
		started := p.now()
		h, err := p.bridge.Start(ctx, warm)
		if err == nil {
			p.metrics.RecordWorkerStart("warm", "ok", p.now().Sub(started))
			return h, nil
		}
		p.metrics.RecordWorkerStart("warm", "error", p.now().Sub(started))
		p.logger.Warn("warm worker start failed; starting fresh worker",
			"session_id", req.SessionID, "worker_id", reuse.ID, "error", err)
		p.dispose(context.WithoutCancel(ctx), reuse)
		if ctx.Err() != nil {
			return nil, err
		}
	}

	req.Reuse = nil
	started := p.now()
	h, err := p.bridge.Start(ctx, req)
	if err != nil {
		p.metrics.RecordWorkerStart("cold", "error", p.now().Sub(started))
		return nil, err
	}
	p.metrics.RecordWorkerStart("cold", "ok", p.now().Sub(started))
	return h, nil
}

// Put stops h and keeps it for reuse. A worker that fails to stop is disposed instead.
func (p *Pool) Put(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := p.bridge.Stop(ctx, h); err != nil {
		p.logger.Warn("worker stop failed; disposing", "session_id", h.SessionID, "worker_id", h.ID, "error", err)
		p.dispose(ctx, h)
		return
	}

	p.mu.Lock()
	if p.closed || p.capacity == 0 {
		p.mu.Unlock()
		p.dispose(ctx, h)
		return
	}
	p.entries = append(p.entries, pooled{handle: h, lastUsed: p.now()})
	var evicted []*Handle
	for len(p.entries) > p.capacity {
		evicted = append(evicted, p.entries[0].handle)
		p.entries[0] = pooled{}
		p.entries = p.entries[1:]
	}
	size := len(p.entries)
	p.mu.Unlock()

	p.metrics.SetPoolSize(size)
	for _, old := range evicted {
		p.metrics.RecordPoolEviction()
		p.logger.Debug("evicting pooled worker", "worker_id", old.ID)
		p.dispose(ctx, old)
	}
}

// Discard stops and disposes h without pooling it.
func (p *Pool) Discard(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := p.bridge.Stop(ctx, h); err != nil {
		p.logger.Debug("worker stop before dispose failed", "worker_id", h.ID, "error", err)
	}
	p.dispose(ctx, h)
}

// Reclaim disposes up to max of the oldest pooled workers. When olderThan is
// positive only entries idle at least that long are eligible.
func (p *Pool) Reclaim(ctx context.Context, max int, olderThan time.Duration) int {
	if max <= 0 {
		return 0
	}
	now := p.now()

	p.mu.Lock()
	n := 0
	for n < len(p.entries) && n < max {
		if olderThan > 0 && now.Sub(p.entries[n].lastUsed) < olderThan {
			break
		}
		n++
	}
	victims := make([]*Handle, n)
	for i := 0; i < n; i++ {
		victims[i] = p.entries[i].handle
		p.entries[i] = pooled{}
	}
	p.entries = p.entries[n:]
	size := len(p.entries)
	p.mu.Unlock()

	p.metrics.SetPoolSize(size)
	for _, h := range victims {
		p.dispose(ctx, h)
	}
	return n
}

// Close disposes every pooled worker. Later Puts dispose immediately.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	p.metrics.SetPoolSize(0)
	for _, e := range entries {
		p.dispose(ctx, e.handle)
	}
}

func (p *Pool) dispose(ctx context.Context, h *Handle) {
	if err := p.bridge.Dispose(ctx, h); err != nil {
		err = fmt.Errorf("%w: dispose %s: %w", ErrCleanup, h.ID, err)
		p.metrics.RecordCleanupError("worker")
		if errors.Is(err, context.Canceled) {
			p.logger.Debug("worker dispose cancelled", "worker_id", h.ID, "error", err)
			return
		}
		p.logger.Warn("worker dispose failed", "worker_id", h.ID, "session_id", h.SessionID, "error", err)
	}
}
