package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/roomgate/pkg/metrics"
)

const (
	DefaultSweepInterval = 300 * time.Second
	DefaultSweepBatch    = 10
)

// Sweeper periodically reclaims stale pooled workers.
type Sweeper struct {
	Pool     *Pool
	Interval time.Duration
	Batch    int
	MaxIdle  time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger().Info("cleanup sweeper started", "interval", interval, "batch", s.batch())
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("cleanup sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one reclamation pass and returns how many workers it disposed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if s.Pool == nil {
		return 0
	}
	n := s.Pool.Reclaim(ctx, s.batch(), s.MaxIdle)
	s.Metrics.RecordSweep(n)
	if n > 0 {
		s.logger().Info("reclaimed pooled workers", "count", n, "remaining", s.Pool.Len())
	}
	return n
}

func (s *Sweeper) batch() int {
	if s.Batch <= 0 {
		return DefaultSweepBatch
	}
	return s.Batch
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
