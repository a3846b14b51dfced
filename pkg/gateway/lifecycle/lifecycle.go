// Package lifecycle holds process-wide drain state shared by handlers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle flips once from serving to draining during graceful shutdown.
// Draining gateways fail readiness and refuse new voice connections.
type Lifecycle struct {
	drainingSince atomic.Int64
}

// BeginDrain marks the process as draining. It reports true only for the
// call that started the drain.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	return l.drainingSince.CompareAndSwap(0, now.UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince returns when the drain began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
