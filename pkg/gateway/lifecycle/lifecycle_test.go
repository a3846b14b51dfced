package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_BeginDrainOnce(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("new lifecycle should be serving")
	}

	start := time.Unix(1700000000, 0)
	if !l.BeginDrain(start) {
		t.Fatalf("first BeginDrain should report true")
	}
	if l.BeginDrain(start.Add(time.Minute)) {
		t.Fatalf("second BeginDrain should report false")
	}
	if !l.IsDraining() {
		t.Fatalf("expected draining")
	}
	if got := l.DrainingSince(); !got.Equal(start) {
		t.Fatalf("DrainingSince=%v, want %v", got, start)
	}
}

func TestLifecycle_NilIsServing(t *testing.T) {
	var l *Lifecycle
	if l.IsDraining() || l.BeginDrain(time.Now()) {
		t.Fatalf("nil lifecycle should never drain")
	}
}
