// Package bindings tracks which client connection is bound to which session.
package bindings

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/roomgate/pkg/metrics"
)

var ErrAlreadyBound = errors.New("session already has a bound connection")

// Handle lets the table act on a connection it does not own.
type Handle struct {
	// Release notifies the client that its session ended and closes the connection.
	Release func() error
	// Warn sends a non-fatal notice, used while draining.
	Warn func(code, message string) error
	// Cancel aborts the connection's handler.
	Cancel func()
}

// Table holds at most one binding per session.
type Table struct {
	mu       sync.Mutex
	bindings map[string]*binding
	wg       sync.WaitGroup
	metrics  *metrics.Metrics
}

type binding struct {
	handle Handle
	once   sync.Once
}

func NewTable(m *metrics.Metrics) *Table {
	return &Table{
		bindings: make(map[string]*binding),
		metrics:  m,
	}
}

// Register binds h to sessionID. A second registration for the same session
// fails with ErrAlreadyBound; the existing binding is left untouched.
func (t *Table) Register(sessionID string, h Handle) (unregister func(), err error) {
	entry := &binding{handle: h}

	t.mu.Lock()
	if _, exists := t.bindings[sessionID]; exists {
		t.mu.Unlock()
		return func() {}, ErrAlreadyBound
	}
	t.bindings[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	t.metrics.RecordConnectionOpen()
	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Table) unregister(sessionID string, entry *binding) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.bindings[sessionID] == entry {
			delete(t.bindings, sessionID)
		}
		t.mu.Unlock()
		t.metrics.RecordConnectionClosed()
		t.wg.Done()
	})
}

// Bound reports whether sessionID has a live connection.
func (t *Table) Bound(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.bindings[sessionID]
	return ok
}

// Release asks the connection bound to sessionID to close. The binding itself
// is removed by the connection's own unregister on its way out. A session
// without a binding is a no-op.
func (t *Table) Release(sessionID string) error {
	t.mu.Lock()
	entry := t.bindings[sessionID]
	t.mu.Unlock()
	if entry == nil || entry.handle.Release == nil {
		return nil
	}
	return entry.handle.Release()
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

func (t *Table) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.bindings {
		if entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Table) CancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.bindings {
		if entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every binding is unregistered or ctx is done.
func (t *Table) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
