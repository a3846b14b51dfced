package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/roomgate/pkg/core/token"
	"github.com/vango-go/roomgate/pkg/core/worker"
	"github.com/vango-go/roomgate/pkg/metrics"
)

// BindingReleaser closes the client connection bound to a session, if any.
type BindingReleaser interface {
	Release(sessionID string) error
}

type Config struct {
	Issuer           token.Issuer
	Pool             *worker.Pool
	Bindings         BindingReleaser
	RoomPrefix       string
	UserDisplayName  string
	AgentDisplayName string
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

type entry struct {
	mu     sync.Mutex
	rec    Record
	worker *worker.Handle
	ended  bool

	// Set while a worker start is in flight.
	starting context.CancelFunc
	startGen uint64
}

// Registry is the single owner of session records. The map is guarded by mu;
// each record has its own lock so sessions never contend with one another.
type Registry struct {
	issuer   token.Issuer
	pool     *worker.Pool
	bindings BindingReleaser
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Issuer == nil {
		cfg.Issuer = token.Unconfigured{}
	}
	if cfg.RoomPrefix == "" {
		cfg.RoomPrefix = DefaultRoomPrefix
	}
	if cfg.UserDisplayName == "" {
		cfg.UserDisplayName = "Web User"
	}
	if cfg.AgentDisplayName == "" {
		cfg.AgentDisplayName = "Travel Assistant"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		issuer:   cfg.Issuer,
		pool:     cfg.Pool,
		bindings: cfg.Bindings,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		sessions: make(map[string]*entry),
	}
}

// SetBindingReleaser wires the connection table after construction.
func (r *Registry) SetBindingReleaser(b BindingReleaser) {
	r.mu.Lock()
	r.bindings = b
	r.mu.Unlock()
}

// Create allocates a record in status created. Token issuance is best-effort:
// on failure the record is still created with empty tokens.
func (r *Registry) Create(ctx context.Context, p CreateParams) (Record, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return Record{}, fmt.Errorf("session id must not be empty")
	}
	rec := Record{
		ID:            id,
		SystemPrompt:  p.SystemPrompt,
		AgentName:     p.AgentName,
		Language:      p.Language,
		Status:        StatusCreated,
		CreatedAt:     r.now().UTC(),
		RoomName:      RoomName(r.cfg.RoomPrefix, id),
		UserIdentity:  UserIdentity(id),
		AgentIdentity: AgentIdentity(id),
	}
	if rec.SystemPrompt == "" {
		rec.SystemPrompt = DefaultSystemPrompt
	}
	if rec.AgentName == "" {
		rec.AgentName = DefaultAgentName
	}
	if rec.Language == "" {
		rec.Language = DefaultLanguage
	}

	r.mu.RLock()
	_, exists := r.sessions[id]
	r.mu.RUnlock()
	if exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	r.issueTokens(ctx, &rec)

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = &entry{rec: rec}
	r.mu.Unlock()

	r.metrics.RecordSessionCreated()
	r.logger.Info("session created", "session_id", id, "room", rec.RoomName, "agent_name", rec.AgentName)
	return rec, nil
}

func (r *Registry) issueTokens(ctx context.Context, rec *Record) {
	userToken, err := r.issuer.Issue(ctx, token.Grant{
		Room:           rec.RoomName,
		Identity:       rec.UserIdentity,
		Name:           r.cfg.UserDisplayName,
		CanPublishData: true,
	})
	if err != nil {
		r.metrics.RecordTokenFailure()
		r.logger.Warn("user token issuance failed", "session_id", rec.ID, "error", err)
		return
	}
	agentToken, err := r.issuer.Issue(ctx, token.Grant{
		Room:           rec.RoomName,
		Identity:       rec.AgentIdentity,
		Name:           r.cfg.AgentDisplayName,
		CanPublishData: true,
	})
	if err != nil {
		r.metrics.RecordTokenFailure()
		r.logger.Warn("agent token issuance failed", "session_id", rec.ID, "error", err)
		return
	}
	rec.UserToken = userToken
	rec.AgentToken = agentToken
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Record, error) {
	e := r.lookup(id)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.rec, nil
}

// List returns copies of all live records, oldest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.ended {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Transition applies ev. A rejected event returns ErrInvalidTransition and
// leaves the record unchanged.
func (r *Registry) Transition(ctx context.Context, id string, ev Event) (Record, error) {
	switch ev {
	case EventListen:
		return r.listen(ctx, id)
	case EventEnd:
		if err := r.End(ctx, id); err != nil {
			return Record{}, err
		}
		return Record{ID: id, Status: StatusEnded}, nil
	}

	e := r.lookup(id)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	from := e.rec.Status
	to, ok := next(from, ev)
	if !ok {
		e.mu.Unlock()
		r.metrics.RecordTransition(string(ev), "rejected")
		return Record{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
	}
	var release *worker.Handle
	if ev == EventPause || ev == EventFail {
		release = e.worker
		e.worker = nil
		e.rec.WorkerID = ""
		if e.starting != nil {
			e.starting()
			e.starting = nil
			e.startGen++
		}
	}
	e.rec.Status = to
	rec := e.rec
	e.mu.Unlock()

	if ev == EventFail {
		r.releaseBinding(id)
	}
	switch {
	case release != nil && ev == EventPause:
		r.pool.Put(ctx, release)
	case release != nil:
		r.pool.Discard(ctx, release)
	}

	r.metrics.RecordTransition(string(ev), "ok")
	r.logger.Info("session transition", "session_id", id, "event", ev, "from", from, "to", to)
	return rec, nil
}

// listen acquires a worker outside the record lock. End or Detach may cancel
// the start; a worker that arrives after that is handed straight back to the pool.
func (r *Registry) listen(ctx context.Context, id string) (Record, error) {
	e := r.lookup(id)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	from := e.rec.Status
	if _, ok := next(from, EventListen); !ok || e.starting != nil {
		e.mu.Unlock()
		r.metrics.RecordTransition(string(EventListen), "rejected")
		return Record{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, EventListen, from)
	}
	if r.pool == nil {
		e.mu.Unlock()
		return Record{}, ErrWorkerUnavailable
	}
	startCtx, cancel := context.WithCancel(ctx)
	e.starting = cancel
	gen := e.startGen
	req := worker.StartRequest{
		SessionID:    id,
		Room:         e.rec.RoomName,
		SystemPrompt: e.rec.SystemPrompt,
		AgentName:    e.rec.AgentName,
		Language:     e.rec.Language,
		AgentToken:   e.rec.AgentToken,
	}
	e.mu.Unlock()

	h, err := r.pool.Acquire(startCtx, req)
	cancel()

	e.mu.Lock()
	if e.ended || e.startGen != gen {
		e.mu.Unlock()
		if h != nil {
			r.pool.Put(context.WithoutCancel(ctx), h)
		}
		r.metrics.RecordTransition(string(EventListen), "cancelled")
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.starting = nil
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		// The caller went away mid-start; the session can be listened to again.
		e.rec.Status = from
		e.mu.Unlock()
		r.metrics.RecordTransition(string(EventListen), "cancelled")
		r.logger.Debug("worker start abandoned", "session_id", id, "error", err)
		return Record{}, err
	}
	if err != nil {
		e.rec.Status = StatusError
		e.mu.Unlock()
		r.metrics.RecordTransition(string(EventListen), "failed")
		r.logger.Error("worker start failed", "session_id", id, "error", err)
		return Record{}, err
	}
	e.worker = h
	e.rec.WorkerID = h.ID
	e.rec.Status = StatusActive
	rec := e.rec
	e.mu.Unlock()

	r.metrics.RecordTransition(string(EventListen), "ok")
	r.logger.Info("session transition", "session_id", id, "event", EventListen, "from", from, "to", StatusActive, "worker_id", h.ID)
	return rec, nil
}

// Attach is called when a client connection is bound. A fresh session moves
// to ready; ready and stopped sessions are accepted unchanged.
func (r *Registry) Attach(ctx context.Context, id string) (Record, error) {
	rec, err := r.Get(id)
	if err != nil {
		return Record{}, err
	}
	switch rec.Status {
	case StatusCreated:
		return r.Transition(ctx, id, EventStart)
	case StatusReady, StatusStopped:
		return rec, nil
	default:
		r.metrics.RecordTransition("attach", "rejected")
		return Record{}, fmt.Errorf("%w: attach from %s", ErrInvalidTransition, rec.Status)
	}
}

// Detach is called when the client connection goes away. The worker is
// returned to the pool and an active session becomes stopped.
func (r *Registry) Detach(ctx context.Context, id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	if e.starting != nil {
		e.starting()
		e.starting = nil
		e.startGen++
	}
	h := e.worker
	e.worker = nil
	e.rec.WorkerID = ""
	from := e.rec.Status
	if from == StatusActive {
		e.rec.Status = StatusStopped
	}
	e.mu.Unlock()

	if h != nil {
		r.pool.Put(ctx, h)
	}
	if from == StatusActive {
		r.logger.Info("session transition", "session_id", id, "event", EventPause, "from", from, "to", StatusStopped)
	}
}

// ProcessAudio forwards audio to the session's worker.
func (r *Registry) ProcessAudio(ctx context.Context, id string, data []byte) error {
	h, err := r.currentWorker(id)
	if err != nil {
		return err
	}
	if h == nil {
		return ErrWorkerUnavailable
	}
	return r.pool.Bridge().ProcessAudio(ctx, h, data)
}

// ProcessText forwards text to the session's worker. Without a worker the
// text is echoed back.
func (r *Registry) ProcessText(ctx context.Context, id, text string) (string, error) {
	h, err := r.currentWorker(id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "Echo: " + text, nil
	}
	return r.pool.Bridge().ProcessText(ctx, h, text)
}

func (r *Registry) currentWorker(id string) (*worker.Handle, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.worker, nil
}

// End releases the connection binding, then the worker, then the record.
// Every step runs even when an earlier one fails. Ending an unknown or
// already ended session is a no-op.
func (r *Registry) End(ctx context.Context, id string) error {
	e := r.lookup(id)
	if e == nil {
		r.logger.Debug("end for unknown session", "session_id", id)
		return nil
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	if e.starting != nil {
		e.starting()
		e.starting = nil
		e.startGen++
	}
	h := e.worker
	e.worker = nil
	from := e.rec.Status
	e.rec.Status = StatusEnded
	e.mu.Unlock()

	r.releaseBinding(id)

	if h != nil && r.pool != nil {
		r.pool.Put(ctx, h)
	}

	r.mu.Lock()
	if r.sessions[id] == e {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.metrics.RecordSessionEnded()
	r.metrics.RecordTransition(string(EventEnd), "ok")
	r.logger.Info("session ended", "session_id", id, "from", from)
	return nil
}

// EndAll ends every session. Used on shutdown.
func (r *Registry) EndAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.End(ctx, id)
	}
}

func (r *Registry) releaseBinding(id string) {
	r.mu.RLock()
	bindings := r.bindings
	r.mu.RUnlock()
	if bindings == nil {
		return
	}
	if err := bindings.Release(id); err != nil {
		r.metrics.RecordCleanupError("binding")
		r.logger.Warn("release connection failed", "session_id", id, "error", err)
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}
