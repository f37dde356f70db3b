package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/sink"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrSessionClosed = errors.New("session closed")
	ErrTurnInFlight  = errors.New("turn already in flight")
	ErrNotAttached   = errors.New("no delivery sink attached")
)

// state is the mutable record behind a Session snapshot. The manager lock
// guards every field; turn processing itself runs outside the lock.
type state struct {
	session    Session
	turns      []pipeline.Turn
	out        sink.Sink
	nextSeq    uint64
	inFlight   bool
	cancelTurn context.CancelFunc
	turnDone   chan struct{}
	welcomed   bool
	ending     bool
}

// snapshot copies the session, including its own copy of the turn
// history, so callers never observe later appends.
func (st *state) snapshot() Session {
	s := st.session
	if len(st.turns) > 0 {
		s.History = append([]pipeline.Turn(nil), st.turns...)
	}
	return s
}

// Manager owns session lifecycle. Within a session turns are strictly
// sequential: Submit rejects input while a turn is in a non-terminal
// state, and sequence numbers are assigned gaplessly under the lock.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*state
	idleTimeout time.Duration
	pipe        *pipeline.Pipeline
	store       *memory.Store
	metrics     *observability.Metrics
	welcome     string
	onExpire    func(Session)
}

func NewManager(pipe *pipeline.Pipeline, store *memory.Store, metrics *observability.Metrics, idleTimeout time.Duration, welcome string) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*state),
		idleTimeout: idleTimeout,
		pipe:        pipe,
		store:       store,
		metrics:     metrics,
		welcome:     welcome,
	}
}

// SetExpireHook registers a callback invoked after the janitor closes an
// idle session.
func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(channel pipeline.Channel) Session {
	now := time.Now().UTC()
	st := &state{session: Session{
		ID:             uuid.NewString(),
		Channel:        channel,
		Status:         StatusCreated,
		StartedAt:      now,
		LastActivityAt: now,
	}}

	m.mu.Lock()
	m.sessions[st.session.ID] = st
	m.mu.Unlock()

	m.store.Open(st.session.ID)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	return st.session
}

// Attach binds the delivery sink and activates the session. The configured
// welcome message, if any, is delivered once as the session's first turn.
func (m *Manager) Attach(ctx context.Context, sessionID string, out sink.Sink) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if st.session.Status == StatusEnding || st.session.Status == StatusClosed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	st.out = out
	st.session.Status = StatusActive
	st.session.LastActivityAt = time.Now().UTC()
	channel := st.session.Channel
	needWelcome := m.welcome != "" && !st.welcomed && !st.inFlight
	var seq uint64
	var turnCtx context.Context
	if needWelcome {
		// The welcome turn holds the in-flight slot like any other
		// turn, so a Submit racing the greeting is rejected.
		st.welcomed = true
		seq = st.nextSeq
		st.nextSeq++
		st.inFlight = true
		turnCtx, st.cancelTurn = context.WithCancel(ctx)
		st.turnDone = make(chan struct{})
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues("attached").Inc()
	}
	if needWelcome {
		turn := &pipeline.Turn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       seq,
			Channel:   channel,
		}
		m.pipe.ProcessStatic(turnCtx, turn, m.welcome, out)

		m.mu.Lock()
		st.inFlight = false
		if st.cancelTurn != nil {
			st.cancelTurn()
			st.cancelTurn = nil
		}
		close(st.turnDone)
		st.turnDone = nil
		st.turns = append(st.turns, *turn)
		st.session.Turns++
		st.session.LastActivityAt = time.Now().UTC()
		m.mu.Unlock()

		m.recordOutcome(turn)
	}
	return nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return st.snapshot(), nil
}

// List returns snapshots of all known sessions.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, st.snapshot())
	}
	return out
}

// Submit runs one input unit through the pipeline and blocks until the
// turn reaches a terminal status. A second Submit while a turn is in
// flight fails with ErrTurnInFlight rather than queueing.
func (m *Manager) Submit(ctx context.Context, sessionID string, input pipeline.Input) (*pipeline.Turn, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	switch st.session.Status {
	case StatusEnding, StatusClosed:
		m.mu.Unlock()
		return nil, ErrSessionClosed
	case StatusCreated:
		m.mu.Unlock()
		return nil, ErrNotAttached
	}
	if st.inFlight {
		m.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	out := st.out
	channel := st.session.Channel
	seq := st.nextSeq
	st.nextSeq++
	st.inFlight = true
	turnCtx, cancel := context.WithCancel(ctx)
	st.cancelTurn = cancel
	st.turnDone = make(chan struct{})
	st.session.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	turn := &pipeline.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Channel:   channel,
		Input:     input,
	}
	m.pipe.ProcessTurn(turnCtx, turn, out)
	cancel()

	m.mu.Lock()
	st.inFlight = false
	st.cancelTurn = nil
	close(st.turnDone)
	st.turnDone = nil
	st.turns = append(st.turns, *turn)
	st.session.Turns++
	st.session.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	m.recordOutcome(turn)
	return turn, nil
}

// Cancel interrupts the in-flight turn, if any. The turn fails at its
// next stage checkpoint; chunks already delivered are not retracted.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if st.cancelTurn != nil {
		st.cancelTurn()
		st.session.Cancellations++
	}
	return nil
}

// End transitions the session to ending, waits for any in-flight turn to
// finish, flushes its context to long-term storage, and closes it. Ending
// an already closed session is a no-op. If the flush fails the session
// stays in ending and a later End retries it, so the session always
// reaches closed eventually.
func (m *Manager) End(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if st.session.Status == StatusClosed {
		s := st.snapshot()
		m.mu.Unlock()
		return s, nil
	}
	if st.ending {
		// Another End call is already driving the shutdown.
		s := st.snapshot()
		m.mu.Unlock()
		return s, nil
	}
	wasActive := st.session.Status == StatusActive || st.session.Status == StatusCreated
	st.session.Status = StatusEnding
	st.ending = true
	done := st.turnDone
	m.mu.Unlock()

	if wasActive && m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			m.mu.Lock()
			st.ending = false
			m.mu.Unlock()
			return Session{}, ctx.Err()
		}
	}

	if err := m.store.Flush(ctx, sessionID); err != nil {
		m.mu.Lock()
		st.ending = false
		m.mu.Unlock()
		return Session{}, err
	}

	m.mu.Lock()
	st.ending = false
	st.session.Status = StatusClosed
	st.session.LastActivityAt = time.Now().UTC()
	s := st.snapshot()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues("closed").Inc()
	}
	return s, nil
}

// StartJanitor closes sessions idle past the configured timeout.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle(ctx)
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, st := range m.sessions {
		if st.session.Status == StatusActive || st.session.Status == StatusCreated {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.RLock()
	var idle []string
	for id, st := range m.sessions {
		if st.session.Status != StatusActive && st.session.Status != StatusCreated {
			continue
		}
		if st.inFlight || now.Sub(st.session.LastActivityAt) < m.idleTimeout {
			continue
		}
		idle = append(idle, id)
	}
	hook := m.onExpire
	m.mu.RUnlock()

	for _, id := range idle {
		s, err := m.End(ctx, id)
		if err != nil {
			continue
		}
		if m.metrics != nil {
			m.metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
		if hook != nil {
			hook(s)
		}
	}
}

func (m *Manager) recordOutcome(turn *pipeline.Turn) {
	if m.metrics == nil {
		return
	}
	if turn.Status == pipeline.StatusDelivered {
		m.metrics.SessionEvents.WithLabelValues("turn_delivered").Inc()
	} else {
		m.metrics.SessionEvents.WithLabelValues("turn_failed").Inc()
	}
}
