package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/truststudy/carehome/internal/engine"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
)

var (
	// ErrSessionNotFound is returned for unknown, ended or expired tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when MaxSessions are already running.
	ErrSessionLimit = errors.New("too many active sessions")
)

// End reasons recorded with SESSION_ENDED.
const (
	ReasonLogout   = "logout"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Options configures a Manager.
type Options struct {
	EmergencyInterval time.Duration
	IdleTimeout       time.Duration
	MaxSessions       int

	// Persister receives every session's events; nil keeps them in memory only.
	Persister events.EventPersister
	// Records stores session start and end rows; may be nil.
	Records storage.SessionRepository
	Metrics *metrics.Collector

	// Picker and Clock are handed to every new Engine when set.
	Picker engine.Picker
	Clock  func() time.Time
}

// Manager owns all live sessions.
type Manager struct {
	ctx  context.Context
	opts Options
	log  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a Manager. Session tickers stop when ctx is done.
func NewManager(ctx context.Context, opts Options, log *logger.Logger) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.EmergencyInterval <= 0 {
		opts.EmergencyInterval = engine.DefaultEmergencyInterval
	}
	return &Manager{
		ctx:      ctx,
		opts:     opts,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new isolated session for username. The first emergency is
// armed immediately; later ones follow on the emergency interval.
func (m *Manager) Create(ctx context.Context, username string) (*Session, error) {
	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}

	now := m.opts.Clock()
	id := uuid.NewString()
	sessLog := m.log.With("session", id[:8], "user", username)

	eventLog := events.NewEventLog(id, m.opts.Persister)
	eng := engine.NewEngine(eventLog, sessLog)
	eng.SetMetrics(m.opts.Metrics)
	eng.SetClock(m.opts.Clock)
	if m.opts.Picker != nil {
		eng.SetPicker(m.opts.Picker)
	}

	tctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		ID:        id,
		Username:  username,
		StartedAt: now,
		engine:    eng,
		lastSeen:  now,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[chan struct{}]struct{}),
		logger:    sessLog,
	}
	s.ticker = engine.NewTicker(s, m.opts.EmergencyInterval, sessLog)
	m.sessions[id] = s
	m.mu.Unlock()

	if m.opts.Records != nil {
		if err := m.opts.Records.Start(ctx, storage.SessionRecord{SessionID: id, Username: username, StartedAt: now}); err != nil {
			sessLog.Warn("failed to record session start", "error", err)
		}
	}
	if _, err := eventLog.Append(events.SimEvent{
		Timestamp: now,
		Type:      events.EventTypeSessionStarted,
		ActorID:   username,
	}); err != nil {
		sessLog.Warn("failed to persist session event", "error", err)
	}
	m.opts.Metrics.RecordSessionStart()
	sessLog.Info("session started")

	s.Tick()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.ticker.Start(tctx)
	}()

	return s, nil
}

// Get returns the live session for token and marks viewer activity.
func (m *Manager) Get(token string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Touch(m.opts.Clock())
	return s, nil
}

// End tears down the session for token.
func (m *Manager) End(ctx context.Context, token, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.teardown(ctx, s, reason)
	return nil
}

// Sweep ends every session idle for longer than the idle timeout and
// returns how many were expired.
func (m *Manager) Sweep(now time.Time) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}

	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) > m.opts.IdleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.teardown(context.Background(), s, ReasonExpired)
	}
	return len(stale)
}

// RunJanitor sweeps idle sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.Sweep(m.opts.Clock()); n > 0 {
				m.log.Info("expired idle sessions", "count", n, "active", m.Count())
			}
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown ends every session and waits for their tickers to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(ctx, s, ReasonShutdown)
	}
	m.wg.Wait()
}

func (m *Manager) teardown(ctx context.Context, s *Session, reason string) {
	if !s.close() {
		return
	}

	now := m.opts.Clock()
	if _, err := s.engine.EventLog().Append(events.SimEvent{
		Timestamp: now,
		Type:      events.EventTypeSessionEnded,
		ActorID:   events.ActorSystem,
		Payload:   map[string]string{"reason": reason},
	}); err != nil {
		s.logger.Warn("failed to persist session event", "error", err)
	}
	if m.opts.Records != nil {
		if err := m.opts.Records.End(ctx, s.ID, now, reason); err != nil {
			s.logger.Warn("failed to record session end", "error", err)
		}
	}

	m.opts.Metrics.RecordSessionEnd(reason == ReasonExpired)
	s.logger.Info("session ended", "reason", reason, "resolved", len(s.Snapshot().Logs))
}
