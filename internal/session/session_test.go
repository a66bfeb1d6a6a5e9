package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/room"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
)

type memRecords struct {
	mu      sync.Mutex
	started map[string]storage.SessionRecord
	reasons map[string]string
}

func newMemRecords() *memRecords {
	return &memRecords{started: map[string]storage.SessionRecord{}, reasons: map[string]string{}}
}

func (r *memRecords) Start(_ context.Context, rec storage.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[rec.SessionID] = rec
	return nil
}

func (r *memRecords) End(_ context.Context, id string, _ time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[id] = reason
	return nil
}

func (r *memRecords) GetByID(_ context.Context, id string) (*storage.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.started[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (r *memRecords) reason(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[id]
}

// kitchen always picks the Kitchen.
func kitchen(n int) int {
	for i, name := range room.Names() {
		if name == "Kitchen" {
			return i
		}
	}
	panic("no kitchen")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts Options) (*Manager, *metrics.Collector) {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Picker == nil {
		opts.Picker = kitchen
	}
	if opts.EmergencyInterval == 0 {
		opts.EmergencyInterval = time.Hour
	}
	m := NewManager(context.Background(), opts, logger.Discard())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, opts.Metrics
}

func TestCreateArmsFirstEmergency(t *testing.T) {
	m, col := newTestManager(t, Options{})

	s, err := m.Create(context.Background(), "nurse")
	require.NoError(t, err)

	snap := s.Snapshot()
	require.NotNil(t, snap.Emergency)
	assert.Equal(t, "Kitchen", snap.Emergency.Room)
	assert.Equal(t, 50, snap.Budget)
	assert.Equal(t, 75, snap.Trust)
	assert.Equal(t, 1, m.Count())
	assert.EqualValues(t, 1, col.SessionsActive)

	evs := s.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTypeSessionStarted, evs[0].Type)
	assert.Equal(t, events.EventTypeEmergencyTriggered, evs[1].Type)
	assert.Equal(t, events.ActorScheduler, evs[1].ActorID)
}

func TestSessionsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	a, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	b, err := m.Create(ctx, "bob")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	_, err = a.Resolve(emergency.SendHuman)
	require.NoError(t, err)

	assert.Equal(t, 45, a.Snapshot().Budget)
	assert.Equal(t, 50, b.Snapshot().Budget)
	assert.True(t, b.Snapshot().EmergencyActive())
	assert.False(t, a.Snapshot().EmergencyActive())
}

func TestResolveErrorsPassThrough(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s, err := m.Create(context.Background(), "nurse")
	require.NoError(t, err)

	_, err = s.Resolve(emergency.ResponseKind("Panic"))
	assert.ErrorIs(t, err, emergency.ErrInvalidResponse)

	_, err = s.Resolve(emergency.SendRobot)
	require.NoError(t, err)
	_, err = s.Resolve(emergency.SendRobot)
	assert.ErrorIs(t, err, emergency.ErrNoActiveEmergency)
	assert.Equal(t, 48, s.Snapshot().Budget)
}

func TestMaxSessions(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxSessions: 1})
	ctx := context.Background()

	s, err := m.Create(ctx, "nurse")
	require.NoError(t, err)
	_, err = m.Create(ctx, "nurse")
	assert.ErrorIs(t, err, ErrSessionLimit)

	require.NoError(t, m.End(ctx, s.ID, ReasonLogout))
	_, err = m.Create(ctx, "nurse")
	assert.NoError(t, err)
}

func TestEndTearsDown(t *testing.T) {
	records := newMemRecords()
	m, col := newTestManager(t, Options{Records: records})
	ctx := context.Background()

	s, err := m.Create(ctx, "nurse")
	require.NoError(t, err)
	sub := s.Subscribe()

	require.NoError(t, m.End(ctx, s.ID, ReasonLogout))
	assert.ErrorIs(t, m.End(ctx, s.ID, ReasonLogout), ErrSessionNotFound)

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	select {
	case <-s.Done():
	default:
		t.Fatal("session not marked done")
	}
	_, open := <-sub
	assert.False(t, open, "subscriber channel should be closed")

	assert.False(t, s.Tick(), "ended session must not re-arm")

	// Commands that race the teardown are refused and leave no trace.
	before := s.Snapshot()
	_, err = s.Trigger()
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Resolve(emergency.SendHuman)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, ReasonLogout, records.reason(s.ID))
	assert.EqualValues(t, 0, col.SessionsActive)

	evs := s.Events()
	assert.Equal(t, events.EventTypeSessionEnded, evs[len(evs)-1].Type)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	records := newMemRecords()
	m, col := newTestManager(t, Options{IdleTimeout: 10 * time.Minute, Clock: clock.Now, Records: records})
	ctx := context.Background()

	idle, err := m.Create(ctx, "idle")
	require.NoError(t, err)
	busy, err := m.Create(ctx, "busy")
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	_, err = m.Get(busy.ID)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	assert.Equal(t, 1, m.Sweep(clock.Now()))
	assert.Equal(t, 1, m.Count())

	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, ReasonExpired, records.reason(idle.ID))
	assert.EqualValues(t, 1, col.SessionsExpired)
}

func TestSubscribersSeeChanges(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	s, err := m.Create(context.Background(), "nurse")
	require.NoError(t, err)

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	_, err = s.Resolve(emergency.DoNothing)
	require.NoError(t, err)
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no notification after resolve")
	}

	// A failed resolve changes nothing and does not notify.
	_, err = s.Resolve(emergency.DoNothing)
	require.Error(t, err)
	select {
	case <-sub:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestTickerRearmsSession(t *testing.T) {
	m, _ := newTestManager(t, Options{EmergencyInterval: 10 * time.Millisecond})
	s, err := m.Create(context.Background(), "nurse")
	require.NoError(t, err)

	_, err = s.Resolve(emergency.CheckRemotely)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Snapshot().EmergencyActive()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConcurrentCommandsAndTicks(t *testing.T) {
	m, _ := newTestManager(t, Options{EmergencyInterval: time.Millisecond})
	s, err := m.Create(context.Background(), "nurse")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Trigger()
				_, _ = s.Resolve(emergency.SendRobot)
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	budget := 50
	for _, entry := range snap.Logs {
		budget -= entry.Cost
		assert.Equal(t, budget, entry.BudgetRemaining)
	}
	assert.Equal(t, budget, snap.Budget)
}
