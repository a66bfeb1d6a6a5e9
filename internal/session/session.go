// Package session gives every logged-in viewer an isolated simulation.
//
// A Session owns one Engine, its EventLog and its emergency Ticker. The
// mutex here is the single serialization point between viewer commands
// and scheduler ticks; the Engine itself is not safe for concurrent use.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/engine"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/platform/logger"
)

// Session is one viewer's simulation.
type Session struct {
	ID        string
	Username  string
	StartedAt time.Time

	mu       sync.Mutex
	engine   *engine.Engine
	lastSeen time.Time
	ended    bool

	ticker *engine.Ticker
	cancel context.CancelFunc
	done   chan struct{}

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}

	logger *logger.Logger
}

// Trigger starts a new emergency on the viewer's behalf, replacing any
// active one. It fails with ErrSessionNotFound once the session has ended.
func (s *Session) Trigger() (emergency.Event, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return emergency.Event{}, ErrSessionNotFound
	}
	ev := s.engine.TriggerEmergency(s.Username)
	s.mu.Unlock()

	s.notify()
	return ev, nil
}

// Resolve applies the viewer's response to the active emergency.
func (s *Session) Resolve(kind emergency.ResponseKind) (engine.LogEntry, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return engine.LogEntry{}, ErrSessionNotFound
	}
	entry, err := s.engine.ResolveEmergency(s.Username, kind)
	s.mu.Unlock()

	if err == nil {
		s.notify()
	}
	return entry, err
}

// Tick implements engine.TickTarget.
func (s *Session) Tick() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	triggered := s.engine.Tick()
	s.mu.Unlock()

	if triggered {
		s.notify()
	}
	return triggered
}

// Snapshot returns a detached copy of the simulation state.
func (s *Session) Snapshot() engine.SimulationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Snapshot()
}

// Events returns the session's audit trail in append order.
func (s *Session) Events() []events.SimEvent {
	return s.engine.EventLog().Replay()
}

// Touch marks viewer activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen returns the time of the last viewer activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Subscribe returns a channel that receives a signal after every state
// change. Signals coalesce; the channel is closed when the session ends.
func (s *Session) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs == nil {
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe stops signals on ch.
func (s *Session) Unsubscribe(ch <-chan struct{}) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// close stops the ticker and releases subscribers. It reports false if the
// session had already ended.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.mu.Unlock()

	s.ticker.Stop()
	s.cancel()

	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subsMu.Unlock()

	close(s.done)
	return true
}
