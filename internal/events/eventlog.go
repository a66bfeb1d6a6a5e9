// Package events provides the append-only audit trail of a simulation session.
// Every trigger, replacement and resolution is recorded here before it is
// pushed to viewers or written to storage.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of a simulation event.
type EventType string

const (
	EventTypeSessionStarted     EventType = "SESSION_STARTED"
	EventTypeSessionEnded       EventType = "SESSION_ENDED"
	EventTypeEmergencyTriggered EventType = "EMERGENCY_TRIGGERED"
	EventTypeEmergencyReplaced  EventType = "EMERGENCY_REPLACED"
	EventTypeEmergencyResolved  EventType = "EMERGENCY_RESOLVED"
	EventTypeLoginFailed        EventType = "LOGIN_FAILED"
)

// Actor IDs for events not caused by the viewer.
const (
	ActorScheduler = "SYSTEM_SCHEDULER"
	ActorSystem    = "SYSTEM"
)

// ResolvedPayload is attached to EMERGENCY_RESOLVED events.
type ResolvedPayload struct {
	Response        string `json:"response"`
	Cost            int    `json:"cost"`
	BudgetRemaining int    `json:"budget_remaining"`
	Trust           int    `json:"trust"`
}

// SimEvent represents an immutable record of something that happened in a session.
type SimEvent struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	ActorID   string      `json:"actor_id"`
	Room      string      `json:"room,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// EventPersister defines how an event is durably stored.
type EventPersister interface {
	Append(event SimEvent) error
}

// EventLog is the in-memory append-only log of one session's events.
type EventLog struct {
	mu        sync.RWMutex
	sessionID string
	events    []SimEvent
	persister EventPersister
}

// NewEventLog creates a new event log with an optional persister.
func NewEventLog(sessionID string, persister EventPersister) *EventLog {
	return &EventLog{
		sessionID: sessionID,
		events:    make([]SimEvent, 0),
		persister: persister,
	}
}

// Append adds a new event to the log, filling ID, session and timestamp when
// unset. The in-memory append always succeeds; the returned error is the
// persister's.
func (el *EventLog) Append(event SimEvent) (SimEvent, error) {
	if event.ID == "" {
		event.ID = GenerateEventID()
	}
	if event.SessionID == "" {
		event.SessionID = el.sessionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	el.mu.Lock()
	el.events = append(el.events, event)
	el.mu.Unlock()

	if el.persister != nil {
		return event, el.persister.Append(event)
	}
	return event, nil
}

// Replay returns a copy of the full history in append order.
func (el *EventLog) Replay() []SimEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	out := make([]SimEvent, len(el.events))
	copy(out, el.events)
	return out
}

// Since returns the events appended after the first n.
func (el *EventLog) Since(n int) []SimEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if n >= len(el.events) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	out := make([]SimEvent, len(el.events)-n)
	copy(out, el.events[n:])
	return out
}

// ByType returns all events of the given type.
func (el *EventLog) ByType(t EventType) []SimEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []SimEvent
	for _, e := range el.events {
		if e.Type == t {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of events recorded.
func (el *EventLog) Len() int {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return len(el.events)
}

// SessionID returns the session this log belongs to.
func (el *EventLog) SessionID() string {
	return el.sessionID
}

// GenerateEventID creates a unique event identifier.
func GenerateEventID() string {
	return uuid.New().String()
}
