package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/room"
	"github.com/truststudy/carehome/internal/domain/rules"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
)

// Picker returns an index in [0, n).
type Picker func(n int) int

// Engine owns one SimulationState and applies the emergency lifecycle to it.
type Engine struct {
	eventLog *events.EventLog
	logger   *logger.Logger
	metrics  *metrics.Collector

	state *SimulationState
	pick  Picker
	now   func() time.Time
}

// NewEngine initializes a simulation at its starting budget and trust.
// eventLog may be nil when no audit trail is wanted.
func NewEngine(eventLog *events.EventLog, log *logger.Logger) *Engine {
	return &Engine{
		eventLog: eventLog,
		logger:   log,
		metrics:  metrics.Get(),
		state:    NewSimulationState(),
		pick:     rand.IntN,
		now:      time.Now,
	}
}

// SetPicker replaces the uniform room chooser.
func (e *Engine) SetPicker(p Picker) {
	e.pick = p
}

// SetClock replaces the wall clock used for log timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetMetrics redirects counters away from the global collector.
func (e *Engine) SetMetrics(c *metrics.Collector) {
	e.metrics = c
}

// EventLog exposes the audit trail of this simulation.
func (e *Engine) EventLog() *events.EventLog {
	return e.eventLog
}

// EmergencyActive reports whether a response is currently awaited.
func (e *Engine) EmergencyActive() bool {
	return e.state.EmergencyActive()
}

// Snapshot returns a read-only copy of the current state.
func (e *Engine) Snapshot() SimulationState {
	return e.state.Clone()
}

// TriggerEmergency places a new emergency in a uniformly chosen operational
// room. An emergency that is already active is silently replaced; the
// replacement is recorded in the event log but never in the action log.
func (e *Engine) TriggerEmergency(actorID string) emergency.Event {
	names := room.Names()
	chosen := names[e.pick(len(names))]

	previous := e.state.Emergency
	replaced := previous != nil && previous.Active
	if replaced {
		e.record(events.SimEvent{
			Type:    events.EventTypeEmergencyReplaced,
			ActorID: actorID,
			Room:    previous.Room,
			Payload: map[string]string{"replaced_by": chosen},
		})
	}

	ev := emergency.Event{Room: chosen, Active: true, TriggeredAt: e.now()}
	e.state.Emergency = &ev

	e.metrics.RecordTrigger(replaced)
	e.record(events.SimEvent{
		Type:    events.EventTypeEmergencyTriggered,
		ActorID: actorID,
		Room:    chosen,
	})
	e.logger.Event(string(events.EventTypeEmergencyTriggered), actorID, ev.Description())
	return ev
}

// ResolveEmergency applies the chosen response to the active emergency:
// deduct cost, append the log entry, adjust trust, clear the emergency.
func (e *Engine) ResolveEmergency(actorID string, kind emergency.ResponseKind) (LogEntry, error) {
	if !kind.Valid() {
		return LogEntry{}, fmt.Errorf("%w: %q", emergency.ErrInvalidResponse, kind)
	}
	if !e.state.EmergencyActive() {
		return LogEntry{}, emergency.ErrNoActiveEmergency
	}

	active := *e.state.Emergency
	budget, trust := rules.ApplyResponse(e.state.Budget, e.state.Trust, kind)

	e.state.Budget = budget
	entry := LogEntry{
		Timestamp:       e.now(),
		Event:           active.Description(),
		Response:        kind,
		Cost:            kind.Cost(),
		BudgetRemaining: budget,
	}
	e.state.Logs = append(e.state.Logs, entry)
	e.state.Trust = trust
	e.state.Emergency = nil

	e.metrics.RecordResolve(string(kind))
	e.record(events.SimEvent{
		Timestamp: entry.Timestamp,
		Type:      events.EventTypeEmergencyResolved,
		ActorID:   actorID,
		Room:      active.Room,
		Payload: events.ResolvedPayload{
			Response:        string(kind),
			Cost:            entry.Cost,
			BudgetRemaining: entry.BudgetRemaining,
			Trust:           trust,
		},
	})
	e.logger.Event(string(events.EventTypeEmergencyResolved), actorID,
		fmt.Sprintf("%s | %s | cost %d | budget %d | trust %d", entry.Event, kind, entry.Cost, budget, trust))
	return entry, nil
}

// Tick is the scheduler poll: trigger an emergency only if none is active.
func (e *Engine) Tick() bool {
	e.metrics.RecordTick()
	if e.state.EmergencyActive() {
		return false
	}
	e.TriggerEmergency(events.ActorScheduler)
	return true
}

func (e *Engine) record(ev events.SimEvent) {
	if e.eventLog == nil {
		return
	}
	if _, err := e.eventLog.Append(ev); err != nil {
		e.logger.Warn("failed to persist simulation event", "type", ev.Type, "error", err)
	}
}
