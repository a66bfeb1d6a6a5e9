package engine

import (
	"time"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/room"
	"github.com/truststudy/carehome/internal/domain/rules"
)

// LogEntry is an immutable record of one resolved emergency.
type LogEntry struct {
	Timestamp       time.Time              `json:"timestamp"`
	Event           string                 `json:"event"`
	Response        emergency.ResponseKind `json:"response"`
	Cost            int                    `json:"cost"`
	BudgetRemaining int                    `json:"budget_remaining"`
}

// SimulationState is everything one viewer's simulation knows.
type SimulationState struct {
	Budget    int              `json:"budget"`
	Trust     int              `json:"trust"`
	Rooms     map[string]bool  `json:"rooms"`
	Emergency *emergency.Event `json:"emergency"`
	Logs      []LogEntry       `json:"logs"`
}

// NewSimulationState returns the state a fresh session starts from.
func NewSimulationState() *SimulationState {
	return &SimulationState{
		Budget: rules.StartingBudget,
		Trust:  rules.StartingTrust,
		Rooms:  room.Layout(),
		Logs:   make([]LogEntry, 0),
	}
}

// EmergencyActive reports whether an emergency is awaiting a response.
func (s SimulationState) EmergencyActive() bool {
	return s.Emergency != nil && s.Emergency.Active
}

// Clone returns a deep copy that shares nothing with s.
func (s *SimulationState) Clone() SimulationState {
	out := SimulationState{
		Budget: s.Budget,
		Trust:  s.Trust,
		Rooms:  make(map[string]bool, len(s.Rooms)),
		Logs:   make([]LogEntry, len(s.Logs)),
	}
	for k, v := range s.Rooms {
		out.Rooms[k] = v
	}
	copy(out.Logs, s.Logs)
	if s.Emergency != nil {
		e := *s.Emergency
		out.Emergency = &e
	}
	return out
}
