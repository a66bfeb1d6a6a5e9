// Package view projects a simulation snapshot into what the viewer's screen
// shows: the metrics bar, the floorplan, the response panel and the log.
package view

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/room"
	"github.com/truststudy/carehome/internal/engine"
)

// Tile is one room on the floorplan.
type Tile struct {
	Name       string `json:"name"`
	HasRobot   bool   `json:"has_robot"`
	Alert      bool   `json:"alert"`
	Actionable bool   `json:"actionable"`
	Button     string `json:"button"`
}

// Option is one choice in the response panel.
type Option struct {
	Response emergency.ResponseKind `json:"response"`
	Label    string                 `json:"label"`
	Cost     int                    `json:"cost"`
	Enabled  bool                   `json:"enabled"`
}

// ActiveEmergency describes the emergency awaiting a response.
type ActiveEmergency struct {
	Room        string    `json:"room"`
	Description string    `json:"description"`
	TriggeredAt time.Time `json:"triggered_at"`
	Since       string    `json:"since"`
}

// LogLine is one rendered action log entry.
type LogLine struct {
	engine.LogEntry
	Text string `json:"text"`
	Age  string `json:"age"`
}

// Dashboard is the complete screen for one session.
type Dashboard struct {
	Budget     int              `json:"budget"`
	BudgetText string           `json:"budget_text"`
	Trust      int              `json:"trust"`
	TrustText  string           `json:"trust_text"`
	Rooms      []Tile           `json:"rooms"`
	Emergency  *ActiveEmergency `json:"emergency"`
	Options    []Option         `json:"options"`
	Logs       []LogLine        `json:"logs"`
}

// Build renders state as seen at now. Logs are listed most recent first.
func Build(state engine.SimulationState, now time.Time) Dashboard {
	d := Dashboard{
		Budget:     state.Budget,
		BudgetText: Pounds(state.Budget),
		Trust:      state.Trust,
		TrustText:  fmt.Sprintf("%d%%", state.Trust),
		Rooms:      make([]Tile, 0, len(room.Floorplan())),
		Options:    make([]Option, 0, len(emergency.AllResponses())),
		Logs:       make([]LogLine, 0, len(state.Logs)),
	}

	alertRoom := ""
	if state.EmergencyActive() {
		alertRoom = state.Emergency.Room
		d.Emergency = &ActiveEmergency{
			Room:        alertRoom,
			Description: state.Emergency.Description(),
			TriggeredAt: state.Emergency.TriggeredAt,
			Since:       humanize.RelTime(state.Emergency.TriggeredAt, now, "ago", "from now"),
		}
	}

	for _, r := range room.Floorplan() {
		t := Tile{Name: r.Name, HasRobot: state.Rooms[r.Name], Alert: r.Name == alertRoom}
		if r.Name == room.CommandCenter {
			t.Button = "Send Report"
		} else {
			t.Actionable = true
			t.Button = "Complete Task in " + r.Name
		}
		d.Rooms = append(d.Rooms, t)
	}

	for _, kind := range emergency.AllResponses() {
		d.Options = append(d.Options, Option{
			Response: kind,
			Label:    kind.Label(alertRoom),
			Cost:     kind.Cost(),
			Enabled:  alertRoom != "",
		})
	}

	for i := len(state.Logs) - 1; i >= 0; i-- {
		e := state.Logs[i]
		d.Logs = append(d.Logs, LogLine{
			LogEntry: e,
			Text:     FormatLogEntry(e),
			Age:      humanize.RelTime(e.Timestamp, now, "ago", "from now"),
		})
	}
	return d
}

// FormatLogEntry renders an entry the way the action log lists it.
func FormatLogEntry(e engine.LogEntry) string {
	return fmt.Sprintf("%s | %s | Cost: %s | Remaining: %s",
		e.Event, e.Response, Pounds(e.Cost), Pounds(e.BudgetRemaining))
}

// Pounds formats a whole-pound amount, e.g. £1,250 or -£3.
func Pounds(amount int) string {
	if amount < 0 {
		return "-£" + humanize.Comma(int64(-amount))
	}
	return "£" + humanize.Comma(int64(amount))
}
