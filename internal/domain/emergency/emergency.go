// Package emergency defines emergencies and the closed set of responses to them.
// This package is PURE and must NOT import any infrastructure packages.
package emergency

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveEmergency is returned when resolving while nothing is active.
	ErrNoActiveEmergency = errors.New("no active emergency")
	// ErrInvalidResponse is returned for a response outside the ResponseKind set.
	ErrInvalidResponse = errors.New("invalid response")
)

// Event is an incident located in one room.
type Event struct {
	Room        string    `json:"room"`
	Active      bool      `json:"active"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Description is the text recorded in the action log for this emergency.
func (e Event) Description() string {
	return "Emergency in " + e.Room
}

// ResponseKind is the action chosen against an active emergency.
type ResponseKind string

const (
	DoNothing     ResponseKind = "DoNothing"
	SendRobot     ResponseKind = "SendRobot"
	SendHuman     ResponseKind = "SendHuman"
	CheckRemotely ResponseKind = "CheckRemotely"
)

// effect is the fixed budget and trust consequence of a response.
type effect struct {
	cost       int
	trustDelta int
}

var effects = map[ResponseKind]effect{
	DoNothing:     {cost: 0, trustDelta: 0},
	SendRobot:     {cost: 2, trustDelta: -3},
	SendHuman:     {cost: 5, trustDelta: 2},
	CheckRemotely: {cost: 1, trustDelta: 0},
}

// AllResponses lists every response in the order they are offered.
func AllResponses() []ResponseKind {
	return []ResponseKind{DoNothing, SendRobot, SendHuman, CheckRemotely}
}

// ParseResponseKind validates s against the closed set of responses.
func ParseResponseKind(s string) (ResponseKind, error) {
	k := ResponseKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidResponse, s)
	}
	return k, nil
}

// Valid reports whether k is a member of the enumeration.
func (k ResponseKind) Valid() bool {
	_, ok := effects[k]
	return ok
}

// Cost is the budget deducted when k is chosen. Unknown kinds cost 0.
func (k ResponseKind) Cost() int {
	return effects[k].cost
}

// TrustDelta is the unclamped change to trust when k is chosen.
func (k ResponseKind) TrustDelta() int {
	return effects[k].trustDelta
}

// Label is the human-facing option text for k against an emergency in
// roomName. An empty roomName gives the idle wording.
func (k ResponseKind) Label(roomName string) string {
	target := ""
	if roomName != "" {
		target = " to " + roomName
	}
	switch k {
	case DoNothing:
		return "Do nothing"
	case SendRobot:
		return fmt.Sprintf("Send Robot%s (-£%d)", target, k.Cost())
	case SendHuman:
		return fmt.Sprintf("Send Human%s (-£%d)", target, k.Cost())
	case CheckRemotely:
		return fmt.Sprintf("Check via camera/audio (-£%d)", k.Cost())
	default:
		return string(k)
	}
}
