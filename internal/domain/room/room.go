// Package room defines the fixed floorplan of the care home.
// This package is PURE and must NOT import any infrastructure packages.
package room

// CommandCenter is the display-only room. It never hosts an emergency.
const CommandCenter = "Command Center"

// Room is one tile of the floorplan.
type Room struct {
	Name     string `json:"name"`
	HasRobot bool   `json:"has_robot"`
}

// operational is the set of rooms that can host an emergency, in display order.
var operational = []Room{
	{Name: "Room 1", HasRobot: false},
	{Name: "Room 2", HasRobot: true},
	{Name: "Room 3", HasRobot: false},
	{Name: "Kitchen", HasRobot: false},
	{Name: "Hall", HasRobot: true},
}

// Operational returns a copy of the five rooms an emergency can occur in.
func Operational() []Room {
	out := make([]Room, len(operational))
	copy(out, operational)
	return out
}

// Names returns the operational room names in display order.
func Names() []string {
	names := make([]string, len(operational))
	for i, r := range operational {
		names[i] = r.Name
	}
	return names
}

// Floorplan returns every room in display order, Command Center last.
func Floorplan() []Room {
	return append(Operational(), Room{Name: CommandCenter})
}

// IsOperational reports whether name is one of the emergency-eligible rooms.
func IsOperational(name string) bool {
	for _, r := range operational {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Layout builds the name -> has_robot map a new simulation starts from.
func Layout() map[string]bool {
	m := make(map[string]bool, len(operational))
	for _, r := range operational {
		m[r.Name] = r.HasRobot
	}
	return m
}
