// Package engine contains the emergency state machine and its scheduler.
// This is the heartbeat of the care home simulation.
//
// ARCHITECTURAL RULE: the Engine is not safe for concurrent use. Its owner
// (a session) serializes user commands and scheduler ticks.
package engine
