// Package rules contains the pure calculation logic for simulation mechanics.
// This package is PURE and must NOT import any infrastructure packages.
package rules

import "github.com/truststudy/carehome/internal/domain/emergency"

const (
	// StartingBudget is the balance every session begins with.
	StartingBudget = 50
	// StartingTrust is the trust score every session begins with.
	StartingTrust = 75

	MinTrust = 0
	MaxTrust = 100
)

// ClampTrust bounds a trust value to [MinTrust, MaxTrust].
func ClampTrust(trust int) int {
	if trust < MinTrust {
		return MinTrust
	}
	if trust > MaxTrust {
		return MaxTrust
	}
	return trust
}

// ApplyResponse computes the budget and trust that follow choosing kind.
// Budget has no floor.
func ApplyResponse(budget, trust int, kind emergency.ResponseKind) (newBudget, newTrust int) {
	return budget - kind.Cost(), ClampTrust(trust + kind.TrustDelta())
}
