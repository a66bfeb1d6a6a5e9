// Package storage - reconstructor.go
// Rebuilds a session's budget and trust history from its persisted action log
// and checks it against the response rules.
package storage

import (
	"context"
	"fmt"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/rules"
)

// Reconstructor verifies persisted action logs.
// It is used for:
// 1. The per-session audit endpoint
// 2. Soak runs that compare live state with what was written
type Reconstructor struct {
	actionRepo ActionLogRepository
}

// NewReconstructor creates a new action log verifier.
func NewReconstructor(actionRepo ActionLogRepository) *Reconstructor {
	return &Reconstructor{actionRepo: actionRepo}
}

// AuditReport is the outcome of replaying one session's action log.
type AuditReport struct {
	SessionID   string   `json:"session_id"`
	Entries     int      `json:"entries"`
	FinalBudget int      `json:"final_budget"`
	FinalTrust  int      `json:"final_trust"`
	Consistent  bool     `json:"consistent"`
	Problems    []string `json:"problems,omitempty"`
}

// Verify loads the session's action log and replays it from the starting
// budget and trust.
func (r *Reconstructor) Verify(ctx context.Context, sessionID string) (*AuditReport, error) {
	actions, err := r.actionRepo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get action log: %w", err)
	}
	report := Replay(actions)
	report.SessionID = sessionID
	return report, nil
}

// Replay checks the budget chain and recomputes trust for actions in order.
func Replay(actions []ActionRecord) *AuditReport {
	report := &AuditReport{
		Entries:     len(actions),
		FinalBudget: rules.StartingBudget,
		FinalTrust:  rules.StartingTrust,
		Consistent:  true,
	}

	budget, trust := rules.StartingBudget, rules.StartingTrust
	for i, a := range actions {
		kind, err := emergency.ParseResponseKind(a.Response)
		if err != nil {
			report.fail("entry %d: %v", i, err)
			continue
		}
		if a.Cost != kind.Cost() {
			report.fail("entry %d: cost %d does not match %s (%d)", i, a.Cost, kind, kind.Cost())
		}

		budget, trust = rules.ApplyResponse(budget, trust, kind)
		if a.BudgetRemaining != budget {
			report.fail("entry %d: budget_remaining %d, expected %d", i, a.BudgetRemaining, budget)
			budget = a.BudgetRemaining
		}
		if a.Trust != trust {
			report.fail("entry %d: trust %d, expected %d", i, a.Trust, trust)
			trust = a.Trust
		}
	}

	report.FinalBudget = budget
	report.FinalTrust = trust
	return report
}

func (r *AuditReport) fail(format string, args ...interface{}) {
	r.Consistent = false
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}
