// Package shadow runs soak tests against live sessions: many isolated
// simulations driven by random viewer commands and scheduler ticks, with
// every state transition checked against the simulation's rules.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/domain/room"
	"github.com/truststudy/carehome/internal/domain/rules"
	"github.com/truststudy/carehome/internal/engine"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/session"
)

// Config sizes a soak run.
type Config struct {
	Sessions int
	Steps    int
	Seed     uint64
}

// Result captures the outcome of one session's run.
type Result struct {
	Scenario    string `json:"scenario"`
	SessionID   string `json:"session_id"`
	Steps       int    `json:"steps"`
	Resolved    int    `json:"resolved"`
	Rejected    int    `json:"rejected"`
	FinalBudget int    `json:"final_budget"`
	FinalTrust  int    `json:"final_trust"`
	Audited     bool   `json:"audited"`
	Passed      bool   `json:"passed"`
	Reason      string `json:"reason,omitempty"`
}

// Soak drives sessions created by a Manager.
type Soak struct {
	cfg           Config
	sessions      *session.Manager
	reconstructor *storage.Reconstructor
	logger        *logger.Logger
}

// NewSoak creates the harness. reconstructor may be nil when nothing is
// persisted; otherwise every session's stored action log is replayed and
// compared with the live state at the end.
func NewSoak(cfg Config, sessions *session.Manager, reconstructor *storage.Reconstructor, log *logger.Logger) *Soak {
	return &Soak{cfg: cfg, sessions: sessions, reconstructor: reconstructor, logger: log}
}

// Run executes every session concurrently. The returned error is only for
// harness failures; rule violations are reported in the results.
func (s *Soak) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, s.cfg.Sessions)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Sessions; i++ {
		g.Go(func() error {
			sess, err := s.sessions.Create(gctx, fmt.Sprintf("soak-%03d", i))
			if err != nil {
				return fmt.Errorf("failed to create session %d: %w", i, err)
			}
			defer s.sessions.End(context.Background(), sess.ID, session.ReasonLogout)

			rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(i)))
			results[i] = s.drive(gctx, sess, rng)
			results[i].Scenario = fmt.Sprintf("session %d", i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Soak) drive(ctx context.Context, sess *session.Session, rng *rand.Rand) Result {
	res := Result{SessionID: sess.ID, Passed: true}
	responses := emergency.AllResponses()

	for step := 0; step < s.cfg.Steps; step++ {
		if ctx.Err() != nil {
			return res.fail("cancelled at step %d", step)
		}
		before := sess.Snapshot()

		var (
			op      string
			kind    emergency.ResponseKind
			opErr   error
			resolve bool
		)
		switch r := rng.IntN(10); {
		case r < 3:
			op = "trigger"
			if _, err := sess.Trigger(); err != nil {
				return res.fail("step %d (%s): %v", step, op, err)
			}
		case r < 4:
			op = "tick"
			sess.Tick()
		case r < 5:
			op, kind, resolve = "resolve invalid", emergency.ResponseKind("Shrug"), true
			_, opErr = sess.Resolve(kind)
		default:
			kind = responses[rng.IntN(len(responses))]
			op, resolve = "resolve "+string(kind), true
			_, opErr = sess.Resolve(kind)
		}
		after := sess.Snapshot()
		res.Steps++

		if err := checkState(after); err != nil {
			return res.fail("step %d (%s): %v", step, op, err)
		}
		if resolve {
			if opErr != nil {
				res.Rejected++
			} else {
				res.Resolved++
			}
			if err := checkResolve(before, after, kind, opErr); err != nil {
				return res.fail("step %d (%s): %v", step, op, err)
			}
		} else if !after.EmergencyActive() {
			return res.fail("step %d (%s): no emergency armed", step, op)
		}
	}

	final := sess.Snapshot()
	res.FinalBudget, res.FinalTrust = final.Budget, final.Trust

	if s.reconstructor != nil {
		report, err := s.reconstructor.Verify(ctx, sess.ID)
		if err != nil {
			return res.fail("audit: %v", err)
		}
		res.Audited = true
		if !report.Consistent {
			return res.fail("audit: %v", report.Problems)
		}
		if report.FinalBudget != final.Budget || report.FinalTrust != final.Trust || report.Entries != len(final.Logs) {
			return res.fail("audit: stored log ends at budget %d trust %d (%d entries), live is %d/%d (%d)",
				report.FinalBudget, report.FinalTrust, report.Entries, final.Budget, final.Trust, len(final.Logs))
		}
	}
	return res
}

func (r Result) fail(format string, args ...interface{}) Result {
	r.Passed = false
	r.Reason = fmt.Sprintf(format, args...)
	return r
}

// checkState verifies the invariants every snapshot must satisfy.
func checkState(st engine.SimulationState) error {
	if st.Trust < rules.MinTrust || st.Trust > rules.MaxTrust {
		return fmt.Errorf("trust %d out of range", st.Trust)
	}
	if st.Emergency != nil {
		if !st.Emergency.Active {
			return errors.New("inactive emergency retained")
		}
		if !room.IsOperational(st.Emergency.Room) {
			return fmt.Errorf("emergency in non-operational room %q", st.Emergency.Room)
		}
	}

	budget := rules.StartingBudget
	for i, e := range st.Logs {
		budget -= e.Cost
		if e.BudgetRemaining != budget {
			return fmt.Errorf("log %d: budget_remaining %d, chain says %d", i, e.BudgetRemaining, budget)
		}
	}
	if st.Budget != budget {
		return fmt.Errorf("budget %d does not match log chain %d", st.Budget, budget)
	}
	return nil
}

// checkResolve verifies the effect of one resolve attempt.
func checkResolve(before, after engine.SimulationState, kind emergency.ResponseKind, err error) error {
	if err != nil {
		if !reflect.DeepEqual(before, after) {
			return fmt.Errorf("rejected resolve (%v) changed state", err)
		}
		switch {
		case !kind.Valid() && errors.Is(err, emergency.ErrInvalidResponse):
		case kind.Valid() && !before.EmergencyActive() && errors.Is(err, emergency.ErrNoActiveEmergency):
		default:
			return fmt.Errorf("unexpected error %v", err)
		}
		return nil
	}

	if !before.EmergencyActive() {
		return errors.New("resolve succeeded with no active emergency")
	}
	if after.Emergency != nil {
		return errors.New("emergency still set after resolve")
	}
	if len(after.Logs) != len(before.Logs)+1 {
		return fmt.Errorf("log grew by %d", len(after.Logs)-len(before.Logs))
	}
	wantBudget, wantTrust := rules.ApplyResponse(before.Budget, before.Trust, kind)
	if after.Budget != wantBudget || after.Trust != wantTrust {
		return fmt.Errorf("got budget %d trust %d, want %d/%d", after.Budget, after.Trust, wantBudget, wantTrust)
	}
	last := after.Logs[len(after.Logs)-1]
	if last.Event != before.Emergency.Description() || last.Response != kind {
		return fmt.Errorf("log entry %q/%s does not describe the resolved emergency", last.Event, last.Response)
	}
	return nil
}

// Summary counts passed and failed results.
func Summary(results []Result) (passed, failed int) {
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}
