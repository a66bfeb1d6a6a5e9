// Package network - replay.go
// Read-only views of a session's history: the audit of its action log, the
// raw event trail and a JSON Lines export of the action log.
package network

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/session"
)

// AuditResponse compares the replayed action log with the live state.
type AuditResponse struct {
	*storage.AuditReport
	Source      string `json:"source"` // "sqlite" or "memory"
	LiveBudget  int    `json:"live_budget"`
	LiveTrust   int    `json:"live_trust"`
	MatchesLive bool   `json:"matches_live"`
}

// HandleAudit replays the session's action log from the starting budget and
// trust and checks it against the live simulation.
// GET /api/session/audit
func (a *API) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	var (
		report *storage.AuditReport
		source = "memory"
	)
	if a.opts.Reconstructor != nil {
		var err error
		report, err = a.opts.Reconstructor.Verify(r.Context(), s.ID)
		if err != nil {
			a.opts.Logger.Error("audit replay failed", "session", s.ID, "error", err)
			jsonError(w, "Audit unavailable", http.StatusInternalServerError)
			return
		}
		source = "sqlite"
	} else {
		report = storage.Replay(actionsFromEvents(s))
		report.SessionID = s.ID
	}

	snap := s.Snapshot()
	jsonSuccess(w, AuditResponse{
		AuditReport: report,
		Source:      source,
		LiveBudget:  snap.Budget,
		LiveTrust:   snap.Trust,
		MatchesLive: report.Consistent && report.FinalBudget == snap.Budget && report.FinalTrust == snap.Trust,
	})
}

// actionsFromEvents rebuilds action records from the in-memory event trail.
func actionsFromEvents(s *session.Session) []storage.ActionRecord {
	var out []storage.ActionRecord
	for _, ev := range s.Events() {
		p, ok := ev.Payload.(events.ResolvedPayload)
		if !ok || ev.Type != events.EventTypeEmergencyResolved {
			continue
		}
		out = append(out, storage.ActionRecord{
			SessionID:       ev.SessionID,
			Timestamp:       ev.Timestamp,
			Event:           emergency.Event{Room: ev.Room}.Description(),
			Response:        p.Response,
			Cost:            p.Cost,
			BudgetRemaining: p.BudgetRemaining,
			Trust:           p.Trust,
		})
	}
	return out
}

// EventsResponse is the API response for the event trail.
type EventsResponse struct {
	SessionID   string            `json:"session_id"`
	TotalEvents int               `json:"total_events"`
	FilteredBy  string            `json:"filtered_by,omitempty"`
	GeneratedAt string            `json:"generated_at"`
	Events      []events.SimEvent `json:"events"`
}

// HandleEvents returns the session's audit trail.
// GET /api/session/events?type=EMERGENCY_RESOLVED&since=N
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	eventType := r.URL.Query().Get("type")

	all := s.Events()
	if since > len(all) {
		since = len(all)
	}
	filtered := make([]events.SimEvent, 0, len(all)-since)
	for _, e := range all[since:] {
		if eventType != "" && string(e.Type) != eventType {
			continue
		}
		filtered = append(filtered, e)
	}

	jsonSuccess(w, EventsResponse{
		SessionID:   s.ID,
		TotalEvents: len(filtered),
		FilteredBy:  eventType,
		GeneratedAt: a.now().Format(time.RFC3339),
		Events:      filtered,
	})
}

// HandleLogExport streams the action log as JSON Lines, oldest first.
// GET /api/session/log.jsonl
func (a *API) HandleLogExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="action-log.jsonl"`)
	enc := json.NewEncoder(w)
	for _, entry := range s.Snapshot().Logs {
		if err := enc.Encode(entry); err != nil {
			a.opts.Logger.Warn("log export interrupted", "session", s.ID, "error", err)
			return
		}
	}
}
