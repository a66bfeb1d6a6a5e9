// Package network - api.go
// REST surface of the simulation: login gate, dashboard reads and the two
// viewer commands. Every route except login, health and metrics needs a
// session token.
package network

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/truststudy/carehome/internal/auth"
	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
	"github.com/truststudy/carehome/internal/session"
	"github.com/truststudy/carehome/internal/view"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "carehome_session"

// maxBodyBytes caps login and resolve request bodies.
const maxBodyBytes = 4 << 10

// APIOptions wires the API to its collaborators.
type APIOptions struct {
	Sessions      *session.Manager
	Auth          auth.Verifier
	Limiter       *RateLimiter
	Hub           *Hub
	Reconstructor *storage.Reconstructor // nil audits from memory only
	Audit         events.EventPersister  // receives LOGIN_FAILED; may be nil
	Metrics       *metrics.Collector
	Logger        *logger.Logger
}

// API serves the HTTP endpoints.
type API struct {
	opts APIOptions
	now  func() time.Time
}

// NewAPI creates the HTTP API.
func NewAPI(opts APIOptions) *API {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	return &API{opts: opts, now: time.Now}
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	Token     string         `json:"token"`
	Username  string         `json:"username"`
	Dashboard view.Dashboard `json:"dashboard"`
}

// ResolveRequest is the body of POST /api/emergency/resolve.
type ResolveRequest struct {
	Response string `json:"response"`
}

// HandleLogin verifies credentials and starts a session.
// POST /api/login
func (a *API) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := a.opts.Auth.Verify(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.loginFailed(r, req.Username)
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		a.opts.Logger.Error("credential check failed", "error", err)
		jsonError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s, err := a.opts.Sessions.Create(r.Context(), req.Username)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	jsonSuccess(w, LoginResponse{
		Token:     s.ID,
		Username:  s.Username,
		Dashboard: view.Build(s.Snapshot(), a.now()),
	})
}

func (a *API) loginFailed(r *http.Request, username string) {
	remote := a.opts.Limiter.clientIP(r)
	a.opts.Metrics.RecordLoginFailure()
	a.opts.Logger.Event(string(events.EventTypeLoginFailed), username, "from "+remote)
	if a.opts.Audit == nil {
		return
	}
	err := a.opts.Audit.Append(events.SimEvent{
		ID:        events.GenerateEventID(),
		Timestamp: a.now(),
		Type:      events.EventTypeLoginFailed,
		ActorID:   username,
		Payload:   map[string]string{"remote": remote},
	})
	if err != nil {
		a.opts.Logger.Warn("failed to persist login failure", "error", err)
	}
}

// HandleLogout ends the caller's session.
// POST /api/logout
func (a *API) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := tokenFrom(r)
	if err := a.opts.Sessions.End(r.Context(), token, session.ReasonLogout); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	jsonSuccess(w, map[string]interface{}{"ended": true})
}

// HandleState returns the caller's dashboard.
// GET /api/state
func (a *API) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	jsonSuccess(w, view.Build(s.Snapshot(), a.now()))
}

// HandleTrigger starts a new emergency, replacing any active one.
// POST /api/emergency/trigger
func (a *API) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	ev, err := s.Trigger()
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonSuccess(w, map[string]interface{}{
		"emergency": ev,
		"dashboard": view.Build(s.Snapshot(), a.now()),
	})
}

// HandleResolve applies a response to the active emergency.
// POST /api/emergency/resolve
func (a *API) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := emergency.ParseResponseKind(req.Response)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	entry, err := s.Resolve(kind)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonSuccess(w, map[string]interface{}{
		"entry":     entry,
		"dashboard": view.Build(s.Snapshot(), a.now()),
	})
}

// HandleHealth reports liveness.
// GET /healthz
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, map[string]interface{}{
		"status":   "ok",
		"sessions": a.opts.Sessions.Count(),
	})
}

// RegisterRoutes sets up the API routes.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	login := a.HandleLogin
	if a.opts.Limiter != nil {
		login = RateLimit(a.opts.Limiter, login)
	}
	mux.HandleFunc("/api/login", login)
	mux.HandleFunc("/api/logout", a.HandleLogout)
	mux.HandleFunc("/api/state", a.HandleState)
	mux.HandleFunc("/api/emergency/trigger", a.HandleTrigger)
	mux.HandleFunc("/api/emergency/resolve", a.HandleResolve)
	mux.HandleFunc("/api/session/audit", a.HandleAudit)
	mux.HandleFunc("/api/session/events", a.HandleEvents)
	mux.HandleFunc("/api/session/log.jsonl", a.HandleLogExport)
	mux.HandleFunc("/ws", a.HandleWS)
	mux.HandleFunc("/healthz", a.HandleHealth)
	mux.HandleFunc("/metrics", a.opts.Metrics.Handler())
	mux.HandleFunc("/metrics/prometheus", a.opts.Metrics.PrometheusHandler())
}

// session resolves the caller's session or writes the error response.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := a.opts.Sessions.Get(tokenFrom(r))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return nil, false
	}
	return s, true
}

// tokenFrom reads the session token from the Authorization header, the
// session cookie or the token query parameter, in that order.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, emergency.ErrNoActiveEmergency):
		return http.StatusConflict
	case errors.Is(err, emergency.ErrInvalidResponse):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a small JSON request body into v, answering 413 or 400
// itself when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// jsonError sends an error response.
func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// jsonSuccess sends a success response.
func jsonSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
