package network

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truststudy/carehome/internal/auth"
	"github.com/truststudy/carehome/internal/engine"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
	"github.com/truststudy/carehome/internal/session"
	"github.com/truststudy/carehome/internal/view"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, username, password string) error {
	if username == "nurse" && password == "pw" {
		return nil
	}
	return auth.ErrInvalidCredentials
}

type testEnv struct {
	srv      *httptest.Server
	sessions *session.Manager
	metrics  *metrics.Collector
}

// kitchenPicker always chooses the Kitchen (fourth operational room).
func kitchenPicker(int) int { return 3 }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	mgr := session.NewManager(ctx, session.Options{
		EmergencyInterval: time.Hour,
		MaxSessions:       2,
		Metrics:           m,
		Picker:            kitchenPicker,
	}, logger.Discard())

	hub := NewHub(logger.Discard(), m, 16, 16, 2)
	go hub.Run(ctx)

	api := NewAPI(APIOptions{
		Sessions: mgr,
		Auth:     stubVerifier{},
		Limiter:  NewRateLimiter(3, time.Minute),
		Hub:      hub,
		Metrics:  m,
		Logger:   logger.Discard(),
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown(context.Background())
		cancel()
	})
	return &testEnv{srv: srv, sessions: mgr, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt64(&env.metrics.LoginFailures))
	assert.Equal(t, 0, env.sessions.Count())

	resp = env.do(t, http.MethodGet, "/api/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLoginSetsCookieAndArmsEmergency(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[LoginResponse](t, resp)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, out.Token, cookie.Value)

	require.NotNil(t, out.Dashboard.Emergency)
	assert.Equal(t, "Kitchen", out.Dashboard.Emergency.Room)
	assert.Equal(t, "£50", out.Dashboard.BudgetText)
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/state", "/api/session/audit", "/api/session/events", "/api/session/log.jsonl"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp := env.do(t, http.MethodPost, "/api/emergency/trigger", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResolveFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "Dance"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "SendRobot"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Entry     engine.LogEntry `json:"entry"`
		Dashboard view.Dashboard  `json:"dashboard"`
	}](t, resp)
	assert.Equal(t, "Emergency in Kitchen", out.Entry.Event)
	assert.Equal(t, 48, out.Entry.BudgetRemaining)
	assert.Equal(t, 72, out.Dashboard.Trust)
	assert.Nil(t, out.Dashboard.Emergency)

	resp = env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "SendRobot"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/emergency/trigger", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "SendHuman"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/state", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[view.Dashboard](t, resp)
	assert.Equal(t, 43, d.Budget)
	assert.Equal(t, 74, d.Trust)
	require.Len(t, d.Logs, 2)
	assert.Equal(t, "SendHuman", string(d.Logs[0].Response), "logs are most recent first")
}

func TestAuditAndExports(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "CheckRemotely"})
	env.do(t, http.MethodPost, "/api/emergency/trigger", token, nil)
	env.do(t, http.MethodPost, "/api/emergency/trigger", token, nil)
	env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: "SendHuman"})

	resp := env.do(t, http.MethodGet, "/api/session/audit", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	audit := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "memory", audit["source"])
	assert.Equal(t, true, audit["matches_live"])
	assert.EqualValues(t, 2, audit["entries"])
	assert.EqualValues(t, 44, audit["final_budget"])

	resp = env.do(t, http.MethodGet, "/api/session/events?type=EMERGENCY_REPLACED", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := decode[EventsResponse](t, resp)
	assert.Equal(t, 1, evs.TotalEvents)

	resp = env.do(t, http.MethodGet, "/api/session/events?since=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/session/log.jsonl", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []engine.LogEntry
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var e engine.LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, 49, lines[0].BudgetRemaining)
	assert.Equal(t, 44, lines[1].BudgetRemaining)
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	padding := strings.Repeat("x", 2*maxBodyBytes)
	resp := env.do(t, http.MethodPost, "/api/emergency/resolve", token, ResolveRequest{Response: padding})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: padding})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// The emergency armed at login is untouched.
	resp = env.do(t, http.MethodGet, "/api/state", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[view.Dashboard](t, resp)
	require.NotNil(t, d.Emergency)
	assert.Empty(t, d.Logs)
}

func TestLogoutEndsSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/state", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.sessions.Count())
}

func TestSessionLimit(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)
	env.login(t)

	resp := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "pw"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLoginIsRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "bad"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "nurse", Password: "pw"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]interface{}](t, resp)
	assert.EqualValues(t, 1, health["sessions"])

	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", tokenFrom(r))

	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "c"})
	assert.Equal(t, "c", tokenFrom(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", tokenFrom(r))
}
