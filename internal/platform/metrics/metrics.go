// Package metrics provides observability for the simulation server.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers simulation and transport counters.
type Collector struct {
	// Session metrics
	SessionsActive  int64
	SessionsStarted int64
	SessionsExpired int64
	LoginFailures   int64

	// Emergency metrics
	TickCount            int64
	EmergenciesTriggered int64
	EmergenciesReplaced  int64
	EmergenciesResolved  int64
	responses            map[string]int64

	// Audit writes
	AuditWritten     int64
	AuditWriteLatSum int64 // nanoseconds
	AuditWriteLatMax int64
	AuditWriteErrors int64

	// WebSocket metrics
	WSConnectionsActive int64
	WSMessagesIn        int64
	WSMessagesOut       int64
	WSErrors            int64

	StartTime time.Time
	mu        sync.RWMutex
}

// Global collector instance
var collector = New()

// New returns an empty collector. Most callers want Get.
func New() *Collector {
	return &Collector{
		StartTime: time.Now(),
		responses: make(map[string]int64),
	}
}

// Get returns the global collector.
func Get() *Collector {
	return collector
}

// RecordSessionStart records a successful login.
func (c *Collector) RecordSessionStart() {
	atomic.AddInt64(&c.SessionsStarted, 1)
	atomic.AddInt64(&c.SessionsActive, 1)
}

// RecordSessionEnd records a logout or expiry.
func (c *Collector) RecordSessionEnd(expired bool) {
	atomic.AddInt64(&c.SessionsActive, -1)
	if expired {
		atomic.AddInt64(&c.SessionsExpired, 1)
	}
}

// RecordLoginFailure records a rejected credential check.
func (c *Collector) RecordLoginFailure() {
	atomic.AddInt64(&c.LoginFailures, 1)
}

// RecordTick records one scheduler poll.
func (c *Collector) RecordTick() {
	atomic.AddInt64(&c.TickCount, 1)
}

// RecordTrigger records a new emergency; replaced is true when it overwrote an active one.
func (c *Collector) RecordTrigger(replaced bool) {
	atomic.AddInt64(&c.EmergenciesTriggered, 1)
	if replaced {
		atomic.AddInt64(&c.EmergenciesReplaced, 1)
	}
}

// RecordResolve records a resolution with the chosen response.
func (c *Collector) RecordResolve(response string) {
	atomic.AddInt64(&c.EmergenciesResolved, 1)
	c.mu.Lock()
	c.responses[response]++
	c.mu.Unlock()
}

// Responses returns a copy of the per-response counters.
func (c *Collector) Responses() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.responses))
	for k, v := range c.responses {
		out[k] = v
	}
	return out
}

// RecordAuditWrite records an audit write to the database.
func (c *Collector) RecordAuditWrite(latency time.Duration, err error) {
	atomic.AddInt64(&c.AuditWritten, 1)
	atomic.AddInt64(&c.AuditWriteLatSum, int64(latency))

	// Update max (non-atomic but acceptable for metrics)
	if int64(latency) > atomic.LoadInt64(&c.AuditWriteLatMax) {
		atomic.StoreInt64(&c.AuditWriteLatMax, int64(latency))
	}

	if err != nil {
		atomic.AddInt64(&c.AuditWriteErrors, 1)
	}
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	atomic.AddInt64(&c.WSConnectionsActive, delta)
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		atomic.AddInt64(&c.WSMessagesIn, 1)
	} else {
		atomic.AddInt64(&c.WSMessagesOut, 1)
	}
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	atomic.AddInt64(&c.WSErrors, 1)
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	written := atomic.LoadInt64(&c.AuditWritten)

	var auditAvg float64
	if written > 0 {
		auditAvg = float64(atomic.LoadInt64(&c.AuditWriteLatSum)) / float64(written) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),

		"sessions": map[string]interface{}{
			"active":         atomic.LoadInt64(&c.SessionsActive),
			"started":        atomic.LoadInt64(&c.SessionsStarted),
			"expired":        atomic.LoadInt64(&c.SessionsExpired),
			"login_failures": atomic.LoadInt64(&c.LoginFailures),
		},

		"emergencies": map[string]interface{}{
			"ticks":     atomic.LoadInt64(&c.TickCount),
			"triggered": atomic.LoadInt64(&c.EmergenciesTriggered),
			"replaced":  atomic.LoadInt64(&c.EmergenciesReplaced),
			"resolved":  atomic.LoadInt64(&c.EmergenciesResolved),
			"responses": c.Responses(),
		},

		"audit": map[string]interface{}{
			"written":          written,
			"avg_write_lat_ms": auditAvg,
			"max_write_lat_ms": float64(atomic.LoadInt64(&c.AuditWriteLatMax)) / 1e6,
			"errors":           atomic.LoadInt64(&c.AuditWriteErrors),
		},

		"websocket": map[string]interface{}{
			"active_connections": atomic.LoadInt64(&c.WSConnectionsActive),
			"messages_in":        atomic.LoadInt64(&c.WSMessagesIn),
			"messages_out":       atomic.LoadInt64(&c.WSMessagesOut),
			"errors":             atomic.LoadInt64(&c.WSErrors),
		},
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// PrometheusHandler returns metrics in Prometheus format.
func (c *Collector) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		fmt.Fprintf(w, "# HELP carehome_sessions_active Logged-in sessions\n")
		fmt.Fprintf(w, "# TYPE carehome_sessions_active gauge\n")
		fmt.Fprintf(w, "carehome_sessions_active %d\n\n", atomic.LoadInt64(&c.SessionsActive))

		fmt.Fprintf(w, "# HELP carehome_login_failures_total Rejected logins\n")
		fmt.Fprintf(w, "# TYPE carehome_login_failures_total counter\n")
		fmt.Fprintf(w, "carehome_login_failures_total %d\n\n", atomic.LoadInt64(&c.LoginFailures))

		fmt.Fprintf(w, "# HELP carehome_emergencies_triggered_total Emergencies triggered\n")
		fmt.Fprintf(w, "# TYPE carehome_emergencies_triggered_total counter\n")
		fmt.Fprintf(w, "carehome_emergencies_triggered_total %d\n\n", atomic.LoadInt64(&c.EmergenciesTriggered))

		fmt.Fprintf(w, "# HELP carehome_emergencies_replaced_total Active emergencies overwritten by a new trigger\n")
		fmt.Fprintf(w, "# TYPE carehome_emergencies_replaced_total counter\n")
		fmt.Fprintf(w, "carehome_emergencies_replaced_total %d\n\n", atomic.LoadInt64(&c.EmergenciesReplaced))

		fmt.Fprintf(w, "# HELP carehome_responses_total Resolutions by response\n")
		fmt.Fprintf(w, "# TYPE carehome_responses_total counter\n")
		responses := c.Responses()
		kinds := make([]string, 0, len(responses))
		for k := range responses {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "carehome_responses_total{response=%q} %d\n", k, responses[k])
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "# HELP carehome_audit_write_errors_total Failed audit writes\n")
		fmt.Fprintf(w, "# TYPE carehome_audit_write_errors_total counter\n")
		fmt.Fprintf(w, "carehome_audit_write_errors_total %d\n\n", atomic.LoadInt64(&c.AuditWriteErrors))

		fmt.Fprintf(w, "# HELP carehome_ws_connections Active WebSocket connections\n")
		fmt.Fprintf(w, "# TYPE carehome_ws_connections gauge\n")
		fmt.Fprintf(w, "carehome_ws_connections %d\n\n", atomic.LoadInt64(&c.WSConnectionsActive))

		fmt.Fprintf(w, "# HELP carehome_ws_messages_total Total WebSocket messages\n")
		fmt.Fprintf(w, "# TYPE carehome_ws_messages_total counter\n")
		fmt.Fprintf(w, "carehome_ws_messages_total{direction=\"in\"} %d\n", atomic.LoadInt64(&c.WSMessagesIn))
		fmt.Fprintf(w, "carehome_ws_messages_total{direction=\"out\"} %d\n", atomic.LoadInt64(&c.WSMessagesOut))
	}
}
