package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truststudy/carehome/internal/platform/logger"
)

// DefaultEmergencyInterval is how often an idle simulation is re-armed.
const DefaultEmergencyInterval = 30 * time.Second

// TickTarget is polled by the Ticker. Tick returns true when it triggered
// a new emergency. Implementations serialize Tick with their other operations.
type TickTarget interface {
	Tick() bool
}

// Ticker re-arms a simulation on a fixed interval.
// It does NOT know about budget or trust - only when to poll.
type Ticker struct {
	target     TickTarget
	interval   time.Duration
	logger     *logger.Logger
	tickNumber int64
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewTicker creates a ticker for target. A non-positive interval means the default.
func NewTicker(target TickTarget, interval time.Duration, log *logger.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultEmergencyInterval
	}
	return &Ticker{
		target:   target,
		interval: interval,
		logger:   log,
		stopChan: make(chan struct{}),
	}
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Ticker) Start(ctx context.Context) {
	t.logger.Debug("emergency ticker started", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("emergency ticker stopped by context")
			return
		case <-t.stopChan:
			t.logger.Debug("emergency ticker stopped manually")
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// TickCount returns how many polls have run.
func (t *Ticker) TickCount() int64 {
	return atomic.LoadInt64(&t.tickNumber)
}

// Interval returns the polling period.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

func (t *Ticker) tick() {
	n := atomic.AddInt64(&t.tickNumber, 1)
	if t.target.Tick() {
		t.logger.Debug("scheduler re-armed idle simulation", "tick", n)
	}
}
