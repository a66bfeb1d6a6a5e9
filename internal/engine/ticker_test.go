package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/truststudy/carehome/internal/platform/logger"
)

type countingTarget struct {
	calls int64
}

func (c *countingTarget) Tick() bool {
	atomic.AddInt64(&c.calls, 1)
	return true
}

func TestTickerPollsUntilCancelled(t *testing.T) {
	target := &countingTarget{}
	tk := NewTicker(target, 5*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&target.calls) >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop after cancel")
	}
	assert.Equal(t, atomic.LoadInt64(&target.calls), tk.TickCount())
}

func TestTickerStopIsIdempotent(t *testing.T) {
	tk := NewTicker(&countingTarget{}, time.Hour, logger.Discard())
	done := make(chan struct{})
	go func() {
		tk.Start(context.Background())
		close(done)
	}()

	tk.Stop()
	tk.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestTickerDefaultsInterval(t *testing.T) {
	tk := NewTicker(&countingTarget{}, 0, logger.Discard())
	assert.Equal(t, DefaultEmergencyInterval, tk.Interval())
}

func TestTickerDrivesEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	tk := NewTicker(e, 2*time.Millisecond, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine is single-owner; only the ticker touches it until cancel.
	done := make(chan struct{})
	go func() {
		tk.Start(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return tk.TickCount() >= 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.True(t, e.EmergencyActive())
}
