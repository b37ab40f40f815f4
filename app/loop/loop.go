// Package loop runs a function on a schedule in background, with immediate first run
// and cancellation of the in-flight run on Stop.
package loop

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Schedule describes a loop duty cycle, cron.Schedule compatible
type Schedule interface {
	Next(time.Time) time.Time
}

// Loop calls Fn on Schedule until stopped. Safe for concurrent use.
type Loop struct {
	name   string
	fn     func(ctx context.Context)
	logger log.L

	mu     sync.Mutex
	cancel context.CancelFunc
	runs   int
}

// New makes a stopped loop
func New(name string, fn func(ctx context.Context), l log.L) *Loop {
	if l == nil {
		l = log.Default()
	}
	return &Loop{name: name, fn: fn, logger: l}
}

// Every returns constant interval schedule. Whole seconds go through cron, which aligns
// fire times to second boundaries, anything finer is kept as an exact delay.
func Every(interval time.Duration) Schedule {
	if interval <= 0 || interval%time.Second != 0 {
		return delay(interval)
	}
	return cron.Every(interval)
}

// delay fires interval after the previous run
type delay time.Duration

func (d delay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Start runs fn immediately and then on every interval. Returns false if already running.
func (l *Loop) Start(interval time.Duration) bool {
	return l.StartSchedule(Every(interval))
}

// StartSchedule runs fn immediately and then as scheduled. Returns false if already running.
func (l *Loop) StartSchedule(sched Schedule) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.logger.Logf("[DEBUG] loop %s started, next at %s", l.name, sched.Next(time.Now()).Format(time.RFC3339))
	go l.run(ctx, sched)
	return true
}

// Stop cancels loop context and returns without waiting for the in-flight run,
// which observes the cancellation on its own. Safe to call multiple times.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
	l.logger.Logf("[DEBUG] loop %s stopped", l.name)
}

// Active reports started loop
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Runs returns number of started runs
func (l *Loop) Runs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

func (l *Loop) run(ctx context.Context, sched Schedule) {
	for {
		l.mu.Lock()
		l.runs++
		l.mu.Unlock()
		l.fn(ctx)

		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
