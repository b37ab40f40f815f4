// Package poller coordinates overview and running-job polling loops of all registered job categories
// and pauses them while a navigation is in progress.
package poller

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// default intervals
const (
	DefaultOverviewInterval = 10 * time.Minute
	DefaultRunningInterval  = 30 * time.Second
	DefaultGrace            = time.Second
)

// Service is a polled job category, implemented by engine.Engine
type Service interface {
	Name() string
	StartPolling(interval time.Duration)
	StopPolling()
	StartRunningJobsPolling(interval time.Duration)
	StopRunningJobsPolling()
}

// Category is a registered service with optional per-category intervals
type Category struct {
	Service          Service
	OverviewInterval time.Duration // zero for coordinator's overview interval
	RunningInterval  time.Duration // zero for coordinator's running interval
}

// Params configures Coordinator
type Params struct {
	RunningInterval time.Duration // running jobs loop interval, default 30s
	Grace           time.Duration // delay before resume after navigation, default 1s
	Logger          log.L
}

// Coordinator starts and stops polling loops of all categories together
type Coordinator struct {
	Params

	mu               sync.Mutex
	categories       []Category
	active           bool
	overviewInterval time.Duration
	resume           *time.Timer
	navSeq           int
}

// New makes Coordinator, polling is inactive until Start
func New(p Params) *Coordinator {
	if p.RunningInterval <= 0 {
		p.RunningInterval = DefaultRunningInterval
	}
	if p.Grace <= 0 {
		p.Grace = DefaultGrace
	}
	if p.Logger == nil {
		p.Logger = log.Default()
	}
	return &Coordinator{Params: p, overviewInterval: DefaultOverviewInterval}
}

// Register adds category, replacing one with the same name. Loops of the category are started
// right away if polling is active.
func (c *Coordinator) Register(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.categories {
		if existing.Service.Name() == cat.Service.Name() {
			c.stopCategory(existing)
			c.categories = append(c.categories[:i], c.categories[i+1:]...)
			break
		}
	}
	c.categories = append(c.categories, cat)
	c.Logger.Logf("[DEBUG] category %s registered", cat.Service.Name())
	if c.active {
		c.startCategory(cat)
	}
}

// Categories returns names of registered categories
func (c *Coordinator) Categories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]string, 0, len(c.categories))
	for _, cat := range c.categories {
		res = append(res, cat.Service.Name())
	}
	return res
}

// Start starts both loops of every category, overview loop on given interval (10m if zero)
func (c *Coordinator) Start(overviewInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if overviewInterval <= 0 {
		overviewInterval = DefaultOverviewInterval
	}
	c.overviewInterval = overviewInterval
	c.startLocked()
}

// StopAll stops every loop and cancels a pending resume
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelResumeLocked()
	c.stopLocked()
}

// Resume restarts polling with the last overview interval, false if polling is active already
func (c *Coordinator) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.startLocked()
	return true
}

// Active reports polling state
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// NavigationStarted stops all loops immediately and, if polling was active, resumes it after the grace
// delay. Another navigation within the delay postpones the resume.
func (c *Coordinator) NavigationStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasActive := c.active || c.resume != nil
	c.cancelResumeLocked()
	c.stopLocked()
	if !wasActive {
		return
	}
	seq := c.navSeq
	c.resume = time.AfterFunc(c.Grace, func() { c.resumeAfterNavigation(seq) })
	c.Logger.Logf("[DEBUG] polling paused for navigation, resume in %v", c.Grace)
}

// Listen calls NavigationStarted on every signal from navigations until ctx is done or the channel closed
func (c *Coordinator) Listen(ctx context.Context, navigations <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-navigations:
			if !ok {
				return
			}
			c.NavigationStarted()
		}
	}
}

func (c *Coordinator) resumeAfterNavigation(seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.navSeq {
		return // superseded or cancelled
	}
	c.resume = nil
	if !c.active {
		c.startLocked()
		c.Logger.Logf("[DEBUG] polling resumed after navigation")
	}
}

func (c *Coordinator) cancelResumeLocked() {
	c.navSeq++
	if c.resume != nil {
		c.resume.Stop()
		c.resume = nil
	}
}

func (c *Coordinator) startLocked() {
	for _, cat := range c.categories {
		c.startCategory(cat)
	}
	c.active = true
}

func (c *Coordinator) stopLocked() {
	for _, cat := range c.categories {
		c.stopCategory(cat)
	}
	c.active = false
}

func (c *Coordinator) startCategory(cat Category) {
	overview, running := cat.OverviewInterval, cat.RunningInterval
	if overview <= 0 {
		overview = c.overviewInterval
	}
	if running <= 0 {
		running = c.RunningInterval
	}
	cat.Service.StartPolling(overview)
	cat.Service.StartRunningJobsPolling(running)
}

func (c *Coordinator) stopCategory(cat Category) {
	cat.Service.StopPolling()
	cat.Service.StopRunningJobsPolling()
}
