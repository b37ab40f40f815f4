// Package engine implements job lifecycle for a single job category: file upload, processing trigger,
// polling of backend rows and turning them into job progress kept in the shared store.
// Setup calls (upload, trigger) return typed errors, polling calls never fail and degrade
// to empty or last known results instead.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/cache"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/loop"
	"github.com/umputun/rowjobs/app/store"
)

// default polling intervals
const (
	DefaultOverviewInterval = 10 * time.Minute
	DefaultRunningInterval  = 30 * time.Second
)

const (
	notifyTimeout     = 10 * time.Second
	notifyConcurrency = 4
)

// Transport defines backend calls used by engine
type Transport interface {
	Upload(ctx context.Context, f backend.File) (string, error)
	Trigger(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error)
	QueryRows(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error)
}

// Persister defines best-effort durable storage, implemented by session.JSON
type Persister interface {
	Load(key string, v any) bool
	Save(key string, v any) bool
	Remove(key string) bool
}

// Notifier gets called when a job reaches terminal state
type Notifier interface {
	JobFinished(ctx context.Context, category job.Type, j job.Job) error
}

// Params configures Engine
type Params struct {
	Type            job.Type
	Transport       Transport
	Store           *store.Store
	Persister       Persister // optional, nil disables restore of active jobs
	Notifier        Notifier  // optional
	RequiredColumns []string  // columns every submitted row must have
	Concurrency     int       // max parallel fetches while polling running jobs, 0 for unlimited
	Logger          log.L
}

// Engine drives jobs of one category
type Engine struct {
	Params
	cache    *cache.Entries
	active   registry
	inFlight *deDup
	overview *loop.Loop
	running  *loop.Loop

	// mu serializes store commits of polling with job registration and clear.
	// gen is bumped on clear, results of a poll started before it are dropped.
	mu  sync.Mutex
	gen uint64
}

// TriggerResult is returned by TriggerProcessing
type TriggerResult struct {
	FileID string
	Rows   []job.RawRow
}

// New makes Engine and restores its state from durable storage
func New(p Params) (*Engine, error) {
	if p.Type == "" {
		return nil, errors.New("job type is required")
	}
	if p.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if p.Logger == nil {
		p.Logger = log.Default()
	}

	e := &Engine{Params: p, cache: cache.New(), inFlight: newDeDup()}
	e.overview = loop.New(string(p.Type)+" overview", func(ctx context.Context) { e.LoadCompletedJobs(ctx) }, p.Logger)
	e.running = loop.New(string(p.Type)+" running", func(ctx context.Context) { e.GetRunningJobs(ctx) }, p.Logger)

	if !p.Store.Restore(p.Type) {
		p.Store.EnsureJobType(p.Type)
	}
	e.restoreActive()
	return e, nil
}

// Name returns job category
func (e *Engine) Name() string {
	return string(e.Type)
}

// StartPolling starts overview loop loading completed jobs
func (e *Engine) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultOverviewInterval
	}
	if e.overview.Start(interval) {
		e.Logger.Logf("[INFO] overview polling of %s started, every %v", e.Type, interval)
	}
}

// StopPolling stops overview loop, in-flight load is cancelled
func (e *Engine) StopPolling() {
	e.overview.Stop()
}

// StartRunningJobsPolling starts loop refreshing running jobs
func (e *Engine) StartRunningJobsPolling(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRunningInterval
	}
	if e.running.Start(interval) {
		e.Logger.Logf("[INFO] running jobs polling of %s started, every %v", e.Type, interval)
	}
}

// StopRunningJobsPolling stops running jobs loop, in-flight poll is cancelled
func (e *Engine) StopRunningJobsPolling() {
	e.running.Stop()
}

// Polling reports overview and running loops state
func (e *Engine) Polling() (overview, running bool) {
	return e.overview.Active(), e.running.Active()
}

// Running returns running jobs of the category
func (e *Engine) Running() []job.Job {
	return e.Store.Running(e.Type)
}

// Completed returns completed jobs of the category, most recent first
func (e *Engine) Completed() []job.Job {
	return e.Store.Completed(e.Type)
}

// IsLoadingOverview reports overview load in progress
func (e *Engine) IsLoadingOverview() bool {
	return e.Store.Loading(e.Type)
}

// Watch returns channel with category state updates, closed on ctx done
func (e *Engine) Watch(ctx context.Context) <-chan store.State {
	return e.Store.Watch(ctx, e.Type)
}

// ClearPersistedState drops all jobs, active registrations, cached rows and persisted data of the category
func (e *Engine) ClearPersistedState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.active.clear()
	e.cache.Clear()
	e.Store.ClearJobs(e.Type)
	if e.Persister != nil {
		e.Persister.Remove(store.Key(e.Type))
		e.Persister.Remove(e.activeKey())
	}
	e.Logger.Logf("[INFO] persisted state of %s cleared", e.Type)
}

func (e *Engine) activeKey() string {
	return string(e.Type) + ".active"
}

func (e *Engine) persistActive() {
	if e.Persister == nil {
		return
	}
	if !e.Persister.Save(e.activeKey(), e.active.pairs()) {
		e.Logger.Logf("[WARN] active jobs of %s kept in memory only", e.Type)
	}
}

func (e *Engine) restoreActive() {
	if e.Persister == nil {
		return
	}
	var pairs [][2]string
	if !e.Persister.Load(e.activeKey(), &pairs) {
		return
	}
	e.active.setPairs(pairs)
	e.Logger.Logf("[DEBUG] restored %d active jobs of %s", len(pairs), e.Type)
}

// commit runs fn under the commit lock unless the state was cleared after gen was taken
func (e *Engine) commit(gen uint64, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		e.Logger.Logf("[DEBUG] state of %s cleared while polling, results dropped", e.Type)
		return false
	}
	fn()
	return true
}

// notifyFinished reports finished jobs in parallel, each delivery bounded by notifyTimeout and ctx
func (e *Engine) notifyFinished(ctx context.Context, jobs []job.Job) {
	for _, j := range jobs {
		e.Logger.Logf("[INFO] job %s (%s) of %s %s, processed:%d, failed:%d", j.ID, j.Name, e.Type, j.Status, j.Processed, j.Failed)
	}
	if e.Notifier == nil || len(jobs) == 0 {
		return
	}
	wg := syncs.NewSizedGroup(notifyConcurrency)
	for _, j := range jobs {
		wg.Go(func(context.Context) {
			nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			defer cancel()
			if err := e.Notifier.JobFinished(nctx, e.Type, j); err != nil {
				e.Logger.Logf("[WARN] failed to notify about job %s, %v", j.ID, err)
			}
		})
	}
	wg.Wait()
}
