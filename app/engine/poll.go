package engine

import (
	"context"
	"slices"
	"sort"

	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"

	"github.com/umputun/rowjobs/app/job"
)

// GetJobEntries returns rows of the file, from cache if allowed. Fetch failure is logged and
// reported as no rows, polling must not fail on a single bad file.
func (e *Engine) GetJobEntries(ctx context.Context, fileID string, useCache bool) []job.RawRow {
	rows, err := e.fetchEntries(ctx, fileID, useCache)
	if err != nil || rows == nil {
		return []job.RawRow{}
	}
	return rows
}

func (e *Engine) fetchEntries(ctx context.Context, fileID string, useCache bool) ([]job.RawRow, error) {
	if useCache {
		if rows, ok := e.cache.Get(fileID); ok {
			return rows, nil
		}
	}
	rows, err := e.Transport.QueryRows(ctx, e.Type, fileID)
	if err != nil {
		if ctx.Err() == nil {
			e.Logger.Logf("[ERROR] can't get entries of %s for %s, %v", fileID, e.Type, err)
		}
		return nil, err
	}
	rows = slices.DeleteFunc(rows, func(r job.RawRow) bool { return r.FileID != "" && r.FileID != fileID })
	e.cache.Set(fileID, rows)
	return rows, nil
}

// GetRunningJobs fetches rows of every active job in parallel and publishes the result after all
// fetches are done. Jobs without rows are dropped as vanished, finished jobs are moved to completed.
// A job with failed fetch keeps its last known state. Nothing is published if ctx is cancelled
// or the state was cleared during the fetch.
func (e *Engine) GetRunningJobs(ctx context.Context) []job.Job {
	e.mu.Lock()
	gen, regs := e.gen, e.active.list()
	if len(regs) == 0 {
		e.Store.CommitRunning(e.Type, []job.Job{}, nil)
		e.mu.Unlock()
		return []job.Job{}
	}
	e.mu.Unlock()

	results := make([]fetchResult, len(regs))
	concurrency := e.Concurrency
	if concurrency <= 0 || concurrency > len(regs) {
		concurrency = len(regs)
	}
	wg := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for i, r := range regs {
		wg.Go(func(ctx context.Context) {
			rows, err := e.fetchEntries(ctx, r.FileID, false)
			results[i] = fetchResult{rows: rows, err: err}
		})
	}
	wg.Wait()

	if ctx.Err() != nil {
		e.Logger.Logf("[DEBUG] running jobs poll of %s cancelled, %v", e.Type, ctx.Err())
		return nil
	}

	var running, finished []job.Job
	if !e.commit(gen, func() { running, finished = e.mergeRunning(regs, results) }) {
		return nil
	}
	e.notifyFinished(ctx, finished)
	return running
}

type fetchResult struct {
	rows []job.RawRow
	err  error
}

// mergeRunning turns fetch results into running and finished jobs and commits them. Must be called under e.mu.
func (e *Engine) mergeRunning(regs []registration, results []fetchResult) (running, finished []job.Job) {
	previous := e.Store.Running(e.Type)
	running = make([]job.Job, 0, len(regs))
	polled := map[string]bool{}
	for i, r := range regs {
		polled[r.JobID] = true
		res := results[i]
		if res.err != nil {
			if idx := slices.IndexFunc(previous, func(j job.Job) bool { return j.ID == r.JobID }); idx >= 0 {
				running = append(running, previous[idx])
			}
			continue
		}
		if len(res.rows) == 0 {
			e.Logger.Logf("[INFO] job %s of %s has no rows, dropped", r.JobID, e.Type)
			e.active.remove(r.JobID)
			continue
		}
		j := job.Compute(r.JobID, r.FileID, res.rows)
		if j.Status.Terminal() {
			e.active.remove(r.JobID)
			finished = append(finished, j)
			continue
		}
		running = append(running, j)
	}

	// keep jobs registered while the fan-out was in progress
	for _, j := range previous {
		if _, ok := e.active.fileOf(j.ID); ok && !polled[j.ID] {
			running = append(running, j)
		}
	}

	e.Store.CommitRunning(e.Type, running, finished)
	e.persistActive()
	return running, finished
}

// LoadCompletedJobs fetches all rows of the category, builds a job per file and replaces completed
// jobs with the ones in completed status, most recent first. Fetch failure keeps the current list
// and sets the category error.
func (e *Engine) LoadCompletedJobs(ctx context.Context) []job.Job {
	e.mu.Lock()
	gen := e.gen
	e.Store.SetLoading(e.Type, true)
	e.mu.Unlock()

	rows, err := e.Transport.QueryRows(ctx, e.Type, "")
	if ctx.Err() != nil {
		e.commit(gen, func() { e.Store.SetLoading(e.Type, false) })
		return nil
	}
	if err != nil {
		e.Logger.Logf("[ERROR] can't load completed jobs of %s, %v", e.Type, err)
		e.commit(gen, func() { e.Store.SetError(e.Type, err.Error()) })
		return nil
	}

	var order []string
	groups := map[string][]job.RawRow{}
	for _, r := range rows {
		if r.FileID == "" {
			continue
		}
		if _, ok := groups[r.FileID]; !ok {
			order = append(order, r.FileID)
		}
		groups[r.FileID] = append(groups[r.FileID], r)
	}

	var res []job.Job
	committed := e.commit(gen, func() {
		// reuse known job ids, skip files tracked as running
		ids := map[string]string{}
		for _, j := range e.Store.Completed(e.Type) {
			ids[j.Name] = j.ID
		}
		active := map[string]bool{}
		for _, r := range e.active.list() {
			active[r.FileID] = true
		}

		res = make([]job.Job, 0, len(order))
		for _, fileID := range order {
			if active[fileID] {
				continue
			}
			e.cache.Set(fileID, groups[fileID])
			id, ok := ids[fileID]
			if !ok {
				id = uuid.NewString()
			}
			if j := job.Compute(id, fileID, groups[fileID]); j.Status == job.StatusCompleted {
				res = append(res, j)
			}
		}
		sort.SliceStable(res, func(i, j int) bool {
			return res[i].SortTime().After(res[j].SortTime())
		})
		e.Store.SetCompletedJobs(e.Type, res)
	})
	if !committed {
		return nil
	}
	e.Logger.Logf("[DEBUG] loaded %d completed jobs of %s", len(res), e.Type)
	return res
}

// LoadJobDetails fetches fresh rows for a job id or a file identifier, bypassing cache
func (e *Engine) LoadJobDetails(ctx context.Context, jobIDOrFileID string) []job.RawRow {
	return e.GetJobEntries(ctx, e.resolveFile(jobIDOrFileID), false)
}

// resolveFile maps job id to its file, anything unknown is treated as a file identifier
func (e *Engine) resolveFile(jobIDOrFileID string) string {
	if fileID, ok := e.active.fileOf(jobIDOrFileID); ok {
		return fileID
	}
	for _, j := range append(e.Store.Running(e.Type), e.Store.Completed(e.Type)...) {
		if j.ID == jobIDOrFileID {
			return j.Name
		}
	}
	return jobIDOrFileID
}
