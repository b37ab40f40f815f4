// Package store keeps per job-type state of tracked jobs. All mutations are serialized under one lock,
// reads observe the latest write and every mutation is mirrored to durable storage on a best-effort basis.
package store

import (
	"context"
	"slices"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/rowjobs/app/job"
)

// State is a per job-type aggregate
type State struct {
	Running   []job.Job `json:"running"`
	Completed []job.Job `json:"completed"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
}

// Persister saves and loads json-able values, implemented by session.JSON
type Persister interface {
	Load(key string, v any) bool
	Save(key string, v any) bool
}

// persisted is the durable layout of a job type
type persisted struct {
	Running   []job.Job `json:"running"`
	Completed []job.Job `json:"completed"`
}

// Store is a keyed container of State, thread safe
type Store struct {
	persister Persister
	logger    log.L

	mu       sync.RWMutex
	states   map[job.Type]*State
	watchers map[job.Type][]chan State
}

// New makes empty store. Persister is optional, nil disables persistence.
func New(persister Persister, l log.L) *Store {
	if l == nil {
		l = log.Default()
	}
	return &Store{
		persister: persister,
		logger:    l,
		states:    map[job.Type]*State{},
		watchers:  map[job.Type][]chan State{},
	}
}

// Key returns the durable storage key of job type
func Key(t job.Type) string {
	return string(t) + ".jobs"
}

// EnsureJobType adds empty state for the type if missing. Nothing is persisted,
// an existing durable state of the type stays available for Restore.
func (s *Store) EnsureJobType(t job.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[t]; ok {
		return
	}
	s.notifyLocked(t, s.stateLocked(t).clone())
}

// Restore loads job type state from durable storage, returns false if nothing was stored
func (s *Store) Restore(t job.Type) bool {
	if s.persister == nil {
		return false
	}
	var p persisted
	if !s.persister.Load(Key(t), &p) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(t)
	st.Running, st.Completed = nonNil(p.Running), nonNil(p.Completed)
	s.notifyLocked(t, st.clone())
	s.logger.Logf("[DEBUG] restored %s, running:%d, completed:%d", t, len(st.Running), len(st.Completed))
	return true
}

// SetRunningJobs replaces running jobs, resets loading and error
func (s *Store) SetRunningJobs(t job.Type, jobs []job.Job) {
	s.mutate(t, func(st *State) {
		st.Running = slices.Clone(nonNil(jobs))
		st.Loading, st.Error = false, ""
	})
}

// SetCompletedJobs replaces completed jobs, resets loading and error
func (s *Store) SetCompletedJobs(t job.Type, jobs []job.Job) {
	s.mutate(t, func(st *State) {
		st.Completed = slices.Clone(nonNil(jobs))
		st.Loading, st.Error = false, ""
	})
}

// CommitRunning replaces running jobs and puts finished ones in front of completed as a single mutation.
// Loading and error belong to the overview and stay untouched.
func (s *Store) CommitRunning(t job.Type, running, finished []job.Job) {
	s.mutate(t, func(st *State) {
		st.Running = slices.Clone(nonNil(running))
		for _, j := range finished {
			st.Completed = slices.DeleteFunc(st.Completed, func(c job.Job) bool { return c.ID == j.ID })
			st.Completed = slices.Insert(st.Completed, 0, j)
		}
	})
}

// AddRunningJob appends job to running list
func (s *Store) AddRunningJob(t job.Type, j job.Job) {
	s.mutate(t, func(st *State) {
		st.Running = append(st.Running, j)
	})
}

// UpdateJob replaces job with the same id, running list first. Unknown id ignored,
// callers may race with the job being moved or removed.
func (s *Store) UpdateJob(t job.Type, j job.Job) {
	s.mutate(t, func(st *State) {
		if i := indexOf(st.Running, j.ID); i >= 0 {
			st.Running[i] = j
			return
		}
		if i := indexOf(st.Completed, j.ID); i >= 0 {
			st.Completed[i] = j
		}
	})
}

// MoveJobToCompleted removes job from running and puts it in front of completed
func (s *Store) MoveJobToCompleted(t job.Type, id string) {
	s.mutate(t, func(st *State) {
		i := indexOf(st.Running, id)
		if i < 0 {
			return
		}
		j := st.Running[i]
		st.Running = slices.Delete(st.Running, i, i+1)
		st.Completed = slices.DeleteFunc(st.Completed, func(c job.Job) bool { return c.ID == id })
		st.Completed = slices.Insert(st.Completed, 0, j)
	})
}

// Complete puts finished job in front of completed list, dropping any copy of it from both lists
func (s *Store) Complete(t job.Type, j job.Job) {
	s.mutate(t, func(st *State) {
		st.Running = slices.DeleteFunc(st.Running, func(r job.Job) bool { return r.ID == j.ID })
		st.Completed = slices.DeleteFunc(st.Completed, func(c job.Job) bool { return c.ID == j.ID })
		st.Completed = slices.Insert(st.Completed, 0, j)
	})
}

// RemoveRunningJob drops job from running list
func (s *Store) RemoveRunningJob(t job.Type, id string) {
	s.mutate(t, func(st *State) {
		st.Running = slices.DeleteFunc(st.Running, func(r job.Job) bool { return r.ID == id })
	})
}

// ClearJobs resets job type to empty state
func (s *Store) ClearJobs(t job.Type) {
	s.mutate(t, func(st *State) {
		*st = State{Running: []job.Job{}, Completed: []job.Job{}}
	})
}

// ClearAllJobs resets every known job type
func (s *Store) ClearAllJobs() {
	for _, t := range s.Types() {
		s.ClearJobs(t)
	}
}

// SetLoading sets loading flag
func (s *Store) SetLoading(t job.Type, loading bool) {
	s.mutate(t, func(st *State) {
		st.Loading = loading
	})
}

// SetError sets error and resets loading
func (s *Store) SetError(t job.Type, errMsg string) {
	s.mutate(t, func(st *State) {
		st.Error, st.Loading = errMsg, false
	})
}

// mutate applies fn to the state of t, persists and notifies watchers.
// Everything happens under the lock to keep persisted and delivered snapshots in mutation order.
func (s *Store) mutate(t job.Type, fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(t)
	fn(st)
	snap := st.clone()
	s.persist(t, snap)
	s.notifyLocked(t, snap)
}

func (s *Store) persist(t job.Type, st State) {
	if s.persister == nil {
		return
	}
	if !s.persister.Save(Key(t), persisted{Running: st.Running, Completed: st.Completed}) {
		s.logger.Logf("[WARN] state of %s kept in memory only", t)
	}
}

// stateLocked returns state for t, creating it if missing. Must be called under write lock.
func (s *Store) stateLocked(t job.Type) *State {
	st, ok := s.states[t]
	if !ok {
		st = &State{Running: []job.Job{}, Completed: []job.Job{}}
		s.states[t] = st
	}
	return st
}

func (st *State) clone() State {
	return State{
		Running:   slices.Clone(st.Running),
		Completed: slices.Clone(st.Completed),
		Loading:   st.Loading,
		Error:     st.Error,
	}
}

func indexOf(jobs []job.Job, id string) int {
	return slices.IndexFunc(jobs, func(j job.Job) bool { return j.ID == id })
}

func nonNil(jobs []job.Job) []job.Job {
	if jobs == nil {
		return []job.Job{}
	}
	return jobs
}

// Watch returns channel receiving a snapshot of t after every mutation. Only the latest
// snapshot is kept for a slow reader. Channel is closed when ctx is done.
func (s *Store) Watch(ctx context.Context, t job.Type) <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	ch <- s.stateLocked(t).clone()
	s.watchers[t] = append(s.watchers[t], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.watchers[t] = slices.DeleteFunc(s.watchers[t], func(c chan State) bool { return c == ch })
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Store) notifyLocked(t job.Type, snap State) {
	for _, ch := range s.watchers[t] {
		select {
		case <-ch: // drop stale snapshot
		default:
		}
		ch <- snap
	}
}
