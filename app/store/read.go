package store

import (
	"slices"

	"github.com/umputun/rowjobs/app/job"
)

// Running returns copy of running jobs
func (s *Store) Running(t job.Type) []job.Job {
	return s.get(t).Running
}

// Completed returns copy of completed jobs, most recent first
func (s *Store) Completed(t job.Type) []job.Job {
	return s.get(t).Completed
}

// Loading reports loading flag
func (s *Store) Loading(t job.Type) bool {
	return s.get(t).Loading
}

// Error returns last error, empty if none
func (s *Store) Error(t job.Type) string {
	return s.get(t).Error
}

// RunningCount returns number of running jobs of type t
func (s *Store) RunningCount(t job.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[t]; ok {
		return len(st.Running)
	}
	return 0
}

// CompletedCount returns number of completed jobs of type t
func (s *Store) CompletedCount(t job.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[t]; ok {
		return len(st.Completed)
	}
	return 0
}

// TotalRunning returns number of running jobs across all types
func (s *Store) TotalRunning() (res int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		res += len(st.Running)
	}
	return res
}

// TotalCompleted returns number of completed jobs across all types
func (s *Store) TotalCompleted() (res int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		res += len(st.Completed)
	}
	return res
}

// Types returns all known job types, sorted
func (s *Store) Types() []job.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]job.Type, 0, len(s.states))
	for t := range s.states {
		res = append(res, t)
	}
	slices.Sort(res)
	return res
}

// Snapshot returns copy of all states
func (s *Store) Snapshot() map[job.Type]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[job.Type]State, len(s.states))
	for t, st := range s.states {
		res[t] = st.clone()
	}
	return res
}

// get returns copy of state for t, empty state for unknown type
func (s *Store) get(t job.Type) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[t]; ok {
		return st.clone()
	}
	return State{Running: []job.Job{}, Completed: []job.Job{}}
}
