package engine

import (
	"slices"
	"sync"
)

// registration binds a minted job id to the backend file it polls
type registration struct {
	JobID  string
	FileID string
}

// registry keeps active registrations in insertion order, thread safe
type registry struct {
	mu    sync.Mutex
	items []registration
}

func (r *registry) add(jobID, fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = slices.DeleteFunc(r.items, func(it registration) bool { return it.JobID == jobID })
	r.items = append(r.items, registration{JobID: jobID, FileID: fileID})
}

// remove returns true if job was registered
func (r *registry) remove(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.items)
	r.items = slices.DeleteFunc(r.items, func(it registration) bool { return it.JobID == jobID })
	return len(r.items) != n
}

func (r *registry) list() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

func (r *registry) fileOf(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.JobID == jobID {
			return it.FileID, true
		}
	}
	return "", false
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

// pairs returns registrations in the persisted layout, [jobId, fileId] pairs
func (r *registry) pairs() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([][2]string, 0, len(r.items))
	for _, it := range r.items {
		res = append(res, [2]string{it.JobID, it.FileID})
	}
	return res
}

func (r *registry) setPairs(pairs [][2]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]registration, 0, len(pairs))
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		r.items = append(r.items, registration{JobID: p[0], FileID: p[1]})
	}
}
