// Package cache keeps the last fetched rows per backend file. Entries never expire and are
// dropped only by explicit Delete or Clear, so the size is bound by files touched in a session.
package cache

import (
	"slices"
	"time"

	expirable "github.com/go-pkgz/expirable-cache/v3"

	"github.com/umputun/rowjobs/app/job"
)

// forever is used as a ttl, entries are invalidated explicitly only
const forever = 100 * 365 * 24 * time.Hour

// Entries maps backend file identifier to its raw rows, thread safe
type Entries struct {
	cache expirable.Cache[string, []job.RawRow]
}

// New makes empty Entries
func New() *Entries {
	return &Entries{cache: expirable.NewCache[string, []job.RawRow]().WithTTL(forever)}
}

// Get returns copy of rows for the file
func (e *Entries) Get(fileID string) ([]job.RawRow, bool) {
	rows, ok := e.cache.Get(fileID)
	if !ok {
		return nil, false
	}
	return slices.Clone(rows), true
}

// Set stores rows for the file, replacing previous ones
func (e *Entries) Set(fileID string, rows []job.RawRow) {
	e.cache.Set(fileID, slices.Clone(rows), forever)
}

// Delete drops rows of a single file
func (e *Entries) Delete(fileID string) {
	e.cache.Invalidate(fileID)
}

// Clear drops everything
func (e *Entries) Clear() {
	e.cache.Purge()
}

// Len returns number of cached files
func (e *Entries) Len() int {
	return e.cache.Len()
}
