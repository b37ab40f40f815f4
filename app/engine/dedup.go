package engine

import (
	"sync"
	"time"
)

// deDup is a thread safe set of in-flight keys preventing double submission of the same file
type deDup struct {
	active map[string]time.Time
	lock   sync.Mutex
}

func newDeDup() *deDup {
	return &deDup{active: make(map[string]time.Time)}
}

// add key to the set, false if already in
func (d *deDup) add(key string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.active[key]; found {
		return false
	}
	d.active[key] = time.Now()
	return true
}

// remove key from the set, safe to call multiple times
func (d *deDup) remove(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.active, key)
}
