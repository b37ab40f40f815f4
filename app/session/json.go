package session

import (
	"encoding/json"

	log "github.com/go-pkgz/lgr"
)

// JSON stores values as JSON documents in the underlying Store. All methods are best-effort:
// failures are logged and reported as false, nothing is returned as an error.
type JSON struct {
	Store  Store
	Logger log.L
}

// NewJSON wraps store, logger defaults to lgr.Default
func NewJSON(store Store, l log.L) *JSON {
	if l == nil {
		l = log.Default()
	}
	return &JSON{Store: store, Logger: l}
}

// Load decodes value stored under key into v. Returns false if missing or broken.
func (j *JSON) Load(key string, v any) bool {
	data, ok, err := j.Store.Get(key)
	if err != nil {
		j.Logger.Logf("[WARN] can't read %s from session store, %v", key, err)
		return false
	}
	if !ok || data == "" {
		return false
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		j.Logger.Logf("[WARN] can't decode %s from session store, %v", key, err)
		return false
	}
	return true
}

// Save encodes v and stores it under key
func (j *JSON) Save(key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		j.Logger.Logf("[ERROR] can't encode %s for session store, %v", key, err)
		return false
	}
	if err := j.Store.Set(key, string(data)); err != nil {
		j.Logger.Logf("[ERROR] can't write %s to session store, %v", key, err)
		return false
	}
	return true
}

// Remove deletes key
func (j *JSON) Remove(key string) bool {
	if err := j.Store.Remove(key); err != nil {
		j.Logger.Logf("[WARN] can't remove %s from session store, %v", key, err)
		return false
	}
	return true
}
