package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set("k1", "v1"))
	v, ok, err := m.Get("k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, []string{"k1"}, m.Keys())

	require.NoError(t, m.Remove("k1"))
	require.NoError(t, m.Remove("k1"), "remove is idempotent")
	_, ok, _ = m.Get("k1")
	assert.False(t, ok)
}

func TestSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "session.db")

	s1, err := NewSQLite(dbPath, "s1")
	require.NoError(t, err)
	defer s1.Close()

	require.NoError(t, s1.Set("k1", "v1"))
	require.NoError(t, s1.Set("k1", "v2"), "set replaces")
	v, ok, err := s1.Get("k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	s2, err := NewSQLite(dbPath, "s2")
	require.NoError(t, err)
	defer s2.Close()
	_, ok, err = s2.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok, "keys are scoped by session")

	require.NoError(t, s2.Set("k2", "other"))
	require.NoError(t, s1.End())
	_, ok, err = s1.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok, "ended session has no keys")
	_, ok, err = s2.Get("k2")
	require.NoError(t, err)
	assert.True(t, ok, "other session untouched")

	require.NoError(t, s1.Set("k3", "v3"))
	require.NoError(t, s1.Remove("k3"))
	_, ok, err = s1.Get("k3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s1.Cleanup(-time.Hour))
	_, ok, err = s2.Get("k2")
	require.NoError(t, err)
	assert.False(t, ok, "stale session removed by cleanup")
}

func TestSQLite_Errors(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "session.db"), "")
	assert.Error(t, err)

	_, err = NewSQLite("/invalid/path/that/does/not/exist/session.db", "s1")
	assert.Error(t, err)
}

type failingStore struct{ err error }

func (f failingStore) Get(string) (string, bool, error) { return "", false, f.err }
func (f failingStore) Set(string, string) error         { return f.err }
func (f failingStore) Remove(string) error              { return f.err }

func TestJSON(t *testing.T) {
	type rec struct {
		Name string    `json:"name"`
		TS   time.Time `json:"ts"`
	}

	t.Run("round trip", func(t *testing.T) {
		j := NewJSON(NewMemory(), log.NoOp)
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		assert.True(t, j.Save("key", rec{Name: "n1", TS: ts}))

		var res rec
		require.True(t, j.Load("key", &res))
		assert.Equal(t, "n1", res.Name)
		assert.True(t, ts.Equal(res.TS))

		assert.True(t, j.Remove("key"))
		assert.False(t, j.Load("key", &res))
	})

	t.Run("broken data", func(t *testing.T) {
		mem := NewMemory()
		require.NoError(t, mem.Set("key", "{not json"))
		var res rec
		assert.False(t, NewJSON(mem, log.NoOp).Load("key", &res))
	})

	t.Run("failing store", func(t *testing.T) {
		var logged []string
		l := log.Func(func(format string, args ...any) { logged = append(logged, format) })
		j := NewJSON(failingStore{err: errors.New("quota exceeded")}, l)
		assert.False(t, j.Save("key", rec{Name: "n1"}))
		var res rec
		assert.False(t, j.Load("key", &res))
		assert.False(t, j.Remove("key"))
		assert.Len(t, logged, 3)
	})
}
