// Package session provides durable key-value storage scoped to a single client session.
// Values survive process restarts within the session and are dropped when the session ends.
// SQLite implementation keeps all sessions in one WAL-mode database file, Memory is used for
// tests and for runs without a session file. JSON wraps any Store with best-effort encoding
// where failures are logged and never returned to the caller.
package session
