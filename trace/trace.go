// Package trace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver that wraps the standard "sqlite"
// driver, intercepting every Exec and Query at the database/sql/driver
// level. No application code changes are needed beyond switching the
// driver name, which dbopen.WithTrace does:
//
//	// Trace store on the observability DB (opened with the raw "sqlite"
//	// driver to avoid recursion)
//	store := trace.NewStore(obsDB)
//	store.Init()
//	trace.SetStore(store)
//
//	// Application DB — all queries are now traced automatically
//	db, _ := dbopen.Open("db/ghostwork.db", dbopen.WithTrace())
//
// Without a Store (SetStore not called or nil), the driver still logs
// every query via slog with adaptive levels (Debug, Warn >100ms, Error on
// failure). Request IDs are read from context via kit.GetRequestID so a
// slow statement can be tied back to the HTTP or MCP call that ran it.
package trace

import (
	"database/sql"
	"sync/atomic"

	sqlite "modernc.org/sqlite"
)

// Entry is a single SQL trace record.
type Entry struct {
	RequestID  string // correlation with the originating HTTP/MCP request
	Op         string // "Exec" or "Query"
	Query      string // SQL statement
	DurationUs int64  // microseconds
	Error      string // empty if success
	Timestamp  int64  // unix microseconds
}

// nil = slog-only, no SQLite persistence
var globalStore atomic.Pointer[Store]

// SetStore installs the global trace store for persistence. Pass nil to
// fall back to slog-only mode.
func SetStore(s *Store) {
	globalStore.Store(s)
}

func getStore() *Store {
	return globalStore.Load()
}

func init() {
	sql.Register("sqlite-trace", &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
