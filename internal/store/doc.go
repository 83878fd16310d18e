// Package store provides persistent storage for orbit-backend using SQLite.
//
// # Architecture
//
// The store package is interface-driven. Consumers depend on the narrow
// interface they need:
//
//   - ConversationStore: ordered per-session history (Append, GetRecent)
//   - SessionStore: session lifecycle and paged history
//   - ActivityStore: the append-only activity feed
//   - WorkflowCallStore: one record per external workflow attempt
//   - LLMRequestStore: token usage and latency per model call
//   - TaskStore: task lists and tasks created by the agent
//
// SQLiteStore implements all of them in a single struct, and Store is their union.
//
// # Ordering
//
// Every message carries a seq assigned inside its INSERT statement, so seq is
// strictly increasing per session regardless of wall clock resolution.
// GetRecent returns the newest N messages in ascending seq order.
//
// # Timestamps
//
// Times are stored as UTC strings with fixed-width microseconds so that
// string comparison matches chronological order.
//
// # Error Handling
//
// Sentinel errors:
//
//   - ErrNotFound: entity doesn't exist
//   - ErrDuplicateSession: session ID already taken
//
// # Testing
//
// Tests use a real SQLite file in t.TempDir():
//
//	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
package store
