// Package journal keeps a durable history of tasks in SQLite.
//
// The task manager records one snapshot per state change; the journal keeps
// the latest snapshot per task id so the CLI and API can list history after
// a daemon restart. Rows left in a non-terminal state by a crashed daemon are
// resolved by ResolveInterrupted at startup.
package journal
