// Package api defines wire-format types, converters and the HTTP client for
// the daemon API. It translates task, workflow and ingest state into
// transport-friendly DTOs that the CLI and other consumers can render without
// coupling to internal types.
//
// # Key Types
//
// TaskView: transport representation of a task with progress and timestamps.
//
// WorkflowStatus: task manager running state, waiting count and the
// submitted task.
//
// IngestStatus: the current or last acquisition session with frame counts.
//
// DaemonStatus: aggregated runtime information including preflight results.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Internal enums (task.State, ingest.State) are
// exposed as lowercase strings. Timestamps use RFC3339 with milliseconds.
// Errors travel as ErrorResponse carrying the services.Kind label, which the
// client maps back onto the services marker errors.
package api
