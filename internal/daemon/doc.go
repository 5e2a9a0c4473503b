// Package daemon coordinates the long-running stemflow process.
//
// It wires configuration, the task manager, the event hub, the task journal,
// open array stores and the single acquisition session into one lifecycle
// with flock-based locking to prevent multiple instances. The daemon exposes
// ingest control, reconstruction task submission and status over a chi HTTP
// API.
//
// Keep orchestration logic here: ingestion, preview and kernels live in their
// respective packages while the daemon focuses on startup, shutdown, and high
// level coordination.
package daemon
