// Package services defines shared utilities consumed by the acquisition
// pipeline, the task engine and the daemon.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, ingest session IDs, stage names,
//     and correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is and report a stable error kind.
//
// Use these helpers when wiring new components so operational behaviour
// (error handling, observability) stays uniform across the system.
package services
