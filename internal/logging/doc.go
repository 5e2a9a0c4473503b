// Package logging builds the slog loggers used by stemflow.
//
// New returns a console or JSON logger writing to any mix of stdout, stderr
// and files. The console format lifts the component and the task or ingest
// session into a short prefix. TeeLogger mirrors a logger onto extra
// handlers, WithContext stamps IDs carried in a context, and ProgressSampler
// thins out progress lines during long acquisitions.
package logging
