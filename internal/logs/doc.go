// Package logs reads daemon log files for the CLI: the last N lines, lines
// appended after an offset, and a polling follow mode that survives the
// stemflowd.log pointer moving to a new run's file.
package logs
