// Package task defines the schedulable unit of work: an optional prepare
// step, an ordered list of labelled subtasks and an optional follow step,
// run sequentially with progress reporting and cooperative cancellation.
//
// Cancellation is checked between steps. A subtask already running is not
// interrupted; it only observes cancellation through its context if it
// chooses to.
package task
