// Package workflow schedules Tasks.
//
// The Manager owns a FIFO waiting queue and a single executor goroutine, so
// at most one task is submitted at any time. Tasks still waiting can be
// cancelled outright; a submitted task is asked to stop and aborts at its
// next checkpoint. Failures inside a task, including panics, resolve that
// task to StateExcepted and never stop the executor.
//
// Every step boundary, progress report and state change is republished to
// registered observers, to the event hub and, when configured, to the task
// journal.
package workflow
