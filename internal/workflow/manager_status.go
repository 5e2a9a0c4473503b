package workflow

import (
	"context"
	"fmt"
	"runtime/debug"

	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/task"
)

// StatusSummary captures the manager's runtime state.
type StatusSummary struct {
	Running   bool               `json:"running"`
	Current   *task.Info         `json:"current,omitempty"`
	Waiting   int                `json:"waiting"`
	Finished  map[task.State]int `json:"finished"`
	LastError string             `json:"last_error,omitempty"`
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Waiting:  len(m.waiting),
		Finished: make(map[task.State]int, len(m.counts)),
	}
	for state, n := range m.counts {
		summary.Finished[state] = n
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	current := m.current
	m.mu.RUnlock()

	if current != nil {
		info := current.Info()
		summary.Current = &info
	}
	return summary
}

// dispatch fans one task update out to observers, the hub and, on state
// changes, the journal.
func (m *Manager) dispatch(ctx context.Context, info task.Info, stateChanged bool) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		m.notifyGuarded("observer", info, func() { o.TaskUpdated(info) })
	}

	if m.hub != nil {
		evt := events.Event{
			Type:          events.TypeTaskProgress,
			TaskID:        info.ID,
			TaskName:      info.Name,
			State:         string(info.State),
			Stage:         info.Step,
			Progress:      info.Progress,
			Indeterminate: !info.HasProgress,
			Error:         info.Error,
		}
		if stateChanged {
			evt.Type = events.TypeTaskState
		}
		m.notifyGuarded("event hub", info, func() { m.hub.Publish(evt) })
	}

	if stateChanged && m.journal != nil {
		if err := m.journal.Record(context.WithoutCancel(ctx), info); err != nil {
			logging.WarnWithContext(m.logger, "task journal write failed", "journal_write_failed",
				logging.String(logging.FieldTaskID, info.ID),
				logging.String(logging.FieldState, string(info.State)),
				logging.String(logging.FieldImpact, "task history may be incomplete after restart"),
				logging.Error(err),
			)
		}
	}
}

// notifyGuarded runs one fan-out call, logging a panic instead of letting it
// reach the executor.
func (m *Manager) notifyGuarded(target string, info task.Info, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(m.logger, "task update delivery panicked", "task_notify_panic",
				logging.String(logging.FieldTaskID, info.ID),
				logging.String(logging.FieldState, string(info.State)),
				logging.String("target", target),
				logging.String("panic", fmt.Sprint(r)),
				logging.Stack(debug.Stack()),
				logging.String(logging.FieldErrorHint, "fix the observer; other observers still received the update"),
			)
		}
	}()
	fn()
}
