package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/task"
)

// Start launches the executor goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errManagerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(runCtx)
	m.poke()
	return nil
}

// Stop asks the submitted task to abort, terminates the executor and waits
// for it. Waiting tasks stay queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	current := m.current
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if current != nil {
		current.RequestCancel()
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t := m.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
			continue
		}
		m.execute(ctx, t)
	}
}

// next pops the head of the queue and marks it submitted.
func (m *Manager) next() *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.waiting) > 0 {
		t := m.waiting[0]
		m.waiting = m.waiting[1:]
		if err := t.Transition(task.StateSubmitted); err != nil {
			m.logger.Warn("skipping task that cannot be submitted",
				logging.String(logging.FieldTaskID, t.ID()),
				logging.String(logging.FieldEventType, "task_submit_rejected"),
				logging.Error(err),
			)
			continue
		}
		m.current = t
		m.signalLocked()
		return t
	}
	return nil
}

func (m *Manager) execute(ctx context.Context, t *task.Task) {
	info := t.Info()
	logger := m.taskLogger(info)
	ctx = services.WithTaskID(ctx, t.ID())

	ctx, span := m.tracer.Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task_id", t.ID()),
			attribute.String("task_name", t.Name()),
			attribute.Int("steps", info.Steps),
		))
	defer span.End()

	sampler := logging.NewProgressSampler(m.bucket)
	lastState := info.State
	notify := func(update task.Info) {
		stateChanged := update.State != lastState
		lastState = update.State
		if update.HasProgress && update.State == task.StateSubmitted && sampler.ShouldLog(float64(update.Progress), update.Step) {
			logger.Info("task progress",
				logging.String(logging.FieldStage, update.Step),
				logging.Int("progress", update.Progress),
			)
		}
		m.dispatch(ctx, update, stateChanged)
	}

	logger.Info("task started")
	m.dispatch(ctx, info, true)

	final := m.runGuarded(ctx, t, notify, logger)

	result := t.Info()
	span.SetAttributes(attribute.String("state", string(final)))
	switch final {
	case task.StateCompleted:
		logger.Info("task completed", logging.Duration("elapsed", result.Finished.Sub(result.Started)))
	case task.StateAborted:
		logger.Info("task aborted", logging.String(logging.FieldStage, result.Step))
	case task.StateExcepted:
		err := t.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Error)
		m.setLastError(err)
		m.logFailure(logger, result, err)
	}

	m.mu.Lock()
	m.current = nil
	m.counts[final]++
	m.signalLocked()
	m.mu.Unlock()
	m.trimHistory()
}

// runGuarded runs the task and converts a panic escaping the task runner
// into StateExcepted with the panic attached, so the executor survives.
func (m *Manager) runGuarded(ctx context.Context, t *task.Task, notify func(task.Info), logger *slog.Logger) (final task.State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task runner panicked",
				logging.String(logging.FieldEventType, "task_runner_panic"),
				logging.String("panic", fmt.Sprint(r)),
			)
			final = t.Fail(&task.PanicError{Step: "runner", Value: r, Stack: debug.Stack()})
		}
	}()
	return t.Run(ctx, notify)
}

func (m *Manager) logFailure(logger *slog.Logger, info task.Info, err error) {
	attrs := []logging.Attr{
		logging.String(logging.FieldStage, info.Step),
		logging.String(logging.FieldErrorKind, services.Kind(err)),
		logging.String(logging.FieldErrorHint, "inspect the task error; the manager continues with the next task"),
		logging.Alert("task_excepted"),
		logging.Error(err),
	}
	var panicErr *task.PanicError
	if errors.As(err, &panicErr) {
		attrs = append(attrs, logging.Stack(panicErr.Stack))
	}
	logging.ErrorWithContext(logger, "task failed", "task_excepted", attrs...)
}

func (m *Manager) taskLogger(info task.Info) *slog.Logger {
	return m.logger.With(
		logging.String(logging.FieldTaskID, info.ID),
		logging.String(logging.FieldTaskName, info.Name),
	)
}
