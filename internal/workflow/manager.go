package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/task"
)

const defaultHistoryLimit = 500

// Observer receives task snapshots from the executor goroutine. Observers
// must return quickly.
type Observer interface {
	TaskUpdated(task.Info)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(task.Info)

func (f ObserverFunc) TaskUpdated(info task.Info) { f(info) }

// Journal persists task snapshots.
type Journal interface {
	Record(ctx context.Context, info task.Info) error
}

// Manager runs tasks one at a time in arrival order.
type Manager struct {
	logger       *slog.Logger
	hub          *events.Hub
	journal      Journal
	tracer       trace.Tracer
	historyLimit int
	bucket       float64

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	waiting   []*task.Task
	current   *task.Task
	known     map[string]*task.Task
	order     []string
	observers []Observer
	changed   chan struct{}
	wake      chan struct{}
	lastErr   error
	counts    map[task.State]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHub republishes task updates as events.
func WithHub(hub *events.Hub) Option {
	return func(m *Manager) { m.hub = hub }
}

// WithJournal persists every state change.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithHistoryLimit bounds how many finished tasks stay queryable.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// WithProgressBucket sets the percent step between progress log lines.
func WithProgressBucket(percent float64) Option {
	return func(m *Manager) { m.bucket = percent }
}

// NewManager constructs a stopped manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		historyLimit: defaultHistoryLimit,
		known:        make(map[string]*task.Task),
		changed:      make(chan struct{}),
		wake:         make(chan struct{}, 1),
		counts:       make(map[task.State]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(logger, "task-manager")
	if m.tracer == nil {
		m.tracer = otel.Tracer("stemflow/workflow")
	}
	return m
}

// AddObserver registers an observer.
func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// AddTask appends t to the waiting queue. A running manager with no
// submitted task picks it up immediately.
func (m *Manager) AddTask(t *task.Task) error {
	if t == nil {
		return services.Wrap(services.ErrValidation, "task-manager", "add task", "nil task", nil)
	}
	m.mu.Lock()
	if _, dup := m.known[t.ID()]; dup {
		m.mu.Unlock()
		return services.Wrap(services.ErrAlreadyExists, "task-manager", "add task", t.ID(), nil)
	}
	if err := t.Transition(task.StateWaiting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.waiting = append(m.waiting, t)
	m.known[t.ID()] = t
	m.order = append(m.order, t.ID())
	m.signalLocked()
	m.mu.Unlock()

	info := t.Info()
	m.taskLogger(info).Info("task queued", logging.Int("steps", info.Steps))
	m.dispatch(context.Background(), info, true)
	m.poke()
	return nil
}

// Cancel cancels a waiting task immediately or asks the submitted task to
// abort at its next checkpoint. It reports the state the task is in, or will
// resolve to.
func (m *Manager) Cancel(id string) (task.State, error) {
	m.mu.Lock()
	for idx, t := range m.waiting {
		if t.ID() != id {
			continue
		}
		m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
		if err := t.Transition(task.StateCancelled); err != nil {
			m.mu.Unlock()
			return t.State(), err
		}
		m.counts[task.StateCancelled]++
		m.signalLocked()
		m.mu.Unlock()

		info := t.Info()
		m.taskLogger(info).Info("task cancelled before execution")
		m.dispatch(context.Background(), info, true)
		m.trimHistory()
		return task.StateCancelled, nil
	}
	if m.current != nil && m.current.ID() == id {
		current := m.current
		m.mu.Unlock()
		current.RequestCancel()
		m.taskLogger(current.Info()).Info("task cancellation requested")
		return task.StateAborted, nil
	}
	t, ok := m.known[id]
	m.mu.Unlock()
	if ok {
		return t.State(), services.Wrap(services.ErrValidation, "task-manager", "cancel", "task "+id+" already "+string(t.State()), nil)
	}
	return "", services.Wrap(services.ErrNotFound, "task-manager", "cancel", id, nil)
}

// Task returns a snapshot of a known task.
func (m *Manager) Task(id string) (task.Info, bool) {
	m.mu.RLock()
	t, ok := m.known[id]
	m.mu.RUnlock()
	if !ok {
		return task.Info{}, false
	}
	return t.Info(), true
}

// Tasks returns snapshots of every known task in arrival order.
func (m *Manager) Tasks() []task.Info {
	m.mu.RLock()
	tasks := make([]*task.Task, 0, len(m.order))
	for _, id := range m.order {
		if t, ok := m.known[id]; ok {
			tasks = append(tasks, t)
		}
	}
	m.mu.RUnlock()
	out := make([]task.Info, len(tasks))
	for i, t := range tasks {
		out[i] = t.Info()
	}
	return out
}

// Waiting returns the queue in execution order.
func (m *Manager) Waiting() []task.Info {
	m.mu.RLock()
	tasks := append([]*task.Task(nil), m.waiting...)
	m.mu.RUnlock()
	out := make([]task.Info, len(tasks))
	for i, t := range tasks {
		out[i] = t.Info()
	}
	return out
}

// Current returns the submitted task, if any.
func (m *Manager) Current() (task.Info, bool) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current == nil {
		return task.Info{}, false
	}
	return current.Info(), true
}

// WaitIdle blocks until nothing is waiting or submitted, or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.RLock()
		idle := len(m.waiting) == 0 && m.current == nil
		changed := m.changed
		m.mu.RUnlock()
		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// trimHistory forgets the oldest finished tasks beyond the history limit.
func (m *Manager) trimHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	excess := len(m.order) - m.historyLimit
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		t := m.known[id]
		if excess > 0 && t != nil && t.State().Terminal() {
			delete(m.known, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

var errManagerRunning = errors.New("task manager already running")
