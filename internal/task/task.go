package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Func is the body of a prepare, subtask or follow step. Subtasks may call
// Reporter.Report with the completed fraction of their own work.
type Func func(ctx context.Context, r Reporter) error

// Reporter receives fractional progress, in [0,1], for the running step.
type Reporter interface {
	Report(fraction float64)
}

// Subtask is one labelled step.
type Subtask struct {
	Label string
	Run   Func
}

// PanicError carries a panic recovered from a step.
type PanicError struct {
	Step  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Step, e.Value)
}

// ErrAborted is recorded on tasks that stop at a cancellation checkpoint.
var ErrAborted = errors.New("task aborted")

// Info is a point-in-time copy of a task's observable fields.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Comment     string    `json:"comment,omitempty"`
	State       State     `json:"state"`
	Progress    int       `json:"progress"`
	HasProgress bool      `json:"has_progress"`
	Step        string    `json:"step,omitempty"`
	StepIndex   int       `json:"step_index"`
	Steps       int       `json:"steps"`
	Error       string    `json:"error,omitempty"`
	Created     time.Time `json:"created"`
	Started     time.Time `json:"started,omitzero"`
	Finished    time.Time `json:"finished,omitzero"`
}

// Task is one schedulable unit of work. Build it with New and the setters,
// then hand it to a scheduler; a task runs at most once.
type Task struct {
	id      string
	name    string
	comment string

	mu          sync.Mutex
	subtasks    []Subtask
	prepare     Func
	follow      Func
	hasProgress bool
	state       State
	progress    int
	step        string
	stepIndex   int
	err         error
	cancelled   bool
	cancelRun   context.CancelFunc
	created     time.Time
	started     time.Time
	finished    time.Time
}

// Option configures a Task.
type Option func(*Task)

// WithComment attaches free text shown next to the name.
func WithComment(comment string) Option {
	return func(t *Task) { t.comment = comment }
}

// WithSubtask appends a subtask.
func WithSubtask(label string, fn Func) Option {
	return func(t *Task) { t.subtasks = append(t.subtasks, Subtask{Label: label, Run: fn}) }
}

// WithoutProgress marks the task indeterminate, for work that cannot report
// a meaningful fraction.
func WithoutProgress() Option {
	return func(t *Task) { t.hasProgress = false }
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(t *Task) {
		if id != "" {
			t.id = id
		}
	}
}

// New returns an initialized task.
func New(name string, opts ...Option) *Task {
	t := &Task{
		id:          uuid.NewString(),
		name:        name,
		hasProgress: true,
		state:       StateInitialized,
		stepIndex:   -1,
		created:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddSubtask appends a subtask. It fails once the task has left
// StateInitialized.
func (t *Task) AddSubtask(label string, fn Func) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInitialized {
		return fmt.Errorf("task %s: cannot add subtask in state %s", t.id, t.state)
	}
	t.subtasks = append(t.subtasks, Subtask{Label: label, Run: fn})
	return nil
}

// SetPrepare registers a step run once before the first subtask.
func (t *Task) SetPrepare(fn Func) {
	t.mu.Lock()
	t.prepare = fn
	t.mu.Unlock()
}

// SetFollow registers a step run once after the last subtask, only when all
// subtasks succeeded.
func (t *Task) SetFollow(fn Func) {
	t.mu.Lock()
	t.follow = fn
	t.mu.Unlock()
}

func (t *Task) ID() string      { return t.id }
func (t *Task) Name() string    { return t.name }
func (t *Task) Comment() string { return t.comment }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the percent complete and whether it is meaningful. It is
// indeterminate for tasks built WithoutProgress.
func (t *Task) Progress() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.hasProgress
}

func (t *Task) HasProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasProgress
}

// Err returns the error captured when the task reached StateExcepted.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// CancelRequested reports whether RequestCancel was called.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Info returns a copy of the observable fields.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *Task) infoLocked() Info {
	info := Info{
		ID:          t.id,
		Name:        t.name,
		Comment:     t.comment,
		State:       t.state,
		Progress:    t.progress,
		HasProgress: t.hasProgress,
		Step:        t.step,
		StepIndex:   t.stepIndex,
		Steps:       len(t.subtasks),
		Created:     t.created,
		Started:     t.started,
		Finished:    t.finished,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// Transition moves the task to a new state, rejecting illegal edges.
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to State) error {
	if err := validateTransition(t.state, to); err != nil {
		return err
	}
	t.state = to
	now := time.Now().UTC()
	switch {
	case to == StateSubmitted:
		t.started = now
	case to.Terminal():
		t.finished = now
	}
	return nil
}

// Fail moves a submitted task to StateExcepted with err attached and returns
// the resulting state. Tasks that already finished keep their state.
func (t *Task) Fail(err error) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelRun = nil
	if t.state == StateSubmitted {
		t.err = err
		_ = t.transitionLocked(StateExcepted)
	}
	return t.state
}

// RequestCancel asks a submitted task to stop at its next checkpoint and
// cancels the context passed to its steps. It reports false for tasks that
// already finished.
func (t *Task) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.cancelled = true
	if t.cancelRun != nil {
		t.cancelRun()
	}
	return true
}

// Run executes a submitted task to a terminal state and returns it. notify,
// when non-nil, receives an Info after every step boundary and progress
// report. Panics in steps or in notify are recovered and resolve to
// StateExcepted with a *PanicError attached.
func (t *Task) Run(ctx context.Context, notify func(Info)) (final State) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.state != StateSubmitted {
		state := t.state
		t.mu.Unlock()
		return state
	}
	t.cancelRun = cancel
	if t.cancelled {
		cancel()
	}
	prepare, follow := t.prepare, t.follow
	subtasks := append([]Subtask(nil), t.subtasks...)
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			final = t.Fail(&PanicError{Step: "notify", Value: r, Stack: debug.Stack()})
		}
	}()

	if notify == nil {
		notify = func(Info) {}
	}
	err := t.execute(runCtx, prepare, subtasks, follow, notify)

	t.mu.Lock()
	t.cancelRun = nil
	var to State
	switch {
	case err == nil:
		to = StateCompleted
		if t.hasProgress {
			t.progress = 100
		}
	case errors.Is(err, ErrAborted):
		to = StateAborted
	case t.cancelled && errors.Is(err, context.Canceled):
		to = StateAborted
	default:
		to = StateExcepted
		t.err = err
	}
	_ = t.transitionLocked(to)
	info := t.infoLocked()
	t.mu.Unlock()

	notify(info)
	return to
}

func (t *Task) execute(ctx context.Context, prepare Func, subtasks []Subtask, follow Func, notify func(Info)) error {
	if prepare != nil {
		if err := t.checkpoint(); err != nil {
			return err
		}
		t.enterStep("prepare", -1, notify)
		if err := t.call(ctx, "prepare", prepare, nil); err != nil {
			return err
		}
	}
	n := len(subtasks)
	for idx, sub := range subtasks {
		if err := t.checkpoint(); err != nil {
			return err
		}
		t.enterStep(sub.Label, idx, notify)
		rep := &stepReporter{task: t, index: idx, count: n, notify: notify}
		if err := t.call(ctx, sub.Label, sub.Run, rep); err != nil {
			return err
		}
		t.advance(float64(idx+1)/float64(n), notify)
	}
	if follow != nil {
		if err := t.checkpoint(); err != nil {
			return err
		}
		t.enterStep("follow", n, notify)
		if err := t.call(ctx, "follow", follow, nil); err != nil {
			return err
		}
	}
	// A cancel accepted while the last step ran still aborts the task.
	return t.checkpoint()
}

func (t *Task) checkpoint() error {
	if t.CancelRequested() {
		return ErrAborted
	}
	return nil
}

func (t *Task) call(ctx context.Context, label string, fn Func, rep Reporter) (err error) {
	if fn == nil {
		return nil
	}
	if rep == nil {
		rep = noopReporter{}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: label, Value: r, Stack: debug.Stack()}
		}
	}()
	if err := fn(ctx, rep); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

func (t *Task) enterStep(label string, index int, notify func(Info)) {
	t.mu.Lock()
	t.step = label
	t.stepIndex = index
	info := t.infoLocked()
	t.mu.Unlock()
	notify(info)
}

// advance raises progress to fraction of the whole task. Progress never
// decreases.
func (t *Task) advance(fraction float64, notify func(Info)) {
	percent := int(min(max(fraction, 0), 1) * 100)
	t.mu.Lock()
	if !t.hasProgress || percent <= t.progress {
		t.mu.Unlock()
		return
	}
	t.progress = percent
	info := t.infoLocked()
	t.mu.Unlock()
	notify(info)
}

type stepReporter struct {
	task   *Task
	index  int
	count  int
	notify func(Info)
}

func (r *stepReporter) Report(fraction float64) {
	fraction = min(max(fraction, 0), 1)
	r.task.advance((float64(r.index)+fraction)/float64(r.count), r.notify)
}

type noopReporter struct{}

func (noopReporter) Report(float64) {}
