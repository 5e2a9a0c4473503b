package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func submitted(t *testing.T, tk *Task) *Task {
	t.Helper()
	require.NoError(t, tk.Transition(StateWaiting))
	require.NoError(t, tk.Transition(StateSubmitted))
	return tk
}

func recordStep(trace *[]string, label string) Func {
	return func(context.Context, Reporter) error {
		*trace = append(*trace, label)
		return nil
	}
}

func TestRunOrderPrepareSubtasksFollow(t *testing.T) {
	var trace []string
	tk := New("ordered",
		WithSubtask("a", recordStep(&trace, "a")),
		WithSubtask("b", recordStep(&trace, "b")),
	)
	tk.SetPrepare(recordStep(&trace, "prepare"))
	tk.SetFollow(recordStep(&trace, "follow"))
	submitted(t, tk)

	require.Equal(t, StateCompleted, tk.Run(context.Background(), nil))
	require.Equal(t, []string{"prepare", "a", "b", "follow"}, trace)
	progress, ok := tk.Progress()
	require.True(t, ok)
	require.Equal(t, 100, progress)
	require.NoError(t, tk.Err())
	require.False(t, tk.Info().Finished.IsZero())
}

func TestFailingSubtaskExceptsAndSkipsFollow(t *testing.T) {
	boom := errors.New("kernel failed")
	var trace []string
	tk := New("failing",
		WithSubtask("first", recordStep(&trace, "first")),
		WithSubtask("second", func(context.Context, Reporter) error { return boom }),
		WithSubtask("third", recordStep(&trace, "third")),
	)
	followed := false
	tk.SetFollow(func(context.Context, Reporter) error {
		followed = true
		return nil
	})
	submitted(t, tk)

	require.Equal(t, StateExcepted, tk.Run(context.Background(), nil))
	require.Equal(t, StateExcepted, tk.State())
	require.False(t, followed, "follow must not run after a failure")
	require.Equal(t, []string{"first"}, trace)
	require.Error(t, tk.Err())
	require.ErrorIs(t, tk.Err(), boom)
	require.Contains(t, tk.Info().Error, "second")
}

func TestPanicIsCapturedAsExcepted(t *testing.T) {
	tk := submitted(t, New("panicky", WithSubtask("explode", func(context.Context, Reporter) error {
		panic("index out of range")
	})))

	require.Equal(t, StateExcepted, tk.Run(context.Background(), nil))
	var panicErr *PanicError
	require.ErrorAs(t, tk.Err(), &panicErr)
	require.Equal(t, "explode", panicErr.Step)
	require.NotEmpty(t, panicErr.Stack)
}

func TestPrepareFailureExcepts(t *testing.T) {
	ran := false
	tk := New("bad prepare", WithSubtask("never", func(context.Context, Reporter) error {
		ran = true
		return nil
	}))
	tk.SetPrepare(func(context.Context, Reporter) error { return errors.New("no input") })
	submitted(t, tk)

	require.Equal(t, StateExcepted, tk.Run(context.Background(), nil))
	require.False(t, ran)
}

func TestCancelStopsAtNextCheckpoint(t *testing.T) {
	var trace []string
	var tk *Task
	tk = New("cancelled mid-way",
		WithSubtask("first", func(context.Context, Reporter) error {
			trace = append(trace, "first")
			tk.RequestCancel()
			return nil
		}),
		WithSubtask("second", recordStep(&trace, "second")),
	)
	followed := false
	tk.SetFollow(func(context.Context, Reporter) error {
		followed = true
		return nil
	})
	submitted(t, tk)

	require.Equal(t, StateAborted, tk.Run(context.Background(), nil))
	require.Equal(t, []string{"first"}, trace, "the running subtask finishes, the next one never starts")
	require.False(t, followed)
	require.NoError(t, tk.Err())
	require.False(t, tk.RequestCancel(), "terminal tasks cannot be cancelled")
}

func TestCancelDuringLastSubtaskAborts(t *testing.T) {
	var tk *Task
	tk = New("opaque", WithoutProgress(), WithSubtask("solve", func(context.Context, Reporter) error {
		tk.RequestCancel()
		return nil
	}))
	submitted(t, tk)

	require.Equal(t, StateAborted, tk.Run(context.Background(), nil))
	require.NoError(t, tk.Err())
}

func TestCancelDuringFollowAborts(t *testing.T) {
	var tk *Task
	tk = New("with follow", WithSubtask("work", func(context.Context, Reporter) error { return nil }))
	tk.SetFollow(func(context.Context, Reporter) error {
		tk.RequestCancel()
		return nil
	})
	submitted(t, tk)

	require.Equal(t, StateAborted, tk.Run(context.Background(), nil))
}

func TestNotifyPanicIsCapturedAsExcepted(t *testing.T) {
	var trace []string
	tk := submitted(t, New("observed",
		WithSubtask("first", recordStep(&trace, "first")),
		WithSubtask("second", recordStep(&trace, "second")),
	))

	state := tk.Run(context.Background(), func(info Info) {
		if info.Step == "second" && info.State == StateSubmitted {
			panic("observer failed")
		}
	})

	require.Equal(t, StateExcepted, state)
	require.Equal(t, StateExcepted, tk.State())
	require.Equal(t, []string{"first"}, trace)
	var panicErr *PanicError
	require.ErrorAs(t, tk.Err(), &panicErr)
	require.Equal(t, "notify", panicErr.Step)
	require.Contains(t, tk.Info().Error, "observer failed")
	require.False(t, tk.RequestCancel(), "excepted tasks are terminal")
}

func TestFailOnlyAffectsSubmittedTasks(t *testing.T) {
	tk := New("idle")
	require.Equal(t, StateInitialized, tk.Fail(errors.New("boom")))
	require.NoError(t, tk.Err())

	submitted(t, tk)
	require.Equal(t, StateExcepted, tk.Fail(errors.New("boom")))
	require.EqualError(t, tk.Err(), "boom")
	require.Equal(t, StateExcepted, tk.Fail(errors.New("again")))
	require.EqualError(t, tk.Err(), "boom")
}

func TestCooperativeSubtaskObservesContext(t *testing.T) {
	var tk *Task
	tk = New("cooperative", WithSubtask("loop", func(ctx context.Context, _ Reporter) error {
		tk.RequestCancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	submitted(t, tk)
	require.Equal(t, StateAborted, tk.Run(context.Background(), nil))
}

func TestProgressIsMonotonicAndFractional(t *testing.T) {
	var seen []int
	tk := New("progress",
		WithSubtask("a", func(_ context.Context, r Reporter) error {
			r.Report(0.5)
			r.Report(0.25)
			return nil
		}),
		WithSubtask("b", func(_ context.Context, r Reporter) error {
			r.Report(2)
			return nil
		}),
	)
	submitted(t, tk)
	tk.Run(context.Background(), func(info Info) { seen = append(seen, info.Progress) })

	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	require.Contains(t, seen, 25)
	require.Contains(t, seen, 50)
	require.Equal(t, 100, seen[len(seen)-1])
}

func TestIndeterminateTask(t *testing.T) {
	tk := submitted(t, New("opaque", WithoutProgress(), WithSubtask("solve", func(_ context.Context, r Reporter) error {
		r.Report(0.9)
		return nil
	})))
	require.Equal(t, StateCompleted, tk.Run(context.Background(), nil))
	progress, ok := tk.Progress()
	require.False(t, ok)
	require.Equal(t, 0, progress)
}

func TestTransitions(t *testing.T) {
	tk := New("transitions")
	require.Error(t, tk.Transition(StateSubmitted), "must wait before submission")
	require.NoError(t, tk.Transition(StateWaiting))
	require.Error(t, tk.AddSubtask("late", nil))
	require.NoError(t, tk.Transition(StateCancelled))
	require.Error(t, tk.Transition(StateWaiting), "terminal states never re-enter the queue")
	require.Equal(t, StateCancelled, tk.Run(context.Background(), nil), "only submitted tasks run")

	for _, terminal := range []State{StateCompleted, StateAborted, StateExcepted, StateCancelled} {
		require.True(t, terminal.Terminal())
		for _, next := range []State{StateWaiting, StateSubmitted} {
			require.False(t, CanTransition(terminal, next))
		}
	}
	require.Equal(t, "Excepted", StateExcepted.Label())
	_, ok := ParseState("bogus")
	require.False(t, ok)
}
