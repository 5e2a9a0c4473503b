package api

import (
	"testing"
	"time"

	"stemflow/internal/task"
	"stemflow/internal/workflow"
)

func TestFromTaskInfo(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	view := FromTaskInfo(task.Info{
		ID:          "abc",
		Name:        "virtual image",
		State:       task.StateSubmitted,
		Progress:    40,
		HasProgress: true,
		Step:        "integrate",
		Steps:       2,
		Created:     created,
	})
	if view.State != "submitted" || view.StateLabel != "Submitted" {
		t.Fatalf("unexpected state fields %q %q", view.State, view.StateLabel)
	}
	if view.CreatedAt != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("unexpected created timestamp %q", view.CreatedAt)
	}
	if view.StartedAt != "" || view.FinishedAt != "" {
		t.Fatalf("zero timestamps should be omitted, got %q %q", view.StartedAt, view.FinishedAt)
	}
}

func TestFromStatusSummary(t *testing.T) {
	current := task.Info{ID: "cur", Name: "export fits", State: task.StateSubmitted}
	status := FromStatusSummary(workflow.StatusSummary{
		Running:   true,
		Waiting:   2,
		Current:   &current,
		Finished:  map[task.State]int{task.StateCompleted: 3, task.StateExcepted: 1},
		LastError: "boom",
	})
	if !status.Running || status.Waiting != 2 || status.LastError != "boom" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Current == nil || status.Current.ID != "cur" {
		t.Fatalf("expected current task, got %+v", status.Current)
	}
	if status.Finished["completed"] != 3 || status.Finished["excepted"] != 1 {
		t.Fatalf("unexpected finished counts %v", status.Finished)
	}
}
