package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"stemflow/internal/api"
)

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Journal", statusOK, "ok", false)
	if !strings.Contains(line, "Journal:") || !strings.HasSuffix(line, "[OK] ok") {
		t.Fatalf("unexpected line %q", line)
	}
	colored := renderStatusLine("Journal", statusError, "", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected red line, got %q", colored)
	}
}

func TestShouldColorizeNonTerminal(t *testing.T) {
	if shouldColorize(&bytes.Buffer{}) {
		t.Fatal("buffers are never terminals")
	}
}

func TestIngestSummaryShowsPaused(t *testing.T) {
	got := ingestSummary(api.IngestStatus{State: "running", Paused: true, FramesTotal: 10, FramesWritten: 5})
	if got != "paused 5/10 frames (50%)" {
		t.Fatalf("got %q", got)
	}
}

func TestTaskLine(t *testing.T) {
	line := taskLine(api.TaskView{Name: "virtual image", StateLabel: "Submitted", HasProgress: true, Progress: 40, Step: "integrate", StepIndex: 0, Steps: 2})
	if line != "virtual image [Submitted] 40% integrate (1/2)" {
		t.Fatalf("got %q", line)
	}
}

func TestRenderTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderTasks(&buf, []api.TaskView{{
		ID:         "abc",
		Name:       "transpose",
		StateLabel: "Completed",
		CreatedAt:  now.Add(-2 * time.Minute).Format(time.RFC3339),
	}}, now)
	out := buf.String()
	requireContains(t, out, "abc")
	requireContains(t, out, "2 minutes ago")

	buf.Reset()
	renderTasks(&buf, nil, now)
	requireContains(t, buf.String(), "No tasks")
}
