package api

import (
	"slices"
	"time"

	"stemflow/internal/ingest"
	"stemflow/internal/preflight"
	"stemflow/internal/preview"
	"stemflow/internal/task"
	"stemflow/internal/workflow"
)

// FromTaskInfo converts a task snapshot to its API representation.
func FromTaskInfo(info task.Info) TaskView {
	return TaskView{
		ID:          info.ID,
		Name:        info.Name,
		Comment:     info.Comment,
		State:       string(info.State),
		StateLabel:  info.State.Label(),
		Progress:    info.Progress,
		HasProgress: info.HasProgress,
		Step:        info.Step,
		StepIndex:   info.StepIndex,
		Steps:       info.Steps,
		Error:       info.Error,
		CreatedAt:   formatTime(info.Created),
		StartedAt:   formatTime(info.Started),
		FinishedAt:  formatTime(info.Finished),
	}
}

// FromTaskInfos converts a slice of task snapshots.
func FromTaskInfos(infos []task.Info) []TaskView {
	out := make([]TaskView, len(infos))
	for i, info := range infos {
		out[i] = FromTaskInfo(info)
	}
	return out
}

// FromStatusSummary converts the task manager summary.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Running:   summary.Running,
		Waiting:   summary.Waiting,
		Finished:  make(map[string]int, len(summary.Finished)),
		LastError: summary.LastError,
	}
	for state, n := range summary.Finished {
		status.Finished[string(state)] = n
	}
	if summary.Current != nil {
		view := FromTaskInfo(*summary.Current)
		status.Current = &view
	}
	return status
}

// FromSession converts an ingest session; rawPath and storePath are carried
// alongside because the session does not know them.
func FromSession(s *ingest.Session, storePath, rawPath string) *IngestStatus {
	if s == nil {
		return nil
	}
	stats := s.Stats()
	status := &IngestStatus{
		SessionID:     s.ID(),
		StorePath:     storePath,
		Dataset:       s.Dataset(),
		RawPath:       rawPath,
		State:         string(s.State()),
		Paused:        s.Paused(),
		Shape:         [4]int(s.Shape()),
		FramesTotal:   stats.FramesTotal,
		FramesRead:    stats.FramesRead,
		FramesWritten: stats.FramesWritten,
		PreviewFrames: stats.PreviewFrames,
		PreviewDrops:  stats.PreviewDrops,
		StartedAt:     formatTime(s.Started()),
		EndedAt:       formatTime(s.Ended()),
	}
	if err := s.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// FromPreflight converts preflight results.
func FromPreflight(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, len(results))
	for i, r := range results {
		out[i] = CheckResult{Name: r.Name, Passed: r.Passed, Detail: r.Detail}
	}
	return out
}

// FromSnapshot converts a preview snapshot.
func FromSnapshot(snap preview.Snapshot) PreviewResponse {
	return PreviewResponse{
		Rows:        snap.Image.Rows,
		Cols:        snap.Image.Cols,
		Min:         snap.Min,
		Max:         snap.Max,
		Frames:      snap.Frames,
		InnerRadius: snap.Inner,
		OuterRadius: snap.Outer,
		Pix:         slices.Clone(snap.Image.Pix),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
