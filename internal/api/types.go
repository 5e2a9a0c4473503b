package api

import "stemflow/internal/events"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TaskView describes a task in a transport-friendly format.
type TaskView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Comment     string `json:"comment,omitempty"`
	State       string `json:"state"`
	StateLabel  string `json:"stateLabel"`
	Progress    int    `json:"progress"`
	HasProgress bool   `json:"hasProgress"`
	Step        string `json:"step,omitempty"`
	StepIndex   int    `json:"stepIndex"`
	Steps       int    `json:"steps"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	FinishedAt  string `json:"finishedAt,omitempty"`
}

// WorkflowStatus summarizes task manager state.
type WorkflowStatus struct {
	Running   bool           `json:"running"`
	Waiting   int            `json:"waiting"`
	Current   *TaskView      `json:"current,omitempty"`
	Finished  map[string]int `json:"finished"`
	LastError string         `json:"lastError,omitempty"`
}

// IngestStatus describes the current or most recent acquisition session.
type IngestStatus struct {
	SessionID     string `json:"sessionId"`
	StorePath     string `json:"storePath"`
	Dataset       string `json:"dataset"`
	RawPath       string `json:"rawPath,omitempty"`
	State         string `json:"state"`
	Paused        bool   `json:"paused"`
	Shape         [4]int `json:"shape"`
	FramesTotal   int64  `json:"framesTotal"`
	FramesRead    int64  `json:"framesRead"`
	FramesWritten int64  `json:"framesWritten"`
	PreviewFrames int64  `json:"previewFrames"`
	PreviewDrops  int64  `json:"previewDrops"`
	StartedAt     string `json:"startedAt,omitempty"`
	EndedAt       string `json:"endedAt,omitempty"`
	Error         string `json:"error,omitempty"`
}

// CheckResult mirrors one preflight check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	LockFilePath string         `json:"lockFilePath"`
	JournalPath  string         `json:"journalPath,omitempty"`
	Workflow     WorkflowStatus `json:"workflow"`
	Ingest       *IngestStatus  `json:"ingest,omitempty"`
	Preflight    []CheckResult  `json:"preflight"`
}

// IngestRequest starts an acquisition session.
type IngestRequest struct {
	RawPath        string `json:"rawPath"`
	DescriptorPath string `json:"descriptorPath,omitempty"`
	// Store is a store name resolved under the data directory, or a path.
	Store   string `json:"store"`
	Dataset string `json:"dataset,omitempty"`
	// Preview overrides the configured preview toggle when set.
	Preview     *bool    `json:"preview,omitempty"`
	InnerRadius *float64 `json:"innerRadius,omitempty"`
	OuterRadius *float64 `json:"outerRadius,omitempty"`
}

// ReconstructRequest enqueues a derived-image task.
type ReconstructRequest struct {
	Store string `json:"store"`
	// Kind is virtual-image, export-fits or a kernel name.
	Kind        string   `json:"kind"`
	Inputs      []string `json:"inputs"`
	Output      string   `json:"output,omitempty"`
	Dest        string   `json:"dest,omitempty"`
	InnerRadius float64  `json:"innerRadius,omitempty"`
	OuterRadius float64  `json:"outerRadius,omitempty"`
}

// TaskListResponse wraps a collection of tasks.
type TaskListResponse struct {
	Tasks []TaskView `json:"tasks"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task TaskView `json:"task"`
}

// CancelResponse reports the state a cancelled task is in or will reach.
type CancelResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// EventsResponse carries hub events and the cursor for the next fetch.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// PreviewResponse is a copy of the live preview image.
type PreviewResponse struct {
	Rows        int       `json:"rows"`
	Cols        int       `json:"cols"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Frames      int       `json:"frames"`
	InnerRadius float64   `json:"innerRadius"`
	OuterRadius float64   `json:"outerRadius"`
	Pix         []float64 `json:"pix"`
}

// PreviewRadiiRequest changes the preview annulus.
type PreviewRadiiRequest struct {
	InnerRadius *float64 `json:"innerRadius,omitempty"`
	OuterRadius *float64 `json:"outerRadius,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
