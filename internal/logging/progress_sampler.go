package logging

import (
	"math"
	"strings"
)

// ProgressSampler decides which progress updates are worth a log line: the
// first update of a stage, each time the percent reaches the next multiple
// of the step, and completion.
type ProgressSampler struct {
	step  float64
	stage string
	next  float64
	done  bool
}

// NewProgressSampler returns a sampler with the given percent step; a
// non-positive step means 5.
func NewProgressSampler(step float64) *ProgressSampler {
	if step <= 0 {
		step = 5
	}
	s := &ProgressSampler{step: step}
	s.Reset()
	return s
}

// ShouldLog reports whether percent in stage should be logged. A negative
// percent is indeterminate and only logs on stage changes. A nil sampler logs
// everything.
func (s *ProgressSampler) ShouldLog(percent float64, stage string) bool {
	if s == nil {
		return true
	}
	emit := false
	if stage = strings.TrimSpace(stage); stage != "" && stage != s.stage {
		s.Reset()
		s.stage = stage
		emit = true
	}
	if percent < 0 || s.done {
		return emit
	}
	if percent >= 100 {
		s.done = true
		return true
	}
	if percent >= s.next {
		s.next = (math.Floor(percent/s.step) + 1) * s.step
		emit = true
	}
	return emit
}

// Reset forgets the current stage and threshold.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.stage = ""
	s.next = 0
	s.done = false
}
