package logging_test

import (
	"testing"

	"stemflow/internal/logging"
)

func TestProgressSamplerSequence(t *testing.T) {
	tests := []struct {
		name  string
		step  float64
		calls []struct {
			percent float64
			stage   string
			want    bool
		}
	}{
		{
			name: "buckets of five",
			step: 5,
			calls: []struct {
				percent float64
				stage   string
				want    bool
			}{
				{0, "writing", true},
				{3, "writing", false},
				{5, "writing", true},
				{7.5, "writing", false},
				{12, "writing", true},
				{14, "writing", false},
				{100, "writing", true},
				{100, "writing", false},
			},
		},
		{
			name: "zero step defaults to five",
			step: 0,
			calls: []struct {
				percent float64
				stage   string
				want    bool
			}{
				{1, "kernel", true},
				{4, "kernel", false},
				{5, "kernel", true},
			},
		},
		{
			name: "stage change restarts thresholds",
			step: 10,
			calls: []struct {
				percent float64
				stage   string
				want    bool
			}{
				{50, "reconstruct", true},
				{55, "reconstruct", false},
				{0, " export ", true},
				{5, "export", false},
				{10, "export", true},
			},
		},
		{
			name: "indeterminate logs stage changes only",
			step: 5,
			calls: []struct {
				percent float64
				stage   string
				want    bool
			}{
				{-1, "kernel", true},
				{-1, "kernel", false},
				{-1, "store", true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := logging.NewProgressSampler(tt.step)
			for i, c := range tt.calls {
				if got := s.ShouldLog(c.percent, c.stage); got != c.want {
					t.Fatalf("call %d ShouldLog(%v, %q) = %v, want %v", i, c.percent, c.stage, got, c.want)
				}
			}
		})
	}
}

func TestProgressSamplerResetAndNil(t *testing.T) {
	var nilSampler *logging.ProgressSampler
	if !nilSampler.ShouldLog(50, "writing") {
		t.Fatal("nil sampler should always log")
	}
	nilSampler.Reset()

	s := logging.NewProgressSampler(5)
	s.ShouldLog(50, "writing")
	if s.ShouldLog(51, "writing") {
		t.Fatal("51% should be suppressed after 50%")
	}
	s.Reset()
	if !s.ShouldLog(51, "writing") {
		t.Fatal("reset should allow the next update through")
	}
}
