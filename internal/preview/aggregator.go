package preview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/astrogo/fitsio"

	"stemflow/internal/arraystore"
	"stemflow/internal/fitsexport"
	"stemflow/internal/frames"
	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// Snapshot is a copy of the aggregate taken under the aggregator lock.
type Snapshot struct {
	Image  arraystore.Image
	Min    float64
	Max    float64
	Frames int
	Inner  float64
	Outer  float64
}

// Aggregator accumulates masked frame sums. The mask and the aggregate share
// one lock. Changing a radius rebuilds the mask but leaves values already
// aggregated untouched.
type Aggregator struct {
	mu       sync.Mutex
	shape    arraystore.Shape4
	inner    float64
	outer    float64
	mask     []bool
	values   []float64
	min      float64
	max      float64
	seeded   bool
	consumed int
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New returns an aggregator for frames of shape with the given annulus.
func New(shape arraystore.Shape4, inner, outer float64, opts ...Option) *Aggregator {
	a := &Aggregator{
		shape:  shape,
		inner:  inner,
		outer:  outer,
		values: make([]float64, shape[0]*shape[1]),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.NewComponentLogger(a.logger, "preview")
	a.mask = AnnulusMask(shape[2], shape[3], inner, outer)
	return a
}

// AnnulusMask marks the detector pixels whose distance r from the detector
// centre (rows/2, cols/2) satisfies inner <= r < outer.
func AnnulusMask(rows, cols int, inner, outer float64) []bool {
	mask := make([]bool, rows*cols)
	ci, cj := float64(rows)/2, float64(cols)/2
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d := math.Hypot(float64(r)-ci, float64(c)-cj)
			mask[r*cols+c] = d >= inner && d < outer
		}
	}
	return mask
}

// SetInnerRadius rebuilds the mask with a new inner radius.
func (a *Aggregator) SetInnerRadius(r float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inner = r
	a.mask = AnnulusMask(a.shape[2], a.shape[3], a.inner, a.outer)
}

// SetOuterRadius rebuilds the mask with a new outer radius.
func (a *Aggregator) SetOuterRadius(r float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outer = r
	a.mask = AnnulusMask(a.shape[2], a.shape[3], a.inner, a.outer)
}

// Radii returns the current annulus.
func (a *Aggregator) Radii() (inner, outer float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner, a.outer
}

// Consume integrates frame over the mask and records the sum at its scan
// position.
//
// The first non-zero sum seeds the minimum. After that, non-zero sums lower
// the minimum by strict comparison; zero sums never do. The maximum starts at
// zero and is raised by strict comparison.
func (a *Aggregator) Consume(frame frames.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(frame.Data) != len(a.mask) {
		return services.Wrap(services.ErrValidation, "preview", "consume",
			fmt.Sprintf("frame has %d elements, mask has %d", len(frame.Data), len(a.mask)), nil)
	}
	i, j := frame.Coord.I, frame.Coord.J
	if i < 0 || i >= a.shape[0] || j < 0 || j >= a.shape[1] {
		return services.Wrap(services.ErrValidation, "preview", "consume", "coordinate "+frame.Coord.String()+" outside scan", nil)
	}

	var sum float64
	for k, v := range frame.Data {
		if a.mask[k] {
			sum += float64(v)
		}
	}
	a.values[i*a.shape[1]+j] = sum
	a.consumed++

	if sum != 0 {
		if !a.seeded {
			a.min = sum
			a.seeded = true
		} else if sum < a.min {
			a.min = sum
		}
	}
	if sum > a.max {
		a.max = sum
	}
	return nil
}

// Snapshot returns a copy of the aggregate and its running extrema.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	im := arraystore.NewImage(a.shape[0], a.shape[1])
	copy(im.Pix, a.values)
	return Snapshot{
		Image:  im,
		Min:    a.min,
		Max:    a.max,
		Frames: a.consumed,
		Inner:  a.inner,
		Outer:  a.outer,
	}
}

// Reset clears the aggregate and extrema, keeping the mask.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.values)
	a.min, a.max = 0, 0
	a.seeded = false
	a.consumed = 0
}

// Run consumes frames from in until it is closed or ctx ends. Frames that
// fail validation are logged and skipped.
func (a *Aggregator) Run(ctx context.Context, in <-chan frames.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.Consume(frame); err != nil {
				a.logger.Warn("preview frame skipped",
					logging.String("coord", frame.Coord.String()),
					logging.String(logging.FieldEventType, "preview_frame_skipped"),
					logging.Error(err),
				)
			}
		}
	}
}

// WriteFITS exports snap as a FITS image with the annulus and extrema in the
// header.
func WriteFITS(w io.Writer, snap Snapshot) error {
	cards := []fitsio.Card{
		{Name: "INNER", Value: snap.Inner, Comment: "annulus inner radius (px)"},
		{Name: "OUTER", Value: snap.Outer, Comment: "annulus outer radius (px)"},
		{Name: "DATAMIN", Value: snap.Min, Comment: "running minimum"},
		{Name: "DATAMAX", Value: snap.Max, Comment: "running maximum"},
		{Name: "NFRAMES", Value: snap.Frames, Comment: "frames aggregated"},
	}
	return fitsexport.Write(w, snap.Image, cards)
}
