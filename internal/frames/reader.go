package frames

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"stemflow/internal/arraystore"
	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// Frame is one detector readout at one scan position. Frames are not mutated
// after they are sent, so consumers may share them.
type Frame struct {
	Coord arraystore.Coord
	Data  []float32
}

// Reader produces the frames of one acquisition in row-major scan order.
//
// Stream sends every frame to out and closes out before returning, whether
// it finished, failed or was cancelled. Before each frame it waits on the
// gate's reading flag.
type Reader interface {
	Shape() arraystore.Shape4
	Stream(ctx context.Context, out chan<- Frame, gate *Gate) error
}

// ReadError reports a failure reading a specific frame.
type ReadError struct {
	Path  string
	Index int
	Coord arraystore.Coord
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read frame %d %s of %s: %v", e.Index, e.Coord, e.Path, e.Err)
}

func (e *ReadError) Unwrap() []error { return []error{services.ErrReadFailure, e.Err} }

// RawReader streams a flat binary dump of fixed-size frames. Every frame
// after the first is preceded by a fixed-size gap.
type RawReader struct {
	path     string
	raw      arraystore.Shape4
	flipped  bool
	dtype    arraystore.DType
	gapBytes int
	logger   *slog.Logger
}

// RawOption customizes a RawReader.
type RawOption func(*RawReader)

// WithGapBytes overrides the gap between frames.
func WithGapBytes(n int) RawOption {
	return func(r *RawReader) {
		if n >= 0 {
			r.gapBytes = n
		}
	}
}

// WithReaderLogger attaches a logger.
func WithReaderLogger(logger *slog.Logger) RawOption {
	return func(r *RawReader) {
		r.logger = logger
	}
}

// NewRawReader builds a reader for the raw file at path described by meta.
// An undeclared gap falls back to DefaultFrameGapBytes unless WithGapBytes is
// given.
func NewRawReader(path string, meta Metadata, opts ...RawOption) *RawReader {
	r := &RawReader{
		path:     path,
		raw:      meta.RawShape(),
		flipped:  meta.Flipped,
		dtype:    meta.DType,
		gapBytes: meta.GapBytes(DefaultFrameGapBytes),
	}
	if r.dtype == "" {
		r.dtype = arraystore.Float32
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "frame-reader")
	return r
}

// Shape returns the stored shape, with detector axes swapped when frames are
// transposed.
func (r *RawReader) Shape() arraystore.Shape4 {
	if r.flipped {
		return arraystore.Shape4{r.raw[0], r.raw[1], r.raw[3], r.raw[2]}
	}
	return r.raw
}

// ExpectedSize is the minimum raw file size for the declared layout.
func (r *RawReader) ExpectedSize() int64 {
	frames := int64(r.raw.Frames())
	frameBytes := int64(r.raw.FrameLen() * r.dtype.Size())
	return frames*frameBytes + (frames-1)*int64(r.gapBytes)
}

// Stream reads the file once, sequentially.
func (r *RawReader) Stream(ctx context.Context, out chan<- Frame, gate *Gate) error {
	defer close(out)

	f, err := os.Open(r.path)
	if err != nil {
		return services.Wrap(services.ErrReadFailure, "frame-reader", "open", r.path, err)
	}
	defer f.Close()

	size := r.dtype.Size()
	if size == 0 {
		return services.Wrap(services.ErrValidation, "frame-reader", "stream", fmt.Sprintf("unsupported element type %q", r.dtype), nil)
	}
	br := bufio.NewReaderSize(f, 1<<20)
	buf := make([]byte, r.raw.FrameLen()*size)
	index := 0
	for i := 0; i < r.raw[0]; i++ {
		for j := 0; j < r.raw[1]; j++ {
			coord := arraystore.Coord{I: i, J: j}
			if err := gate.WaitReading(ctx); err != nil {
				return err
			}
			if index > 0 && r.gapBytes > 0 {
				if _, err := br.Discard(r.gapBytes); err != nil {
					return r.readError(index, coord, err)
				}
			}
			if _, err := io.ReadFull(br, buf); err != nil {
				return r.readError(index, coord, err)
			}
			frame := Frame{Coord: coord, Data: r.decode(buf)}
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
			index++
		}
	}
	r.logger.Debug("raw stream finished", logging.Int("frames", index))
	return nil
}

func (r *RawReader) readError(index int, coord arraystore.Coord, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &ReadError{Path: r.path, Index: index, Coord: coord, Err: err}
}

func (r *RawReader) decode(buf []byte) []float32 {
	rows, cols := r.raw[2], r.raw[3]
	data := make([]float32, rows*cols)
	for k := range data {
		var v float32
		switch r.dtype {
		case arraystore.Float32:
			v = math.Float32frombits(binary.LittleEndian.Uint32(buf[k*4:]))
		case arraystore.Float64:
			v = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[k*8:])))
		case arraystore.Uint16:
			v = float32(binary.LittleEndian.Uint16(buf[k*2:]))
		case arraystore.Uint32:
			v = float32(binary.LittleEndian.Uint32(buf[k*4:]))
		}
		data[k] = v
	}
	if r.flipped {
		return Transpose(data, rows, cols)
	}
	return data
}

// Transpose returns the transpose of a rows×cols row-major frame.
func Transpose(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

// SliceReader replays frames held in memory. It is used for synthetic
// acquisitions and by tests.
type SliceReader struct {
	shape  arraystore.Shape4
	frames []Frame
}

// NewSliceReader returns a reader that emits frames in the given order.
func NewSliceReader(shape arraystore.Shape4, frames []Frame) *SliceReader {
	return &SliceReader{shape: shape, frames: frames}
}

func (s *SliceReader) Shape() arraystore.Shape4 { return s.shape }

func (s *SliceReader) Stream(ctx context.Context, out chan<- Frame, gate *Gate) error {
	defer close(out)
	for _, frame := range s.frames {
		if err := gate.WaitReading(ctx); err != nil {
			return err
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
