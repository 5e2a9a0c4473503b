package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"stemflow/internal/arraystore"
	"stemflow/internal/events"
	"stemflow/internal/frames"
	"stemflow/internal/logging"
	"stemflow/internal/preview"
	"stemflow/internal/services"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

const (
	defaultChannelCapacity = 2048
	defaultPreviewCapacity = 256
)

// Stats counts frames moving through a session.
type Stats struct {
	FramesTotal   int64 `json:"frames_total"`
	FramesRead    int64 `json:"frames_read"`
	FramesWritten int64 `json:"frames_written"`
	PreviewFrames int64 `json:"preview_frames"`
	PreviewDrops  int64 `json:"preview_drops"`
}

// Options configures a Session.
type Options struct {
	// ChannelCapacity bounds the reader-to-writer channel.
	ChannelCapacity int
	// PreviewCapacity bounds the preview inbox. Frames arriving while it is
	// full are skipped by the preview only.
	PreviewCapacity int
	Preview         *preview.Aggregator
	Hub             *events.Hub
	// EventRate limits progress events per second; zero publishes every frame.
	EventRate      float64
	ProgressBucket float64
	Logger         *slog.Logger
	Tracer         trace.Tracer
	// OnWrite, when set, is called after each frame is committed.
	OnWrite func(arraystore.Coord)
}

// Session binds one reader to one dataset.
type Session struct {
	id      string
	store   *arraystore.Store
	dataset string
	reader  frames.Reader
	shape   arraystore.Shape4
	opts    Options
	gate    *frames.Gate
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter
	sampler *logging.ProgressSampler

	mu        sync.Mutex
	state     State
	err       error
	cancel    context.CancelFunc
	startedAt time.Time
	endedAt   time.Time
	done      chan struct{}

	framesRead    atomic.Int64
	framesWritten atomic.Int64
	previewFrames atomic.Int64
	previewDrops  atomic.Int64
}

// NewSession validates that the dataset exists with the reader's shape and
// returns an idle session.
func NewSession(ctx context.Context, store *arraystore.Store, dataset string, reader frames.Reader, opts Options) (*Session, error) {
	if store == nil || reader == nil {
		return nil, services.Wrap(services.ErrConfiguration, "ingest", "new session", "store and reader are required", nil)
	}
	node, err := store.Dataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	shape, ok := node.Shape4()
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "ingest", "new session", node.Name+" is not a 4D dataset", nil)
	}
	if shape != reader.Shape() {
		return nil, services.Wrap(services.ErrValidation, "ingest", "new session",
			fmt.Sprintf("dataset %s has shape %s, reader produces %s", node.Name, shape, reader.Shape()), nil)
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = defaultChannelCapacity
	}
	if opts.PreviewCapacity <= 0 {
		opts.PreviewCapacity = defaultPreviewCapacity
	}

	s := &Session{
		id:      uuid.NewString(),
		store:   store,
		dataset: node.Name,
		reader:  reader,
		shape:   shape,
		opts:    opts,
		gate:    frames.NewGate(),
		state:   StateIdle,
		sampler: logging.NewProgressSampler(opts.ProgressBucket),
		done:    make(chan struct{}),
	}
	s.logger = logging.NewComponentLogger(opts.Logger, "ingest").With(
		logging.String(logging.FieldSessionID, s.id),
		logging.String(logging.FieldDataset, s.dataset),
	)
	s.tracer = opts.Tracer
	if s.tracer == nil {
		s.tracer = otel.Tracer("stemflow/ingest")
	}
	if opts.EventRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.EventRate), 1)
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Dataset() string { return s.dataset }

func (s *Session) Shape() arraystore.Shape4 { return s.shape }

// Gate exposes the reading/writing flags for fine-grained control.
func (s *Session) Gate() *frames.Gate { return s.gate }

// Start launches the pipeline goroutines. A session runs once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("ingest session %s already %s", s.id, s.state)
	}
	runCtx, cancel := context.WithCancel(services.WithSessionID(ctx, s.id))
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("ingest started",
		logging.Shape("shape", s.shape[:]),
		logging.Int("channel_capacity", s.opts.ChannelCapacity),
		logging.Bool("preview", s.opts.Preview != nil),
	)
	s.publishState(StateRunning, "")
	go s.run(runCtx)
	return nil
}

// Pause clears both gate flags. Each stage stops before its next frame.
func (s *Session) Pause() {
	s.gate.Pause()
	s.logger.Info("ingest paused", logging.Int64("frames_written", s.framesWritten.Load()))
}

// Resume sets both gate flags.
func (s *Session) Resume() {
	s.gate.Resume()
	s.logger.Info("ingest resumed")
}

// Paused reports whether either gate flag is cleared.
func (s *Session) Paused() bool { return s.gate.Paused() }

// Stop cancels the session. Stages blocked on the channel or the gate return
// promptly and the session resolves to StateCancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	s.gate.SetReading(false)
	if cancel != nil {
		cancel()
	}
}

// Done is closed once every stage has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx ends and returns the
// session error, which is nil for completed and cancelled sessions.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesTotal:   int64(s.shape.Frames()),
		FramesRead:    s.framesRead.Load(),
		FramesWritten: s.framesWritten.Load(),
		PreviewFrames: s.previewFrames.Load(),
		PreviewDrops:  s.previewDrops.Load(),
	}
}

// Started and Ended report session timestamps; zero until reached.
func (s *Session) Started() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) Ended() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ctx, span := s.tracer.Start(ctx, "ingest.session",
		trace.WithAttributes(
			attribute.String("session_id", s.id),
			attribute.String("dataset", s.dataset),
			attribute.Int("frames", s.shape.Frames()),
		))
	defer span.End()

	err := s.pipeline(ctx)

	s.mu.Lock()
	switch {
	case err == nil:
		s.state = StateCompleted
	case errors.Is(err, context.Canceled):
		s.state = StateCancelled
		err = nil
	default:
		s.state = StateFailed
		s.err = err
	}
	state := s.state
	s.endedAt = time.Now().UTC()
	elapsed := s.endedAt.Sub(s.startedAt)
	s.cancel()
	s.mu.Unlock()

	stats := s.Stats()
	span.SetAttributes(attribute.Int64("frames_written", stats.FramesWritten))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.ErrorWithContext(s.logger, "ingest failed", "ingest_failed",
			logging.String(logging.FieldState, string(state)),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.Int64("frames_written", stats.FramesWritten),
			logging.String(logging.FieldErrorHint, "check the raw file and free space, then ingest again into a fresh dataset"),
			logging.Error(err),
		)
		s.publishState(state, err.Error())
		return
	}
	s.logger.Info("ingest finished",
		logging.String(logging.FieldState, string(state)),
		logging.Int64("frames_written", stats.FramesWritten),
		logging.Int64("preview_drops", stats.PreviewDrops),
		logging.Duration("elapsed", elapsed),
	)
	s.publishState(state, "")
}

func (s *Session) pipeline(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	readCh := make(chan frames.Frame, s.opts.ChannelCapacity)
	writeCh := readCh
	var previewCh chan frames.Frame
	if s.opts.Preview != nil {
		writeCh = make(chan frames.Frame, s.opts.ChannelCapacity)
		previewCh = make(chan frames.Frame, s.opts.PreviewCapacity)
	}

	// A read failure does not cancel the group: the reader closes its
	// channel and the writer still commits every frame read before it.
	var readErr error
	g.Go(func() error {
		readErr = s.reader.Stream(services.WithStage(gctx, "reader"), readCh, s.gate)
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			s.logger.Error("frame reader stopped",
				logging.String(logging.FieldStage, "reader"),
				logging.String(logging.FieldEventType, "frame_read_failed"),
				logging.Error(readErr),
			)
		}
		return nil
	})
	if previewCh != nil {
		g.Go(func() error { return s.tee(gctx, readCh, writeCh, previewCh) })
		g.Go(func() error { return s.opts.Preview.Run(gctx, previewCh) })
	}
	g.Go(func() error { return s.write(gctx, writeCh) })

	if err := g.Wait(); err != nil {
		return err
	}
	return readErr
}

// tee forwards every frame to the writer and, when the preview inbox has
// room, to the preview. Frames are shared, not copied.
func (s *Session) tee(ctx context.Context, in <-chan frames.Frame, toWriter, toPreview chan<- frames.Frame) error {
	defer close(toWriter)
	defer close(toPreview)
	for frame := range in {
		s.framesRead.Add(1)
		select {
		case toPreview <- frame:
			s.previewFrames.Add(1)
		default:
			s.previewDrops.Add(1)
		}
		select {
		case toWriter <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) write(ctx context.Context, in <-chan frames.Frame) error {
	total := int64(s.shape.Frames())
	for {
		if err := s.gate.WaitWriting(ctx); err != nil {
			return err
		}
		var (
			frame frames.Frame
			ok    bool
		)
		select {
		case frame, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		if s.opts.Preview == nil {
			s.framesRead.Add(1)
		}
		if err := s.store.WriteRegion(ctx, s.dataset, frame.Coord, frame.Data); err != nil {
			return fmt.Errorf("write frame %s: %w", frame.Coord, err)
		}
		written := s.framesWritten.Add(1)
		if s.opts.OnWrite != nil {
			s.opts.OnWrite(frame.Coord)
		}
		s.reportProgress(written, total)
	}
}

func (s *Session) reportProgress(written, total int64) {
	percent := 100 * float64(written) / float64(max(total, 1))
	if s.sampler.ShouldLog(percent, "writing") {
		s.logger.Info("ingest progress",
			logging.String(logging.FieldStage, "writing"),
			logging.Int64("frames_written", written),
			logging.Int64("frames_total", total),
			logging.Float64("percent", percent),
		)
	}
	if s.opts.Hub == nil {
		return
	}
	if written < total && s.limiter != nil && !s.limiter.Allow() {
		return
	}
	s.opts.Hub.Publish(events.Event{
		Type:      events.TypeIngestProgress,
		SessionID: s.id,
		Stage:     "writing",
		Progress:  int(percent),
		Done:      written,
		Total:     total,
	})
}

func (s *Session) publishState(state State, errText string) {
	if s.opts.Hub == nil {
		return
	}
	stats := s.Stats()
	s.opts.Hub.Publish(events.Event{
		Type:      events.TypeIngestState,
		SessionID: s.id,
		State:     string(state),
		Done:      stats.FramesWritten,
		Total:     stats.FramesTotal,
		Error:     errText,
	})
}
