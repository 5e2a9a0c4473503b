package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stemflow/internal/arraystore"
	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/journal"
	"stemflow/internal/logging"
	"stemflow/internal/preflight"
	"stemflow/internal/services"
	"stemflow/internal/workflow"
)

// Daemon owns the task manager, event hub, journal and at most one ingest
// session, and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	hub     *events.Hub
	journal *journal.Store
	manager *workflow.Manager
	tracer  trace.Tracer
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	stores map[string]*arraystore.Store
	ingest *ingestRun
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LockFilePath string
	JournalPath  string
	Workflow     workflow.StatusSummary
	Preflight    []preflight.Result
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithTracer overrides the global tracer for tasks and sessions.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Daemon) { d.tracer = tracer }
}

// New constructs a daemon with initialized dependencies. Log records at info
// and above are mirrored onto the event hub.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	hub := events.NewHub(cfg.Tasks.EventBuffer)
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.TeeLogger(logger, events.NewLogHandler(hub, slog.LevelInfo))

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		hub:      hub,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		stores:   make(map[string]*arraystore.Store),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("stemflow")
	}

	managerOpts := []workflow.Option{
		workflow.WithHub(hub),
		workflow.WithTracer(d.tracer),
		workflow.WithProgressBucket(cfg.Ingest.ProgressBucket),
	}
	if cfg.Tasks.JournalEnabled {
		store, err := journal.Open(cfg.JournalPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open task journal: %w", err)
		}
		d.journal = store
		managerOpts = append(managerOpts, workflow.WithJournal(store))
	}
	d.manager = workflow.NewManager(logger, managerOpts...)

	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, resolves interrupted journal entries and
// launches the task manager and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stemflow daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if d.journal != nil {
		if _, err := d.journal.ResolveInterrupted(d.ctx); err != nil {
			logging.WarnWithContext(d.logger, "journal cleanup failed", "journal_resolve_failed",
				logging.String(logging.FieldImpact, "tasks from a previous run may show as active"),
				logging.Error(err),
			)
		}
	}
	for _, r := range preflight.RunAll(d.cfg) {
		if !r.Passed {
			logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldImpact, "acquisitions and exports may fail"),
			)
		}
	}

	if err := d.manager.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start task manager: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.manager.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("stemflow daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop cancels any ingest session, stops the task manager, closes open
// stores and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.stopIngestAndWait()
	d.manager.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.closeStores()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("stemflow daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// Hub returns the event hub.
func (d *Daemon) Hub() *events.Hub { return d.hub }

// Manager returns the task manager.
func (d *Daemon) Manager() *workflow.Manager { return d.manager }

// APIAddress returns the bound API address, or "" when the API is disabled
// or not started.
func (d *Daemon) APIAddress() string { return d.api.address() }

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		Workflow:     d.manager.Status(),
		Preflight:    preflight.RunAll(d.cfg),
	}
	if d.journal != nil {
		status.JournalPath = d.journal.Path()
	}
	return status
}

// openStore returns the shared handle for path, creating the store when
// create is set and the file does not exist yet. Handles stay open until the
// daemon stops because the writer lock is per handle.
func (d *Daemon) openStore(ctx context.Context, path string, create bool) (*arraystore.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if store, ok := d.stores[path]; ok {
		return store, nil
	}
	opts := []arraystore.Option{arraystore.WithLogger(d.logger)}
	store, err := arraystore.Open(ctx, path, opts...)
	if err != nil && create && errors.Is(err, services.ErrNotFound) {
		store, err = arraystore.Create(ctx, path, opts...)
	}
	if err != nil {
		return nil, err
	}
	d.stores[path] = store
	return store, nil
}

func (d *Daemon) closeStores() {
	d.mu.Lock()
	stores := d.stores
	d.stores = make(map[string]*arraystore.Store)
	d.mu.Unlock()
	for path, store := range stores {
		if err := store.Close(); err != nil {
			d.logger.Warn("failed to close array store", logging.String(logging.FieldStorePath, path), logging.Error(err))
		}
	}
}
