package daemon

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"stemflow/internal/api"
	"stemflow/internal/arraystore"
	"stemflow/internal/frames"
	"stemflow/internal/ingest"
	"stemflow/internal/logging"
	"stemflow/internal/preflight"
	"stemflow/internal/preview"
	"stemflow/internal/services"
)

// ingestRun is the current or most recent acquisition.
type ingestRun struct {
	session   *ingest.Session
	storePath string
	rawPath   string
	preview   *preview.Aggregator
}

// StartIngest validates the request, creates the target dataset and starts
// streaming the raw file into it. Only one session may run at a time.
func (d *Daemon) StartIngest(ctx context.Context, req api.IngestRequest) (*api.IngestStatus, error) {
	if !d.running.Load() {
		return nil, services.Wrap(services.ErrConfiguration, "daemon", "start ingest", "daemon not running", nil)
	}
	d.mu.Lock()
	if run := d.ingest; run != nil && !run.session.State().Terminal() {
		d.mu.Unlock()
		return nil, services.Wrap(services.ErrAlreadyExists, "daemon", "start ingest",
			"session "+run.session.ID()+" is still "+string(run.session.State()), nil)
	}
	d.mu.Unlock()

	plan, meta, err := d.planIngest(req)
	if err != nil {
		return nil, err
	}
	reader := frames.NewRawReader(plan.RawPath, meta,
		frames.WithGapBytes(meta.GapBytes(d.cfg.Ingest.FrameGapBytes)),
		frames.WithReaderLogger(d.logger),
	)
	shape := reader.Shape()
	plan.DatasetBytes = int64(shape.Frames()) * int64(shape.FrameLen()) * int64(arraystore.Float32.Size())

	results := append(preflight.ForIngest(d.cfg, plan), checkRawSize(plan.RawPath, reader.ExpectedSize()))
	if err := preflight.Failed(results); err != nil {
		return nil, err
	}

	store, err := d.openStore(ctx, plan.StorePath, true)
	if err != nil {
		return nil, err
	}
	dataset := datasetName(req.Dataset, plan.RawPath)
	if !store.CreateDataset(ctx, dataset, shape, arraystore.Float32,
		arraystore.WithScanChunks(d.cfg.Ingest.ChunkScanI, d.cfg.Ingest.ChunkScanJ)) {
		return nil, services.Wrap(services.ErrWriteFailure, "daemon", "start ingest",
			"cannot create dataset "+dataset+" in "+plan.StorePath+" (see log)", nil)
	}
	if !store.SetAttributes(ctx, dataset, meta.Attributes()) {
		d.logger.Warn("acquisition metadata not stored",
			logging.String(logging.FieldDataset, dataset),
			logging.String(logging.FieldImpact, "dataset lacks calibration attributes"),
		)
	}

	run := &ingestRun{storePath: plan.StorePath, rawPath: plan.RawPath}
	enabled := d.cfg.Preview.Enabled
	if req.Preview != nil {
		enabled = *req.Preview
	}
	if enabled {
		inner, outer := d.cfg.Preview.InnerRadius, d.cfg.Preview.OuterRadius
		if req.InnerRadius != nil {
			inner = *req.InnerRadius
		}
		if req.OuterRadius != nil {
			outer = *req.OuterRadius
		}
		run.preview = preview.New(shape, inner, outer, preview.WithLogger(d.logger))
	}

	session, err := ingest.NewSession(ctx, store, dataset, reader, ingest.Options{
		ChannelCapacity: d.cfg.Ingest.ChannelCapacity,
		Preview:         run.preview,
		Hub:             d.hub,
		EventRate:       d.cfg.Ingest.EventRatePerSecond,
		ProgressBucket:  d.cfg.Ingest.ProgressBucket,
		Logger:          d.logger,
		Tracer:          d.tracer,
	})
	if err != nil {
		d.discardDataset(store, dataset, err)
		return nil, err
	}
	run.session = session

	d.mu.Lock()
	if prev := d.ingest; prev != nil && !prev.session.State().Terminal() {
		d.mu.Unlock()
		err := services.Wrap(services.ErrAlreadyExists, "daemon", "start ingest", "another session started", nil)
		d.discardDataset(store, dataset, err)
		return nil, err
	}
	d.ingest = run
	d.mu.Unlock()

	if err := session.Start(d.ctx); err != nil {
		return nil, err
	}
	d.logger.Info("ingest requested",
		logging.String(logging.FieldSessionID, session.ID()),
		logging.String(logging.FieldStorePath, plan.StorePath),
		logging.String(logging.FieldDataset, dataset),
		logging.String("raw", plan.RawPath),
	)
	return api.FromSession(session, run.storePath, run.rawPath), nil
}

// discardDataset removes a dataset created by a start that did not go on
// to run.
func (d *Daemon) discardDataset(store *arraystore.Store, dataset string, cause error) {
	if store.DeleteDataset(context.Background(), dataset) {
		d.logger.Info("discarded dataset of failed ingest start",
			logging.String(logging.FieldDataset, dataset),
			logging.String(logging.FieldStorePath, store.Path()),
			logging.Error(cause),
		)
		return
	}
	logging.WarnWithContext(d.logger, "dataset of failed ingest start left behind", "ingest_cleanup_failed",
		logging.String(logging.FieldDataset, dataset),
		logging.String(logging.FieldStorePath, store.Path()),
		logging.String(logging.FieldErrorHint, "remove it with 'stemflow store rm <store> <dataset>'"),
		logging.Error(cause),
	)
}

func (d *Daemon) planIngest(req api.IngestRequest) (preflight.IngestPlan, frames.Metadata, error) {
	raw := strings.TrimSpace(req.RawPath)
	if raw == "" {
		return preflight.IngestPlan{}, frames.Metadata{}, services.Wrap(services.ErrValidation, "daemon", "start ingest", "raw path is required", nil)
	}
	raw, err := filepath.Abs(raw)
	if err != nil {
		return preflight.IngestPlan{}, frames.Metadata{}, services.Wrap(services.ErrValidation, "daemon", "start ingest", "resolve raw path", err)
	}
	descriptor := strings.TrimSpace(req.DescriptorPath)
	if descriptor == "" {
		descriptor = strings.TrimSuffix(raw, filepath.Ext(raw)) + ".xml"
	}
	meta, err := frames.ReadMetadata(descriptor)
	if err != nil {
		return preflight.IngestPlan{}, frames.Metadata{}, err
	}
	storeName := req.Store
	if strings.TrimSpace(storeName) == "" {
		storeName = strings.TrimSuffix(filepath.Base(raw), filepath.Ext(raw))
	}
	storePath, err := d.cfg.ResolveStorePath(storeName)
	if err != nil {
		return preflight.IngestPlan{}, frames.Metadata{}, services.Wrap(services.ErrValidation, "daemon", "start ingest", "store path", err)
	}
	return preflight.IngestPlan{RawPath: raw, DescriptorPath: descriptor, StorePath: storePath}, meta, nil
}

// datasetName defaults to the raw file name at the store root.
func datasetName(requested, raw string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return arraystore.CleanName(name)
	}
	base := strings.TrimSuffix(filepath.Base(raw), filepath.Ext(raw))
	return arraystore.CleanName(path.Join("/", base))
}

func checkRawSize(rawPath string, expected int64) preflight.Result {
	const name = "Raw size"
	info, err := os.Stat(rawPath)
	if err != nil {
		return preflight.Result{Name: name, Detail: err.Error()}
	}
	if info.Size() < expected {
		return preflight.Result{Name: name, Detail: fmt.Sprintf("%d bytes, layout needs %d", info.Size(), expected)}
	}
	return preflight.Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d bytes", info.Size())}
}

// IngestStatus returns the current or last session, or nil.
func (d *Daemon) IngestStatus() *api.IngestStatus {
	run := d.currentIngest()
	if run == nil {
		return nil
	}
	return api.FromSession(run.session, run.storePath, run.rawPath)
}

// PauseIngest closes both gates of the running session.
func (d *Daemon) PauseIngest() (*api.IngestStatus, error) {
	return d.controlIngest("pause", (*ingest.Session).Pause)
}

// ResumeIngest reopens both gates of the running session.
func (d *Daemon) ResumeIngest() (*api.IngestStatus, error) {
	return d.controlIngest("resume", (*ingest.Session).Resume)
}

// StopIngest cancels the running session. Frames already written stay in
// the dataset.
func (d *Daemon) StopIngest() (*api.IngestStatus, error) {
	return d.controlIngest("stop", (*ingest.Session).Stop)
}

func (d *Daemon) controlIngest(op string, fn func(*ingest.Session)) (*api.IngestStatus, error) {
	run := d.currentIngest()
	if run == nil || run.session.State().Terminal() {
		return nil, services.Wrap(services.ErrNotFound, "daemon", op+" ingest", "no running session", nil)
	}
	fn(run.session)
	d.logger.Info("ingest "+op+" requested", logging.String(logging.FieldSessionID, run.session.ID()))
	return api.FromSession(run.session, run.storePath, run.rawPath), nil
}

// Preview returns a copy of the live preview of the current or last session.
func (d *Daemon) Preview() (preview.Snapshot, error) {
	run := d.currentIngest()
	if run == nil || run.preview == nil {
		return preview.Snapshot{}, services.Wrap(services.ErrNotFound, "daemon", "preview", "no preview available", nil)
	}
	return run.preview.Snapshot(), nil
}

// SetPreviewRadii changes the annulus of the live preview. Values already
// aggregated are kept.
func (d *Daemon) SetPreviewRadii(inner, outer *float64) (preview.Snapshot, error) {
	run := d.currentIngest()
	if run == nil || run.preview == nil {
		return preview.Snapshot{}, services.Wrap(services.ErrNotFound, "daemon", "preview radii", "no preview available", nil)
	}
	curInner, curOuter := run.preview.Radii()
	if inner != nil {
		curInner = *inner
	}
	if outer != nil {
		curOuter = *outer
	}
	if curInner < 0 || curOuter <= curInner {
		return preview.Snapshot{}, services.Wrap(services.ErrValidation, "daemon", "preview radii",
			fmt.Sprintf("annulus %.1f-%.1f is empty", curInner, curOuter), nil)
	}
	if inner != nil {
		run.preview.SetInnerRadius(curInner)
	}
	if outer != nil {
		run.preview.SetOuterRadius(curOuter)
	}
	return run.preview.Snapshot(), nil
}

func (d *Daemon) currentIngest() *ingestRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ingest
}

func (d *Daemon) stopIngestAndWait() {
	run := d.currentIngest()
	if run == nil {
		return
	}
	run.session.Stop()
	if !run.session.Started().IsZero() {
		<-run.session.Done()
	}
}
