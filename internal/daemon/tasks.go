package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"stemflow/internal/api"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/ops"
	"stemflow/internal/services"
	"stemflow/internal/task"
)

const historyLimit = 200

// Reconstruction kinds besides the kernel names.
const (
	KindVirtualImage = "virtual-image"
	KindExportFITS   = "export-fits"
)

// EnqueueReconstruction builds the task named by req.Kind against the store
// and hands it to the task manager.
func (d *Daemon) EnqueueReconstruction(ctx context.Context, req api.ReconstructRequest) (task.Info, error) {
	if !d.running.Load() {
		return task.Info{}, services.Wrap(services.ErrConfiguration, "daemon", "reconstruct", "daemon not running", nil)
	}
	storePath, err := d.cfg.ResolveStorePath(req.Store)
	if err != nil {
		return task.Info{}, services.Wrap(services.ErrValidation, "daemon", "reconstruct", "store path", err)
	}
	t, err := d.buildTask(ctx, storePath, req)
	if err != nil {
		return task.Info{}, err
	}
	if err := d.manager.AddTask(t); err != nil {
		return task.Info{}, err
	}
	d.logger.Info("reconstruction queued",
		logging.String(logging.FieldTaskID, t.ID()),
		logging.String(logging.FieldTaskName, t.Name()),
		logging.String(logging.FieldStorePath, storePath),
	)
	return t.Info(), nil
}

func (d *Daemon) buildTask(ctx context.Context, storePath string, req api.ReconstructRequest) (*task.Task, error) {
	kind := strings.TrimSpace(req.Kind)
	need := func(n int) error {
		if len(req.Inputs) != n {
			return services.Wrap(services.ErrValidation, "daemon", "reconstruct",
				fmt.Sprintf("%s takes %d input(s), got %d", kind, n, len(req.Inputs)), nil)
		}
		return nil
	}
	output := strings.TrimSpace(req.Output)

	var build func() (*task.Task, error)
	switch kind {
	case KindVirtualImage:
		if err := need(1); err != nil {
			return nil, err
		}
		if output == "" {
			output = fmt.Sprintf("%s_annulus_%g_%g", filepath.Base(req.Inputs[0]), req.InnerRadius, req.OuterRadius)
		}
		build = func() (*task.Task, error) {
			store, err := d.openStore(ctx, storePath, false)
			if err != nil {
				return nil, err
			}
			return ops.NewVirtualImageTask(store, req.Inputs[0], req.InnerRadius, req.OuterRadius, output), nil
		}
	case KindExportFITS:
		if err := need(1); err != nil {
			return nil, err
		}
		dest := strings.TrimSpace(req.Dest)
		if dest == "" {
			dest = filepath.Join(d.cfg.Paths.DataDir, "exports", filepath.Base(req.Inputs[0])+".fits")
		}
		build = func() (*task.Task, error) {
			store, err := d.openStore(ctx, storePath, false)
			if err != nil {
				return nil, err
			}
			return ops.NewExportFITSTask(store, req.Inputs[0], dest), nil
		}
	default:
		if kernel, ok := ops.LookupUnary(kind); ok {
			if err := need(1); err != nil {
				return nil, err
			}
			if output == "" {
				output = filepath.Base(req.Inputs[0]) + "_" + kind
			}
			build = func() (*task.Task, error) {
				store, err := d.openStore(ctx, storePath, false)
				if err != nil {
					return nil, err
				}
				return ops.NewUnaryTask(store, kind, kernel, req.Inputs[0], output), nil
			}
		} else if kernel, ok := ops.LookupBinary(kind); ok {
			if err := need(2); err != nil {
				return nil, err
			}
			if output == "" {
				output = filepath.Base(req.Inputs[0]) + "_" + kind
			}
			build = func() (*task.Task, error) {
				store, err := d.openStore(ctx, storePath, false)
				if err != nil {
					return nil, err
				}
				return ops.NewBinaryTask(store, kind, kernel, req.Inputs[0], req.Inputs[1], output), nil
			}
		} else {
			return nil, services.Wrap(services.ErrValidation, "daemon", "reconstruct", "unknown kind "+kind, nil)
		}
	}
	return build()
}

// CancelTask cancels a waiting task or asks the submitted one to abort.
func (d *Daemon) CancelTask(id string) (task.State, error) {
	return d.manager.Cancel(id)
}

// Tasks lists the tasks known to the manager. With history, journaled tasks
// from earlier daemon runs are included ahead of them.
func (d *Daemon) Tasks(ctx context.Context, history bool) ([]task.Info, error) {
	live := d.manager.Tasks()
	if !history || d.journal == nil {
		return live, nil
	}
	past, err := d.journal.List(ctx, historyLimit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(live))
	for _, info := range live {
		seen[info.ID] = struct{}{}
	}
	out := make([]task.Info, 0, len(past)+len(live))
	for _, info := range past {
		if _, ok := seen[info.ID]; !ok {
			out = append(out, info)
		}
	}
	return append(out, live...), nil
}

// Events returns hub events after since; wait blocks until one arrives.
func (d *Daemon) Events(ctx context.Context, since uint64, limit int, wait bool) ([]events.Event, uint64, error) {
	return d.hub.Fetch(ctx, since, limit, wait)
}
