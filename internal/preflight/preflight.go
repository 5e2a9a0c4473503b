package preflight

import (
	"fmt"
	"path/filepath"
	"strings"

	"stemflow/internal/config"
	"stemflow/internal/services"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// IngestPlan names the inputs and output of an acquisition.
type IngestPlan struct {
	RawPath        string
	DescriptorPath string
	StorePath      string
	// DatasetBytes is the storage the dataset will occupy once complete.
	DatasetBytes int64
}

// RunAll checks the configured directories.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	return []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
}

// ForIngest checks that plan can run to completion: both input files are
// readable and the store directory can hold the dataset plus the configured
// free-space reserve.
func ForIngest(cfg *config.Config, plan IngestPlan) []Result {
	var reserve int64
	if cfg != nil {
		reserve = cfg.Ingest.MinFreeBytes
	}
	results := []Result{CheckReadable("Raw data", plan.RawPath)}
	if plan.DescriptorPath != "" {
		results = append(results, CheckReadable("Descriptor", plan.DescriptorPath))
	}
	storeDir := filepath.Dir(plan.StorePath)
	results = append(results,
		CheckDirectoryAccess("Store directory", storeDir),
		CheckFreeSpace("Free space", storeDir, plan.DatasetBytes+reserve),
	)
	return results
}

// Failed returns an error naming every failed check, or nil.
func Failed(results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return services.Wrap(services.ErrConfiguration, "preflight", "check", strings.Join(failed, "; "), nil)
}
