package preflight

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stemflow/internal/services"
	"stemflow/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckReadable(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "scan.raw")
	if err := os.WriteFile(f, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := CheckReadable("raw", f); !r.Passed || !strings.Contains(r.Detail, "2.0 KiB") {
		t.Fatalf("expected readable file with size, got %+v", r)
	}
	if r := CheckReadable("raw", dir); r.Passed {
		t.Fatal("expected failure for directory")
	}
	if r := CheckReadable("raw", filepath.Join(dir, "missing.raw")); r.Passed {
		t.Fatal("expected failure for missing file")
	}
	if r := CheckReadable("raw", ""); r.Passed {
		t.Fatal("expected failure for empty path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if r := CheckFreeSpace("space", dir, 0); !r.Passed {
		t.Fatalf("expected zero requirement to pass, got %s", r.Detail)
	}
	if r := CheckFreeSpace("space", dir, math.MaxInt64); r.Passed {
		t.Fatal("expected impossible requirement to fail")
	}
	if r := CheckFreeSpace("space", filepath.Join(dir, "missing"), 0); r.Passed {
		t.Fatal("expected statfs failure for missing dir")
	}
}

func TestForIngest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	raw := filepath.Join(t.TempDir(), "scan.raw")
	if err := os.WriteFile(raw, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}
	plan := IngestPlan{
		RawPath:      raw,
		StorePath:    filepath.Join(cfg.Paths.DataDir, "scan.stem"),
		DatasetBytes: 1024,
	}

	results := ForIngest(cfg, plan)
	if len(results) != 3 {
		t.Fatalf("expected raw, directory and space checks, got %d", len(results))
	}
	if err := Failed(results); err != nil {
		t.Fatalf("expected all checks to pass: %v", err)
	}

	plan.DescriptorPath = filepath.Join(t.TempDir(), "missing.xml")
	cfg.Ingest.MinFreeBytes = math.MaxInt64 - plan.DatasetBytes
	err := Failed(ForIngest(cfg, plan))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	for _, want := range []string{"Descriptor", "Free space"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	for _, r := range RunAll(cfg) {
		if !r.Passed {
			t.Fatalf("%s failed: %s", r.Name, r.Detail)
		}
	}
	if RunAll(nil) != nil {
		t.Fatal("expected nil results for nil config")
	}
}
