package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLogsCommandPrintsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t, false)

	out, err := env.run(t, "logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "No log output")

	if err := os.MkdirAll(env.cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(env.cfg.Paths.LogDir, "stemflowd.log")
	if err := os.WriteFile(path, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = env.run(t, "logs", "-n", "2")
	if err != nil {
		t.Fatalf("logs -n 2: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected output %q", out)
	}
}
