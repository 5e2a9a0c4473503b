package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stemflow/internal/logs"
)

func TestLastReturnsTrailingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stemflowd.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\npartial"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	lines, offset, err := logs.Last(path, 2)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
	if offset != int64(len("a\nb\nc\n")) {
		t.Fatalf("offset = %d; partial line must not be consumed", offset)
	}
}

func TestLastMissingFile(t *testing.T) {
	lines, offset, err := logs.Last(filepath.Join(t.TempDir(), "none.log"), 5)
	if err != nil || lines != nil || offset != 0 {
		t.Fatalf("got %v %d %v", lines, offset, err)
	}
}

func TestReadFromRestartsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stemflowd.log")
	if err := os.WriteFile(path, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, offset, err := logs.Last(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, next, err := logs.ReadFrom(path, offset)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(lines) != 1 || lines[0] != "x" || next != 2 {
		t.Fatalf("got %#v next=%d", lines, next)
	}
}

func TestFollowSeesAppendsAndNewRun(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "run1.log")
	second := filepath.Join(dir, "run2.log")
	pointer := filepath.Join(dir, "stemflowd.log")
	if err := os.WriteFile(first, []byte("start\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(first, pointer); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	has := func(want string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == want {
				return true
			}
		}
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- logs.Follow(ctx, pointer, 1, 10*time.Millisecond, func(line string) {
			mu.Lock()
			seen = append(seen, line)
			mu.Unlock()
		})
	}()

	waitUntil(t, func() bool { return has("start") })
	f, err := os.OpenFile(first, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("later\n")
	_ = f.Close()
	waitUntil(t, func() bool { return has("later") })

	if err := os.WriteFile(second, []byte("next run\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(pointer); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(second, pointer); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return has("next run") })

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Follow returned %v", err)
	}
}

func waitUntil(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
