package ops_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stemflow/internal/arraystore"
	"stemflow/internal/fitsexport"
	"stemflow/internal/ops"
	"stemflow/internal/services"
	"stemflow/internal/task"
	"stemflow/internal/testsupport"
)

func run(t *testing.T, tk *task.Task) task.State {
	t.Helper()
	if err := tk.Transition(task.StateWaiting); err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if err := tk.Transition(task.StateSubmitted); err != nil {
		t.Fatalf("submitted: %v", err)
	}
	return tk.Run(context.Background(), nil)
}

func writeFrames(t *testing.T, store *arraystore.Store, name string, shape arraystore.Shape4, value testsupport.FrameValue) {
	t.Helper()
	testsupport.MustCreateDataset(t, store, name, shape)
	for _, f := range testsupport.SyntheticFrames(shape, value) {
		if err := store.WriteRegion(context.Background(), name, f.Coord, f.Data); err != nil {
			t.Fatalf("WriteRegion %s: %v", f.Coord, err)
		}
	}
}

func storeImage(t *testing.T, store *arraystore.Store, name string, im arraystore.Image) {
	t.Helper()
	if !store.CreateImage(context.Background(), name, im.Rows, im.Cols) {
		t.Fatalf("CreateImage %s failed", name)
	}
	if err := store.WriteImage(context.Background(), name, im); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
}

func TestVirtualImageTaskIntegratesAnnulus(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	shape := arraystore.Shape4{3, 2, 4, 4}
	writeFrames(t, store, "/scan", shape, testsupport.RampValue)

	var progress []int
	tk := ops.NewVirtualImageTask(store, "/scan", 0, 1, "centre")
	if err := tk.Transition(task.StateWaiting); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(task.StateSubmitted); err != nil {
		t.Fatal(err)
	}
	state := tk.Run(context.Background(), func(info task.Info) {
		progress = append(progress, info.Progress)
	})
	if state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", state, tk.Err())
	}

	im, err := store.ReadImage(context.Background(), "/Reconstruction/centre")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if im.Rows != 3 || im.Cols != 2 {
		t.Fatalf("expected scan-shaped image, got %dx%d", im.Rows, im.Cols)
	}
	// Only the centre pixel (2,2) lies at r < 1.
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			want := float64(testsupport.RampValue(i, j, 2, 2))
			if got := im.At(i, j); got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", i, j, got, want)
			}
		}
	}

	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", progress)
	}

	attrs := store.Attributes(context.Background(), "/Reconstruction/centre")
	if v, ok := attrs.Get(ops.AttrOuterRadius); !ok || v.String() != "1" {
		t.Fatalf("expected outer radius attribute, got %v %v", v, ok)
	}
}

func TestVirtualImageTaskRejectsBadInput(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	writeFrames(t, store, "/scan", arraystore.Shape4{1, 1, 2, 2}, testsupport.RampValue)

	missing := ops.NewVirtualImageTask(store, "/absent", 0, 4, "out")
	if state := run(t, missing); state != task.StateExcepted {
		t.Fatalf("expected excepted for missing dataset, got %s", state)
	}
	if !errors.Is(missing.Err(), services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", missing.Err())
	}

	empty := ops.NewVirtualImageTask(store, "/scan", 5, 5, "out")
	if state := run(t, empty); state != task.StateExcepted {
		t.Fatalf("expected excepted for empty annulus, got %s", state)
	}
	if !errors.Is(empty.Err(), services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", empty.Err())
	}
}

func TestCancelledVirtualImageTaskAborts(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	writeFrames(t, store, "/scan", arraystore.Shape4{2, 2, 2, 2}, testsupport.RampValue)

	tk := ops.NewVirtualImageTask(store, "/scan", 0, 4, "out")
	if err := tk.Transition(task.StateWaiting); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(task.StateSubmitted); err != nil {
		t.Fatal(err)
	}
	tk.RequestCancel()
	if state := tk.Run(context.Background(), nil); state != task.StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	if _, err := store.Dataset(context.Background(), "/Reconstruction/out"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("aborted task must not write its result, got %v", err)
	}
}

func TestUnaryTaskStoresResult(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	src := arraystore.Image{Rows: 2, Cols: 3, Pix: []float64{1, 2, 3, 4, 5, 6}}
	storeImage(t, store, "/Reconstruction/src", src)

	tk := ops.NewUnaryTask(store, "transpose", ops.Transpose, "/Reconstruction/src", "src_t")
	if state := run(t, tk); state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", state, tk.Err())
	}
	got, err := store.ReadImage(context.Background(), "/Reconstruction/src_t")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if got.Rows != 3 || got.Cols != 2 || got.At(2, 1) != 6 || got.At(0, 1) != 4 {
		t.Fatalf("unexpected transpose %+v", got)
	}

	// Re-running with a differently shaped result replaces the dataset.
	again := ops.NewUnaryTask(store, "subtract-mean", ops.SubtractMean, "/Reconstruction/src", "src_t")
	if state := run(t, again); state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", state, again.Err())
	}
	got, err = store.ReadImage(context.Background(), "/Reconstruction/src_t")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if got.Rows != 2 || got.Cols != 3 || got.At(0, 0) != -2.5 {
		t.Fatalf("unexpected replacement %+v", got)
	}
	attrs := store.Attributes(context.Background(), "/Reconstruction/src_t")
	if v, _ := attrs.Get(ops.AttrKernel); v.String() != "subtract-mean" {
		t.Fatalf("expected kernel attribute subtract-mean, got %v", v)
	}
}

func TestBinaryTaskAndShapeMismatch(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	storeImage(t, store, "/Reconstruction/x", arraystore.Image{Rows: 1, Cols: 2, Pix: []float64{3, 6}})
	storeImage(t, store, "/Reconstruction/y", arraystore.Image{Rows: 1, Cols: 2, Pix: []float64{4, 8}})
	storeImage(t, store, "/Reconstruction/z", arraystore.Image{Rows: 2, Cols: 1, Pix: []float64{1, 1}})

	tk := ops.NewBinaryTask(store, "magnitude", ops.Magnitude, "/Reconstruction/x", "/Reconstruction/y", "/Scratch/mag")
	if state := run(t, tk); state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", state, tk.Err())
	}
	got, err := store.ReadImage(context.Background(), "/Scratch/mag")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if got.At(0, 0) != 5 || got.At(0, 1) != 10 {
		t.Fatalf("unexpected magnitude %v", got.Pix)
	}

	bad := ops.NewBinaryTask(store, "difference", ops.Difference, "/Reconstruction/x", "/Reconstruction/z", "diff")
	if state := run(t, bad); state != task.StateExcepted {
		t.Fatalf("expected excepted, got %s", state)
	}
	if bad.Info().Step != "apply" {
		t.Fatalf("expected failure in apply, got %q", bad.Info().Step)
	}
}

func TestExportFITSTask(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	src := arraystore.Image{Rows: 2, Cols: 2, Pix: []float64{1, 2, 3, 4}}
	storeImage(t, store, "/Reconstruction/bf", src)
	dest := filepath.Join(t.TempDir(), "exports", "bf.fits")

	tk := ops.NewExportFITSTask(store, "/Reconstruction/bf", dest)
	if state := run(t, tk); state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", state, tk.Err())
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	got, err := fitsexport.Read(f)
	if err != nil {
		t.Fatalf("fitsexport.Read: %v", err)
	}
	if got.Rows != 2 || got.Cols != 2 || got.At(1, 0) != 3 {
		t.Fatalf("unexpected exported image %+v", got)
	}
}
