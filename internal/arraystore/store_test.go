package arraystore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"stemflow/internal/arraystore"
	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/testsupport"
)

func TestCreateBuildsRootLayout(t *testing.T) {
	store := testsupport.MustCreateStore(t)

	nodes := store.Traverse(context.Background())
	if len(nodes) != 4 {
		t.Fatalf("expected root and three groups, got %d nodes", len(nodes))
	}
	want := []string{"/", arraystore.GroupReconstruction, arraystore.GroupCalibration, arraystore.GroupScratch}
	for i, name := range want {
		if nodes[i].Name != name || nodes[i].Kind != arraystore.NodeGroup {
			t.Fatalf("node %d: expected group %s, got %s %s", i, name, nodes[i].Kind, nodes[i].Name)
		}
	}
	root := nodes[0].Attrs
	if v, ok := root.Get(arraystore.AttrFormatVersion); !ok || v.String() != arraystore.FormatVersion {
		t.Fatalf("unexpected format version %v", v)
	}
	if _, ok := root.Get(arraystore.AttrCreationTime); !ok {
		t.Fatal("expected creation time on root")
	}
}

func TestCreateFailsWhenFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.stem")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := arraystore.Create(context.Background(), path)
	if !errors.Is(err, services.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpenClassifiesBadPaths(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := arraystore.Open(ctx, filepath.Join(dir, "missing.stem")); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.stem")
	if err := os.WriteFile(garbage, []byte("this is not a database at all, just text padding it out"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := arraystore.Open(ctx, garbage); !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestSecondWriterIsRejected(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()

	if _, err := arraystore.Open(ctx, store.Path()); !errors.Is(err, arraystore.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	reader, err := arraystore.OpenReadOnly(ctx, store.Path())
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer reader.Close()
	if reader.CreateGroup(ctx, "/Scratch/denied") {
		t.Fatal("expected read-only handle to refuse mutation")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := arraystore.Open(ctx, store.Path())
	if err != nil {
		t.Fatalf("Open after close: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRemoveFileLogsRefusal(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	logPath := filepath.Join(t.TempDir(), "store.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatal(err)
	}

	err = arraystore.RemoveFile(store.Path(), arraystore.WithLogger(logger))
	if !errors.Is(err, arraystore.ErrLocked) {
		t.Fatalf("expected ErrLocked while a writer holds the store, got %v", err)
	}
	if _, statErr := os.Stat(store.Path()); statErr != nil {
		t.Fatalf("store file must survive a refused delete: %v", statErr)
	}
	content, _ := os.ReadFile(logPath)
	for _, fragment := range []string{`"operation":"delete"`, `"event_type":"store_operation_failed"`} {
		if !strings.Contains(string(content), fragment) {
			t.Fatalf("expected %s in %q", fragment, content)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := arraystore.RemoveFile(store.Path(), arraystore.WithLogger(logger)); err != nil {
		t.Fatalf("RemoveFile after close: %v", err)
	}
	if _, err := os.Stat(store.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected store file to be gone, stat err=%v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if store.CreateDataset(context.Background(), "/data", arraystore.Shape4{1, 1, 1, 1}, arraystore.Float32) {
		t.Fatal("expected CreateDataset on closed store to fail")
	}
}

func TestCreateDatasetRejectsDuplicatesAndBadShapes(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()

	if !store.CreateDataset(ctx, "/Raw/data", arraystore.Shape4{2, 2, 3, 3}, arraystore.Float32) {
		t.Fatal("expected first CreateDataset to succeed")
	}
	if store.CreateDataset(ctx, "/Raw/data", arraystore.Shape4{2, 2, 3, 3}, arraystore.Float32) {
		t.Fatal("expected duplicate CreateDataset to fail")
	}
	if store.CreateDataset(ctx, "/Raw/zero", arraystore.Shape4{0, 2, 3, 3}, arraystore.Float32) {
		t.Fatal("expected zero-sized shape to fail")
	}
	if store.CreateDataset(ctx, "/Raw/data/child", arraystore.Shape4{1, 1, 1, 1}, arraystore.Float32) {
		t.Fatal("expected dataset under a dataset to fail")
	}

	node, err := store.Dataset(ctx, "Raw/data")
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	shape, ok := node.Shape4()
	if !ok || shape != (arraystore.Shape4{2, 2, 3, 3}) {
		t.Fatalf("unexpected shape %v", node.Shape)
	}
	if _, err := store.Dataset(ctx, "/Raw/none"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttributesKeepOrderAndKinds(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	testsupport.MustCreateDataset(t, store, "/data", arraystore.Shape4{2, 3, 4, 5})

	if !store.SetAttribute(ctx, "/data", "operator", arraystore.String("jd")) {
		t.Fatal("SetAttribute failed")
	}
	if !store.SetAttribute(ctx, "/data", arraystore.AttrVoltage, arraystore.Int(300)) {
		t.Fatal("expected integer voltage to be accepted")
	}
	if store.SetAttribute(ctx, "/data", arraystore.AttrScanI, arraystore.String("two")) {
		t.Fatal("expected kind mismatch on a known key to fail")
	}
	if !store.SetAttribute(ctx, "/data", arraystore.AttrScanI, arraystore.Int(2)) {
		t.Fatal("expected rewrite of scan_i to succeed")
	}

	attrs := store.Attributes(ctx, "/data")
	want := []string{"scan_i", "scan_j", "dp_i", "dp_j", "operator", "accelerating_voltage"}
	got := attrs.Keys()
	if len(got) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected keys %v, got %v", want, got)
		}
	}
	if v, _ := attrs.Int(arraystore.AttrDetectorJ); v != 5 {
		t.Fatalf("expected dp_j 5, got %d", v)
	}

	if store.SetAttribute(ctx, "/data", arraystore.AttrDetectorJ, arraystore.Int(64)) {
		t.Fatal("expected dp_j that disagrees with the shape to be rejected")
	}
	if store.DeleteAttribute(ctx, "/data", arraystore.AttrScanJ) {
		t.Fatal("expected shape-derived scan_j to be undeletable")
	}
	bad := arraystore.NewAttributes()
	bad.Set("operator", arraystore.String("kl"))
	bad.Set(arraystore.AttrScanI, arraystore.Int(9))
	if store.SetAttributes(ctx, "/data", bad) {
		t.Fatal("expected batch with a conflicting scan_i to be rejected")
	}
	if v, _ := store.Attributes(ctx, "/data").Get("operator"); v.String() != "jd" {
		t.Fatalf("rejected batch must not partially apply, operator=%v", v)
	}
	if v, _ := store.Attributes(ctx, "/data").Int(arraystore.AttrDetectorJ); v != 5 {
		t.Fatalf("dp_j changed to %d", v)
	}

	if !store.DeleteAttribute(ctx, "/data", "operator") {
		t.Fatal("DeleteAttribute failed")
	}
	if store.DeleteAttribute(ctx, "/data", "operator") {
		t.Fatal("expected second DeleteAttribute to report false")
	}
	if store.Attributes(ctx, "/missing") != nil {
		t.Fatal("expected nil attributes for a missing node")
	}
}

func TestTraverseFollowsCreationOrder(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	testsupport.MustCreateDataset(t, store, "/Raw/a", arraystore.Shape4{1, 1, 1, 1})
	if !store.CreateImage(ctx, "/Reconstruction/bf", 4, 4) {
		t.Fatal("CreateImage failed")
	}
	testsupport.MustCreateDataset(t, store, "/Raw/b", arraystore.Shape4{1, 1, 1, 1})

	var names []string
	for _, n := range store.Traverse(ctx) {
		names = append(names, n.Name)
	}
	want := []string{"/", "/Reconstruction", "/Reconstruction/bf", "/Calibration", "/Scratch", "/Raw", "/Raw/a", "/Raw/b"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestDeleteDatasetRemovesDescendants(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	testsupport.MustCreateDataset(t, store, "/Raw/a", arraystore.Shape4{1, 1, 2, 2})
	testsupport.MustCreateDataset(t, store, "/RawOther", arraystore.Shape4{1, 1, 2, 2})

	if !store.DeleteDataset(ctx, "/Raw") {
		t.Fatal("DeleteDataset failed")
	}
	if _, err := store.Dataset(ctx, "/Raw/a"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected child to be gone, got %v", err)
	}
	if _, err := store.Dataset(ctx, "/RawOther"); err != nil {
		t.Fatalf("expected sibling with shared prefix to survive: %v", err)
	}
	if store.DeleteDataset(ctx, "/") {
		t.Fatal("expected deleting the root to fail")
	}
	if store.DeleteDataset(ctx, "/Raw") {
		t.Fatal("expected deleting a missing node to fail")
	}
}

func TestRegionRoundTripAcrossChunks(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	shape := arraystore.Shape4{3, 5, 2, 3}
	if !store.CreateDataset(ctx, "/data", shape, arraystore.Float32, arraystore.WithScanChunks(2, 2)) {
		t.Fatal("CreateDataset failed")
	}

	for _, frame := range testsupport.SyntheticFrames(shape, testsupport.RampValue) {
		if err := store.WriteRegion(ctx, "/data", frame.Coord, frame.Data); err != nil {
			t.Fatalf("WriteRegion %s: %v", frame.Coord, err)
		}
	}
	for _, frame := range testsupport.SyntheticFrames(shape, testsupport.RampValue) {
		got, err := store.ReadRegion(ctx, "/data", frame.Coord)
		if err != nil {
			t.Fatalf("ReadRegion %s: %v", frame.Coord, err)
		}
		for k := range got {
			if got[k] != frame.Data[k] {
				t.Fatalf("frame %s element %d: expected %v, got %v", frame.Coord, k, frame.Data[k], got[k])
			}
		}
	}
}

func TestRegionValidation(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	testsupport.MustCreateDataset(t, store, "/data", arraystore.Shape4{2, 2, 2, 2})

	if err := store.WriteRegion(ctx, "/data", arraystore.Coord{I: 2, J: 0}, make([]float32, 4)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected out of range coordinate to fail validation, got %v", err)
	}
	if err := store.WriteRegion(ctx, "/data", arraystore.Coord{}, make([]float32, 3)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected short frame to fail validation, got %v", err)
	}
	if err := store.WriteRegion(ctx, "/none", arraystore.Coord{}, make([]float32, 4)); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := store.ReadRegion(ctx, "/data", arraystore.Coord{I: 1, J: 1})
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	for _, v := range got {
		if v != 0 {
			t.Fatalf("expected unwritten region to read as zeros, got %v", got)
		}
	}
}

func TestConcurrentWritersNeverTearRegions(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	const frameLen = 64
	testsupport.MustCreateDataset(t, store, "/data", arraystore.Shape4{1, 2, 8, 8})

	payload := func(v float32) []float32 {
		out := make([]float32, frameLen)
		for k := range out {
			out[k] = v
		}
		return out
	}

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for w := 1; w <= 2; w++ {
		wg.Add(1)
		go func(v float32) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				for j := 0; j < 2; j++ {
					if err := store.WriteRegion(ctx, "/data", arraystore.Coord{I: 0, J: j}, payload(v)); err != nil {
						errs <- err
					}
				}
			}
		}(float32(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("WriteRegion: %v", err)
	}

	for j := 0; j < 2; j++ {
		got, err := store.ReadRegion(ctx, "/data", arraystore.Coord{I: 0, J: j})
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		first := got[0]
		if first != 1 && first != 2 {
			t.Fatalf("unexpected value %v", first)
		}
		for _, v := range got {
			if v != first {
				t.Fatalf("region %d is torn: %v", j, got)
			}
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	store := testsupport.MustCreateStore(t)
	ctx := context.Background()
	if !store.CreateImage(ctx, "/Reconstruction/vi", 2, 3) {
		t.Fatal("CreateImage failed")
	}
	im := arraystore.NewImage(2, 3)
	for k := range im.Pix {
		im.Pix[k] = float64(k) + 0.5
	}
	if err := store.WriteImage(ctx, "/Reconstruction/vi", im); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	if err := store.WriteImage(ctx, "/Reconstruction/vi", arraystore.NewImage(3, 2)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	got, err := store.ReadImage(ctx, "/Reconstruction/vi")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if got.At(1, 2) != 5.5 {
		t.Fatalf("expected 5.5 at (1,2), got %v", got.At(1, 2))
	}
}

// Create, fill and tear down a small store end to end.
func TestDatasetLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lifecycle.stem")
	store, err := arraystore.Create(ctx, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	shape := arraystore.Shape4{3, 3, 2, 2}
	if !store.CreateDataset(ctx, "/data", shape, arraystore.Float32) {
		t.Fatal("CreateDataset failed")
	}
	frames := testsupport.SyntheticFrames(shape, testsupport.RampValue)
	if len(frames) != 9 {
		t.Fatalf("expected 9 frames, got %d", len(frames))
	}
	for _, f := range frames {
		if err := store.WriteRegion(ctx, "/data", f.Coord, f.Data); err != nil {
			t.Fatalf("WriteRegion: %v", err)
		}
	}

	attrs := store.Attributes(ctx, "/data")
	for key, want := range map[string]int64{"scan_i": 3, "scan_j": 3, "dp_i": 2, "dp_j": 2} {
		if got, ok := attrs.Int(key); !ok || got != want {
			t.Fatalf("attribute %s: expected %d, got %d", key, want, got)
		}
	}
	for _, f := range frames {
		got, err := store.ReadRegion(ctx, "/data", f.Coord)
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		for k := range got {
			if got[k] != f.Data[k] {
				t.Fatalf("frame %s mismatch: %v vs %v", f.Coord, got, f.Data)
			}
		}
	}

	if !store.DeleteDataset(ctx, "/data") {
		t.Fatal("DeleteDataset failed")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := arraystore.Delete(store); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected store file removed, stat err=%v", err)
	}
}
