package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"stemflow/internal/arraystore"
)

// MustCreateStore creates an array store under a temp directory and
// registers cleanup.
func MustCreateStore(t testing.TB) *arraystore.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.stem")
	store, err := arraystore.Create(context.Background(), path)
	if err != nil {
		t.Fatalf("arraystore.Create: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustCreateDataset adds a float32 4D dataset to store.
func MustCreateDataset(t testing.TB, store *arraystore.Store, name string, shape arraystore.Shape4) {
	t.Helper()

	if !store.CreateDataset(context.Background(), name, shape, arraystore.Float32) {
		t.Fatalf("CreateDataset %s %s failed", name, shape)
	}
}
