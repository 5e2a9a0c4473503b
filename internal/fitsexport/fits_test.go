package fitsexport

import (
	"bytes"
	"testing"

	"github.com/astrogo/fitsio"

	"stemflow/internal/arraystore"
)

func TestWriteThenRead(t *testing.T) {
	im := arraystore.NewImage(2, 3)
	for k := range im.Pix {
		im.Pix[k] = float64(k) * 1.5
	}
	var buf bytes.Buffer
	if err := Write(&buf, im, []fitsio.Card{{Name: "ORIGIN", Value: "test", Comment: "unit test"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len()%2880 != 0 {
		t.Fatalf("expected FITS blocks of 2880 bytes, got %d", buf.Len())
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Rows != 2 || got.Cols != 3 {
		t.Fatalf("unexpected shape %dx%d", got.Rows, got.Cols)
	}
	if got.At(1, 2) != im.At(1, 2) {
		t.Fatalf("expected %v, got %v", im.At(1, 2), got.At(1, 2))
	}
}

func TestWriteRejectsInvalidImage(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, arraystore.Image{Rows: 2, Cols: 2, Pix: make([]float64, 3)}, nil); err == nil {
		t.Fatal("expected error for mismatched pixel buffer")
	}
}
