package fitsexport

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"

	"stemflow/internal/arraystore"
)

// Write streams im as a 64-bit float FITS primary image to w. Rows map to
// NAXIS2 and columns to NAXIS1.
func Write(w io.Writer, im arraystore.Image, metadata []fitsio.Card) error {
	if !im.Valid() {
		return fmt.Errorf("fits export: image %dx%d carries %d values", im.Rows, im.Cols, len(im.Pix))
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	img := fitsio.NewImage(-64, []int{im.Cols, im.Rows})
	defer img.Close()
	if len(metadata) > 0 {
		if err := img.Header().Append(metadata...); err != nil {
			return err
		}
	}
	if err := img.Write(im.Pix); err != nil {
		return err
	}
	return fits.Write(img)
}

// WriteFile writes im to path, replacing any existing file.
func WriteFile(path string, im arraystore.Image, metadata []fitsio.Card) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fits export: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fits export: %w", err)
	}
	if err := Write(f, im, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Read decodes the primary image of a FITS stream written by Write.
func Read(r io.Reader) (arraystore.Image, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return arraystore.Image{}, err
	}
	defer fits.Close()

	hdu, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return arraystore.Image{}, fmt.Errorf("fits export: primary HDU is not an image")
	}
	axes := hdu.Header().Axes()
	if len(axes) != 2 {
		return arraystore.Image{}, fmt.Errorf("fits export: expected 2 axes, got %d", len(axes))
	}
	im := arraystore.NewImage(axes[1], axes[0])
	if err := hdu.Read(&im.Pix); err != nil {
		return arraystore.Image{}, err
	}
	return im, nil
}
