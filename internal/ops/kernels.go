package ops

import (
	"fmt"
	"math"

	"stemflow/internal/arraystore"
	"stemflow/internal/services"
)

// UnaryKernel maps one image to a new image.
type UnaryKernel func(arraystore.Image) (arraystore.Image, error)

// BinaryKernel combines two images of the same shape.
type BinaryKernel func(a, b arraystore.Image) (arraystore.Image, error)

func checkImage(op string, im arraystore.Image) error {
	if !im.Valid() {
		return services.Wrap(services.ErrValidation, "ops", op,
			fmt.Sprintf("image %dx%d carries %d values", im.Rows, im.Cols, len(im.Pix)), nil)
	}
	return nil
}

func checkPair(op string, a, b arraystore.Image) error {
	if err := checkImage(op, a); err != nil {
		return err
	}
	if err := checkImage(op, b); err != nil {
		return err
	}
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return services.Wrap(services.ErrValidation, "ops", op,
			fmt.Sprintf("shape mismatch %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols), nil)
	}
	return nil
}

// Transpose swaps rows and columns.
func Transpose(im arraystore.Image) (arraystore.Image, error) {
	if err := checkImage("transpose", im); err != nil {
		return arraystore.Image{}, err
	}
	out := arraystore.NewImage(im.Cols, im.Rows)
	for r := 0; r < im.Rows; r++ {
		for c := 0; c < im.Cols; c++ {
			out.Set(c, r, im.At(r, c))
		}
	}
	return out, nil
}

// Rotate90 rotates the image a quarter turn clockwise.
func Rotate90(im arraystore.Image) (arraystore.Image, error) {
	if err := checkImage("rotate", im); err != nil {
		return arraystore.Image{}, err
	}
	out := arraystore.NewImage(im.Cols, im.Rows)
	for r := 0; r < im.Rows; r++ {
		for c := 0; c < im.Cols; c++ {
			out.Set(c, im.Rows-1-r, im.At(r, c))
		}
	}
	return out, nil
}

// SubtractMean removes the image mean, a flat background estimate.
func SubtractMean(im arraystore.Image) (arraystore.Image, error) {
	if err := checkImage("subtract mean", im); err != nil {
		return arraystore.Image{}, err
	}
	var sum float64
	for _, v := range im.Pix {
		sum += v
	}
	mean := sum / float64(len(im.Pix))
	out := arraystore.NewImage(im.Rows, im.Cols)
	for i, v := range im.Pix {
		out.Pix[i] = v - mean
	}
	return out, nil
}

// Magnitude returns the per-pixel length of the vector field (a, b).
func Magnitude(a, b arraystore.Image) (arraystore.Image, error) {
	if err := checkPair("magnitude", a, b); err != nil {
		return arraystore.Image{}, err
	}
	out := arraystore.NewImage(a.Rows, a.Cols)
	for i := range out.Pix {
		out.Pix[i] = math.Hypot(a.Pix[i], b.Pix[i])
	}
	return out, nil
}

// Difference returns a - b.
func Difference(a, b arraystore.Image) (arraystore.Image, error) {
	if err := checkPair("difference", a, b); err != nil {
		return arraystore.Image{}, err
	}
	out := arraystore.NewImage(a.Rows, a.Cols)
	for i := range out.Pix {
		out.Pix[i] = a.Pix[i] - b.Pix[i]
	}
	return out, nil
}

var unaryKernels = map[string]UnaryKernel{
	"transpose":     Transpose,
	"rotate90":      Rotate90,
	"subtract-mean": SubtractMean,
}

var binaryKernels = map[string]BinaryKernel{
	"magnitude":  Magnitude,
	"difference": Difference,
}

// LookupUnary resolves a kernel by its CLI/API name.
func LookupUnary(name string) (UnaryKernel, bool) {
	k, ok := unaryKernels[name]
	return k, ok
}

// LookupBinary resolves a kernel by its CLI/API name.
func LookupBinary(name string) (BinaryKernel, bool) {
	k, ok := binaryKernels[name]
	return k, ok
}
