package ops

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/astrogo/fitsio"

	"stemflow/internal/arraystore"
	"stemflow/internal/fitsexport"
	"stemflow/internal/preview"
	"stemflow/internal/services"
	"stemflow/internal/task"
)

// Attribute keys written on derived images.
const (
	AttrKernel      = "kernel"
	AttrInputs      = "inputs"
	AttrInnerRadius = "inner_radius"
	AttrOuterRadius = "outer_radius"
)

// ResultName places a derived image under the reconstruction group unless
// name is already absolute.
func ResultName(name string) string {
	if path.IsAbs(name) {
		return arraystore.CleanName(name)
	}
	return arraystore.CleanName(path.Join(arraystore.GroupReconstruction, name))
}

// NewUnaryTask loads input, applies kernel and stores the result at output.
func NewUnaryTask(store *arraystore.Store, kernelName string, kernel UnaryKernel, input, output string, opts ...task.Option) *task.Task {
	output = ResultName(output)
	var in, out arraystore.Image
	opts = append([]task.Option{
		task.WithComment(fmt.Sprintf("%s %s -> %s", kernelName, input, output)),
		task.WithSubtask("load", func(ctx context.Context, _ task.Reporter) error {
			var err error
			in, err = store.ReadImage(ctx, input)
			return err
		}),
		task.WithSubtask("apply", func(context.Context, task.Reporter) error {
			var err error
			out, err = kernel(in)
			return err
		}),
		task.WithSubtask("save", func(ctx context.Context, _ task.Reporter) error {
			return saveImage(ctx, store, output, out, derivedAttributes(kernelName, input))
		}),
	}, opts...)
	return task.New(kernelName, opts...)
}

// NewBinaryTask combines inputs a and b with kernel and stores the result.
func NewBinaryTask(store *arraystore.Store, kernelName string, kernel BinaryKernel, a, b, output string, opts ...task.Option) *task.Task {
	output = ResultName(output)
	var left, right, out arraystore.Image
	opts = append([]task.Option{
		task.WithComment(fmt.Sprintf("%s %s, %s -> %s", kernelName, a, b, output)),
		task.WithSubtask("load", func(ctx context.Context, r task.Reporter) error {
			var err error
			if left, err = store.ReadImage(ctx, a); err != nil {
				return err
			}
			r.Report(0.5)
			right, err = store.ReadImage(ctx, b)
			return err
		}),
		task.WithSubtask("apply", func(context.Context, task.Reporter) error {
			var err error
			out, err = kernel(left, right)
			return err
		}),
		task.WithSubtask("save", func(ctx context.Context, _ task.Reporter) error {
			return saveImage(ctx, store, output, out, derivedAttributes(kernelName, a+","+b))
		}),
	}, opts...)
	return task.New(kernelName, opts...)
}

// NewVirtualImageTask integrates every frame of a 4D dataset over the
// annulus inner <= r < outer and stores the scan-shaped result at output.
// Progress advances once per scan row.
func NewVirtualImageTask(store *arraystore.Store, dataset string, inner, outer float64, output string, opts ...task.Option) *task.Task {
	output = ResultName(output)
	var (
		shape arraystore.Shape4
		mask  []bool
		out   arraystore.Image
	)
	opts = append([]task.Option{
		task.WithComment(fmt.Sprintf("annulus %.1f-%.1f over %s -> %s", inner, outer, dataset, output)),
		task.WithSubtask("integrate", func(ctx context.Context, r task.Reporter) error {
			for i := 0; i < shape[0]; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				for j := 0; j < shape[1]; j++ {
					frame, err := store.ReadRegion(ctx, dataset, arraystore.Coord{I: i, J: j})
					if err != nil {
						return err
					}
					var sum float64
					for k, in := range mask {
						if in {
							sum += float64(frame[k])
						}
					}
					out.Set(i, j, sum)
				}
				r.Report(float64(i+1) / float64(shape[0]))
			}
			return nil
		}),
		task.WithSubtask("save", func(ctx context.Context, _ task.Reporter) error {
			attrs := derivedAttributes("virtual-image", dataset)
			attrs.Set(AttrInnerRadius, arraystore.Float(inner))
			attrs.Set(AttrOuterRadius, arraystore.Float(outer))
			return saveImage(ctx, store, output, out, attrs)
		}),
	}, opts...)
	t := task.New("virtual image", opts...)
	t.SetPrepare(func(ctx context.Context, _ task.Reporter) error {
		if inner < 0 || outer <= inner {
			return services.Wrap(services.ErrValidation, "ops", "virtual image",
				fmt.Sprintf("annulus %.1f-%.1f is empty", inner, outer), nil)
		}
		node, err := store.Dataset(ctx, dataset)
		if err != nil {
			return err
		}
		s, ok := node.Shape4()
		if !ok {
			return services.Wrap(services.ErrValidation, "ops", "virtual image", dataset+" is not a 4D dataset", nil)
		}
		shape = s
		mask = preview.AnnulusMask(shape[2], shape[3], inner, outer)
		out = arraystore.NewImage(shape[0], shape[1])
		return nil
	})
	return t
}

// NewExportFITSTask writes a stored 2D image to a FITS file at dest.
func NewExportFITSTask(store *arraystore.Store, name, dest string, opts ...task.Option) *task.Task {
	var im arraystore.Image
	opts = append([]task.Option{
		task.WithComment(fmt.Sprintf("%s -> %s", name, dest)),
		task.WithSubtask("load", func(ctx context.Context, _ task.Reporter) error {
			var err error
			im, err = store.ReadImage(ctx, name)
			return err
		}),
		task.WithSubtask("write", func(context.Context, task.Reporter) error {
			cards := []fitsio.Card{
				{Name: "OBJECT", Value: name, Comment: "array store dataset"},
				{Name: "ORIGIN", Value: "stemflow"},
			}
			if err := fitsexport.WriteFile(dest, im, cards); err != nil {
				return services.Wrap(services.ErrWriteFailure, "ops", "export fits", dest, err)
			}
			return nil
		}),
	}, opts...)
	return task.New("export fits", opts...)
}

func derivedAttributes(kernel, inputs string) *arraystore.Attributes {
	attrs := arraystore.NewAttributes()
	attrs.Set(AttrKernel, arraystore.String(kernel))
	attrs.Set(AttrInputs, arraystore.String(inputs))
	return attrs
}

// saveImage writes im to name, creating the dataset when it does not exist.
// An existing dataset of another shape is replaced.
func saveImage(ctx context.Context, store *arraystore.Store, name string, im arraystore.Image, attrs *arraystore.Attributes) error {
	node, err := store.Dataset(ctx, name)
	switch {
	case errors.Is(err, services.ErrNotFound):
		if !store.CreateImage(ctx, name, im.Rows, im.Cols) {
			return services.Wrap(services.ErrWriteFailure, "ops", "save", "create "+name, nil)
		}
	case err != nil:
		return err
	case node.Kind != arraystore.NodeDataset || len(node.Shape) != 2 ||
		node.Shape[0] != im.Rows || node.Shape[1] != im.Cols:
		if !store.DeleteDataset(ctx, name) || !store.CreateImage(ctx, name, im.Rows, im.Cols) {
			return services.Wrap(services.ErrWriteFailure, "ops", "save", "replace "+name, nil)
		}
	}
	if err := store.WriteImage(ctx, name, im); err != nil {
		return err
	}
	if attrs != nil && !store.SetAttributes(ctx, name, attrs) {
		return services.Wrap(services.ErrWriteFailure, "ops", "save", "attributes of "+name, nil)
	}
	return nil
}
