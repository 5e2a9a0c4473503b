package arraystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stemflow/internal/services"
)

// Coord addresses one frame along the two scan axes.
type Coord struct {
	I int
	J int
}

func (c Coord) String() string { return fmt.Sprintf("(%d, %d)", c.I, c.J) }

// Image is a dense row-major 2D float array.
type Image struct {
	Rows int
	Cols int
	Pix  []float64
}

// NewImage allocates a zeroed image.
func NewImage(rows, cols int) Image {
	return Image{Rows: rows, Cols: cols, Pix: make([]float64, rows*cols)}
}

// At returns the value at row r, column c.
func (im Image) At(r, c int) float64 { return im.Pix[r*im.Cols+c] }

// Set assigns the value at row r, column c.
func (im Image) Set(r, c int, v float64) { im.Pix[r*im.Cols+c] = v }

// Valid reports whether the pixel buffer matches the declared shape.
func (im Image) Valid() bool {
	return im.Rows > 0 && im.Cols > 0 && len(im.Pix) == im.Rows*im.Cols
}

// layout locates frames of a 4D dataset inside its chunk blobs.
type layout struct {
	dtype    DType
	shape    Shape4
	chunkI   int
	chunkJ   int
	frameLen int
}

func layoutOf(n *node) (layout, error) {
	if n.kind != NodeDataset || len(n.shape) != 4 || len(n.chunk) < 2 {
		return layout{}, services.Wrap(services.ErrValidation, "array-store", "region", n.path+" is not a 4D dataset", nil)
	}
	l := layout{
		dtype:  n.dtype,
		shape:  Shape4{n.shape[0], n.shape[1], n.shape[2], n.shape[3]},
		chunkI: max(n.chunk[0], 1),
		chunkJ: max(n.chunk[1], 1),
	}
	l.frameLen = l.shape.FrameLen()
	return l, nil
}

func (l layout) check(coord Coord) error {
	if coord.I < 0 || coord.I >= l.shape[0] || coord.J < 0 || coord.J >= l.shape[1] {
		return services.Wrap(services.ErrValidation, "array-store", "region",
			fmt.Sprintf("coordinate %s outside scan %dx%d", coord, l.shape[0], l.shape[1]), nil)
	}
	return nil
}

func (l layout) chunkOf(coord Coord) (int, int) { return coord.I / l.chunkI, coord.J / l.chunkJ }

func (l layout) chunkBytes() int { return l.chunkI * l.chunkJ * l.frameLen * l.dtype.Size() }

func (l layout) offset(coord Coord) int {
	slot := (coord.I%l.chunkI)*l.chunkJ + coord.J%l.chunkJ
	return slot * l.frameLen * l.dtype.Size()
}

// WriteRegion stores one detector frame at coord. The frame length must be
// dp_i*dp_j. The chunk holding the frame is rewritten in a single transaction
// under the store lock, so a concurrent reader or writer never sees a partial
// frame.
func (s *Store) WriteRegion(ctx context.Context, name string, coord Coord, frame []float32) error {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginMutation()
	if err != nil {
		return err
	}
	defer release()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lookupNode(ctx, tx, name)
		if err != nil {
			return err
		}
		if n == nil {
			return services.Wrap(services.ErrNotFound, "array-store", "write region", name, nil)
		}
		l, err := layoutOf(n)
		if err != nil {
			return err
		}
		if err := l.check(coord); err != nil {
			return err
		}
		if len(frame) != l.frameLen {
			return services.Wrap(services.ErrValidation, "array-store", "write region",
				fmt.Sprintf("frame has %d elements, dataset %s expects %d", len(frame), name, l.frameLen), nil)
		}
		ci, cj := l.chunkOf(coord)
		blob, err := loadChunk(ctx, tx, name, ci, cj, l.chunkBytes())
		if err != nil {
			return err
		}
		off := l.offset(coord)
		encodeValues(blob[off:off+l.frameLen*l.dtype.Size()], l.dtype, frame)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (node_path, ci, cj, data) VALUES (?, ?, ?, ?)
ON CONFLICT(node_path, ci, cj) DO UPDATE SET data = excluded.data`,
			name, ci, cj, blob,
		); err != nil {
			return services.Wrap(services.ErrWriteFailure, "array-store", "write region", name+" "+coord.String(), err)
		}
		return nil
	})
}

// ReadRegion returns the frame stored at coord. Frames never written read as
// zeros.
func (s *Store) ReadRegion(ctx context.Context, name string, coord Coord) ([]float32, error) {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginRead()
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := lookupNode(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, services.Wrap(services.ErrNotFound, "array-store", "read region", name, nil)
	}
	l, err := layoutOf(n)
	if err != nil {
		return nil, err
	}
	if err := l.check(coord); err != nil {
		return nil, err
	}
	ci, cj := l.chunkOf(coord)
	blob, err := loadChunk(ctx, s.db, name, ci, cj, l.chunkBytes())
	if err != nil {
		return nil, err
	}
	out := make([]float32, l.frameLen)
	off := l.offset(coord)
	decodeValues(out, l.dtype, blob[off:])
	return out, nil
}

// WriteImage replaces the contents of a 2D dataset created with CreateImage.
func (s *Store) WriteImage(ctx context.Context, name string, im Image) error {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	if !im.Valid() {
		return services.Wrap(services.ErrValidation, "array-store", "write image",
			fmt.Sprintf("image %dx%d carries %d values", im.Rows, im.Cols, len(im.Pix)), nil)
	}
	release, err := s.beginMutation()
	if err != nil {
		return err
	}
	defer release()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lookupNode(ctx, tx, name)
		if err != nil {
			return err
		}
		if n == nil {
			return services.Wrap(services.ErrNotFound, "array-store", "write image", name, nil)
		}
		if len(n.shape) != 2 || n.shape[0] != im.Rows || n.shape[1] != im.Cols {
			return services.Wrap(services.ErrValidation, "array-store", "write image",
				fmt.Sprintf("%s has shape %v, image is %dx%d", name, n.shape, im.Rows, im.Cols), nil)
		}
		blob := make([]byte, len(im.Pix)*n.dtype.Size())
		encodeValues(blob, n.dtype, im.Pix)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (node_path, ci, cj, data) VALUES (?, 0, 0, ?)
ON CONFLICT(node_path, ci, cj) DO UPDATE SET data = excluded.data`,
			name, blob,
		); err != nil {
			return services.Wrap(services.ErrWriteFailure, "array-store", "write image", name, err)
		}
		return nil
	})
}

// ReadImage loads a 2D dataset.
func (s *Store) ReadImage(ctx context.Context, name string) (Image, error) {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginRead()
	if err != nil {
		return Image{}, err
	}
	defer release()

	n, err := lookupNode(ctx, s.db, name)
	if err != nil {
		return Image{}, err
	}
	if n == nil {
		return Image{}, services.Wrap(services.ErrNotFound, "array-store", "read image", name, nil)
	}
	if n.kind != NodeDataset || len(n.shape) != 2 {
		return Image{}, services.Wrap(services.ErrValidation, "array-store", "read image", name+" is not a 2D dataset", nil)
	}
	im := NewImage(n.shape[0], n.shape[1])
	blob, err := loadChunk(ctx, s.db, name, 0, 0, len(im.Pix)*n.dtype.Size())
	if err != nil {
		return Image{}, err
	}
	decodeValues(im.Pix, n.dtype, blob)
	return im, nil
}

func loadChunk(ctx context.Context, q querier, name string, ci, cj, size int) ([]byte, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE node_path = ? AND ci = ? AND cj = ?`, name, ci, cj,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return make([]byte, size), nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrReadFailure, "array-store", "read chunk", fmt.Sprintf("%s[%d,%d]", name, ci, cj), err)
	}
	if len(data) != size {
		return nil, services.Wrap(services.ErrInvalidFormat, "array-store", "read chunk",
			fmt.Sprintf("%s[%d,%d] has %d bytes, expected %d", name, ci, cj, len(data), size), nil)
	}
	return data, nil
}
