package arraystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"stemflow/internal/services"
)

// NodeKind distinguishes groups from datasets.
type NodeKind string

const (
	NodeGroup   NodeKind = "group"
	NodeDataset NodeKind = "dataset"
)

// Shape4 is the shape of a 4D acquisition: scan_i, scan_j, dp_i, dp_j.
type Shape4 [4]int

// FrameLen is the number of elements in one detector frame.
func (s Shape4) FrameLen() int { return s[2] * s[3] }

// Frames is the number of scan positions.
func (s Shape4) Frames() int { return s[0] * s[1] }

func (s Shape4) valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0 && s[3] > 0
}

func (s Shape4) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s[0], s[1], s[2], s[3])
}

// Node describes one entry yielded by Traverse or Dataset.
type Node struct {
	Name  string
	Kind  NodeKind
	DType DType
	Shape []int
	Chunk []int
	Attrs *Attributes
}

// Shape4 returns the node shape as a 4D shape when it has four axes.
func (n Node) Shape4() (Shape4, bool) {
	if len(n.Shape) != 4 {
		return Shape4{}, false
	}
	return Shape4{n.Shape[0], n.Shape[1], n.Shape[2], n.Shape[3]}, true
}

type node struct {
	path   string
	parent string
	kind   NodeKind
	dtype  DType
	shape  []int
	chunk  []int
}

// DatasetOption customizes CreateDataset.
type DatasetOption func(*datasetOptions)

type datasetOptions struct {
	chunkI, chunkJ int
}

// WithScanChunks sets how many scan positions along each scan axis share one
// chunk. Detector axes are never split. The default is one frame per chunk.
func WithScanChunks(i, j int) DatasetOption {
	return func(o *datasetOptions) {
		if i > 0 {
			o.chunkI = i
		}
		if j > 0 {
			o.chunkJ = j
		}
	}
}

// CleanName normalizes a node name to an absolute slash path.
func CleanName(name string) string {
	return path.Clean("/" + strings.TrimSpace(name))
}

// CreateDataset adds a 4D dataset. Missing parent groups are created. It
// reports false, after logging, when the name is taken, the shape or type is
// invalid, or the store cannot be written.
func (s *Store) CreateDataset(ctx context.Context, name string, shape Shape4, dtype DType, opts ...DatasetOption) bool {
	options := datasetOptions{chunkI: 1, chunkJ: 1}
	for _, opt := range opts {
		opt(&options)
	}
	name = CleanName(name)
	if !shape.valid() {
		s.logFailure("create_dataset", name, services.Wrap(services.ErrValidation, "array-store", "create dataset", "shape "+shape.String()+" must be positive", nil))
		return false
	}
	n := node{
		path:  name,
		kind:  NodeDataset,
		dtype: dtype,
		shape: shape[:],
		chunk: []int{min(options.chunkI, shape[0]), min(options.chunkJ, shape[1]), shape[2], shape[3]},
	}
	attrs := NewAttributes()
	attrs.Set(AttrScanI, Int(int64(shape[0])))
	attrs.Set(AttrScanJ, Int(int64(shape[1])))
	attrs.Set(AttrDetectorI, Int(int64(shape[2])))
	attrs.Set(AttrDetectorJ, Int(int64(shape[3])))
	if err := s.createNode(ctx, n, attrs); err != nil {
		s.logFailure("create_dataset", name, err)
		return false
	}
	return true
}

// CreateImage adds a 2D float dataset for derived results. Failure semantics
// match CreateDataset.
func (s *Store) CreateImage(ctx context.Context, name string, rows, cols int) bool {
	name = CleanName(name)
	if rows <= 0 || cols <= 0 {
		s.logFailure("create_image", name, services.Wrap(services.ErrValidation, "array-store", "create image",
			fmt.Sprintf("shape (%d, %d) must be positive", rows, cols), nil))
		return false
	}
	n := node{path: name, kind: NodeDataset, dtype: Float64, shape: []int{rows, cols}, chunk: []int{rows, cols}}
	if err := s.createNode(ctx, n, nil); err != nil {
		s.logFailure("create_image", name, err)
		return false
	}
	return true
}

// CreateGroup adds a group and any missing parents.
func (s *Store) CreateGroup(ctx context.Context, name string) bool {
	name = CleanName(name)
	if err := s.createNode(ctx, node{path: name, kind: NodeGroup}, nil); err != nil {
		s.logFailure("create_group", name, err)
		return false
	}
	return true
}

func (s *Store) createNode(ctx context.Context, n node, attrs *Attributes) error {
	ctx = ensureContext(ctx)
	if n.path == "/" {
		return services.Wrap(services.ErrValidation, "array-store", "create", "the root group already exists", nil)
	}
	if n.kind == NodeDataset && n.dtype.Size() == 0 {
		return services.Wrap(services.ErrValidation, "array-store", "create", fmt.Sprintf("unsupported element type %q", n.dtype), nil)
	}
	release, err := s.beginMutation()
	if err != nil {
		return err
	}
	defer release()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupNode(ctx, tx, n.path)
		if err != nil {
			return err
		}
		if existing != nil {
			return services.Wrap(services.ErrAlreadyExists, "array-store", "create", n.path, nil)
		}
		if err := ensureParents(ctx, tx, n.path, now); err != nil {
			return err
		}
		n.parent = path.Dir(n.path)
		if err := insertNode(ctx, tx, n, now); err != nil {
			return err
		}
		for _, key := range attrs.Keys() {
			v, _ := attrs.Get(key)
			if err := upsertAttribute(ctx, tx, n.path, key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureParents(ctx context.Context, tx *sql.Tx, name, now string) error {
	parent := path.Dir(name)
	if parent == "/" {
		return nil
	}
	existing, err := lookupNode(ctx, tx, parent)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.kind != NodeGroup {
			return services.Wrap(services.ErrValidation, "array-store", "create", parent+" is a dataset", nil)
		}
		return nil
	}
	if err := ensureParents(ctx, tx, parent, now); err != nil {
		return err
	}
	return insertNode(ctx, tx, node{path: parent, parent: path.Dir(parent), kind: NodeGroup}, now)
}

func insertNode(ctx context.Context, tx *sql.Tx, n node, now string) error {
	var shapeJSON, chunkJSON, dtype any
	if n.kind == NodeDataset {
		encoded, err := json.Marshal(n.shape)
		if err != nil {
			return fmt.Errorf("encode shape: %w", err)
		}
		shapeJSON = string(encoded)
		encoded, err = json.Marshal(n.chunk)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		chunkJSON = string(encoded)
		dtype = string(n.dtype)
	}
	var parent any
	if n.parent != "" {
		parent = n.parent
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (path, parent, kind, dtype, shape, chunk, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.path, parent, string(n.kind), dtype, shapeJSON, chunkJSON, now,
	); err != nil {
		return fmt.Errorf("insert node %s: %w", n.path, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupNode(ctx context.Context, q querier, name string) (*node, error) {
	var (
		parent, dtype, shape, chunk sql.NullString
		kind                        string
	)
	err := q.QueryRowContext(ctx,
		`SELECT parent, kind, dtype, shape, chunk FROM nodes WHERE path = ?`, name,
	).Scan(&parent, &kind, &dtype, &shape, &chunk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup node %s: %w", name, err)
	}
	n := &node{path: name, parent: parent.String, kind: NodeKind(kind), dtype: DType(dtype.String)}
	if shape.Valid {
		if err := json.Unmarshal([]byte(shape.String), &n.shape); err != nil {
			return nil, fmt.Errorf("decode shape of %s: %w", name, err)
		}
	}
	if chunk.Valid {
		if err := json.Unmarshal([]byte(chunk.String), &n.chunk); err != nil {
			return nil, fmt.Errorf("decode chunk of %s: %w", name, err)
		}
	}
	return n, nil
}

// Dataset describes a single node. Missing nodes report services.ErrNotFound.
func (s *Store) Dataset(ctx context.Context, name string) (Node, error) {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginRead()
	if err != nil {
		return Node{}, err
	}
	defer release()

	n, err := lookupNode(ctx, s.db, name)
	if err != nil {
		return Node{}, err
	}
	if n == nil {
		return Node{}, services.Wrap(services.ErrNotFound, "array-store", "dataset", name, nil)
	}
	attrs, err := s.loadAttributes(ctx, name)
	if err != nil {
		return Node{}, err
	}
	return Node{Name: n.path, Kind: n.kind, DType: n.dtype, Shape: n.shape, Chunk: n.chunk, Attrs: attrs}, nil
}

// DeleteDataset removes a node together with its descendants, chunks and
// attributes. The root group cannot be deleted.
func (s *Store) DeleteDataset(ctx context.Context, name string) bool {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	if name == "/" {
		s.logFailure("delete_dataset", name, services.Wrap(services.ErrValidation, "array-store", "delete", "cannot delete the root group", nil))
		return false
	}
	release, err := s.beginMutation()
	if err != nil {
		s.logFailure("delete_dataset", name, err)
		return false
	}
	defer release()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prefix := name + "/"
		res, err := tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE path = ? OR substr(path, 1, ?) = ?`, name, len(prefix), prefix)
		if err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return services.Wrap(services.ErrNotFound, "array-store", "delete", name, nil)
		}
		return nil
	})
	if err != nil {
		s.logFailure("delete_dataset", name, err)
		return false
	}
	return true
}

// Traverse walks the tree depth-first from the root, children in creation
// order, yielding every group and dataset with its attributes. Failures are
// logged and yield an empty result.
func (s *Store) Traverse(ctx context.Context) []Node {
	ctx = ensureContext(ctx)
	release, err := s.beginRead()
	if err != nil {
		s.logFailure("traverse", "/", err)
		return nil
	}
	defer release()

	nodes, err := s.traverse(ctx)
	if err != nil {
		s.logFailure("traverse", "/", err)
		return nil
	}
	return nodes
}

func (s *Store) traverse(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, parent, kind, dtype, shape, chunk FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	byPath := make(map[string]*Node)
	children := make(map[string][]string)
	for rows.Next() {
		var (
			p, kind                     string
			parent, dtype, shape, chunk sql.NullString
		)
		if err := rows.Scan(&p, &parent, &kind, &dtype, &shape, &chunk); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n := &Node{Name: p, Kind: NodeKind(kind), DType: DType(dtype.String), Attrs: NewAttributes()}
		if shape.Valid {
			_ = json.Unmarshal([]byte(shape.String), &n.Shape)
		}
		if chunk.Valid {
			_ = json.Unmarshal([]byte(chunk.String), &n.Chunk)
		}
		byPath[p] = n
		if parent.Valid {
			children[parent.String] = append(children[parent.String], p)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	rows.Close()

	if err := s.loadAllAttributes(ctx, byPath); err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(byPath))
	var walk func(p string)
	walk = func(p string) {
		n, ok := byPath[p]
		if !ok {
			return
		}
		out = append(out, *n)
		for _, child := range children[p] {
			walk(child)
		}
	}
	walk("/")
	return out, nil
}
