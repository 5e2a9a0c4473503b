package arraystore

import (
	"context"
	"database/sql"
	"fmt"

	"stemflow/internal/services"
)

func upsertAttribute(ctx context.Context, tx *sql.Tx, name, key string, v Value) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO attributes (node_path, name, kind, value, position)
VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM attributes WHERE node_path = ?))
ON CONFLICT(node_path, name) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		name, key, string(v.Kind()), v.String(), name)
	if err != nil {
		return fmt.Errorf("write attribute %s on %s: %w", key, name, err)
	}
	return nil
}

// SetAttribute stores one attribute on a node. Known keys must carry their
// declared kind. Failures are logged and reported as false.
func (s *Store) SetAttribute(ctx context.Context, name, key string, v Value) bool {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	if err := s.setAttributes(ctx, name, []string{key}, []Value{v}); err != nil {
		s.logFailure("set_attribute", name, err)
		return false
	}
	return true
}

// SetAttributes stores every entry of attrs on a node in one transaction.
func (s *Store) SetAttributes(ctx context.Context, name string, attrs *Attributes) bool {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	keys := attrs.Keys()
	values := make([]Value, len(keys))
	for i, key := range keys {
		values[i], _ = attrs.Get(key)
	}
	if err := s.setAttributes(ctx, name, keys, values); err != nil {
		s.logFailure("set_attributes", name, err)
		return false
	}
	return true
}

func (s *Store) setAttributes(ctx context.Context, name string, keys []string, values []Value) error {
	for i, key := range keys {
		if err := CheckAttribute(key, values[i]); err != nil {
			return err
		}
	}
	release, err := s.beginMutation()
	if err != nil {
		return err
	}
	defer release()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lookupNode(ctx, tx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return services.Wrap(services.ErrNotFound, "array-store", "set attribute", name, nil)
		}
		for i, key := range keys {
			if err := checkShapeAttribute(existing, key, values[i]); err != nil {
				return err
			}
		}
		for i, key := range keys {
			if err := upsertAttribute(ctx, tx, name, key, values[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAttribute removes one attribute. Deleting an absent key reports false.
func (s *Store) DeleteAttribute(ctx context.Context, name, key string) bool {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginMutation()
	if err != nil {
		s.logFailure("delete_attribute", name, err)
		return false
	}
	defer release()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := lookupNode(ctx, tx, name)
		if err != nil {
			return err
		}
		if n != nil && shapeAxis(n, key) >= 0 {
			return services.Wrap(services.ErrValidation, "array-store", "delete attribute",
				key+" on "+name+" is derived from the dataset shape", nil)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE node_path = ? AND name = ?`, name, key)
		if err != nil {
			return fmt.Errorf("delete attribute: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return services.Wrap(services.ErrNotFound, "array-store", "delete attribute", name+"@"+key, nil)
		}
		return nil
	})
	if err != nil {
		s.logFailure("delete_attribute", name, err)
		return false
	}
	return true
}

// Attributes returns the ordered attributes of a node. A missing node or a
// read failure is logged and yields nil.
func (s *Store) Attributes(ctx context.Context, name string) *Attributes {
	ctx = ensureContext(ctx)
	name = CleanName(name)
	release, err := s.beginRead()
	if err != nil {
		s.logFailure("attributes", name, err)
		return nil
	}
	defer release()

	n, err := lookupNode(ctx, s.db, name)
	if err == nil && n == nil {
		err = services.Wrap(services.ErrNotFound, "array-store", "attributes", name, nil)
	}
	if err != nil {
		s.logFailure("attributes", name, err)
		return nil
	}
	attrs, err := s.loadAttributes(ctx, name)
	if err != nil {
		s.logFailure("attributes", name, err)
		return nil
	}
	return attrs
}

func (s *Store) loadAttributes(ctx context.Context, name string) (*Attributes, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, value FROM attributes WHERE node_path = ? ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("list attributes of %s: %w", name, err)
	}
	defer rows.Close()
	attrs := NewAttributes()
	for rows.Next() {
		var key, kind, raw string
		if err := rows.Scan(&key, &kind, &raw); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		v, err := parseValue(ValueKind(kind), raw)
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidFormat, "array-store", "attributes", name+"@"+key, err)
		}
		attrs.Set(key, v)
	}
	return attrs, rows.Err()
}

func (s *Store) loadAllAttributes(ctx context.Context, nodes map[string]*Node) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_path, name, kind, value FROM attributes ORDER BY node_path, position`)
	if err != nil {
		return fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, key, kind, raw string
		if err := rows.Scan(&p, &key, &kind, &raw); err != nil {
			return fmt.Errorf("scan attribute: %w", err)
		}
		n, ok := nodes[p]
		if !ok {
			continue
		}
		v, err := parseValue(ValueKind(kind), raw)
		if err != nil {
			return services.Wrap(services.ErrInvalidFormat, "array-store", "attributes", p+"@"+key, err)
		}
		n.Attrs.Set(key, v)
	}
	return rows.Err()
}

var shapeAttrAxes = map[string]int{AttrScanI: 0, AttrScanJ: 1, AttrDetectorI: 2, AttrDetectorJ: 3}

// shapeAxis returns the axis a shape-derived key mirrors on a 4D dataset, or
// -1 when the key is free to change.
func shapeAxis(n *node, key string) int {
	axis, ok := shapeAttrAxes[key]
	if !ok || n.kind != NodeDataset || len(n.shape) != 4 {
		return -1
	}
	return axis
}

// checkShapeAttribute rejects values for scan_i, scan_j, dp_i and dp_j that
// disagree with the dataset's fixed shape. Rewriting the same value is allowed.
func checkShapeAttribute(n *node, key string, v Value) error {
	axis := shapeAxis(n, key)
	if axis < 0 {
		return nil
	}
	if got, ok := v.AsInt(); ok && got == int64(n.shape[axis]) {
		return nil
	}
	return services.Wrap(services.ErrValidation, "array-store", "set attribute",
		fmt.Sprintf("%s on %s is fixed at %d by the dataset shape", key, n.path, n.shape[axis]), nil)
}
