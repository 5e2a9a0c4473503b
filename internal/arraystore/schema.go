package arraystore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"stemflow/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the container layout version. Bump this when schema.sql changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the store was written by an incompatible version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) checkSchema(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", "read schema version", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: %w: store has version %d, expected %d",
			services.ErrInvalidFormat, ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := insertNode(ctx, tx, node{path: "/", kind: NodeGroup}, now); err != nil {
			return err
		}
		for _, group := range []string{GroupReconstruction, GroupCalibration, GroupScratch} {
			if err := insertNode(ctx, tx, node{path: group, parent: "/", kind: NodeGroup}, now); err != nil {
				return err
			}
		}
		if err := upsertAttribute(ctx, tx, "/", AttrCreationTime, String(now)); err != nil {
			return err
		}
		return upsertAttribute(ctx, tx, "/", AttrFormatVersion, String(FormatVersion))
	})
}
