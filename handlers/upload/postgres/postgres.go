// Package postgres keeps the file lists of entities in a Postgres table,
// one JSONB array per entity.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "entity_files"

// DB is the subset of *pgxpool.Pool used by the Repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements upload.MetadataRepository.
type Repository struct {
	db    DB
	table string
}

// NewRepository creates a Repository. An empty table selects DefaultTable.
func NewRepository(db DB, table string) *Repository {
	if table == "" {
		table = DefaultTable
	}
	return &Repository{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// Migrate creates the table when it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	files       JSONB NOT NULL DEFAULT '[]',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, entity_id)
);`, r.table)
	_, err := r.db.Exec(ctx, q)
	return errors.Wrap(err, "failed to migrate file metadata table")
}

// Update applies fn to the file list of the entity inside a transaction that
// holds the row lock, so that concurrent uploads to the same entity merge
// instead of overwriting each other.
func (r *Repository) Update(ctx context.Context, entityType jobs.EntityType, entityID string, fn func(existing []jobs.FileMetadata) []jobs.FileMetadata) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ensure := fmt.Sprintf(`INSERT INTO %s (entity_type, entity_id) VALUES ($1, $2) ON CONFLICT DO NOTHING;`, r.table)
	if _, err = tx.Exec(ctx, ensure, string(entityType), entityID); err != nil {
		return errors.Wrap(err, "failed to create file list")
	}

	var raw []byte
	lock := fmt.Sprintf(`SELECT files FROM %s WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE;`, r.table)
	if err = tx.QueryRow(ctx, lock, string(entityType), entityID).Scan(&raw); err != nil {
		return errors.Wrap(err, "failed to lock file list")
	}
	var existing []jobs.FileMetadata
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &existing); err != nil {
			return errors.Wrap(err, "corrupt file list")
		}
	}

	updated := fn(existing)
	if updated == nil {
		updated = []jobs.FileMetadata{}
	}
	b, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	write := fmt.Sprintf(`UPDATE %s SET files = $3, updated_at = now() WHERE entity_type = $1 AND entity_id = $2;`, r.table)
	if _, err = tx.Exec(ctx, write, string(entityType), entityID, b); err != nil {
		return errors.Wrap(err, "failed to write file list")
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit file list")
	}
	return nil
}

// Files returns the file list of the entity, empty when it has none.
func (r *Repository) Files(ctx context.Context, entityType jobs.EntityType, entityID string) ([]jobs.FileMetadata, error) {
	var raw []byte
	q := fmt.Sprintf(`SELECT files FROM %s WHERE entity_type = $1 AND entity_id = $2;`, r.table)
	err := r.db.QueryRow(ctx, q, string(entityType), entityID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []jobs.FileMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	var files []jobs.FileMetadata
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, errors.Wrap(err, "corrupt file list")
	}
	return files, nil
}
