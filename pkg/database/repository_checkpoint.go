// Copyright 2025 Certen Protocol
//
// Checkpoint Repository - CRUD operations over the durable
// (begin_hex, num) -> (owner, height) table (spec.md §4.5, §6).

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/certen/vpb-ledger/pkg/checkpoint"
)

// CheckpointRepository implements checkpoint.Repository against the
// checkpoints table.
type CheckpointRepository struct {
	client *Client
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(client *Client) *CheckpointRepository {
	return &CheckpointRepository{client: client}
}

// Insert adds a brand-new checkpoint record.
func (r *CheckpointRepository) Insert(ctx context.Context, rec checkpoint.Record) error {
	query := `
		INSERT INTO checkpoints (begin_hex, num, owner, height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.client.ExecContext(ctx, query, rec.BeginHex, rec.Num, rec.Owner, rec.Height, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("database: insert checkpoint: %w", err)
	}
	return nil
}

// UpdateExact overwrites the owner/height of an existing checkpoint
// identified by its exact (begin_hex, num) key.
func (r *CheckpointRepository) UpdateExact(ctx context.Context, beginHex string, num uint64, newOwner string, newHeight uint64, updatedAt time.Time) (checkpoint.Record, bool, error) {
	query := `
		UPDATE checkpoints
		SET owner = $3, height = $4, updated_at = $5
		WHERE begin_hex = $1 AND num = $2
		RETURNING begin_hex, num, owner, height, created_at, updated_at`

	var rec checkpoint.Record
	err := r.client.QueryRowContext(ctx, query, beginHex, num, newOwner, newHeight, updatedAt).
		Scan(&rec.BeginHex, &rec.Num, &rec.Owner, &rec.Height, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, false, nil
	}
	if err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("database: update checkpoint: %w", err)
	}
	return rec, true, nil
}

// GetExact returns the checkpoint at the exact (begin_hex, num) key.
func (r *CheckpointRepository) GetExact(ctx context.Context, beginHex string, num uint64) (checkpoint.Record, bool, error) {
	query := `
		SELECT begin_hex, num, owner, height, created_at, updated_at
		FROM checkpoints
		WHERE begin_hex = $1 AND num = $2`

	var rec checkpoint.Record
	err := r.client.QueryRowContext(ctx, query, beginHex, num).
		Scan(&rec.BeginHex, &rec.Num, &rec.Owner, &rec.Height, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, false, nil
	}
	if err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("database: get checkpoint: %w", err)
	}
	return rec, true, nil
}

// ListByHeightDesc returns every record ordered by height descending,
// the scan order find_containing relies on.
func (r *CheckpointRepository) ListByHeightDesc(ctx context.Context) ([]checkpoint.Record, error) {
	return r.queryRecords(ctx, `
		SELECT begin_hex, num, owner, height, created_at, updated_at
		FROM checkpoints
		ORDER BY height DESC`)
}

// ListByOwner returns every checkpoint recorded for owner.
func (r *CheckpointRepository) ListByOwner(ctx context.Context, owner string) ([]checkpoint.Record, error) {
	return r.queryRecords(ctx, `
		SELECT begin_hex, num, owner, height, created_at, updated_at
		FROM checkpoints
		WHERE owner = $1
		ORDER BY height DESC`, owner)
}

// ListAll returns every checkpoint record.
func (r *CheckpointRepository) ListAll(ctx context.Context) ([]checkpoint.Record, error) {
	return r.queryRecords(ctx, `
		SELECT begin_hex, num, owner, height, created_at, updated_at
		FROM checkpoints
		ORDER BY begin_hex ASC, num ASC`)
}

// Delete removes the checkpoint at the exact (begin_hex, num) key.
func (r *CheckpointRepository) Delete(ctx context.Context, beginHex string, num uint64) error {
	_, err := r.client.ExecContext(ctx, `DELETE FROM checkpoints WHERE begin_hex = $1 AND num = $2`, beginHex, num)
	if err != nil {
		return fmt.Errorf("database: delete checkpoint: %w", err)
	}
	return nil
}

func (r *CheckpointRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]checkpoint.Record, error) {
	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: query checkpoints: %w", err)
	}
	defer rows.Close()

	var records []checkpoint.Record
	for rows.Next() {
		var rec checkpoint.Record
		if err := rows.Scan(&rec.BeginHex, &rec.Num, &rec.Owner, &rec.Height, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("database: scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
