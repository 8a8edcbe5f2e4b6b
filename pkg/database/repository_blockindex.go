// Copyright 2025 Certen Protocol
//
// Block-Index List Repository - persistence for the per-Value ordered
// height/owner history (spec.md §4.3), stored as JSONB blobs since the
// list itself is always read and written whole.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/certen/vpb-ledger/pkg/blockindex"
)

// BlockIndexRepository implements vpb.BlockIndexRepository against the
// block_index_lists table.
type BlockIndexRepository struct {
	client *Client
}

// NewBlockIndexRepository creates a new block-index repository.
func NewBlockIndexRepository(client *Client) *BlockIndexRepository {
	return &BlockIndexRepository{client: client}
}

// Get returns the stored Block-Index List for (account, nodeID).
func (r *BlockIndexRepository) Get(ctx context.Context, account, nodeID string) (*blockindex.List, bool, error) {
	query := `SELECT heights, owners FROM block_index_lists WHERE account = $1 AND node_id = $2`

	var heightsBlob, ownersBlob []byte
	err := r.client.QueryRowContext(ctx, query, account, nodeID).Scan(&heightsBlob, &ownersBlob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("database: get block index: %w", err)
	}

	var heights []uint64
	if err := json.Unmarshal(heightsBlob, &heights); err != nil {
		return nil, false, fmt.Errorf("database: decode heights: %w", err)
	}
	var owners []blockindex.Owner
	if err := json.Unmarshal(ownersBlob, &owners); err != nil {
		return nil, false, fmt.Errorf("database: decode owners: %w", err)
	}

	list, err := blockindex.FromParts(heights, owners)
	if err != nil {
		return nil, false, fmt.Errorf("database: invalid stored block index: %w", err)
	}
	return list, true, nil
}

// Put upserts the Block-Index List for (account, nodeID).
func (r *BlockIndexRepository) Put(ctx context.Context, account, nodeID string, list *blockindex.List) error {
	if _, err := r.client.ExecContext(ctx, `INSERT INTO accounts (address) VALUES ($1) ON CONFLICT DO NOTHING`, account); err != nil {
		return fmt.Errorf("database: ensure account row: %w", err)
	}

	heightsBlob, err := json.Marshal(list.Heights())
	if err != nil {
		return fmt.Errorf("database: encode heights: %w", err)
	}
	ownersBlob, err := json.Marshal(list.Owners())
	if err != nil {
		return fmt.Errorf("database: encode owners: %w", err)
	}

	query := `
		INSERT INTO block_index_lists (account, node_id, heights, owners, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (account, node_id) DO UPDATE
		SET heights = EXCLUDED.heights, owners = EXCLUDED.owners, updated_at = now()`

	if _, err := r.client.ExecContext(ctx, query, account, nodeID, heightsBlob, ownersBlob); err != nil {
		return fmt.Errorf("database: put block index: %w", err)
	}
	return nil
}

// Has reports whether a Block-Index List already exists for (account, nodeID).
func (r *BlockIndexRepository) Has(ctx context.Context, account, nodeID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM block_index_lists WHERE account = $1 AND node_id = $2)`
	if err := r.client.QueryRowContext(ctx, query, account, nodeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("database: check block index existence: %w", err)
	}
	return exists, nil
}
