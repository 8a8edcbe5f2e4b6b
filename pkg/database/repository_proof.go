// Copyright 2025 Certen Protocol
//
// Proof Unit Repository - CRUD operations for content-addressed Proof
// Units and their per-account value_proof_map ordering rows (spec.md
// §6's proof_units / accounts / value_proof_map tables).

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/certen/vpb-ledger/pkg/proof"
)

// ProofUnitRepository implements proof.Repository against the
// proof_units / value_proof_map tables.
type ProofUnitRepository struct {
	client *Client
}

// NewProofUnitRepository creates a new proof unit repository.
func NewProofUnitRepository(client *Client) *ProofUnitRepository {
	return &ProofUnitRepository{client: client}
}

// GetUnit returns the stored unit and true if it exists.
func (r *ProofUnitRepository) GetUnit(ctx context.Context, unitID string) (proof.Unit, bool, error) {
	query := `
		SELECT unit_id, owner, multi_tx_blob, merkle_path_blob, ref_count
		FROM proof_units
		WHERE unit_id = $1`

	var (
		u        proof.Unit
		txBlob   []byte
		pathBlob []byte
	)
	err := r.client.QueryRowContext(ctx, query, unitID).Scan(&u.UnitID, &u.Owner, &txBlob, &pathBlob, &u.RefCount)
	if err == sql.ErrNoRows {
		return proof.Unit{}, false, nil
	}
	if err != nil {
		return proof.Unit{}, false, fmt.Errorf("database: get proof unit: %w", err)
	}
	if err := json.Unmarshal(txBlob, &u.MultiTx); err != nil {
		return proof.Unit{}, false, fmt.Errorf("database: decode multi_tx_blob: %w", err)
	}
	if err := json.Unmarshal(pathBlob, &u.MerklePath); err != nil {
		return proof.Unit{}, false, fmt.Errorf("database: decode merkle_path_blob: %w", err)
	}
	return u, true, nil
}

// PutUnit inserts a brand-new unit row with ref_count = 1.
func (r *ProofUnitRepository) PutUnit(ctx context.Context, u proof.Unit) error {
	txBlob, err := json.Marshal(u.MultiTx)
	if err != nil {
		return fmt.Errorf("database: encode multi_tx_blob: %w", err)
	}
	pathBlob, err := json.Marshal(u.MerklePath)
	if err != nil {
		return fmt.Errorf("database: encode merkle_path_blob: %w", err)
	}

	query := `
		INSERT INTO proof_units (unit_id, owner, multi_tx_blob, merkle_path_blob, ref_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (unit_id) DO NOTHING`

	_, err = r.client.ExecContext(ctx, query, u.UnitID, u.Owner, txBlob, pathBlob)
	if err != nil {
		return fmt.Errorf("database: put proof unit: %w", err)
	}
	return nil
}

// IncrementRefCount bumps ref_count by one and returns the new value.
func (r *ProofUnitRepository) IncrementRefCount(ctx context.Context, unitID string) (int, error) {
	var refCount int
	query := `UPDATE proof_units SET ref_count = ref_count + 1 WHERE unit_id = $1 RETURNING ref_count`
	err := r.client.QueryRowContext(ctx, query, unitID).Scan(&refCount)
	if err == sql.ErrNoRows {
		return 0, ErrProofUnitNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("database: increment ref_count: %w", err)
	}
	return refCount, nil
}

// DecrementRefCount lowers ref_count by one and returns the new value.
func (r *ProofUnitRepository) DecrementRefCount(ctx context.Context, unitID string) (int, error) {
	var refCount int
	query := `UPDATE proof_units SET ref_count = ref_count - 1 WHERE unit_id = $1 RETURNING ref_count`
	err := r.client.QueryRowContext(ctx, query, unitID).Scan(&refCount)
	if err == sql.ErrNoRows {
		return 0, ErrProofUnitNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("database: decrement ref_count: %w", err)
	}
	return refCount, nil
}

// DeleteUnit removes the unit row entirely.
func (r *ProofUnitRepository) DeleteUnit(ctx context.Context, unitID string) error {
	_, err := r.client.ExecContext(ctx, `DELETE FROM proof_units WHERE unit_id = $1`, unitID)
	if err != nil {
		return fmt.Errorf("database: delete proof unit: %w", err)
	}
	return nil
}

// InsertMapping inserts (account, valueNodeID, unitID) guarded by
// UNIQUE(account, value_node_id, unit_id). inserted is false if the
// pair was already mapped (a no-op per the UNIQUE constraint).
func (r *ProofUnitRepository) InsertMapping(ctx context.Context, account, valueNodeID, unitID string) (int64, bool, error) {
	if _, err := r.client.ExecContext(ctx, `INSERT INTO accounts (address) VALUES ($1) ON CONFLICT DO NOTHING`, account); err != nil {
		return 0, false, fmt.Errorf("database: ensure account row: %w", err)
	}

	query := `
		INSERT INTO value_proof_map (account, value_node_id, unit_id, sequence)
		SELECT $1, $2, $3, nextval('value_proof_map_sequence_seq')
		WHERE NOT EXISTS (
			SELECT 1 FROM value_proof_map
			WHERE account = $1 AND value_node_id = $2 AND unit_id = $3
		)
		RETURNING sequence`

	var sequence int64
	err := r.client.QueryRowContext(ctx, query, account, valueNodeID, unitID).Scan(&sequence)
	if err == sql.ErrNoRows {
		existing := `SELECT sequence FROM value_proof_map WHERE account = $1 AND value_node_id = $2 AND unit_id = $3`
		if err := r.client.QueryRowContext(ctx, existing, account, valueNodeID, unitID).Scan(&sequence); err != nil {
			return 0, false, fmt.Errorf("database: lookup existing mapping: %w", err)
		}
		return sequence, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("database: insert mapping: %w", err)
	}
	return sequence, true, nil
}

// DeleteMapping removes one mapping row.
func (r *ProofUnitRepository) DeleteMapping(ctx context.Context, account, valueNodeID, unitID string) error {
	query := `DELETE FROM value_proof_map WHERE account = $1 AND value_node_id = $2 AND unit_id = $3`
	res, err := r.client.ExecContext(ctx, query, account, valueNodeID, unitID)
	if err != nil {
		return fmt.Errorf("database: delete mapping: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return proof.ErrNotMapped
	}
	return nil
}

// ListMappings returns unit IDs for (account, valueNodeID) ordered by
// sequence ascending.
func (r *ProofUnitRepository) ListMappings(ctx context.Context, account, valueNodeID string) ([]string, error) {
	query := `
		SELECT unit_id FROM value_proof_map
		WHERE account = $1 AND value_node_id = $2
		ORDER BY sequence ASC`

	rows, err := r.client.QueryContext(ctx, query, account, valueNodeID)
	if err != nil {
		return nil, fmt.Errorf("database: list mappings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("database: scan mapping: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllUnitIDs returns every live unit_id, used to rebuild the Bloom
// filter from the proof_units table.
func (r *ProofUnitRepository) AllUnitIDs(ctx context.Context) ([]string, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT unit_id FROM proof_units`)
	if err != nil {
		return nil, fmt.Errorf("database: list unit ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("database: scan unit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListValueNodeIDs returns the distinct set of value_node_id rows
// mapped under account, used by the VPB Manager's integrity sweep.
func (r *ProofUnitRepository) ListValueNodeIDs(ctx context.Context, account string) ([]string, error) {
	rows, err := r.client.QueryContext(ctx, `SELECT DISTINCT value_node_id FROM value_proof_map WHERE account = $1`, account)
	if err != nil {
		return nil, fmt.Errorf("database: list value node ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("database: scan value node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
