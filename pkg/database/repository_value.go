// Copyright 2025 Certen Protocol
//
// Value Repository - CRUD operations for the Value Collection's
// durable table (spec.md §4.2), secondary-indexed by state.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/certen/vpb-ledger/pkg/value"
)

// ValueRepository implements valuestore.Repository against the
// value_records table.
type ValueRepository struct {
	client *Client
}

// NewValueRepository creates a new value repository.
func NewValueRepository(client *Client) *ValueRepository {
	return &ValueRepository{client: client}
}

func (r *ValueRepository) ensureAccount(ctx context.Context, account string) error {
	_, err := r.client.ExecContext(ctx, `INSERT INTO accounts (address) VALUES ($1) ON CONFLICT DO NOTHING`, account)
	return err
}

// Insert adds a brand-new Value row for account keyed by nodeID.
func (r *ValueRepository) Insert(ctx context.Context, account, nodeID string, v value.Value) error {
	if err := r.ensureAccount(ctx, account); err != nil {
		return fmt.Errorf("database: ensure account row: %w", err)
	}

	query := `
		INSERT INTO value_records (account, node_id, begin_hex, num, state, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, node_id) DO NOTHING`

	_, err := r.client.ExecContext(ctx, query, account, nodeID, v.Begin(), v.Num(), string(v.State()), nullableTime(v.VerifiedAt()))
	if err != nil {
		return fmt.Errorf("database: insert value record: %w", err)
	}
	return nil
}

// UpdateState transitions the Value's lifecycle state in place.
func (r *ValueRepository) UpdateState(ctx context.Context, account, nodeID string, newState value.State, verifiedAt *time.Time) error {
	query := `
		UPDATE value_records
		SET state = $3, verified_at = $4, updated_at = now()
		WHERE account = $1 AND node_id = $2`

	res, err := r.client.ExecContext(ctx, query, account, nodeID, string(newState), nullableTime(verifiedAt))
	if err != nil {
		return fmt.Errorf("database: update value state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrValueNotFound
	}
	return nil
}

// Get returns the current Value for (account, nodeID).
func (r *ValueRepository) Get(ctx context.Context, account, nodeID string) (value.Value, bool, error) {
	query := `
		SELECT begin_hex, num, state, verified_at
		FROM value_records
		WHERE account = $1 AND node_id = $2`

	var (
		beginHex   string
		num        uint64
		state      string
		verifiedAt sql.NullTime
	)
	err := r.client.QueryRowContext(ctx, query, account, nodeID).Scan(&beginHex, &num, &state, &verifiedAt)
	if err == sql.ErrNoRows {
		return value.Value{}, false, nil
	}
	if err != nil {
		return value.Value{}, false, fmt.Errorf("database: get value record: %w", err)
	}

	v, err := value.New(beginHex, num, value.State(state), timePtr(verifiedAt))
	if err != nil {
		return value.Value{}, false, fmt.Errorf("database: decode value record: %w", err)
	}
	return v, true, nil
}

// FindByState returns every Value of account currently in state,
// keyed by node_id, backing the state-indexed balance query.
func (r *ValueRepository) FindByState(ctx context.Context, account string, state value.State) (map[string]value.Value, error) {
	query := `
		SELECT node_id, begin_hex, num, verified_at
		FROM value_records
		WHERE account = $1 AND state = $2`

	rows, err := r.client.QueryContext(ctx, query, account, string(state))
	if err != nil {
		return nil, fmt.Errorf("database: find values by state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]value.Value)
	for rows.Next() {
		var (
			nodeID     string
			beginHex   string
			num        uint64
			verifiedAt sql.NullTime
		)
		if err := rows.Scan(&nodeID, &beginHex, &num, &verifiedAt); err != nil {
			return nil, fmt.Errorf("database: scan value record: %w", err)
		}
		v, err := value.New(beginHex, num, state, timePtr(verifiedAt))
		if err != nil {
			return nil, fmt.Errorf("database: decode value record: %w", err)
		}
		out[nodeID] = v
	}
	return out, rows.Err()
}

// ListAll returns every Value belonging to account, keyed by node_id.
func (r *ValueRepository) ListAll(ctx context.Context, account string) (map[string]value.Value, error) {
	query := `SELECT node_id, begin_hex, num, state, verified_at FROM value_records WHERE account = $1`

	rows, err := r.client.QueryContext(ctx, query, account)
	if err != nil {
		return nil, fmt.Errorf("database: list values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]value.Value)
	for rows.Next() {
		var (
			nodeID     string
			beginHex   string
			num        uint64
			state      string
			verifiedAt sql.NullTime
		)
		if err := rows.Scan(&nodeID, &beginHex, &num, &state, &verifiedAt); err != nil {
			return nil, fmt.Errorf("database: scan value record: %w", err)
		}
		v, err := value.New(beginHex, num, value.State(state), timePtr(verifiedAt))
		if err != nil {
			return nil, fmt.Errorf("database: decode value record: %w", err)
		}
		out[nodeID] = v
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
