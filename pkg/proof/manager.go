// Copyright 2025 Certen Protocol

package proof

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/certen/vpb-ledger/pkg/bloomfilter"
	"github.com/certen/vpb-ledger/pkg/metrics"
)

// Outcome classifies how AddProof resolved a single (value_node_id, unit)
// pair against the dedup protocol of spec.md §4.4.
type Outcome string

const (
	OutcomeExisting   Outcome = "existing"
	OutcomeNew        Outcome = "new"
	OutcomeNewBloomFP Outcome = "new_bloom_fp"
)

// Repository is the durable persistence boundary the Manager drives. A
// concrete implementation lives in pkg/database, backed by the
// proof_units and value_proof_map tables (spec.md §4.4).
type Repository interface {
	// GetUnit returns the stored unit and true if it exists.
	GetUnit(ctx context.Context, unitID string) (Unit, bool, error)
	// PutUnit inserts a brand-new unit row with ref_count = 1.
	PutUnit(ctx context.Context, u Unit) error
	// IncrementRefCount bumps ref_count by one and returns the new value.
	IncrementRefCount(ctx context.Context, unitID string) (int, error)
	// DecrementRefCount lowers ref_count by one and returns the new value.
	DecrementRefCount(ctx context.Context, unitID string) (int, error)
	// DeleteUnit removes the unit row entirely.
	DeleteUnit(ctx context.Context, unitID string) error
	// InsertMapping inserts (account, valueNodeID, unitID) guarded by
	// UNIQUE(account, value_node_id, unit_id). inserted is false if the
	// pair was already mapped (a no-op per the UNIQUE constraint).
	InsertMapping(ctx context.Context, account, valueNodeID, unitID string) (sequence int64, inserted bool, err error)
	// DeleteMapping removes one mapping row.
	DeleteMapping(ctx context.Context, account, valueNodeID, unitID string) error
	// ListMappings returns unit IDs for (account, valueNodeID) ordered by
	// sequence ascending.
	ListMappings(ctx context.Context, account, valueNodeID string) ([]string, error)
	// AllUnitIDs returns every live unit_id, used to rebuild the Bloom
	// filter from scratch.
	AllUnitIDs(ctx context.Context) ([]string, error)
	// ListValueNodeIDs returns every value_node_id this account has at
	// least one mapping for, used by the VPB Manager's integrity check
	// (spec.md §4.6).
	ListValueNodeIDs(ctx context.Context, account string) ([]string, error)
}

// ErrNotMapped is returned by RemoveMapping when the pair was not
// mapped to begin with.
var ErrNotMapped = errors.New("proof: value/unit pair is not mapped")

// Manager is the per-account Proof Manager (C5): owns the in-memory
// Bloom filter and ordered-mapping cache in front of Repository.
type Manager struct {
	mu      sync.Mutex
	account string
	repo    Repository
	bf      *bloomfilter.Filter
	cache   map[string]Unit     // unit_id -> last known unit (mirrors durable ref_count)
	order   map[string][]string // value_node_id -> ordered unit_ids (sequence order)
	log     *log.Logger
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) { m.log = logger }
}

// NewManager constructs a Proof Manager for account, sizing its Bloom
// filter per spec.md §4.4's formula for an expected n insertions at
// false-positive rate p.
func NewManager(account string, repo Repository, n uint, p float64, opts ...ManagerOption) *Manager {
	m := &Manager{
		account: account,
		repo:    repo,
		bf:      bloomfilter.New(n, p),
		cache:   make(map[string]Unit),
		order:   make(map[string][]string),
		log:     log.New(log.Writer(), "[ProofManager] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddProof runs the dedup protocol of spec.md §4.4 steps 1-4 for a
// single (valueNodeID, unit) pair.
func (m *Manager) AddProof(ctx context.Context, valueNodeID string, u Unit) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome, err := m.storeUnit(ctx, u)
	if err != nil {
		return "", err
	}

	seq, inserted, err := m.repo.InsertMapping(ctx, m.account, valueNodeID, u.UnitID)
	if err != nil {
		return "", fmt.Errorf("insert mapping: %w", err)
	}
	if inserted {
		m.order[valueNodeID] = append(m.order[valueNodeID], u.UnitID)
	} else {
		m.log.Printf("mapping already present for value=%s unit=%s seq=%d, skipping cache append", valueNodeID, u.UnitID, seq)
	}

	metrics.ProofDedupOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// storeUnit implements steps 1-3 of the dedup protocol: Bloom probe,
// durable confirmation, and unit creation/ref-count bump.
func (m *Manager) storeUnit(ctx context.Context, u Unit) (Outcome, error) {
	key := []byte(u.UnitID)

	if !m.bf.Test(key) {
		// Step 3: Bloom says absent -- definitely new.
		if err := m.repo.PutUnit(ctx, u); err != nil {
			return "", fmt.Errorf("put unit: %w", err)
		}
		m.bf.Add(key)
		m.cache[u.UnitID] = u
		metrics.ProofUnitsTotal.Inc()
		return OutcomeNew, nil
	}

	// Step 2: Bloom says "possibly present" -- consult the durable table.
	existing, found, err := m.repo.GetUnit(ctx, u.UnitID)
	if err != nil {
		return "", fmt.Errorf("get unit: %w", err)
	}
	if found {
		newCount, err := m.repo.IncrementRefCount(ctx, u.UnitID)
		if err != nil {
			return "", fmt.Errorf("increment ref_count: %w", err)
		}
		existing.RefCount = newCount
		m.cache[u.UnitID] = existing
		return OutcomeExisting, nil
	}

	// Bloom false positive: the unit is genuinely new.
	if err := m.repo.PutUnit(ctx, u); err != nil {
		return "", fmt.Errorf("put unit: %w", err)
	}
	m.bf.Add(key)
	m.cache[u.UnitID] = u
	metrics.ProofUnitsTotal.Inc()
	return OutcomeNewBloomFP, nil
}

// RemoveMapping decrements the unit's ref_count and, if it reaches
// zero, deletes the unit row and purges it from cache. The Bloom filter
// is left untouched (spec.md §4.4: residual membership is a benign
// false positive).
func (m *Manager) RemoveMapping(ctx context.Context, valueNodeID, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.repo.DeleteMapping(ctx, m.account, valueNodeID, unitID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	m.removeFromOrder(valueNodeID, unitID)

	newCount, err := m.repo.DecrementRefCount(ctx, unitID)
	if err != nil {
		return fmt.Errorf("decrement ref_count: %w", err)
	}
	if newCount <= 0 {
		if err := m.repo.DeleteUnit(ctx, unitID); err != nil {
			return fmt.Errorf("delete unit: %w", err)
		}
		delete(m.cache, unitID)
		metrics.ProofUnitsTotal.Dec()
		return nil
	}
	if u, ok := m.cache[unitID]; ok {
		u.RefCount = newCount
		m.cache[unitID] = u
	}
	return nil
}

func (m *Manager) removeFromOrder(valueNodeID, unitID string) {
	list := m.order[valueNodeID]
	for i, id := range list {
		if id == unitID {
			m.order[valueNodeID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// OrderedUnits returns, in first-successful-insertion order, the unit
// IDs mapped to valueNodeID. It serves from the in-memory cache when
// populated, falling back to the durable table otherwise (e.g. after a
// restart before any AddProof call has warmed the cache).
func (m *Manager) OrderedUnits(ctx context.Context, valueNodeID string) ([]string, error) {
	m.mu.Lock()
	if list, ok := m.order[valueNodeID]; ok {
		out := make([]string, len(list))
		copy(out, list)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	list, err := m.repo.ListMappings(ctx, m.account, valueNodeID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	m.mu.Lock()
	m.order[valueNodeID] = append([]string(nil), list...)
	m.mu.Unlock()
	return list, nil
}

// ResolveUnits resolves a list of unit IDs into full Units, preferring
// the cache and falling back to the repository.
func (m *Manager) ResolveUnits(ctx context.Context, unitIDs []string) ([]Unit, error) {
	units := make([]Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		m.mu.Lock()
		u, ok := m.cache[id]
		m.mu.Unlock()
		if ok {
			units = append(units, u)
			continue
		}
		got, found, err := m.repo.GetUnit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get unit %s: %w", id, err)
		}
		if !found {
			return nil, fmt.Errorf("proof: unit %s referenced but not found", id)
		}
		m.mu.Lock()
		m.cache[id] = got
		m.mu.Unlock()
		units = append(units, got)
	}
	return units, nil
}

// KnownValueNodeIDs returns every value_node_id mapped to at least one
// proof unit for this account.
func (m *Manager) KnownValueNodeIDs(ctx context.Context) ([]string, error) {
	ids, err := m.repo.ListValueNodeIDs(ctx, m.account)
	if err != nil {
		return nil, fmt.Errorf("list value node ids: %w", err)
	}
	return ids, nil
}

// Statistics summarizes the Manager's in-memory dedup-cache occupancy,
// mirroring the original_source Python implementation's
// get_statistics() (EZ_VPB/proofs/AccountProofManager.py).
type Statistics struct {
	TotalValues       int
	TotalProofUnits   int
	MaxProofsPerValue int
	AvgProofsPerValue float64
}

// Statistics reports how many distinct values and proof units this
// account's cache currently tracks, and the per-value fan-out spread.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var total, maxPerValue int
	for _, unitIDs := range m.order {
		total += len(unitIDs)
		if len(unitIDs) > maxPerValue {
			maxPerValue = len(unitIDs)
		}
		for _, id := range unitIDs {
			seen[id] = struct{}{}
		}
	}
	var avg float64
	if len(m.order) > 0 {
		avg = float64(total) / float64(len(m.order))
	}
	return Statistics{
		TotalValues:       len(m.order),
		TotalProofUnits:   len(seen),
		MaxProofsPerValue: maxPerValue,
		AvgProofsPerValue: avg,
	}
}

// BloomFilterStats reports the dedup Bloom filter's sizing and current
// occupancy, mirroring get_bloom_filter_stats() from the same Python
// source.
func (m *Manager) BloomFilterStats() bloomfilter.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bf.Stats()
}

// ResetBloomFilter rebuilds the Bloom filter from the current durable
// table, per spec.md §4.4's explicit reset_bloom_filter() operation.
func (m *Manager) ResetBloomFilter(ctx context.Context) error {
	ids, err := m.repo.AllUnitIDs(ctx)
	if err != nil {
		return fmt.Errorf("list unit ids: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bf.Reset()
	for _, id := range ids {
		m.bf.Add([]byte(id))
	}
	m.log.Printf("rebuilt bloom filter from %d live units", len(ids))
	return nil
}
