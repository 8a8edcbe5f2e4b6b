// Copyright 2025 Certen Protocol
//
// Package vpb implements the VPB Manager (C7, spec.md §4.6): the
// coordinator exposing the four VPB lifecycle operations over the
// Value Collection, Block-Index Lists, and Proof Manager, each
// serialized by a per-account (non-reentrant) mutex.
package vpb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/vpb-ledger/pkg/blockindex"
	"github.com/certen/vpb-ledger/pkg/checkpoint"
	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/metrics"
	"github.com/certen/vpb-ledger/pkg/multitx"
	"github.com/certen/vpb-ledger/pkg/proof"
	"github.com/certen/vpb-ledger/pkg/value"
	"github.com/certen/vpb-ledger/pkg/valuestore"
)

// DefaultVerifiedTTL is the default delay D before a Verified Value is
// swept to Unspent (spec.md §4.7).
const DefaultVerifiedTTL = 10 * time.Second

// BlockIndexRepository is the durable persistence boundary for
// per-Value Block-Index Lists.
type BlockIndexRepository interface {
	Get(ctx context.Context, account, nodeID string) (*blockindex.List, bool, error)
	Put(ctx context.Context, account, nodeID string, list *blockindex.List) error
	Has(ctx context.Context, account, nodeID string) (bool, error)
}

// Manager is the VPB Manager (C7) for a single account.
type Manager struct {
	account     string
	hp          cryptoprovider.HashProvider
	values      *valuestore.Collection
	blocks      BlockIndexRepository
	proofs      *proof.Manager
	checkpoints *checkpoint.Store
	verifiedTTL time.Duration
	log         *log.Logger
	now         func() time.Time

	mu sync.Mutex // reentrant in spirit: public methods never call each other while holding it
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithVerifiedTTL overrides the default Verified->Unspent delay D.
func WithVerifiedTTL(d time.Duration) Option {
	return func(m *Manager) { m.verifiedTTL = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs the VPB Manager coordinating the given
// per-account components.
func NewManager(account string, hp cryptoprovider.HashProvider, values *valuestore.Collection, blocks BlockIndexRepository, proofs *proof.Manager, checkpoints *checkpoint.Store, opts ...Option) *Manager {
	m := &Manager{
		account:     account,
		hp:          hp,
		values:      values,
		blocks:      blocks,
		proofs:      proofs,
		checkpoints: checkpoints,
		verifiedTTL: DefaultVerifiedTTL,
		log:         log.New(log.Writer(), "[VPBManager] ", log.LstdFlags),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Proofs returns the underlying Proof Manager, used by the HTTP surface
// to expose proof-manager statistics without threading them through
// every VPB Manager operation.
func (m *Manager) Proofs() *proof.Manager { return m.proofs }

// InitializeFromGenesis installs a brand-new VPB triple: precondition
// is that the Value Collection has no record for v (spec.md §4.6).
func (m *Manager) InitializeFromGenesis(ctx context.Context, v value.Value, units []proof.Unit, bi *blockindex.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unspent, err := v.WithState(value.StateUnspent, nil)
	if err != nil {
		return fmt.Errorf("coerce to unspent: %w", err)
	}
	nodeID, err := m.values.Add(ctx, unspent)
	if err != nil {
		return fmt.Errorf("add value: %w", err)
	}
	if err := m.blocks.Put(ctx, m.account, nodeID, bi); err != nil {
		return fmt.Errorf("put block index: %w", err)
	}
	if err := m.bulkAddProofs(ctx, nodeID, units); err != nil {
		return fmt.Errorf("bulk add proofs: %w", err)
	}
	return nil
}

func (m *Manager) bulkAddProofs(ctx context.Context, nodeID string, units []proof.Unit) error {
	for _, u := range units {
		if _, err := m.proofs.AddProof(ctx, nodeID, u); err != nil {
			return fmt.Errorf("add proof %s: %w", u.UnitID, err)
		}
	}
	return nil
}

// UpdateAfterTransactionSent applies the post-send lifecycle update
// (spec.md §4.6): a new Proof Unit is appended to every still-held
// Value, transferred Values move to OnChain, and best-effort
// checkpoints are created for them.
func (m *Manager) UpdateAfterTransactionSent(ctx context.Context, confirmedMultiTx multitx.Bundle, merklePath []proof.PathEntry, h uint64, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newPU := proof.NewUnit(m.hp, m.account, confirmedMultiTx, merklePath)

	unspent, err := m.values.FindByState(ctx, value.StateUnspent)
	if err != nil {
		return fmt.Errorf("find unspent: %w", err)
	}

	transferred := make(map[string]value.Value)
	for _, tx := range confirmedMultiTx.Transactions {
		if tx.Sender != m.account {
			continue
		}
		for _, out := range tx.Values {
			nodeID := valuestore.NodeID(m.hp, out)
			if v, ok := unspent[nodeID]; ok {
				transferred[nodeID] = v
			}
		}
	}

	for nodeID := range transferred {
		if err := m.appendBlockAndOwner(ctx, nodeID, h, recipient); err != nil {
			return err
		}
		if _, err := m.proofs.AddProof(ctx, nodeID, newPU); err != nil {
			return fmt.Errorf("add proof to transferred %s: %w", nodeID, err)
		}
		if err := m.values.UpdateState(ctx, nodeID, value.StateOnChain); err != nil {
			return fmt.Errorf("mark on_chain %s: %w", nodeID, err)
		}

		transferredValue := transferred[nodeID]
		if h == 0 {
			continue
		}
		if _, err := m.checkpoints.Create(ctx, transferredValue, m.account, h-1); err != nil {
			m.log.Printf("best-effort checkpoint create for %s failed (continuing): %v", nodeID, err)
		}
	}

	for nodeID := range unspent {
		if _, wasTransferred := transferred[nodeID]; wasTransferred {
			continue
		}
		if err := m.appendBlockHeight(ctx, nodeID, h); err != nil {
			return err
		}
		if _, err := m.proofs.AddProof(ctx, nodeID, newPU); err != nil {
			return fmt.Errorf("add proof to carried %s: %w", nodeID, err)
		}
	}
	return nil
}

func (m *Manager) appendBlockAndOwner(ctx context.Context, nodeID string, h uint64, owner string) error {
	list, found, err := m.blocks.Get(ctx, m.account, nodeID)
	if err != nil {
		return fmt.Errorf("get block index %s: %w", nodeID, err)
	}
	if !found {
		list = blockindex.New()
	}
	if err := list.RecordOwnershipChange(h, owner); err != nil {
		return fmt.Errorf("record ownership change: %w", err)
	}
	return m.blocks.Put(ctx, m.account, nodeID, list)
}

func (m *Manager) appendBlockHeight(ctx context.Context, nodeID string, h uint64) error {
	list, found, err := m.blocks.Get(ctx, m.account, nodeID)
	if err != nil {
		return fmt.Errorf("get block index %s: %w", nodeID, err)
	}
	if !found {
		list = blockindex.New()
	}
	list.AppendHeight(h)
	return m.blocks.Put(ctx, m.account, nodeID, list)
}

// ReceiveVPBFromOthers installs an incoming VPB triple (spec.md §4.6):
// merges into an already-known Value or inserts a new one in state
// Received.
func (m *Manager) ReceiveVPBFromOthers(ctx context.Context, v value.Value, units []proof.Unit, bi *blockindex.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID := valuestore.NodeID(m.hp, v)
	_, found, err := m.values.Get(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get existing value: %w", err)
	}

	if found {
		existing, _, err := m.blocks.Get(ctx, m.account, nodeID)
		if err != nil {
			return fmt.Errorf("get block index: %w", err)
		}
		if existing == nil {
			existing = blockindex.New()
		}
		existing.Merge(bi)
		if err := m.blocks.Put(ctx, m.account, nodeID, existing); err != nil {
			return fmt.Errorf("put merged block index: %w", err)
		}
		if err := m.bulkAddProofs(ctx, nodeID, units); err != nil {
			return fmt.Errorf("bulk add proofs: %w", err)
		}
		if err := m.values.UpdateState(ctx, nodeID, value.StateUnspent); err != nil {
			return fmt.Errorf("mark unspent: %w", err)
		}
		return nil
	}

	received, err := v.WithState(value.StateReceived, nil)
	if err != nil {
		return fmt.Errorf("coerce to received: %w", err)
	}
	insertedNodeID, err := m.values.Add(ctx, received)
	if err != nil {
		return fmt.Errorf("add value: %w", err)
	}
	if err := m.blocks.Put(ctx, m.account, insertedNodeID, bi); err != nil {
		return fmt.Errorf("put block index: %w", err)
	}
	return m.bulkAddProofs(ctx, insertedNodeID, units)
}

// SweepVerifiedToUnspent scans Values in state Verified whose
// verified_at is at least verifiedTTL in the past and transitions them
// to Unspent (spec.md §4.7). Returns the count transitioned.
func (m *Manager) SweepVerifiedToUnspent(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	verified, err := m.values.FindByState(ctx, value.StateVerified)
	if err != nil {
		return 0, fmt.Errorf("find verified: %w", err)
	}

	now := m.now()
	swept := 0
	for nodeID, v := range verified {
		va := v.VerifiedAt()
		if va == nil {
			continue
		}
		if now.Sub(*va) < m.verifiedTTL {
			continue
		}
		if err := m.values.UpdateState(ctx, nodeID, value.StateUnspent); err != nil {
			return swept, fmt.Errorf("sweep %s: %w", nodeID, err)
		}
		swept++
	}
	if swept > 0 {
		metrics.VerifiedSweepTransitionsTotal.Add(float64(swept))
	}
	return swept, nil
}

// ValidateVPBIntegrity cross-checks the three subsystems (spec.md
// §4.6): every Value has a block-index entry, every proof-manager key
// corresponds to a live Value, and the proof-manager's Value count
// matches the collection's.
func (m *Manager) ValidateVPBIntegrity(ctx context.Context) ([]string, error) {
	all, err := m.values.FindByState(ctx, value.StateUnspent)
	if err != nil {
		return nil, fmt.Errorf("find unspent: %w", err)
	}
	var issues []string

	for _, s := range []value.State{value.StatePending, value.StateOnChain, value.StateReceived, value.StateVerified, value.StateConfirmed} {
		more, err := m.values.FindByState(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("find by state %s: %w", s, err)
		}
		for id, v := range more {
			all[id] = v
		}
	}

	for nodeID := range all {
		has, err := m.blocks.Has(ctx, m.account, nodeID)
		if err != nil {
			return nil, fmt.Errorf("has block index %s: %w", nodeID, err)
		}
		if !has {
			issues = append(issues, fmt.Sprintf("value %s has no block-index entry", nodeID))
		}
	}

	proofNodeIDs, err := m.proofs.KnownValueNodeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("known value node ids: %w", err)
	}
	for _, nodeID := range proofNodeIDs {
		if _, ok := all[nodeID]; !ok {
			issues = append(issues, fmt.Sprintf("proof manager references value %s with no live Value", nodeID))
		}
	}
	if len(proofNodeIDs) != len(all) {
		issues = append(issues, fmt.Sprintf("proof manager tracks %d values, collection has %d", len(proofNodeIDs), len(all)))
	}

	return issues, nil
}
