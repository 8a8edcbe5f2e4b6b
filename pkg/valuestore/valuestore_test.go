// Copyright 2025 Certen Protocol

package valuestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/value"
)

type fakeRepo struct {
	byAccount map[string]map[string]value.Value
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byAccount: make(map[string]map[string]value.Value)}
}

func (r *fakeRepo) table(account string) map[string]value.Value {
	t, ok := r.byAccount[account]
	if !ok {
		t = make(map[string]value.Value)
		r.byAccount[account] = t
	}
	return t
}

func (r *fakeRepo) Insert(ctx context.Context, account, nodeID string, v value.Value) error {
	r.table(account)[nodeID] = v
	return nil
}

func (r *fakeRepo) UpdateState(ctx context.Context, account, nodeID string, newState value.State, verifiedAt *time.Time) error {
	v, ok := r.table(account)[nodeID]
	if !ok {
		return ErrValueNotFound
	}
	updated, err := v.WithState(newState, verifiedAt)
	if err != nil {
		return err
	}
	r.table(account)[nodeID] = updated
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, account, nodeID string) (value.Value, bool, error) {
	v, ok := r.table(account)[nodeID]
	return v, ok, nil
}

func (r *fakeRepo) FindByState(ctx context.Context, account string, state value.State) (map[string]value.Value, error) {
	out := make(map[string]value.Value)
	for id, v := range r.table(account) {
		if v.State() == state {
			out[id] = v
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAll(ctx context.Context, account string) (map[string]value.Value, error) {
	out := make(map[string]value.Value, len(r.table(account)))
	for id, v := range r.table(account) {
		out[id] = v
	}
	return out, nil
}

func mustValue(t *testing.T, beginHex string, num uint64, s value.State) value.Value {
	t.Helper()
	v, err := value.New(beginHex, num, s, nil)
	if err != nil {
		t.Fatalf("value.New: %v", err)
	}
	return v
}

func TestAddRejectsDuplicateRange(t *testing.T) {
	repo := newFakeRepo()
	c, err := New(context.Background(), "alice", cryptoprovider.Keccak256, repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := mustValue(t, "0x1000", 100, value.StateUnspent)

	if _, err := c.Add(context.Background(), v); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := c.Add(context.Background(), v); !errors.Is(err, ErrDuplicateValue) {
		t.Fatalf("expected ErrDuplicateValue, got %v", err)
	}
}

func TestUpdateStateSetsAndClearsVerifiedAt(t *testing.T) {
	repo := newFakeRepo()
	c, _ := New(context.Background(), "alice", cryptoprovider.Keccak256, repo)
	ctx := context.Background()
	v := mustValue(t, "0x1000", 100, value.StateReceived)
	nodeID, err := c.Add(ctx, v)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := c.UpdateState(ctx, nodeID, value.StateVerified); err != nil {
		t.Fatalf("update to verified: %v", err)
	}
	got, _, _ := c.Get(ctx, nodeID)
	if got.VerifiedAt() == nil {
		t.Fatal("expected verified_at to be set")
	}

	if err := c.UpdateState(ctx, nodeID, value.StateUnspent); err != nil {
		t.Fatalf("update to unspent: %v", err)
	}
	got, _, _ = c.Get(ctx, nodeID)
	if got.VerifiedAt() != nil {
		t.Fatal("expected verified_at to be cleared")
	}
}

func TestBalanceByStateUsesSecondaryIndex(t *testing.T) {
	repo := newFakeRepo()
	c, _ := New(context.Background(), "alice", cryptoprovider.Keccak256, repo)
	ctx := context.Background()

	v1 := mustValue(t, "0x1000", 100, value.StateUnspent)
	v2 := mustValue(t, "0x2000", 50, value.StateUnspent)
	v3 := mustValue(t, "0x3000", 30, value.StatePending)
	for _, v := range []value.Value{v1, v2, v3} {
		if _, err := c.Add(ctx, v); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	bal, err := c.BalanceByState(ctx, value.StateUnspent)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 150 {
		t.Fatalf("expected balance 150, got %d", bal)
	}
}

func TestValidateIntegrityDetectsAndRepairsDivergence(t *testing.T) {
	repo := newFakeRepo()
	c, _ := New(context.Background(), "alice", cryptoprovider.Keccak256, repo)
	ctx := context.Background()

	v := mustValue(t, "0x1000", 100, value.StateUnspent)
	nodeID, err := c.Add(ctx, v)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Force divergence: mutate the durable row directly without going
	// through UpdateState, bypassing the secondary index.
	onChain, err := v.WithState(value.StateOnChain, nil)
	if err != nil {
		t.Fatalf("with state: %v", err)
	}
	repo.table("alice")[nodeID] = onChain

	issues, err := c.ValidateIntegrity(ctx, false)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) == 0 {
		t.Fatal("expected at least one integrity issue after manual divergence")
	}

	if _, err := c.ValidateIntegrity(ctx, true); err != nil {
		t.Fatalf("repair: %v", err)
	}
	issuesAfterRepair, err := c.ValidateIntegrity(ctx, false)
	if err != nil {
		t.Fatalf("validate after repair: %v", err)
	}
	if len(issuesAfterRepair) != 0 {
		t.Fatalf("expected no issues after repair, got %v", issuesAfterRepair)
	}
}
