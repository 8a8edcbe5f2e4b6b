// Copyright 2025 Certen Protocol
//
// Package valuestore implements the Value Collection (C2, spec.md
// §4.2): the durable, per-account set of Values, indexed by state and
// keyed by a stable node_id.
package valuestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/value"
)

// Sentinel errors for collection operations.
var (
	ErrDuplicateValue = errors.New("valuestore: identical range already exists for this account")
	ErrValueNotFound   = errors.New("valuestore: node_id not found")
)

// NodeID derives the stable, content-addressed key for a Value: a hash
// of its initial (begin, num), independent of state (spec.md §3:
// "Opaque node_id (content hash of initial Value), stable across state
// transitions").
func NodeID(hp cryptoprovider.HashProvider, v value.Value) string {
	var numBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], v.Num())
	sum := hp.Hash([]byte(v.Begin()), numBytes[:])
	return hexEncode(sum[:])
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

// Repository is the durable persistence boundary for a Value
// Collection, backed by a table carrying a secondary index on state.
type Repository interface {
	Insert(ctx context.Context, account, nodeID string, v value.Value) error
	UpdateState(ctx context.Context, account, nodeID string, newState value.State, verifiedAt *time.Time) error
	Get(ctx context.Context, account, nodeID string) (value.Value, bool, error)
	FindByState(ctx context.Context, account string, state value.State) (map[string]value.Value, error)
	ListAll(ctx context.Context, account string) (map[string]value.Value, error)
}

// Collection is the Value Collection (C2): an internal lock serializes
// add/update_state and the secondary-index mutation they imply.
type Collection struct {
	mu      sync.RWMutex
	account string
	hp      cryptoprovider.HashProvider
	repo    Repository

	// index mirrors the durable state -> {node_id} secondary index; it
	// is the sole fast path for balance_by_state (spec.md §4.2).
	index map[value.State]map[string]struct{}
	now   func() time.Time
}

// New constructs a Value Collection for account, populating its
// secondary index from the durable table.
func New(ctx context.Context, account string, hp cryptoprovider.HashProvider, repo Repository) (*Collection, error) {
	c := &Collection{
		account: account,
		hp:      hp,
		repo:    repo,
		index:   make(map[value.State]map[string]struct{}),
		now:     time.Now,
	}
	all, err := repo.ListAll(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	for nodeID, v := range all {
		c.indexAdd(v.State(), nodeID)
	}
	return c, nil
}

func (c *Collection) indexAdd(s value.State, nodeID string) {
	set, ok := c.index[s]
	if !ok {
		set = make(map[string]struct{})
		c.index[s] = set
	}
	set[nodeID] = struct{}{}
}

func (c *Collection) indexRemove(s value.State, nodeID string) {
	if set, ok := c.index[s]; ok {
		delete(set, nodeID)
	}
}

// Add inserts v, returning DuplicateValue if an identical range already
// exists for the account.
func (c *Collection) Add(ctx context.Context, v value.Value) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodeID := NodeID(c.hp, v)
	if _, found, err := c.repo.Get(ctx, c.account, nodeID); err != nil {
		return "", fmt.Errorf("get: %w", err)
	} else if found {
		return "", ErrDuplicateValue
	}

	if err := c.repo.Insert(ctx, c.account, nodeID, v); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	c.indexAdd(v.State(), nodeID)
	return nodeID, nil
}

// UpdateState atomically updates the state column and the secondary
// index. Transitioning into Verified sets verified_at := now();
// transitioning out of Verified clears it.
func (c *Collection) UpdateState(ctx context.Context, nodeID string, newState value.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, found, err := c.repo.Get(ctx, c.account, nodeID)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !found {
		return ErrValueNotFound
	}

	var verifiedAt *time.Time
	if newState == value.StateVerified {
		t := c.now()
		verifiedAt = &t
	}

	if err := c.repo.UpdateState(ctx, c.account, nodeID, newState, verifiedAt); err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	c.indexRemove(existing.State(), nodeID)
	c.indexAdd(newState, nodeID)
	return nil
}

// Get returns the Value for nodeID.
func (c *Collection) Get(ctx context.Context, nodeID string) (value.Value, bool, error) {
	return c.repo.Get(ctx, c.account, nodeID)
}

// FindByState returns every Value currently in state s, using the
// secondary index as the fast path.
func (c *Collection) FindByState(ctx context.Context, s value.State) (map[string]value.Value, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.index[s]))
	for id := range c.index[s] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	out := make(map[string]value.Value, len(ids))
	for _, id := range ids {
		v, found, err := c.repo.Get(ctx, c.account, id)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", id, err)
		}
		if found {
			out[id] = v
		}
	}
	return out, nil
}

// BalanceByState sums num over every Value in state s, driven by the
// secondary index (spec.md §4.2: "a full scan is a fallback, never the
// primary query").
func (c *Collection) BalanceByState(ctx context.Context, s value.State) (uint64, error) {
	values, err := c.FindByState(ctx, s)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, v := range values {
		total += v.Num()
	}
	return total, nil
}

// ValidateIntegrity verifies primary/secondary index agreement and
// per-Value invariants, optionally repairing index divergence.
func (c *Collection) ValidateIntegrity(ctx context.Context, repair bool) ([]string, error) {
	all, err := c.repo.ListAll(ctx, c.account)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var issues []string
	seen := make(map[string]value.State, len(all))
	for nodeID, v := range all {
		if err := v.Check(); err != nil {
			issues = append(issues, fmt.Sprintf("node %s: invariant violation: %v", nodeID, err))
		}
		seen[nodeID] = v.State()

		set, ok := c.index[v.State()]
		if !ok || func() bool { _, present := set[nodeID]; return !present }() {
			issues = append(issues, fmt.Sprintf("node %s: missing from state=%s secondary index", nodeID, v.State()))
			if repair {
				c.indexAdd(v.State(), nodeID)
			}
		}
	}

	for s, set := range c.index {
		for nodeID := range set {
			trueState, found := seen[nodeID]
			if !found {
				issues = append(issues, fmt.Sprintf("node %s: indexed under state=%s but absent from primary table", nodeID, s))
				if repair {
					delete(set, nodeID)
				}
				continue
			}
			if trueState != s {
				issues = append(issues, fmt.Sprintf("node %s: indexed under stale state=%s, primary table has %s", nodeID, s, trueState))
				if repair {
					delete(set, nodeID)
					c.indexAdd(trueState, nodeID)
				}
			}
		}
	}

	return issues, nil
}
