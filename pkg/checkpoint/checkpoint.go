// Copyright 2025 Certen Protocol
//
// Package checkpoint implements the Checkpoint Store (C6, spec.md
// §4.5): a durable mapping keyed by (begin_hex, num) that lets a
// validator skip a Value's proof history before a recorded height.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/vpb-ledger/pkg/metrics"
	"github.com/certen/vpb-ledger/pkg/value"
)

// Sentinel errors for store operations.
var (
	ErrAlreadyExists = errors.New("checkpoint: record already exists")
	ErrNotFound      = errors.New("checkpoint: record not found")
)

// Record is a Checkpoint Record: the last legitimate owner of an exact
// Value range as of a given block height.
type Record struct {
	BeginHex  string    `json:"begin_hex"`
	Num       uint64    `json:"num"`
	Owner     string    `json:"owner"`
	Height    uint64    `json:"height"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func key(beginHex string, num uint64) string { return fmt.Sprintf("%s:%d", beginHex, num) }

// Contains reports whether r's range fully encloses v (spec.md §4.5's
// "Contains" predicate, supporting lookup after splits).
func (r Record) Contains(v value.Value) (bool, error) {
	rv, err := value.New(r.BeginHex, r.Num, value.StateUnspent, nil)
	if err != nil {
		return false, fmt.Errorf("checkpoint record has an invalid range: %w", err)
	}
	return v.IsSubrange(rv), nil
}

// Repository is the durable persistence boundary for Checkpoint
// records, backed by a table with covering indices on owner and height
// (spec.md §4.5).
type Repository interface {
	Insert(ctx context.Context, r Record) error
	UpdateExact(ctx context.Context, beginHex string, num uint64, newOwner string, newHeight uint64, updatedAt time.Time) (Record, bool, error)
	GetExact(ctx context.Context, beginHex string, num uint64) (Record, bool, error)
	// ListByHeightDesc returns every record ordered by height descending,
	// the scan order find_containing relies on.
	ListByHeightDesc(ctx context.Context) ([]Record, error)
	ListByOwner(ctx context.Context, owner string) ([]Record, error)
	ListAll(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, beginHex string, num uint64) error
}

// Store is the Checkpoint Store (C6): a process-wide lock plus a small
// cache in front of Repository, invalidated on update/delete.
type Store struct {
	mu    sync.Mutex
	repo  Repository
	cache map[string]Record
	log   *log.Logger
	now   func() time.Time
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) StoreOption {
	return func(s *Store) { s.log = logger }
}

// NewStore constructs a Checkpoint Store over repo.
func NewStore(repo Repository, opts ...StoreOption) *Store {
	s := &Store{
		repo:  repo,
		cache: make(map[string]Record),
		log:   log.New(log.Writer(), "[CheckpointStore] ", log.LstdFlags),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create rejects duplicates with ErrAlreadyExists; timestamps are set
// by the store.
func (s *Store) Create(ctx context.Context, v value.Value, owner string, height uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found, err := s.repo.GetExact(ctx, v.Begin(), v.Num()); err != nil {
		return Record{}, fmt.Errorf("get exact: %w", err)
	} else if found {
		return Record{}, ErrAlreadyExists
	}

	now := s.now()
	r := Record{BeginHex: v.Begin(), Num: v.Num(), Owner: owner, Height: height, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.Insert(ctx, r); err != nil {
		return Record{}, fmt.Errorf("insert: %w", err)
	}
	s.cache[key(r.BeginHex, r.Num)] = r
	metrics.CheckpointOperationsTotal.WithLabelValues("create").Inc()
	return r, nil
}

// Update preserves created_at, refreshes updated_at; ErrNotFound if no
// exact match exists.
func (s *Store) Update(ctx context.Context, v value.Value, newOwner string, newHeight uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, found, err := s.repo.UpdateExact(ctx, v.Begin(), v.Num(), newOwner, newHeight, s.now())
	if err != nil {
		return Record{}, fmt.Errorf("update exact: %w", err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	delete(s.cache, key(v.Begin(), v.Num()))
	s.cache[key(v.Begin(), v.Num())] = r
	metrics.CheckpointOperationsTotal.WithLabelValues("update").Inc()
	return r, nil
}

// Get performs an exact (begin, num) match.
func (s *Store) Get(ctx context.Context, v value.Value) (Record, bool, error) {
	s.mu.Lock()
	if r, ok := s.cache[key(v.Begin(), v.Num())]; ok {
		s.mu.Unlock()
		return r, true, nil
	}
	s.mu.Unlock()

	r, found, err := s.repo.GetExact(ctx, v.Begin(), v.Num())
	if err != nil || !found {
		return Record{}, found, err
	}
	s.mu.Lock()
	s.cache[key(v.Begin(), v.Num())] = r
	s.mu.Unlock()
	return r, true, nil
}

// FindContaining scans records in height-descending order and returns
// the first whose range encloses v, falling back to the exact match
// (spec.md §4.5: supports post-split lookup).
func (s *Store) FindContaining(ctx context.Context, v value.Value) (Record, bool, error) {
	if r, found, err := s.Get(ctx, v); err != nil {
		return Record{}, false, err
	} else if found {
		return r, true, nil
	}

	records, err := s.repo.ListByHeightDesc(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("list by height desc: %w", err)
	}
	for _, r := range records {
		ok, err := r.Contains(v)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// TriggerVerification returns the containing record iff its owner
// equals expectedOwner, else (Record{}, false, nil). This is the
// validator's checkpoint-hit oracle (spec.md §4.8 Stage 2).
func (s *Store) TriggerVerification(ctx context.Context, v value.Value, expectedOwner string) (Record, bool, error) {
	r, found, err := s.FindContaining(ctx, v)
	if err != nil || !found {
		return Record{}, false, err
	}
	if r.Owner != expectedOwner {
		return Record{}, false, nil
	}
	return r, true, nil
}

// FindByOwner returns every record currently attributed to owner.
func (s *Store) FindByOwner(ctx context.Context, owner string) ([]Record, error) {
	return s.repo.ListByOwner(ctx, owner)
}

// ListAll returns every checkpoint record.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	return s.repo.ListAll(ctx)
}

// Delete removes a checkpoint record, optionally because it has been
// superseded.
func (s *Store) Delete(ctx context.Context, v value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Delete(ctx, v.Begin(), v.Num()); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	delete(s.cache, key(v.Begin(), v.Num()))
	metrics.CheckpointOperationsTotal.WithLabelValues("delete").Inc()
	return nil
}
