// Copyright 2025 Certen Protocol
//
// Package chaininfo models the Main-Chain Info snapshot the core
// consumes but never owns (spec.md §3, §6): merkle roots and Bloom
// filters per block height, produced by the block maker and handed to
// the validator read-only.
package chaininfo

import (
	"errors"

	"github.com/certen/vpb-ledger/pkg/bloomfilter"
)

// ErrRootMissing is returned when a block height has no recorded
// Merkle root (spec.md §4.8 Stage 4: MerkleRootMissing).
var ErrRootMissing = errors.New("chaininfo: merkle root missing for height")

// Snapshot is an immutable read-only view over one chain state.
// MerkleRoots and BloomFilters are indexed by block height.
type Snapshot struct {
	MerkleRoots    map[uint64]string
	BloomFilters   map[uint64]*bloomfilter.Filter
	CurrentHeight  uint64
	GenesisHeight  uint64
}

// NewSnapshot builds an empty Snapshot ready for population by a test
// harness or an external collaborator feeding in per-block data.
func NewSnapshot(genesisHeight, currentHeight uint64) *Snapshot {
	return &Snapshot{
		MerkleRoots:   make(map[uint64]string),
		BloomFilters:  make(map[uint64]*bloomfilter.Filter),
		CurrentHeight: currentHeight,
		GenesisHeight: genesisHeight,
	}
}

// RootAt returns the Merkle root for height h.
func (s *Snapshot) RootAt(h uint64) (string, error) {
	root, ok := s.MerkleRoots[h]
	if !ok {
		return "", ErrRootMissing
	}
	return root, nil
}

// SenderInBlock reports whether addr is recorded as a sender in block
// h's Bloom filter. A missing filter for h is treated as "no senders
// recorded" (false), matching the spec's framing of the filter as
// authoritative only for addresses it was seeded with.
func (s *Snapshot) SenderInBlock(h uint64, addr string) bool {
	f, ok := s.BloomFilters[h]
	if !ok {
		return false
	}
	return f.Test([]byte(addr))
}

// SeedBlock records that addr committed a transaction as sender in
// block h, creating the block's filter on first use. sizeHint/fpRate
// size the filter per spec.md §4.4's formula, reused here for the
// per-block membership filter.
func (s *Snapshot) SeedBlock(h uint64, addr string, sizeHint uint, fpRate float64) {
	f, ok := s.BloomFilters[h]
	if !ok {
		f = bloomfilter.New(sizeHint, fpRate)
		s.BloomFilters[h] = f
	}
	f.Add([]byte(addr))
}
