// Copyright 2025 Certen Protocol
//
// Package proof implements the Proof Unit and Proof Manager (spec.md
// §4.4): content-addressed, reference-counted witnesses that a Value-
// carrying multi-transaction belongs to a given block, deduplicated
// via an in-memory Bloom filter over a durable table.
package proof

import (
	"errors"
	"fmt"

	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/merkle"
	"github.com/certen/vpb-ledger/pkg/multitx"
)

// Errors surfaced by unit-level shape validation and self-verification.
var (
	ErrEmptyOwner        = errors.New("proof: owner must be a well-formed address")
	ErrEmptyMerklePath   = errors.New("proof: merkle_path must be non-empty")
	ErrBadMerkleHash     = errors.New("proof: merkle_path entry is not a well-formed hash")
	ErrRefCountTooLow    = errors.New("proof: ref_count must be >= 1")
	ErrDigestMismatch    = errors.New("proof: merkle_path[0] does not equal multi_tx.digest")
	ErrOwnerNotInvolved  = errors.New("proof: owner is not a party to multi_tx")
	ErrRootMismatch      = errors.New("proof: merkle fold does not reach the claimed root")
)

// PathEntry is one step of a Proof Unit's Merkle path. Index 0 carries
// the leaf digest itself (Hash = multi_tx.digest); every later entry is
// a sibling hash with the side it sits on, matching the Right flag
// pkg/merkle's ReceiptEntry uses for fold order.
type PathEntry struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"`
}

// Unit is a Proof Unit: one block's witness that a Value-carrying
// multi-transaction belongs to that block (spec.md §3, §4.4).
type Unit struct {
	UnitID     string          `json:"unit_id"`
	Owner      string          `json:"owner"`
	MultiTx    multitx.Bundle  `json:"multi_tx"`
	MerklePath []PathEntry     `json:"merkle_path"`
	RefCount   int             `json:"ref_count"`
}

// ComputeUnitID derives unit_id = H(owner || multi_tx.digest || H(merkle_path)),
// the content-addressing rule of spec.md §4.4 that makes two producers'
// deterministic constructions of the "same" proof collide on unit_id.
func ComputeUnitID(hp cryptoprovider.HashProvider, owner, digest string, path []PathEntry) string {
	pathDigest := hashPath(hp, path)
	combined := hp.Hash([]byte(owner), []byte(digest), pathDigest[:])
	return hexEncode(combined[:])
}

func hashPath(hp cryptoprovider.HashProvider, path []PathEntry) [32]byte {
	parts := make([][]byte, 0, len(path)*2)
	for _, e := range path {
		parts = append(parts, []byte(e.Hash))
		if e.Right {
			parts = append(parts, []byte{1})
		} else {
			parts = append(parts, []byte{0})
		}
	}
	return hp.Hash(parts...)
}

// NewUnit constructs a Unit and assigns its content-addressed unit_id.
func NewUnit(hp cryptoprovider.HashProvider, owner string, tx multitx.Bundle, path []PathEntry) Unit {
	return Unit{
		UnitID:     ComputeUnitID(hp, owner, tx.Digest(), path),
		Owner:      owner,
		MultiTx:    tx,
		MerklePath: path,
		RefCount:   1,
	}
}

// CheckShape runs the unit-level structural checks of spec.md §4.8
// Stage 1: address format, hash format, non-empty path, ref_count >= 1.
// Genesis bundles may carry a null digest; callers pass allowNullDigest
// for the reserved genesis sender.
func (u Unit) CheckShape(allowNullDigest bool) error {
	if !cryptoprovider.AddressPattern.MatchString(u.Owner) {
		return fmt.Errorf("%w: %q", ErrEmptyOwner, u.Owner)
	}
	if len(u.MerklePath) == 0 {
		return ErrEmptyMerklePath
	}
	for i, e := range u.MerklePath {
		if !cryptoprovider.HashPattern.MatchString(e.Hash) {
			return fmt.Errorf("%w: entry[%d]=%q", ErrBadMerkleHash, i, e.Hash)
		}
	}
	if u.RefCount < 1 {
		return ErrRefCountTooLow
	}
	if !allowNullDigest && u.MultiTx.Digest() == "" {
		return fmt.Errorf("%w: digest is empty and bundle is not a relaxed genesis bundle", ErrDigestMismatch)
	}
	return nil
}

// Verify performs Proof Unit self-verification against a claimed
// Merkle root (spec.md §4.4): path non-empty, path[0] matches the
// bundle digest (skipped for a relaxed genesis bundle), the owner is a
// party to the multi-transaction (skipped for the genesis sender), and
// the sibling path folds to root.
func (u Unit) Verify(root string) error {
	if len(u.MerklePath) == 0 {
		return ErrEmptyMerklePath
	}

	isGenesis := cryptoprovider.IsGenesisSender(u.MultiTx.Sender()) && u.MultiTx.Digest() == ""
	if isGenesis {
		// Relaxed genesis verification (spec.md §4.8 Stage 4): structure
		// only, no digest/root recomputation, since a genesis bundle may
		// carry a null digest that no real Merkle fold can reproduce.
		return nil
	}

	if u.MerklePath[0].Hash != u.MultiTx.Digest() {
		return fmt.Errorf("%w: path[0]=%s digest=%s", ErrDigestMismatch, u.MerklePath[0].Hash, u.MultiTx.Digest())
	}
	if !u.MultiTx.InvolvesAsParty(u.Owner) {
		return fmt.Errorf("%w: owner=%s", ErrOwnerNotInvolved, u.Owner)
	}

	receipt := toReceipt(u.MerklePath, root)
	if err := receipt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRootMismatch, err)
	}
	return nil
}

func toReceipt(path []PathEntry, root string) *merkle.Receipt {
	r := &merkle.Receipt{
		Start:   path[0].Hash,
		Anchor:  root,
		Entries: make([]merkle.ReceiptEntry, 0, len(path)-1),
	}
	for _, e := range path[1:] {
		r.Entries = append(r.Entries, merkle.ReceiptEntry{Hash: e.Hash, Right: e.Right})
	}
	return r
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
