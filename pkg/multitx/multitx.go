// Copyright 2025 Certen Protocol
//
// Package multitx models the MultiTransactions input contract the core
// consumes from an external transaction-construction/signing
// collaborator (spec.md §6, out of scope per §1). The core never
// constructs or signs one of these; it only reads Sender, Digest, and
// the inner single transactions.
package multitx

import (
	"encoding/json"
	"sort"

	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/value"
)

// GenesisSender is the reserved address marking genesis-emission
// bundles, whose digests may be null (spec.md §6).
const GenesisSender = "0xGENESIS0000000000000000000000000000000"

// SingleTransaction is one inner transfer within a MultiTransactions
// bundle: sender, recipient, and the output Values ascribed to recipient.
type SingleTransaction struct {
	Sender    string        `json:"sender"`
	Recipient string        `json:"recipient"`
	Values    []value.Value `json:"value"`
}

// Bundle is a signed MultiTransactions object as delivered to the core.
// Signing itself is out of scope; Bundle only carries what the core
// reads (spec.md §6).
type Bundle struct {
	SenderAddr   string              `json:"sender"`
	DigestHex    string              `json:"digest"`
	Transactions []SingleTransaction `json:"transactions"`
}

// Sender is the address that produced the bundle.
func (b Bundle) Sender() string { return b.SenderAddr }

// Digest is the bundle's deterministic content hash, 64-hex. It may be
// empty only for a genesis bundle (spec.md §4.4, §4.8 Stage 4).
func (b Bundle) Digest() string { return b.DigestHex }

// IsGenesis reports whether this bundle is a genesis-emission bundle:
// reserved sender prefix and a null digest.
func (b Bundle) IsGenesis() bool {
	return cryptoprovider.IsGenesisSender(b.SenderAddr) && b.DigestHex == ""
}

// InvolvesAsParty reports whether addr appears as the bundle sender or
// as a sender/recipient of any inner transaction — the unit-level shape
// check required by spec.md §4.4 item 3.
func (b Bundle) InvolvesAsParty(addr string) bool {
	if b.SenderAddr == addr {
		return true
	}
	for _, tx := range b.Transactions {
		if tx.Sender == addr || tx.Recipient == addr {
			return true
		}
	}
	return false
}

// IntersectsValue reports whether any inner transaction's output ranges
// intersect target, returning the first intersecting transaction and a
// flag. Used by the validator's block classification in
// spec.md §4.8 Stage 4 (genesis/target-transfer/carrier-block checks).
func (b Bundle) IntersectsValue(target value.Value) (tx SingleTransaction, found bool) {
	for _, t := range b.Transactions {
		for _, v := range t.Values {
			if _, _, ok := v.Intersect(target); ok {
				return t, true
			}
		}
	}
	return SingleTransaction{}, false
}

// ExactTransfer reports whether some inner transaction transfers
// exactly target from sender to recipient (spec.md §4.8 Stage 4: target-
// value transfer blocks and genesis distributions both require an exact
// output range match, not merely an intersection).
func (b Bundle) ExactTransfer(sender, recipient string, target value.Value) bool {
	for _, t := range b.Transactions {
		if t.Sender != sender || t.Recipient != recipient {
			continue
		}
		for _, v := range t.Values {
			if v.IsSame(target) {
				return true
			}
		}
	}
	return false
}

// ComputeDigest derives the deterministic 64-hex digest over a
// canonical serialization of the bundle, including output values (per
// spec.md §6: "producers must include output values in [the digest's]
// serialization"). Producers are out of scope; this helper exists so
// tests can construct self-consistent fixtures.
func ComputeDigest(hp cryptoprovider.HashProvider, b Bundle) string {
	type canonTx struct {
		Sender    string   `json:"sender"`
		Recipient string   `json:"recipient"`
		Begins    []string `json:"begins"`
		Nums      []uint64 `json:"nums"`
	}
	txs := make([]canonTx, len(b.Transactions))
	for i, t := range b.Transactions {
		begins := make([]string, len(t.Values))
		nums := make([]uint64, len(t.Values))
		for j, v := range t.Values {
			begins[j] = v.Begin()
			nums[j] = v.Num()
		}
		txs[i] = canonTx{Sender: t.Sender, Recipient: t.Recipient, Begins: begins, Nums: nums}
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Sender != txs[j].Sender {
			return txs[i].Sender < txs[j].Sender
		}
		return txs[i].Recipient < txs[j].Recipient
	})
	payload := struct {
		Sender string    `json:"sender"`
		Txs    []canonTx `json:"transactions"`
	}{Sender: b.SenderAddr, Txs: txs}
	data, _ := json.Marshal(payload)
	digest := hp.Hash(data)
	return hexEncode(digest[:])
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
