// Copyright 2025 Certen Protocol
//
// Package cryptoprovider holds the injected hash/signature primitives
// the core invokes but never implements itself (spec.md §1 Non-goals:
// "does not implement cryptographic primitives... beyond invoking an
// injected provider"). The default implementation follows the same
// pairing the teacher's verification pass uses: go-ethereum's
// crypto.Keccak256Hash for content hashing, crypto/ed25519 for
// signature re-verification.
package cryptoprovider

import (
	"crypto/ed25519"
	"regexp"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPattern matches the sender/recipient/owner address format
// required throughout spec.md (§3, §4.4, §6): 0x + 40 hex chars.
var AddressPattern = regexp.MustCompile(`^0x[0-9A-Fa-f]{40}$`)

// HashPattern matches the 64-hex digest/hash format used for multi_tx
// digests and merkle_path entries (§4.4), optionally 0x-prefixed.
var HashPattern = regexp.MustCompile(`^(0x)?[0-9A-Fa-f]{64}$`)

// HashProvider computes the content-addressed digests the core relies
// on: Value node IDs, Proof Unit unit IDs, and Merkle folds.
type HashProvider interface {
	// Hash returns the 32-byte digest of the concatenated inputs.
	Hash(parts ...[]byte) [32]byte
}

// SignatureProvider verifies a signature over a message with a public
// key, for re-verifying any signer binding a MultiTransactions bundle
// carries. The core never constructs signatures, only verifies them.
type SignatureProvider interface {
	Verify(publicKey, message, signature []byte) bool
}

// keccakProvider is the default HashProvider, grounded in the
// teacher's use of go-ethereum's crypto.Keccak256Hash.
type keccakProvider struct{}

// Keccak256 is the default HashProvider.
var Keccak256 HashProvider = keccakProvider{}

func (keccakProvider) Hash(parts ...[]byte) [32]byte {
	return ethcrypto.Keccak256Hash(parts...)
}

// ed25519Provider is the default SignatureProvider.
type ed25519Provider struct{}

// Ed25519 is the default SignatureProvider.
var Ed25519 SignatureProvider = ed25519Provider{}

func (ed25519Provider) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// IsGenesisSender reports whether addr carries the reserved genesis
// prefix (spec.md §4.4, §4.8 Stage 4, §6 "Reserved addresses").
func IsGenesisSender(addr string) bool {
	const genesisPrefix = "0xGENESIS"
	return len(addr) >= len(genesisPrefix) && addr[:len(genesisPrefix)] == genesisPrefix
}
