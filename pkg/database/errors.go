// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors for repository operations.
// Explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrValueNotFound is returned when a Value record is not found
	ErrValueNotFound = errors.New("value not found")

	// ErrBlockIndexNotFound is returned when a block-index list is not found
	ErrBlockIndexNotFound = errors.New("block index not found")

	// ErrProofUnitNotFound is returned when a proof unit is not found
	ErrProofUnitNotFound = errors.New("proof unit not found")

	// ErrMappingNotFound is returned when an account/value-node/unit mapping row is not found
	ErrMappingNotFound = errors.New("proof unit mapping not found")

	// ErrCheckpointNotFound is returned when a checkpoint record is not found
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrDuplicateKey is returned when an insert violates a unique constraint
	ErrDuplicateKey = errors.New("duplicate key")
)
