// Copyright 2025 Certen Protocol
//
// Repositories - convenience wrapper over all VPB ledger repositories.
// Provides a single point of access to every repository type.

package database

// Repositories holds all repository instances for a single *Client.
type Repositories struct {
	Values      *ValueRepository
	BlockIndex  *BlockIndexRepository
	ProofUnits  *ProofUnitRepository
	Checkpoints *CheckpointRepository
}

// NewRepositories creates all repositories bound to the given client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Values:      NewValueRepository(client),
		BlockIndex:  NewBlockIndexRepository(client),
		ProofUnits:  NewProofUnitRepository(client),
		Checkpoints: NewCheckpointRepository(client),
	}
}
