// Copyright 2025 Certen Protocol
//
// Package validator implements the Validator Pipeline (C8, spec.md
// §4.8): a four-stage synchronous check of a VPB triple against a
// Main-Chain Info snapshot and an optional Checkpoint Store.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/certen/vpb-ledger/pkg/blockindex"
	"github.com/certen/vpb-ledger/pkg/chaininfo"
	"github.com/certen/vpb-ledger/pkg/checkpoint"
	"github.com/certen/vpb-ledger/pkg/metrics"
	"github.com/certen/vpb-ledger/pkg/multitx"
	"github.com/certen/vpb-ledger/pkg/proof"
	"github.com/certen/vpb-ledger/pkg/value"
)

// Sentinel error kinds (spec.md §7). Stage 2/3 failures are fatal and
// stop the pipeline; stage 1/4 failures accumulate.
var (
	ErrStructureValidationFailed       = errors.New("validator: structure validation failed")
	ErrInvalidCheckpoint               = errors.New("validator: invalid checkpoint")
	ErrMerkleRootMissing               = errors.New("validator: merkle root missing")
	ErrProofUnitVerificationFailed     = errors.New("validator: proof unit verification failed")
	ErrMissingSenderBlocks             = errors.New("validator: security threat: missing sender blocks")
	ErrCheckpointTampering             = errors.New("validator: security threat: checkpoint tampering")
	ErrDoubleSpendDetected             = errors.New("validator: security threat: double spend detected")
	ErrMissingGenesisValueDistribution = errors.New("validator: missing genesis value distribution")
	ErrInvalidGenesisValueIntersection = errors.New("validator: invalid genesis value intersection")
	ErrNoValidTargetValueTransfer      = errors.New("validator: no valid target value transfer")
	ErrInvalidTargetValueIntersection  = errors.New("validator: invalid target value intersection")
)

// MissingSenderBlocksError carries the owner and heights omitted from
// the Block-Index List despite Bloom-filter evidence of activity.
type MissingSenderBlocksError struct {
	Owner   string
	Heights []uint64
}

func (e *MissingSenderBlocksError) Error() string {
	return fmt.Sprintf("%v: owner=%s heights=%v", ErrMissingSenderBlocks, e.Owner, e.Heights)
}

func (e *MissingSenderBlocksError) Unwrap() error { return ErrMissingSenderBlocks }

// heightError attaches a block height to one of the per-block sentinel
// error kinds above.
type heightError struct {
	kind   error
	height uint64
	detail string
}

func (e *heightError) Error() string {
	if e.detail == "" {
		return fmt.Sprintf("%v: height=%d", e.kind, e.height)
	}
	return fmt.Sprintf("%v: height=%d: %s", e.kind, e.height, e.detail)
}

func (e *heightError) Unwrap() error { return e.kind }

// Epoch is one verified run of blocks attributed to a single owner, in
// the order the validator encountered them.
type Epoch struct {
	Owner   string
	Heights []uint64
}

// Outcome is the pipeline's terminal verdict.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Report is the validator's final output (spec.md §4.8).
type Report struct {
	Outcome        Outcome
	Errors         []error
	VerifiedEpochs []Epoch
	CheckpointUsed *checkpoint.Record
	ElapsedMS      int64
}

// Input is the VPB triple plus the identity of the account requesting
// verification.
type Input struct {
	Value      value.Value
	Units      []proof.Unit    // parallel to BlockIndex.Heights(), sequence order
	BlockIndex *blockindex.List
	Account    string
}

// Validator runs the four-stage pipeline against a fixed Main-Chain
// Info snapshot and Checkpoint Store.
type Validator struct {
	snapshot    *chaininfo.Snapshot
	checkpoints *checkpoint.Store
	log         *log.Logger
	now         func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// Stats tallies outcomes across all Validate calls on a Validator,
// mirroring the original_source Python implementation's
// verification_stats / get_verification_stats()
// (EZ_VPB_Validator/vpb_validator.py).
type Stats struct {
	TotalVerifications      int
	SuccessfulVerifications int
	FailedVerifications     int
	CheckpointHits          int
}

// SuccessRate is SuccessfulVerifications/TotalVerifications, or 0 if no
// verification has run yet.
func (s Stats) SuccessRate() float64 {
	if s.TotalVerifications == 0 {
		return 0
	}
	return float64(s.SuccessfulVerifications) / float64(s.TotalVerifications)
}

// CheckpointHitRate is CheckpointHits/TotalVerifications, or 0 if no
// verification has run yet.
func (s Stats) CheckpointHitRate() float64 {
	if s.TotalVerifications == 0 {
		return 0
	}
	return float64(s.CheckpointHits) / float64(s.TotalVerifications)
}

// Stats returns a snapshot of the running verification counters.
func (vd *Validator) Stats() Stats {
	vd.statsMu.Lock()
	defer vd.statsMu.Unlock()
	return vd.stats
}

// ResetStats zeroes the running verification counters.
func (vd *Validator) ResetStats() {
	vd.statsMu.Lock()
	defer vd.statsMu.Unlock()
	vd.stats = Stats{}
}

// Option configures a Validator at construction.
type Option func(*Validator)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Validator) { v.log = logger }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New constructs a Validator over snapshot and checkpoints.
func New(snapshot *chaininfo.Snapshot, checkpoints *checkpoint.Store, opts ...Option) *Validator {
	v := &Validator{
		snapshot:    snapshot,
		checkpoints: checkpoints,
		log:         log.New(log.Writer(), "[Validator] ", log.LstdFlags),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs all four stages against in, returning a report. Every
// failure, including a Checkpoint Store lookup error in stage 2, is
// surfaced as an entry in Report.Errors with Outcome == OutcomeFailure;
// the returned error is always nil.
func (vd *Validator) Validate(ctx context.Context, in Input) (*Report, error) {
	start := vd.now()
	report := &Report{Outcome: OutcomeSuccess}
	defer func() {
		report.ElapsedMS = vd.now().Sub(start).Milliseconds()
		metrics.ValidatorRunsTotal.WithLabelValues(string(report.Outcome)).Inc()

		vd.statsMu.Lock()
		vd.stats.TotalVerifications++
		if report.Outcome == OutcomeSuccess {
			vd.stats.SuccessfulVerifications++
		} else {
			vd.stats.FailedVerifications++
		}
		if report.CheckpointUsed != nil {
			vd.stats.CheckpointHits++
		}
		vd.statsMu.Unlock()
	}()

	stageStart := vd.now()
	structuralErrs := vd.stage1Structural(in)
	metrics.ValidatorStageDuration.WithLabelValues("structural").Observe(vd.now().Sub(stageStart).Seconds())
	if len(structuralErrs) > 0 {
		report.Outcome = OutcomeFailure
		report.Errors = structuralErrs
		return report, nil
	}

	stageStart = vd.now()
	slice, checkpointUsed, previousOwner, err := vd.stage2Slice(ctx, in)
	metrics.ValidatorStageDuration.WithLabelValues("slice").Observe(vd.now().Sub(stageStart).Seconds())
	if err != nil {
		report.Outcome = OutcomeFailure
		report.Errors = []error{err}
		return report, nil
	}
	report.CheckpointUsed = checkpointUsed

	stageStart = vd.now()
	if err := vd.stage3BloomConsistency(slice, checkpointUsed); err != nil {
		metrics.ValidatorStageDuration.WithLabelValues("bloom").Observe(vd.now().Sub(stageStart).Seconds())
		report.Outcome = OutcomeFailure
		report.Errors = []error{err}
		return report, nil
	}
	metrics.ValidatorStageDuration.WithLabelValues("bloom").Observe(vd.now().Sub(stageStart).Seconds())

	stageStart = vd.now()
	stage4Errs, epochs := vd.stage4ProofAndClassification(in.Value, slice, previousOwner)
	metrics.ValidatorStageDuration.WithLabelValues("proofs").Observe(vd.now().Sub(stageStart).Seconds())
	if len(stage4Errs) > 0 {
		report.Outcome = OutcomeFailure
		report.Errors = stage4Errs
		return report, nil
	}

	report.VerifiedEpochs = groupEpochs(epochs)
	if len(epochs) > 0 {
		last := epochs[len(epochs)-1]
		if err := vd.advanceCheckpoint(ctx, in.Value, last.owner, last.height); err != nil {
			vd.log.Printf("best-effort checkpoint advance failed (continuing): %v", err)
		}
	}
	return report, nil
}

// stage1Structural validates the three inputs in isolation plus the
// len(proofs) == len(heights) cross-check (spec.md §4.8 Stage 1).
func (vd *Validator) stage1Structural(in Input) []error {
	var errs []error

	if err := in.Value.Check(); err != nil {
		errs = append(errs, fmt.Errorf("%w: value: %v", ErrStructureValidationFailed, err))
	}
	for i, u := range in.Units {
		if err := u.CheckShape(u.MultiTx.IsGenesis()); err != nil {
			errs = append(errs, fmt.Errorf("%w: unit[%d]: %v", ErrStructureValidationFailed, i, err))
		}
	}
	if in.BlockIndex == nil {
		errs = append(errs, fmt.Errorf("%w: block_index is nil", ErrStructureValidationFailed))
		return errs
	}
	if err := in.BlockIndex.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: block_index: %v", ErrStructureValidationFailed, err))
	}
	if len(in.Units) != len(in.BlockIndex.Heights()) {
		errs = append(errs, fmt.Errorf("%w: len(proofs)=%d != len(heights)=%d", ErrStructureValidationFailed, len(in.Units), len(in.BlockIndex.Heights())))
	}
	return errs
}

// slice is the verification window produced by stage 2: heights,
// owners, and the parallel proof units restricted to [start, last].
type slice struct {
	heights []uint64
	owners  []blockindex.Owner
	units   []proof.Unit
}

// stage2Slice decides the verification window (spec.md §4.8 Stage 2).
func (vd *Validator) stage2Slice(ctx context.Context, in Input) (slice, *checkpoint.Record, string, error) {
	heights := in.BlockIndex.Heights()
	if len(heights) == 0 {
		return slice{}, nil, "", nil
	}
	last := heights[len(heights)-1]

	var (
		start          uint64
		previousOwner  string
		checkpointUsed *checkpoint.Record
	)
	record, found, err := vd.checkpoints.TriggerVerification(ctx, in.Value, in.Account)
	if err != nil {
		return slice{}, nil, "", fmt.Errorf("trigger verification: %w", err)
	}
	if found {
		start = record.Height + 1
		previousOwner = record.Owner
		rec := record
		checkpointUsed = &rec
		if record.Height >= last {
			return slice{}, nil, "", fmt.Errorf("%w: checkpoint height %d >= last block %d", ErrInvalidCheckpoint, record.Height, last)
		}
	}

	heightsSlice, ownersSlice, startIndex := in.BlockIndex.SliceFrom(start)
	if found && len(heightsSlice) == 0 {
		return slice{}, nil, "", fmt.Errorf("%w: checkpoint slicing yielded an empty window", ErrInvalidCheckpoint)
	}
	unitsSlice := in.Units[startIndex:]

	return slice{heights: heightsSlice, owners: ownersSlice, units: unitsSlice}, checkpointUsed, previousOwner, nil
}

// ownerAtHeight attributes height h to the latest owner on or before h
// within owners (spec.md §4.8 Stage 3: "owner epoch").
func ownerAtHeight(owners []blockindex.Owner, h uint64) string {
	var last string
	for _, o := range owners {
		if o.Height > h {
			break
		}
		last = o.Address
	}
	return last
}

// stage3BloomConsistency detects hidden double-spends: a block the
// current owner sent a transaction in, but that was omitted from
// heights, would still appear in the main chain's per-block Bloom
// filter (spec.md §4.8 Stage 3). When a checkpoint anchored the
// window, the gap between the checkpoint's height and the first
// provided height is folded in as a synthetic leading pair, so a
// sender's hidden activity there is caught the same way an inter-pair
// gap within the provided heights would be.
func (vd *Validator) stage3BloomConsistency(s slice, checkpointUsed *checkpoint.Record) error {
	if len(s.heights) == 0 {
		return nil
	}
	if checkpointUsed == nil && s.heights[0] != 0 {
		return fmt.Errorf("%w: first provided height %d is not genesis and no checkpoint was supplied", ErrCheckpointTampering, s.heights[0])
	}

	type pair struct {
		height uint64
		owner  string
	}
	pairs := make([]pair, len(s.heights))
	for i, h := range s.heights {
		pairs[i] = pair{height: h, owner: ownerAtHeight(s.owners, h)}
	}
	if checkpointUsed != nil {
		pairs = append([]pair{{height: checkpointUsed.Height, owner: checkpointUsed.Owner}}, pairs...)
	}

	for i := 0; i < len(pairs)-1; i++ {
		hi, ownerI := pairs[i].height, pairs[i].owner
		hNext := pairs[i+1].height
		epochEnd := hNext - 1

		expected := map[uint64]struct{}{hNext: {}}
		for h := range vd.snapshot.BloomFilters {
			if h <= hi || h > epochEnd {
				continue
			}
			if vd.snapshot.SenderInBlock(h, ownerI) {
				expected[h] = struct{}{}
			}
		}

		provided := make(map[uint64]struct{}, len(s.heights))
		for _, h := range s.heights {
			if h > hi && h <= hNext {
				provided[h] = struct{}{}
			}
		}

		var missing []uint64
		for h := range expected {
			if _, ok := provided[h]; !ok {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })
			return &MissingSenderBlocksError{Owner: ownerI, Heights: missing}
		}
	}
	return nil
}

// heightOwner is one verified (height, owner) pair from stage 4.
type heightOwner struct {
	height uint64
	owner  string
}

// stage4ProofAndClassification verifies every Proof Unit against its
// block's Merkle root and classifies each block as genesis,
// target-value transfer, or carrier (spec.md §4.8 Stage 4). Errors are
// accumulated across all epochs rather than short-circuiting.
func (vd *Validator) stage4ProofAndClassification(target value.Value, s slice, previousOwner string) ([]error, []heightOwner) {
	var errs []error
	epochs := make([]heightOwner, 0, len(s.heights))

	prevOwner := previousOwner
	for i, h := range s.heights {
		owner := ownerAtHeight(s.owners, h)
		epochs = append(epochs, heightOwner{height: h, owner: owner})

		unit := s.units[i]
		root, err := vd.snapshot.RootAt(h)
		if err != nil {
			errs = append(errs, &heightError{kind: ErrMerkleRootMissing, height: h})
			prevOwner = owner
			continue
		}

		if err := unit.Verify(root); err != nil {
			errs = append(errs, &heightError{kind: ErrProofUnitVerificationFailed, height: h, detail: err.Error()})
		}

		switch {
		case h == 0:
			errs = append(errs, classifyGenesisBlock(h, target, owner, unit.MultiTx)...)
		case owner != prevOwner:
			errs = append(errs, classifyTransferBlock(h, target, prevOwner, owner, unit.MultiTx)...)
		default:
			errs = append(errs, classifyCarrierBlock(h, target, unit.MultiTx)...)
		}

		prevOwner = owner
	}
	return errs, epochs
}

func classifyGenesisBlock(h uint64, target value.Value, owner string, bundle multitx.Bundle) []error {
	var errs []error
	if bundle.ExactTransfer(multitx.GenesisSender, owner, target) {
		for _, tx := range bundle.Transactions {
			if tx.Sender == multitx.GenesisSender && tx.Recipient == owner {
				continue
			}
			if intersectsAny(tx, target) {
				errs = append(errs, &heightError{kind: ErrInvalidGenesisValueIntersection, height: h})
			}
		}
		return errs
	}
	if _, found := bundle.IntersectsValue(target); found {
		errs = append(errs, &heightError{kind: ErrInvalidGenesisValueIntersection, height: h})
		return errs
	}
	errs = append(errs, &heightError{kind: ErrMissingGenesisValueDistribution, height: h})
	return errs
}

func classifyTransferBlock(h uint64, target value.Value, prevOwner, owner string, bundle multitx.Bundle) []error {
	var errs []error
	if !bundle.ExactTransfer(prevOwner, owner, target) {
		errs = append(errs, &heightError{kind: ErrNoValidTargetValueTransfer, height: h})
		return errs
	}
	for _, tx := range bundle.Transactions {
		if tx.Sender == prevOwner && tx.Recipient == owner {
			continue
		}
		if intersectsAny(tx, target) {
			errs = append(errs, &heightError{kind: ErrInvalidTargetValueIntersection, height: h})
		}
	}
	return errs
}

func classifyCarrierBlock(h uint64, target value.Value, bundle multitx.Bundle) []error {
	for _, tx := range bundle.Transactions {
		if intersectsAny(tx, target) {
			return []error{&heightError{kind: ErrDoubleSpendDetected, height: h}}
		}
	}
	return nil
}

func intersectsAny(tx multitx.SingleTransaction, target value.Value) bool {
	for _, v := range tx.Values {
		if _, _, ok := v.Intersect(target); ok {
			return true
		}
	}
	return false
}

// groupEpochs folds a flat per-height (height, owner) sequence into
// owner-contiguous runs for the report (spec.md §4.8: "in-order list of
// (owner, [heights]) verified epochs").
func groupEpochs(pairs []heightOwner) []Epoch {
	var epochs []Epoch
	for _, p := range pairs {
		if len(epochs) > 0 && epochs[len(epochs)-1].Owner == p.owner {
			epochs[len(epochs)-1].Heights = append(epochs[len(epochs)-1].Heights, p.height)
			continue
		}
		epochs = append(epochs, Epoch{Owner: p.owner, Heights: []uint64{p.height}})
	}
	return epochs
}

// advanceCheckpoint creates or updates the checkpoint for value at
// (owner, lastHeight-1), per spec.md §4.8 Stage 4's closing step.
func (vd *Validator) advanceCheckpoint(ctx context.Context, v value.Value, owner string, lastHeight uint64) error {
	var newHeight uint64
	if lastHeight > 0 {
		newHeight = lastHeight - 1
	}
	if _, err := vd.checkpoints.Update(ctx, v, owner, newHeight); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			_, err := vd.checkpoints.Create(ctx, v, owner, newHeight)
			return err
		}
		return err
	}
	return nil
}
