// Copyright 2025 Certen Protocol

package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/certen/vpb-ledger/pkg/blockindex"
	"github.com/certen/vpb-ledger/pkg/chaininfo"
	"github.com/certen/vpb-ledger/pkg/checkpoint"
	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/multitx"
	"github.com/certen/vpb-ledger/pkg/proof"
	"github.com/certen/vpb-ledger/pkg/value"
)

const (
	alice      = "0xaaaa00000000000000000000000000000000aaaa"
	bob        = "0xbbbb00000000000000000000000000000000bbbb"
	charlie    = "0xcccc00000000000000000000000000000000cccc"
	dave       = "0xdddd00000000000000000000000000000000dddd"
	sun        = "0xeeee00000000000000000000000000000000eeee"
	accomplice = "0xffff00000000000000000000000000000000ffff"
)

// fakeCheckpointRepo is an in-memory checkpoint.Repository for tests.
type fakeCheckpointRepo struct {
	records map[string]checkpoint.Record
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{records: make(map[string]checkpoint.Record)}
}

func cKey(beginHex string, num uint64) string {
	return fmt.Sprintf("%s:%d", beginHex, num)
}

func (r *fakeCheckpointRepo) Insert(ctx context.Context, rec checkpoint.Record) error {
	r.records[cKey(rec.BeginHex, rec.Num)] = rec
	return nil
}

func (r *fakeCheckpointRepo) UpdateExact(ctx context.Context, beginHex string, num uint64, newOwner string, newHeight uint64, updatedAt time.Time) (checkpoint.Record, bool, error) {
	k := cKey(beginHex, num)
	rec, ok := r.records[k]
	if !ok {
		return checkpoint.Record{}, false, nil
	}
	rec.Owner = newOwner
	rec.Height = newHeight
	rec.UpdatedAt = updatedAt
	r.records[k] = rec
	return rec, true, nil
}

func (r *fakeCheckpointRepo) GetExact(ctx context.Context, beginHex string, num uint64) (checkpoint.Record, bool, error) {
	rec, ok := r.records[cKey(beginHex, num)]
	return rec, ok, nil
}

func (r *fakeCheckpointRepo) ListByHeightDesc(ctx context.Context) ([]checkpoint.Record, error) {
	out := make([]checkpoint.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Height > out[i].Height {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (r *fakeCheckpointRepo) ListByOwner(ctx context.Context, owner string) ([]checkpoint.Record, error) {
	var out []checkpoint.Record
	for _, rec := range r.records {
		if rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeCheckpointRepo) ListAll(ctx context.Context) ([]checkpoint.Record, error) {
	out := make([]checkpoint.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeCheckpointRepo) Delete(ctx context.Context, beginHex string, num uint64) error {
	delete(r.records, cKey(beginHex, num))
	return nil
}

func mustValue(t *testing.T, beginHex string, num uint64) value.Value {
	t.Helper()
	v, err := value.New(beginHex, num, value.StateOnChain, nil)
	if err != nil {
		t.Fatalf("value.New(%s,%d): %v", beginHex, num, err)
	}
	return v
}

func repeatHash(b byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

// foldRoot mirrors merkle.Receipt.Validate's recomputation so tests can
// build a root consistent with a given leaf and sibling path.
func foldRoot(leafHex string, path []proof.PathEntry) string {
	cur, _ := hex.DecodeString(leafHex)
	for _, e := range path {
		sib, _ := hex.DecodeString(e.Hash)
		h := sha256.New()
		if e.Right {
			h.Write(cur)
			h.Write(sib)
		} else {
			h.Write(sib)
			h.Write(cur)
		}
		cur = h.Sum(nil)
	}
	return hex.EncodeToString(cur)
}

// buildUnit constructs a Proof Unit for bundle/owner together with the
// Merkle root it verifies against, using a single fixed sibling so the
// fold is trivial to reproduce.
func buildUnit(owner string, bundle multitx.Bundle, siblingSeed byte) (proof.Unit, string) {
	leaf := bundle.Digest()
	if leaf == "" {
		leaf = repeatHash(0x00)
	}
	path := []proof.PathEntry{{Hash: leaf, Right: false}, {Hash: repeatHash(siblingSeed), Right: true}}
	u := proof.NewUnit(cryptoprovider.Keccak256, owner, bundle, path)
	root := foldRoot(leaf, path[1:])
	return u, root
}

func genesisBundle(recipient string, target value.Value) multitx.Bundle {
	return multitx.Bundle{
		SenderAddr: multitx.GenesisSender,
		DigestHex:  "",
		Transactions: []multitx.SingleTransaction{
			{Sender: multitx.GenesisSender, Recipient: recipient, Values: []value.Value{target}},
		},
	}
}

func transferBundle(sender, recipient string, target value.Value) multitx.Bundle {
	b := multitx.Bundle{
		SenderAddr: sender,
		Transactions: []multitx.SingleTransaction{
			{Sender: sender, Recipient: recipient, Values: []value.Value{target}},
		},
	}
	b.DigestHex = multitx.ComputeDigest(cryptoprovider.Keccak256, b)
	return b
}

func carrierBundle(sender string, unrelated value.Value) multitx.Bundle {
	b := multitx.Bundle{
		SenderAddr: sender,
		Transactions: []multitx.SingleTransaction{
			{Sender: sender, Recipient: accomplice, Values: []value.Value{unrelated}},
		},
	}
	b.DigestHex = multitx.ComputeDigest(cryptoprovider.Keccak256, b)
	return b
}

// ownershipTopology reproduces spec.md §8 scenario 1's literal chain
// topology: value (0x1000,100), heights
// [0,8,15,16,25,27,55,56,58], owners alice -> bob -> charlie -> dave -> bob.
type ownershipTopology struct {
	target   value.Value
	list     *blockindex.List
	units    []proof.Unit
	snapshot *chaininfo.Snapshot
}

func buildScenario1Topology(t *testing.T) ownershipTopology {
	t.Helper()
	target := mustValue(t, "0x1000", 100)
	unrelated := mustValue(t, "0x5000", 10)

	heights := []uint64{0, 8, 15, 16, 25, 27, 55, 56, 58}
	owners := []blockindex.Owner{
		{Height: 0, Address: alice},
		{Height: 15, Address: bob},
		{Height: 27, Address: charlie},
		{Height: 56, Address: dave},
		{Height: 58, Address: bob},
	}
	list, err := blockindex.FromParts(heights, owners)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}

	// height -> (bundle, realSender) pairs reproducing the scenario's
	// narrative: alice carries, transfers to bob at 15, bob carries,
	// transfers to charlie at 27, charlie carries, transfers to dave at
	// 56, dave transfers to bob at 58.
	type block struct {
		owner  string // attributed owner recorded at this height
		bundle multitx.Bundle
		sender string // real bundle sender, seeded into the bloom filter
	}
	blocks := map[uint64]block{
		0:  {owner: alice, bundle: genesisBundle(alice, target), sender: ""},
		8:  {owner: alice, bundle: carrierBundle(alice, unrelated), sender: alice},
		15: {owner: bob, bundle: transferBundle(alice, bob, target), sender: alice},
		16: {owner: bob, bundle: carrierBundle(bob, unrelated), sender: bob},
		25: {owner: bob, bundle: carrierBundle(bob, unrelated), sender: bob},
		27: {owner: charlie, bundle: transferBundle(bob, charlie, target), sender: bob},
		55: {owner: charlie, bundle: carrierBundle(charlie, unrelated), sender: charlie},
		56: {owner: dave, bundle: transferBundle(charlie, dave, target), sender: charlie},
		58: {owner: bob, bundle: transferBundle(dave, bob, target), sender: dave},
	}

	snapshot := chaininfo.NewSnapshot(0, 58)
	units := make([]proof.Unit, 0, len(heights))
	for i, h := range heights {
		b := blocks[h]
		u, root := buildUnit(b.owner, b.bundle, byte(i+1))
		units = append(units, u)
		snapshot.MerkleRoots[h] = root
		if b.sender != "" {
			snapshot.SeedBlock(h, b.sender, 100, 0.01)
		}
	}

	return ownershipTopology{target: target, list: list, units: units, snapshot: snapshot}
}

func TestScenario1GenesisToAliceToBobNoCheckpoint(t *testing.T) {
	topo := buildScenario1Topology(t)
	store := checkpoint.NewStore(newFakeCheckpointRepo())
	v := New(topo.snapshot, store)

	report, err := v.Validate(context.Background(), Input{
		Value:      topo.target,
		Units:      topo.units,
		BlockIndex: topo.list,
		Account:    bob,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s with errors %v", report.Outcome, report.Errors)
	}
	if report.CheckpointUsed != nil {
		t.Fatalf("expected no checkpoint to be used, got %+v", report.CheckpointUsed)
	}
	if len(report.VerifiedEpochs) == 0 {
		t.Fatal("expected at least one verified epoch")
	}

	rec, found, err := store.Get(context.Background(), topo.target)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected a new checkpoint to have been recorded")
	}
	if rec.Owner != bob || rec.Height != 57 {
		t.Fatalf("expected checkpoint (bob,57), got (%s,%d)", rec.Owner, rec.Height)
	}
}

func TestScenario2ExistingCheckpointNarrowsWindow(t *testing.T) {
	topo := buildScenario1Topology(t)
	repo := newFakeCheckpointRepo()
	store := checkpoint.NewStore(repo)
	if _, err := store.Create(context.Background(), topo.target, bob, 26); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	v := New(topo.snapshot, store)

	report, err := v.Validate(context.Background(), Input{
		Value:      topo.target,
		Units:      topo.units,
		BlockIndex: topo.list,
		Account:    bob,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s with errors %v", report.Outcome, report.Errors)
	}
	if report.CheckpointUsed == nil || report.CheckpointUsed.Height != 26 {
		t.Fatalf("expected checkpoint_used.height = 26, got %+v", report.CheckpointUsed)
	}
	for _, e := range report.VerifiedEpochs {
		for _, h := range e.Heights {
			if h < 27 {
				t.Fatalf("expected validated epochs to cover only blocks >= 27, saw height %d", h)
			}
		}
	}
}

func TestScenario3HiddenDoubleSpendTriggersMissingSenderBlocks(t *testing.T) {
	topo := buildScenario1Topology(t)
	// Dave double-spends at block 57 (omitted from heights) before the
	// "legitimate" transfer to bob at 58; the main chain's bloom filter
	// still records dave as a sender there.
	topo.snapshot.SeedBlock(57, dave, 100, 0.01)

	store := checkpoint.NewStore(newFakeCheckpointRepo())
	v := New(topo.snapshot, store)

	report, err := v.Validate(context.Background(), Input{
		Value:      topo.target,
		Units:      topo.units,
		BlockIndex: topo.list,
		Account:    bob,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %s", report.Outcome)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected exactly one stage-3 error, got %v", report.Errors)
	}
	var missing *MissingSenderBlocksError
	if !errors.As(report.Errors[0], &missing) {
		t.Fatalf("expected *MissingSenderBlocksError, got %T: %v", report.Errors[0], report.Errors[0])
	}
	if missing.Owner != dave || len(missing.Heights) != 1 || missing.Heights[0] != 57 {
		t.Fatalf("expected MissingSenderBlocks(dave,{57}), got owner=%s heights=%v", missing.Owner, missing.Heights)
	}
}

func TestScenario4InvalidCheckpointBeyondLastBlock(t *testing.T) {
	target := mustValue(t, "0x2000", 50)
	heights := []uint64{1, 2, 3}
	owners := []blockindex.Owner{{Height: 1, Address: alice}}
	list, err := blockindex.FromParts(heights, owners)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}

	unrelated := mustValue(t, "0x6000", 5)
	units := make([]proof.Unit, 0, len(heights))
	for i := range heights {
		bundle := carrierBundle(alice, unrelated)
		u, _ := buildUnit(alice, bundle, byte(i+1))
		units = append(units, u)
	}

	repo := newFakeCheckpointRepo()
	store := checkpoint.NewStore(repo)
	if _, err := store.Create(context.Background(), target, alice, 10); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	snapshot := chaininfo.NewSnapshot(0, 3)
	v := New(snapshot, store)

	report, err := v.Validate(context.Background(), Input{
		Value:      target,
		Units:      units,
		BlockIndex: list,
		Account:    alice,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %s", report.Outcome)
	}
	if len(report.Errors) != 1 || !errors.Is(report.Errors[0], ErrInvalidCheckpoint) {
		t.Fatalf("expected a single ErrInvalidCheckpoint, got %v", report.Errors)
	}
}

func TestScenario4bNonGenesisStartWithoutCheckpointTriggersTampering(t *testing.T) {
	target := mustValue(t, "0x2100", 50)
	heights := []uint64{10, 11, 12}
	owners := []blockindex.Owner{{Height: 10, Address: alice}}
	list, err := blockindex.FromParts(heights, owners)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}

	unrelated := mustValue(t, "0x6100", 5)
	units := make([]proof.Unit, 0, len(heights))
	for i := range heights {
		bundle := carrierBundle(alice, unrelated)
		u, _ := buildUnit(alice, bundle, byte(i+1))
		units = append(units, u)
	}

	// No checkpoint exists for target, so stage 2 leaves checkpointUsed
	// nil while the first provided height (10) is not genesis.
	store := checkpoint.NewStore(newFakeCheckpointRepo())
	snapshot := chaininfo.NewSnapshot(0, 12)
	v := New(snapshot, store)

	report, err := v.Validate(context.Background(), Input{
		Value:      target,
		Units:      units,
		BlockIndex: list,
		Account:    alice,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %s", report.Outcome)
	}
	if len(report.Errors) != 1 || !errors.Is(report.Errors[0], ErrCheckpointTampering) {
		t.Fatalf("expected a single ErrCheckpointTampering, got %v", report.Errors)
	}
}

func TestScenario5CombinedTransferPartialDoubleSpend(t *testing.T) {
	value1 := mustValue(t, "0x3000", 40)
	value2 := mustValue(t, "0x9000", 20)

	// value_1: clean transfer dave -> sun at height 58. A checkpoint at
	// height 57 establishes dave as the previous custodian so the single
	// transfer block has a known prior owner to classify against.
	heights1 := []uint64{58}
	owners1 := []blockindex.Owner{{Height: 58, Address: sun}}
	list1, err := blockindex.FromParts(heights1, owners1)
	if err != nil {
		t.Fatalf("FromParts value1: %v", err)
	}
	bundle1 := transferBundle(dave, sun, value1)
	unit1, root1 := buildUnit(sun, bundle1, 0x01)
	snapshot1 := chaininfo.NewSnapshot(0, 58)
	snapshot1.MerkleRoots[58] = root1
	snapshot1.SeedBlock(58, dave, 100, 0.01)

	store1 := checkpoint.NewStore(newFakeCheckpointRepo())
	if _, err := store1.Create(context.Background(), value1, dave, 57); err != nil {
		t.Fatalf("seed value1 checkpoint: %v", err)
	}
	v1 := New(snapshot1, store1)
	report1, err := v1.Validate(context.Background(), Input{
		Value:      value1,
		Units:      []proof.Unit{unit1},
		BlockIndex: list1,
		Account:    dave,
	})
	if err != nil {
		t.Fatalf("Validate value1: %v", err)
	}
	if report1.Outcome != OutcomeSuccess {
		t.Fatalf("expected value_1 to succeed, got %s: %v", report1.Outcome, report1.Errors)
	}

	// value_2: dave hid a double-spend at block 46 before the transfer
	// to sun at 58; verifier holds a checkpoint on value_2 at height 37
	// recorded under dave, the value's owner at that time.
	heights2 := []uint64{58}
	owners2 := []blockindex.Owner{{Height: 58, Address: sun}}
	list2, err := blockindex.FromParts(heights2, owners2)
	if err != nil {
		t.Fatalf("FromParts value2: %v", err)
	}
	bundle2 := transferBundle(dave, sun, value2)
	unit2, root2 := buildUnit(sun, bundle2, 0x02)
	snapshot2 := chaininfo.NewSnapshot(0, 58)
	snapshot2.MerkleRoots[58] = root2
	snapshot2.SeedBlock(58, dave, 100, 0.01)
	snapshot2.SeedBlock(46, dave, 100, 0.01) // the hidden double-spend block

	repo2 := newFakeCheckpointRepo()
	store2 := checkpoint.NewStore(repo2)
	if _, err := store2.Create(context.Background(), value2, dave, 37); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	v2 := New(snapshot2, store2)
	report2, err := v2.Validate(context.Background(), Input{
		Value:      value2,
		Units:      []proof.Unit{unit2},
		BlockIndex: list2,
		Account:    dave,
	})
	if err != nil {
		t.Fatalf("Validate value2: %v", err)
	}
	if report2.Outcome != OutcomeFailure {
		t.Fatalf("expected value_2 to fail, got %s", report2.Outcome)
	}
	var missing *MissingSenderBlocksError
	isMissingSenderBlocks := errors.As(report2.Errors[0], &missing)
	isOtherSecurityFailure := len(report2.Errors) > 0 && (errors.Is(report2.Errors[0], ErrNoValidTargetValueTransfer) || errors.Is(report2.Errors[0], ErrDoubleSpendDetected))
	if !isMissingSenderBlocks && !isOtherSecurityFailure {
		t.Fatalf("expected MissingSenderBlocks, NoValidTargetValueTransfer, or DoubleSpendDetected, got %v", report2.Errors)
	}
}

func TestStatsTracksOutcomesAcrossRuns(t *testing.T) {
	topo := buildScenario1Topology(t)
	store := checkpoint.NewStore(newFakeCheckpointRepo())
	if _, err := store.Create(context.Background(), topo.target, bob, 26); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	v := New(topo.snapshot, store)

	// First run: succeeds and uses the seeded checkpoint.
	if _, err := v.Validate(context.Background(), Input{
		Value:      topo.target,
		Units:      topo.units,
		BlockIndex: topo.list,
		Account:    bob,
	}); err != nil {
		t.Fatalf("Validate (success case): %v", err)
	}

	// Second run against the same Validator (same underlying store, a
	// distinct value): a checkpoint beyond the last block makes stage 2
	// fail before CheckpointUsed is ever set, so this run fails without
	// counting as a checkpoint hit.
	target2 := mustValue(t, "0x2200", 50)
	heights2 := []uint64{1, 2, 3}
	owners2 := []blockindex.Owner{{Height: 1, Address: alice}}
	list2, err := blockindex.FromParts(heights2, owners2)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}
	if _, err := store.Create(context.Background(), target2, alice, 10); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	unrelated := mustValue(t, "0x6200", 5)
	units2 := make([]proof.Unit, 0, len(heights2))
	for i := range heights2 {
		bundle := carrierBundle(alice, unrelated)
		u, _ := buildUnit(alice, bundle, byte(i+1))
		units2 = append(units2, u)
	}
	if _, err := v.Validate(context.Background(), Input{
		Value:      target2,
		Units:      units2,
		BlockIndex: list2,
		Account:    alice,
	}); err != nil {
		t.Fatalf("Validate (failure case): %v", err)
	}

	stats := v.Stats()
	if stats.TotalVerifications != 2 {
		t.Fatalf("expected total_verifications=2, got %d", stats.TotalVerifications)
	}
	if stats.SuccessfulVerifications != 1 || stats.FailedVerifications != 1 {
		t.Fatalf("expected one success and one failure, got %+v", stats)
	}
	if stats.CheckpointHits != 1 {
		t.Fatalf("expected checkpoint_hits=1 (only the first run's checkpoint was actually used), got %d", stats.CheckpointHits)
	}
	if rate := stats.SuccessRate(); rate != 0.5 {
		t.Fatalf("expected success_rate=0.5, got %v", rate)
	}
	if rate := stats.CheckpointHitRate(); rate != 0.5 {
		t.Fatalf("expected checkpoint_hit_rate=0.5, got %v", rate)
	}

	v.ResetStats()
	if reset := v.Stats(); reset.TotalVerifications != 0 {
		t.Fatalf("expected ResetStats to zero counters, got %+v", reset)
	}
}

func TestScenario6CheckpointAfterSplitUsesContainingParent(t *testing.T) {
	parent := mustValue(t, "0x1000", 100)
	child := mustValue(t, "0x1020", 30)

	repo := newFakeCheckpointRepo()
	store := checkpoint.NewStore(repo)
	if _, err := store.Create(context.Background(), parent, alice, 50); err != nil {
		t.Fatalf("seed parent checkpoint: %v", err)
	}

	rec, found, err := store.TriggerVerification(context.Background(), child, alice)
	if err != nil {
		t.Fatalf("TriggerVerification: %v", err)
	}
	if !found {
		t.Fatal("expected trigger_verification to find the containing parent checkpoint")
	}
	if rec.BeginHex != parent.Begin() || rec.Num != parent.Num() {
		t.Fatalf("expected the parent record (%s,%d), got (%s,%d)", parent.Begin(), parent.Num(), rec.BeginHex, rec.Num)
	}
	if rec.Height != 50 {
		t.Fatalf("expected height 50, got %d", rec.Height)
	}

	heights := []uint64{60}
	owners := []blockindex.Owner{{Height: 60, Address: alice}}
	list, err := blockindex.FromParts(heights, owners)
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}
	bundle := carrierBundle(alice, mustValue(t, "0x7000", 5))
	unit, root := buildUnit(alice, bundle, 0x09)
	snapshot := chaininfo.NewSnapshot(0, 60)
	snapshot.MerkleRoots[60] = root
	snapshot.SeedBlock(60, alice, 100, 0.01)

	v := New(snapshot, store)
	report, err := v.Validate(context.Background(), Input{
		Value:      child,
		Units:      []proof.Unit{unit},
		BlockIndex: list,
		Account:    alice,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success with a shortened verification window, got %s: %v", report.Outcome, report.Errors)
	}
	if report.CheckpointUsed == nil || report.CheckpointUsed.Height != 50 {
		t.Fatalf("expected checkpoint_used.height = 50, got %+v", report.CheckpointUsed)
	}
}
