// Copyright 2025 Certen Protocol
//
// Package metrics wires the process's Prometheus collectors. The
// teacher's go.mod already pulled in client_golang; this package is
// where it is actually exercised rather than merely declared.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ValidatorStageDuration observes, per pipeline stage, the wall-clock
// time a validator run spent in that stage (spec.md §4.8).
var ValidatorStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vpb_ledger",
		Subsystem: "validator",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each validator pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"stage"},
)

// ValidatorRunsTotal counts validator runs by final outcome.
var ValidatorRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vpb_ledger",
		Subsystem: "validator",
		Name:      "runs_total",
		Help:      "Validator pipeline runs, partitioned by outcome.",
	},
	[]string{"outcome"},
)

// ProofDedupOutcomesTotal counts Proof Manager dedup protocol outcomes
// (spec.md §4.4): existing, new, or new_bloom_fp.
var ProofDedupOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vpb_ledger",
		Subsystem: "proof_manager",
		Name:      "dedup_outcomes_total",
		Help:      "Proof unit dedup protocol outcomes.",
	},
	[]string{"outcome"},
)

// ProofUnitsTotal tracks the live proof_units row count as a gauge,
// updated on insert/delete (spec.md §4.4 ref-counted lifecycle).
var ProofUnitsTotal = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vpb_ledger",
		Subsystem: "proof_manager",
		Name:      "units_live",
		Help:      "Number of proof_units rows currently live (ref_count > 0).",
	},
)

// VerifiedSweepTransitionsTotal counts Verified->Unspent transitions
// performed by sweep_verified_to_unspent (spec.md §4.7).
var VerifiedSweepTransitionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vpb_ledger",
		Subsystem: "vpb_manager",
		Name:      "verified_sweep_transitions_total",
		Help:      "Values swept from Verified to Unspent.",
	},
)

// CheckpointOperationsTotal counts checkpoint store mutations by kind.
var CheckpointOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vpb_ledger",
		Subsystem: "checkpoint_store",
		Name:      "operations_total",
		Help:      "Checkpoint store mutating operations, partitioned by kind.",
	},
	[]string{"operation"},
)

// Registry is the process-wide collector registry. Using a dedicated
// registry (rather than the global default) keeps repeated test-process
// registration from panicking on duplicate collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ValidatorStageDuration,
		ValidatorRunsTotal,
		ProofDedupOutcomesTotal,
		ProofUnitsTotal,
		VerifiedSweepTransitionsTotal,
		CheckpointOperationsTotal,
	)
}
