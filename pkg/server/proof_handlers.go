// Copyright 2025 Certen Protocol
//
// Ledger API Handlers
// Implements the HTTP operation surface over the VPB Manager and
// Validator Pipeline for external customers and auditing nodes.

package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/certen/vpb-ledger/pkg/blockindex"
	"github.com/certen/vpb-ledger/pkg/checkpoint"
	"github.com/certen/vpb-ledger/pkg/cryptoprovider"
	"github.com/certen/vpb-ledger/pkg/database"
	"github.com/certen/vpb-ledger/pkg/multitx"
	"github.com/certen/vpb-ledger/pkg/proof"
	"github.com/certen/vpb-ledger/pkg/validator"
	"github.com/certen/vpb-ledger/pkg/value"
	"github.com/certen/vpb-ledger/pkg/valuestore"
	"github.com/certen/vpb-ledger/pkg/vpb"
)

// LedgerHandlers provides HTTP handlers for VPB ledger operations:
// Value lookup, VPB lifecycle mutation, Validator Pipeline runs, and
// checkpoint export.
type LedgerHandlers struct {
	repos     *database.Repositories
	manager   *vpb.Manager
	validator *validator.Validator
	account   string
	logger    *log.Logger
}

// NewLedgerHandlers creates new ledger API handlers.
func NewLedgerHandlers(repos *database.Repositories, mgr *vpb.Manager, vd *validator.Validator, account string, logger *log.Logger) *LedgerHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[LedgerAPI] ", log.LstdFlags)
	}
	return &LedgerHandlers{
		repos:     repos,
		manager:   mgr,
		validator: vd,
		account:   account,
		logger:    logger,
	}
}

// ============================================================================
// VALUE DISCOVERY ENDPOINTS
// ============================================================================

// HandleGetValueByNodeID handles GET /api/v1/values/{node_id}
func (h *LedgerHandlers) HandleGetValueByNodeID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	nodeID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/values/"), "/")
	if nodeID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_NODE_ID", "node id is required")
		return
	}

	ctx := r.Context()
	v, found, err := h.repos.Values.Get(ctx, h.account, nodeID)
	if err != nil {
		h.logger.Printf("get value %s: %v", nodeID, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to look up value")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "VALUE_NOT_FOUND", fmt.Sprintf("no value for node %s", nodeID))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": nodeID,
		"value":   v,
	})
}

// HandleListValuesByState handles GET /api/v1/values?state={state}
func (h *LedgerHandlers) HandleListValuesByState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	stateParam := r.URL.Query().Get("state")
	ctx := r.Context()

	if stateParam == "" {
		values, err := h.repos.Values.ListAll(ctx, h.account)
		if err != nil {
			h.logger.Printf("list all values: %v", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list values")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"account": h.account,
			"total":   len(values),
			"values":  values,
		})
		return
	}

	state := value.State(stateParam)
	if !state.Valid() {
		h.writeError(w, http.StatusBadRequest, "INVALID_STATE", fmt.Sprintf("unknown state %q", stateParam))
		return
	}

	values, err := h.repos.Values.FindByState(ctx, h.account, state)
	if err != nil {
		h.logger.Printf("find values by state %s: %v", state, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to query values")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": h.account,
		"state":   state,
		"total":   len(values),
		"values":  values,
	})
}

// HandleGetBlockIndex handles GET /api/v1/values/{node_id}/blocks
func (h *LedgerHandlers) HandleGetBlockIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/values/")
	nodeID := strings.TrimSuffix(strings.TrimSuffix(path, "/blocks"), "/")
	if nodeID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_NODE_ID", "node id is required")
		return
	}

	ctx := r.Context()
	list, found, err := h.repos.BlockIndex.Get(ctx, h.account, nodeID)
	if err != nil {
		h.logger.Printf("get block index %s: %v", nodeID, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to look up block index")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "BLOCK_INDEX_NOT_FOUND", fmt.Sprintf("no block index for node %s", nodeID))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": nodeID,
		"heights": list.Heights(),
		"owners":  list.Owners(),
	})
}

// ============================================================================
// PROOF UNIT ENDPOINTS
// ============================================================================

// HandleGetProofUnit handles GET /api/v1/proof-units/{unit_id}
func (h *LedgerHandlers) HandleGetProofUnit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	unitID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/proof-units/"), "/")
	if unitID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_UNIT_ID", "unit id is required")
		return
	}

	ctx := r.Context()
	unit, found, err := h.repos.ProofUnits.GetUnit(ctx, unitID)
	if err != nil {
		h.logger.Printf("[%s] get proof unit %s: %v", requestID(ctx), unitID, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to look up proof unit")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "PROOF_UNIT_NOT_FOUND", fmt.Sprintf("no proof unit %s", unitID))
		return
	}

	h.writeJSON(w, http.StatusOK, unit)
}

// HandleGetProofOrder handles GET /api/v1/values/{node_id}/proof-units
func (h *LedgerHandlers) HandleGetProofOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/values/")
	nodeID := strings.TrimSuffix(strings.TrimSuffix(path, "/proof-units"), "/")
	if nodeID == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_NODE_ID", "node id is required")
		return
	}

	ctx := r.Context()
	unitIDs, err := h.repos.ProofUnits.ListMappings(ctx, h.account, nodeID)
	if err != nil {
		h.logger.Printf("list proof mappings for %s: %v", nodeID, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list proof units")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":        nodeID,
		"proof_unit_ids": unitIDs,
	})
}

// ============================================================================
// VPB LIFECYCLE ENDPOINTS
// ============================================================================

// HandleSweep handles POST /api/v1/lifecycle/sweep: runs the periodic
// Verified->Unspent sweep on demand (spec.md §4.7).
func (h *LedgerHandlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	n, err := h.manager.SweepVerifiedToUnspent(r.Context())
	if err != nil {
		h.logger.Printf("sweep: %v", err)
		h.writeError(w, http.StatusInternalServerError, "SWEEP_FAILED", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swept": n,
	})
}

// HandleValidateIntegrity handles POST /api/v1/lifecycle/validate-integrity.
func (h *LedgerHandlers) HandleValidateIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	violations, err := h.manager.ValidateVPBIntegrity(r.Context())
	if err != nil {
		h.logger.Printf("validate integrity: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":    h.account,
		"violations": violations,
		"clean":      len(violations) == 0,
	})
}

// blockIndexWire is the request/response shape for a Block-Index List
// submitted over the wire: heights and owners travel separately since
// blockindex.List has no exported constructor literal.
type blockIndexWire struct {
	Heights []uint64           `json:"heights"`
	Owners  []blockindex.Owner `json:"owners"`
}

func (w blockIndexWire) toList() (*blockindex.List, error) {
	return blockindex.FromParts(w.Heights, w.Owners)
}

type initializeGenesisRequest struct {
	Value      value.Value    `json:"value"`
	ProofUnits []proof.Unit   `json:"proof_units"`
	BlockIndex blockIndexWire `json:"block_index"`
}

// HandleInitializeGenesis handles POST /api/v1/lifecycle/initialize:
// installs a brand-new VPB triple (spec.md §4.6).
func (h *LedgerHandlers) HandleInitializeGenesis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req initializeGenesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}

	bi, err := req.BlockIndex.toList()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BLOCK_INDEX", err.Error())
		return
	}

	if err := h.manager.InitializeFromGenesis(r.Context(), req.Value, req.ProofUnits, bi); err != nil {
		h.logger.Printf("[%s] initialize from genesis: %v", requestID(r.Context()), err)
		h.writeError(w, http.StatusInternalServerError, "INITIALIZE_FAILED", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"account": h.account,
		"status":  "initialized",
	})
}

type transactionSentRequest struct {
	ConfirmedMultiTx multitx.Bundle    `json:"confirmed_multi_tx"`
	MerklePath       []proof.PathEntry `json:"merkle_path"`
	Height           uint64            `json:"height"`
	Recipient        string            `json:"recipient"`
}

// HandleUpdateAfterTransactionSent handles POST
// /api/v1/lifecycle/transaction-sent: applies the post-send lifecycle
// update across every Value still held or just transferred (spec.md §4.6).
func (h *LedgerHandlers) HandleUpdateAfterTransactionSent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req transactionSentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}

	if err := h.manager.UpdateAfterTransactionSent(r.Context(), req.ConfirmedMultiTx, req.MerklePath, req.Height, req.Recipient); err != nil {
		h.logger.Printf("[%s] update after transaction sent: %v", requestID(r.Context()), err)
		h.writeError(w, http.StatusInternalServerError, "UPDATE_FAILED", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": h.account,
		"status":  "updated",
	})
}

type receiveVPBRequest struct {
	Value      value.Value    `json:"value"`
	ProofUnits []proof.Unit   `json:"proof_units"`
	BlockIndex blockIndexWire `json:"block_index"`
}

// HandleReceiveVPB handles POST /api/v1/lifecycle/receive: installs an
// incoming VPB triple from another account (spec.md §4.6).
func (h *LedgerHandlers) HandleReceiveVPB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req receiveVPBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}

	bi, err := req.BlockIndex.toList()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BLOCK_INDEX", err.Error())
		return
	}

	if err := h.manager.ReceiveVPBFromOthers(r.Context(), req.Value, req.ProofUnits, bi); err != nil {
		h.logger.Printf("[%s] receive vpb from others: %v", requestID(r.Context()), err)
		h.writeError(w, http.StatusInternalServerError, "RECEIVE_FAILED", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": h.account,
		"status":  "received",
	})
}

// ============================================================================
// VALIDATOR PIPELINE ENDPOINT
// ============================================================================

type validateRequest struct {
	Value value.Value `json:"value"`
}

// HandleRunValidator handles POST /api/v1/validate: runs the four-stage
// Validator Pipeline against the current stored VPB triple for the
// submitted Value (spec.md §4.8).
func (h *LedgerHandlers) HandleRunValidator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}

	ctx := r.Context()
	nodeID := valuestore.NodeID(cryptoprovider.Keccak256, req.Value)

	list, found, err := h.repos.BlockIndex.Get(ctx, h.account, nodeID)
	if err != nil {
		h.logger.Printf("validate: get block index: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load block index")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "BLOCK_INDEX_NOT_FOUND", "no block index for submitted value")
		return
	}

	unitIDs, err := h.repos.ProofUnits.ListMappings(ctx, h.account, nodeID)
	if err != nil {
		h.logger.Printf("validate: list mappings: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load proof units")
		return
	}

	units := make([]proof.Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		u, found, err := h.repos.ProofUnits.GetUnit(ctx, id)
		if err != nil {
			h.logger.Printf("validate: get unit %s: %v", id, err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load proof unit")
			return
		}
		if !found {
			h.writeError(w, http.StatusInternalServerError, "INCONSISTENT_STATE", fmt.Sprintf("mapped proof unit %s missing from store", id))
			return
		}
		units = append(units, u)
	}

	report, err := h.validator.Validate(ctx, validator.Input{
		Value:      req.Value,
		Units:      units,
		BlockIndex: list,
		Account:    h.account,
	})
	if err != nil {
		h.logger.Printf("validate: %v", err)
		h.writeError(w, http.StatusInternalServerError, "VALIDATION_ERROR", err.Error())
		return
	}

	errs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		errs = append(errs, e.Error())
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome":         report.Outcome,
		"errors":          errs,
		"verified_epochs": report.VerifiedEpochs,
		"elapsed_ms":      report.ElapsedMS,
		"proof_unit_ids":  unitIDs,
	})
}

// ============================================================================
// STATISTICS ENDPOINT
// ============================================================================

// HandleGetStats handles GET /api/v1/stats: reports running Validator
// Pipeline counters and Proof Manager dedup/bloom occupancy, mirroring
// the original_source Python implementation's
// get_verification_stats()/get_bloom_filter_stats()/get_statistics()
// (EZ_VPB_Validator/vpb_validator.py, EZ_VPB/proofs/AccountProofManager.py).
func (h *LedgerHandlers) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	vs := h.validator.Stats()
	ps := h.manager.Proofs().Statistics()
	bs := h.manager.Proofs().BloomFilterStats()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": h.account,
		"verification": map[string]interface{}{
			"total_verifications":      vs.TotalVerifications,
			"successful_verifications": vs.SuccessfulVerifications,
			"failed_verifications":     vs.FailedVerifications,
			"checkpoint_hits":          vs.CheckpointHits,
			"success_rate":             vs.SuccessRate(),
			"checkpoint_hit_rate":      vs.CheckpointHitRate(),
		},
		"proofs": map[string]interface{}{
			"total_values":         ps.TotalValues,
			"total_proof_units":    ps.TotalProofUnits,
			"max_proofs_per_value": ps.MaxProofsPerValue,
			"avg_proofs_per_value": ps.AvgProofsPerValue,
		},
		"bloom_filter": map[string]interface{}{
			"expected_items":               bs.ExpectedItems,
			"current_items":                bs.CurrentItems,
			"target_false_positive_rate":   bs.TargetFalsePositiveRate,
			"current_false_positive_rate":  bs.CurrentFalsePositiveRate,
			"bit_array_size":               bs.BitArraySize,
			"hash_count":                   bs.HashCount,
		},
	})
}

// ============================================================================
// CHECKPOINT ENDPOINTS
// ============================================================================

// HandleGetCheckpoint handles GET /api/v1/checkpoints/{begin_hex}/{num}
func (h *LedgerHandlers) HandleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/checkpoints/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_CHECKPOINT_KEY", "expected /api/v1/checkpoints/{begin_hex}/{num}")
		return
	}
	beginHex := parts[0]
	num, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_NUM", "num must be an integer")
		return
	}

	rec, found, err := h.repos.Checkpoints.GetExact(r.Context(), beginHex, num)
	if err != nil {
		h.logger.Printf("get checkpoint %s:%d: %v", beginHex, num, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to look up checkpoint")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "CHECKPOINT_NOT_FOUND", fmt.Sprintf("no checkpoint %s:%d", beginHex, num))
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// HandleListCheckpointsByOwner handles GET /api/v1/checkpoints?owner={owner}
func (h *LedgerHandlers) HandleListCheckpointsByOwner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	owner := r.URL.Query().Get("owner")
	ctx := r.Context()

	var (
		records []checkpoint.Record
		err     error
	)
	if owner != "" {
		records, err = h.repos.Checkpoints.ListByOwner(ctx, owner)
	} else {
		records, err = h.repos.Checkpoints.ListByHeightDesc(ctx)
	}
	if err != nil {
		h.logger.Printf("list checkpoints: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list checkpoints")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":       owner,
		"total":       len(records),
		"checkpoints": records,
	})
}

// checkpointExport is the literal on-disk/wire export shape.
type checkpointExport struct {
	ExportTime  string              `json:"export_time"`
	Total       int                 `json:"total"`
	Checkpoints []checkpoint.Record `json:"checkpoints"`
}

// HandleExportCheckpoints handles GET /api/v1/checkpoints/export.
func (h *LedgerHandlers) HandleExportCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	records, err := h.repos.Checkpoints.ListAll(r.Context())
	if err != nil {
		h.logger.Printf("export checkpoints: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list checkpoints")
		return
	}

	export := checkpointExport{
		ExportTime:  time.Now().UTC().Format(time.RFC3339),
		Total:       len(records),
		Checkpoints: records,
	}
	h.writeJSON(w, http.StatusOK, export)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *LedgerHandlers) parseIntParam(r *http.Request, name string, defaultVal int) int {
	valStr := r.URL.Query().Get(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
