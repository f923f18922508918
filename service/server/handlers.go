package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/engine"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/watch"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for any operation request
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer

	defaultListLimit = 100
	maxListLimit     = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// Store is the audit-store surface the read handlers use. Both *db.Store and
// *db.MockStore satisfy it.
type Store interface {
	GetOperation(ctx context.Context, id uuid.UUID) (*db.Operation, error)
	ListOperations(ctx context.Context, wallet string, limit int32) ([]*db.Operation, error)
	ListClaims(ctx context.Context, wallet string, limit int32) ([]*db.Claim, error)
}

// handleStartSession returns a handler that starts a watch session for a wallet.
// Starting an already-watched wallet is idempotent.
// POST /api/v1/sessions
func handleStartSession(watcher *watch.Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Wallet string `json:"wallet"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode session request", "error", err)
			// Check if error is due to body size limit
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateWallet(req.Wallet); err != nil {
			logger.Debug("invalid wallet", "wallet", req.Wallet, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := solanago.PublicKeyFromBase58(req.Wallet)
		if err != nil {
			logger.Debug("undecodable wallet", "wallet", req.Wallet, "error", err)
			writeError(w, "invalid wallet: not a valid Solana address", http.StatusBadRequest)
			return
		}

		// The session must outlive this request: it polls until stopped via
		// DELETE or server shutdown, so detach it from the request context.
		sess, err := watcher.Start(context.WithoutCancel(r.Context()), wallet)
		if err != nil {
			logger.Error("failed to start watch session", "wallet", req.Wallet, "error", err)
			writeError(w, "failed to start session", http.StatusInternalServerError)
			return
		}

		logger.Info("watch session registered", "wallet", req.Wallet)
		writeJSON(w, sessionToResponse(sess), http.StatusCreated)
	})
}

// handleListSessions returns a handler that lists all active watch sessions.
// GET /api/v1/sessions
func handleListSessions(watcher *watch.Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions := watcher.List()

		logger.Debug("sessions listed", "count", len(sessions))

		resp := make([]sessionResponse, len(sessions))
		for i, sess := range sessions {
			resp[i] = sessionToResponse(sess)
		}

		writeJSON(w, map[string]interface{}{
			"sessions": resp,
			"count":    len(resp),
		}, http.StatusOK)
	})
}

// handleStopSession returns a handler that stops a wallet's watch session.
// DELETE /api/v1/sessions/{wallet}
func handleStopSession(watcher *watch.Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("wallet")

		if err := validateWallet(address); err != nil {
			logger.Debug("invalid wallet", "wallet", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := solanago.PublicKeyFromBase58(address)
		if err != nil {
			logger.Debug("undecodable wallet", "wallet", address, "error", err)
			writeError(w, "invalid wallet: not a valid Solana address", http.StatusBadRequest)
			return
		}

		if !watcher.Stop(wallet) {
			writeError(w, "no session for wallet", http.StatusNotFound)
			return
		}

		logger.Info("watch session unregistered", "wallet", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetPosition returns a handler that serves a wallet's staking position.
// A running session answers from its cache; otherwise the chain is read on
// demand.
// GET /api/v1/positions/{wallet}
func handleGetPosition(watcher *watch.Watcher, reader *ledger.Reader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("wallet")

		if err := validateWallet(address); err != nil {
			logger.Debug("invalid wallet", "wallet", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := solanago.PublicKeyFromBase58(address)
		if err != nil {
			logger.Debug("undecodable wallet", "wallet", address, "error", err)
			writeError(w, "invalid wallet: not a valid Solana address", http.StatusBadRequest)
			return
		}

		if sess := watcher.Get(wallet); sess != nil {
			if snap := sess.Latest(); snap != nil {
				writeJSON(w, snapshotToResponse(address, snap, true), http.StatusOK)
				return
			}
		}

		snap, err := reader.ReadSnapshot(r.Context(), wallet)
		if err != nil {
			logger.Error("failed to read position", "wallet", address, "error", err)
			writeError(w, "failed to read position from the chain", http.StatusBadGateway)
			return
		}

		writeJSON(w, snapshotToResponse(address, snap, false), http.StatusOK)
	})
}

// handleRefreshPosition returns a handler that forces a fresh chain read for a
// wallet and returns the result. A running session's cache is poked to catch
// up as well.
// POST /api/v1/positions/{wallet}/refresh
func handleRefreshPosition(watcher *watch.Watcher, reader *ledger.Reader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("wallet")

		if err := validateWallet(address); err != nil {
			logger.Debug("invalid wallet", "wallet", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wallet, err := solanago.PublicKeyFromBase58(address)
		if err != nil {
			logger.Debug("undecodable wallet", "wallet", address, "error", err)
			writeError(w, "invalid wallet: not a valid Solana address", http.StatusBadRequest)
			return
		}

		snap, err := reader.ReadSnapshot(r.Context(), wallet)
		if err != nil {
			logger.Error("failed to refresh position", "wallet", address, "error", err)
			writeError(w, "failed to read position from the chain", http.StatusBadGateway)
			return
		}

		if sess := watcher.Get(wallet); sess != nil {
			sess.Refresh()
		}

		logger.Debug("position refreshed", "wallet", address)
		writeJSON(w, snapshotToResponse(address, snap, false), http.StatusOK)
	})
}

// handleInitialize returns a handler that creates the configured wallet's
// position account.
// POST /api/v1/initialize
func handleInitialize(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := eng.Initialize(r.Context())
		respondOperation(w, r, logger, op, err)
	})
}

// handleStake returns a handler that stakes lamports from the configured
// wallet, initializing the position first if needed.
// POST /api/v1/stake
func handleStake(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		amount, ok := decodeAmount(w, r, logger)
		if !ok {
			return
		}
		op, err := eng.Stake(r.Context(), amount)
		respondOperation(w, r, logger, op, err)
	})
}

// handleUnstake returns a handler that moves staked lamports back to the
// configured wallet.
// POST /api/v1/unstake
func handleUnstake(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		amount, ok := decodeAmount(w, r, logger)
		if !ok {
			return
		}
		op, err := eng.Unstake(r.Context(), amount)
		respondOperation(w, r, logger, op, err)
	})
}

// handleClaim returns a handler that claims the configured wallet's accrued
// points and pays out the equivalent lamports from the treasury.
// POST /api/v1/claim
func handleClaim(eng *engine.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := eng.Claim(r.Context())
		respondOperation(w, r, logger, op, err)
	})
}

// handleGetOperation returns a handler that retrieves one operation audit row.
// GET /api/v1/operations/{id}
func handleGetOperation(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			logger.Debug("invalid operation id", "id", r.PathValue("id"), "error", err)
			writeError(w, "invalid operation id: must be a UUID", http.StatusBadRequest)
			return
		}

		op, err := store.GetOperation(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "operation not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get operation", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, storedOpToResponse(op), http.StatusOK)
	})
}

// handleListOperations returns a handler that lists a wallet's operation audit
// rows, newest first.
// GET /api/v1/operations?wallet={wallet}&limit={limit}
func handleListOperations(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("wallet")

		if err := validateWallet(address); err != nil {
			logger.Debug("invalid wallet", "wallet", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := parseLimit(r)

		ops, err := store.ListOperations(r.Context(), address, limit)
		if err != nil {
			logger.Error("failed to list operations", "wallet", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("operations listed", "wallet", address, "count", len(ops))

		resp := make([]operationResponse, len(ops))
		for i, op := range ops {
			resp[i] = storedOpToResponse(op)
		}

		writeJSON(w, map[string]interface{}{
			"operations": resp,
			"count":      len(resp),
		}, http.StatusOK)
	})
}

// handleListClaims returns a handler that lists a wallet's claim settlement
// rows, newest first.
// GET /api/v1/claims?wallet={wallet}&limit={limit}
func handleListClaims(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("wallet")

		if err := validateWallet(address); err != nil {
			logger.Debug("invalid wallet", "wallet", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := parseLimit(r)

		claims, err := store.ListClaims(r.Context(), address, limit)
		if err != nil {
			logger.Error("failed to list claims", "wallet", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("claims listed", "wallet", address, "count", len(claims))

		resp := make([]claimResponse, len(claims))
		for i, claim := range claims {
			resp[i] = claimToResponse(claim)
		}

		writeJSON(w, map[string]interface{}{
			"claims": resp,
			"count":  len(resp),
		}, http.StatusOK)
	})
}

// decodeAmount parses the {"amount_lamports": N} request body shared by the
// stake and unstake handlers. It writes the error response itself and returns
// ok=false when the body is unusable; amount bounds are the engine's call.
func decodeAmount(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uint64, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req struct {
		AmountLamports uint64 `json:"amount_lamports"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("failed to decode amount request", "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return 0, false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return 0, false
	}

	return req.AmountLamports, true
}

// respondOperation maps an engine result onto the wire: the operation record
// on success, its failure taxonomy (kind, retryable, program code) otherwise.
func respondOperation(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op *engine.Op, err error) {
	if err == nil {
		writeJSON(w, opToResponse(op), http.StatusOK)
		return
	}

	kind := engine.ErrorKind(err)
	status := http.StatusBadGateway
	switch kind {
	case engine.KindBusy:
		status = http.StatusConflict
	case engine.KindValidation, engine.KindProgramRejected, engine.KindSignerDeclined:
		status = http.StatusUnprocessableEntity
	}

	resp := operationErrorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		Retryable: kind.Retryable(),
	}
	var opErr *engine.OpError
	if errors.As(err, &opErr) {
		resp.Error = opErr.Err.Error()
		resp.Code = opErr.Code
	}
	if op != nil {
		converted := opToResponse(op)
		resp.Operation = &converted
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "operation failed", "kind", kind, "error", err)
	} else {
		logger.DebugContext(r.Context(), "operation rejected", "kind", kind, "error", err)
	}
	writeJSON(w, resp, status)
}

// parseLimit reads the limit query parameter, clamped to sane bounds.
func parseLimit(r *http.Request) int32 {
	limit := int32(defaultListLimit)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(limitStr, "%d", &parsed); err == nil && parsed > 0 && parsed <= maxListLimit {
			limit = int32(parsed)
		}
	}
	return limit
}

// Response types and converters

type sessionResponse struct {
	Wallet       string            `json:"wallet"`
	PollInterval string            `json:"poll_interval"`
	Snapshot     *positionResponse `json:"snapshot,omitempty"`
}

func sessionToResponse(sess *watch.Session) sessionResponse {
	resp := sessionResponse{
		Wallet:       sess.Wallet().String(),
		PollInterval: sess.Interval().String(),
	}
	if snap := sess.Latest(); snap != nil {
		converted := snapshotToResponse(resp.Wallet, snap, true)
		resp.Snapshot = &converted
	}
	return resp
}

// positionResponse flattens a snapshot for the wire. Cached reports whether it
// came from a session's cache rather than a chain read made for this request.
type positionResponse struct {
	Wallet          string                `json:"wallet"`
	Initialized     bool                  `json:"initialized"`
	Position        *ledger.StakePosition `json:"position,omitempty"`
	WalletLamports  uint64                `json:"wallet_lamports"`
	ClaimablePoints uint64                `json:"claimable_points"`
	Degraded        bool                  `json:"degraded"`
	SoftErrors      []string              `json:"soft_errors,omitempty"`
	AsOf            time.Time             `json:"as_of"`
	Cached          bool                  `json:"cached"`
}

func snapshotToResponse(wallet string, snap *ledger.Snapshot, cached bool) positionResponse {
	return positionResponse{
		Wallet:          wallet,
		Initialized:     snap.Position != nil,
		Position:        snap.Position,
		WalletLamports:  snap.WalletLamports,
		ClaimablePoints: snap.ClaimablePoints,
		Degraded:        snap.Degraded(),
		SoftErrors:      snap.SoftErrors,
		AsOf:            snap.AsOf,
		Cached:          cached,
	}
}

type operationResponse struct {
	ID              string    `json:"id"`
	Wallet          string    `json:"wallet"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	Amount          uint64    `json:"amount,omitempty"`
	Signature       string    `json:"signature,omitempty"`
	InitSignature   string    `json:"init_signature,omitempty"`
	PayoutSignature string    `json:"payout_signature,omitempty"`
	ClaimedPoints   uint64    `json:"claimed_points,omitempty"`
	PayoutLamports  uint64    `json:"payout_lamports,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

func opToResponse(op *engine.Op) operationResponse {
	resp := operationResponse{
		ID:             op.ID.String(),
		Wallet:         op.Wallet.String(),
		Kind:           string(op.Kind),
		State:          string(op.State),
		Amount:         op.Amount,
		ClaimedPoints:  op.ClaimedPoints,
		PayoutLamports: op.PayoutLamports,
		StartedAt:      op.StartedAt,
		FinishedAt:     op.FinishedAt,
	}
	if !op.Signature.IsZero() {
		resp.Signature = op.Signature.String()
	}
	if !op.InitSignature.IsZero() {
		resp.InitSignature = op.InitSignature.String()
	}
	if !op.PayoutSignature.IsZero() {
		resp.PayoutSignature = op.PayoutSignature.String()
	}
	if op.Err != nil {
		resp.ErrorKind = string(op.Err.Kind)
		resp.ErrorDetail = op.Err.Err.Error()
	}
	return resp
}

func storedOpToResponse(op *db.Operation) operationResponse {
	return operationResponse{
		ID:              op.ID.String(),
		Wallet:          op.Wallet,
		Kind:            op.Kind,
		State:           op.State,
		Amount:          op.Amount,
		Signature:       strVal(op.Signature),
		InitSignature:   strVal(op.InitSignature),
		PayoutSignature: strVal(op.PayoutSignature),
		ClaimedPoints:   op.ClaimedPoints,
		PayoutLamports:  op.PayoutLamports,
		ErrorKind:       strVal(op.ErrorKind),
		ErrorDetail:     strVal(op.ErrorDetail),
		StartedAt:       op.StartedAt,
		FinishedAt:      op.FinishedAt,
	}
}

type claimResponse struct {
	ID              string    `json:"id"`
	Wallet          string    `json:"wallet"`
	Points          uint64    `json:"points"`
	PayoutLamports  uint64    `json:"payout_lamports"`
	Status          string    `json:"status"`
	ClaimSignature  string    `json:"claim_signature,omitempty"`
	PayoutSignature string    `json:"payout_signature,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func claimToResponse(claim *db.Claim) claimResponse {
	return claimResponse{
		ID:              claim.ID.String(),
		Wallet:          claim.Wallet,
		Points:          claim.Points,
		PayoutLamports:  claim.PayoutLamports,
		Status:          claim.Status,
		ClaimSignature:  strVal(claim.ClaimSignature),
		PayoutSignature: strVal(claim.PayoutSignature),
		ErrorDetail:     strVal(claim.ErrorDetail),
		CreatedAt:       claim.CreatedAt,
		UpdatedAt:       claim.UpdatedAt,
	}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// operationErrorResponse is the failure shape for transaction endpoints. Kind
// and Retryable tell the caller whether re-sending the same request can help;
// Code carries the program's numeric error when the program rejected the
// instruction.
type operationErrorResponse struct {
	Error     string             `json:"error"`
	Kind      string             `json:"kind"`
	Code      uint32             `json:"code,omitempty"`
	Retryable bool               `json:"retryable"`
	Operation *operationResponse `json:"operation,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateWallet validates a wallet address for security and format.
func validateWallet(address string) error {
	if address == "" {
		return errorf("wallet is required")
	}

	if len(address) > maxAddressLength {
		return errorf("wallet too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in wallet: control characters not allowed")
		}
	}

	// Check for common SQL injection patterns
	lowerAddr := strings.ToLower(address)
	sqlPatterns := []string{"drop ", "delete ", "insert ", "update ", "select ", "--", "/*", "*/", ";"}
	for _, pattern := range sqlPatterns {
		if strings.Contains(lowerAddr, pattern) {
			return errorf("invalid characters in wallet: suspicious pattern detected")
		}
	}

	// Validate against Solana base58 format
	if !validAddressRegex.MatchString(address) {
		return errorf("invalid wallet format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
