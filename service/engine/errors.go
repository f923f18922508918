package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/brojonat/stakewatch/service/ledger"
)

// Kind classifies an operation failure for callers deciding what to do next.
type Kind string

const (
	// KindBusy means another operation is still in flight for this wallet.
	KindBusy Kind = "busy"
	// KindValidation means the request was rejected locally, before anything
	// was sent to the network.
	KindValidation Kind = "validation"
	// KindStaleBlockhash means the node rejected the transaction's recency
	// token. A retry fetches a fresh one.
	KindStaleBlockhash Kind = "stale_blockhash"
	// KindProgramRejected means the staking program refused the instruction
	// with one of its business-rule error codes.
	KindProgramRejected Kind = "program_rejected"
	// KindNetwork means a transport failure or confirmation timeout. The
	// outcome of an already-submitted transaction may be unknown.
	KindNetwork Kind = "network"
	// KindSignerDeclined means a signer refused to sign the transaction.
	KindSignerDeclined Kind = "signer_declined"
	// KindPayoutAfterClaim means the claim leg consumed points on chain but
	// the payout transfer did not complete. Settled by the recovery sweep or
	// out of band, never retried blindly.
	KindPayoutAfterClaim Kind = "payout_after_claim_failed"
)

// Retryable reports whether the caller can safely retry the same request.
func (k Kind) Retryable() bool {
	return k == KindBusy || k == KindStaleBlockhash || k == KindNetwork
}

// Sentinel causes carried inside an OpError.
var (
	ErrBusy                = errors.New("another operation is in flight")
	ErrAmountZero          = errors.New("amount must be greater than zero")
	ErrUnstakeExceedsStake = errors.New("unstake amount exceeds staked balance")
	ErrInsufficientBalance = errors.New("wallet balance cannot cover amount plus fee buffer")
	ErrAlreadyInitialized  = errors.New("position is already initialized")
	ErrBelowMinimumClaim   = errors.New("claimable points are below the minimum claim")
	ErrPayoutTooSmall      = errors.New("claimable points round down to zero whole tokens")
	ErrTreasuryUnderfunded = errors.New("treasury balance cannot cover the payout")
	ErrNoTreasury          = errors.New("no treasury signer configured")
	ErrStateUnavailable    = errors.New("position state unavailable for validation")
)

// OpError is an operation failure with its classification. Code carries the
// program's numeric error code for KindProgramRejected, zero otherwise.
type OpError struct {
	Kind Kind
	Code uint32
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(kind Kind, err error) *OpError {
	return &OpError{Kind: kind, Err: err}
}

func validationError(err error) *OpError {
	return opError(KindValidation, err)
}

// classify maps an error coming back from the node onto the taxonomy. Nodes
// report failures as text, so classification is substring matching against
// the shapes they produce.
func classify(err error) *OpError {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "Blockhash not found"),
		strings.Contains(text, "already been processed"):
		return opError(KindStaleBlockhash, err)
	case strings.Contains(text, "already in use"):
		return opError(KindProgramRejected, err)
	}
	if code, ok := ledger.ParseProgramError(text); ok {
		return &OpError{
			Kind: KindProgramRejected,
			Code: code,
			Err:  fmt.Errorf("%s: %w", ledger.ProgramErrorMessage(code), err),
		}
	}
	if strings.Contains(text, "insufficient lamports") {
		return opError(KindProgramRejected, err)
	}
	return opError(KindNetwork, err)
}

// ErrorKind extracts the classification from an engine error, defaulting to
// KindNetwork for anything unclassified.
func ErrorKind(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindNetwork
}
