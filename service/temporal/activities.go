package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/engine"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
)

// Claim resolutions reported by ResolveClaim.
const (
	// ResolutionClaimFailed means the claim transaction verifiably never
	// landed (or landed and failed), so the row was closed with no payout.
	ResolutionClaimFailed = "claim_failed"
	// ResolutionPayoutConfirmed means a previously recorded payout signature
	// was found confirmed on chain; nothing was sent.
	ResolutionPayoutConfirmed = "payout_confirmed"
	// ResolutionPaid means a payout transfer was sent and confirmed.
	ResolutionPaid = "paid"
	// ResolutionSettled means the row reached a terminal status between the
	// sweep's listing and this activity running.
	ResolutionSettled = "already_settled"
)

// ListStaleClaimsInput carries the staleness cutoff for one sweep.
type ListStaleClaimsInput struct {
	OlderThan time.Time `json:"older_than"`
}

// ListStaleClaimsResult carries the claim IDs needing recovery. IDs rather
// than rows cross the activity boundary so ResolveClaim always works from a
// fresh read.
type ListStaleClaimsResult struct {
	ClaimIDs []string `json:"claim_ids"`
}

// ResolveClaimInput identifies one claim to settle.
type ResolveClaimInput struct {
	ClaimID string `json:"claim_id"`
}

// ResolveClaimResult reports what the sweep did with the claim.
type ResolveClaimResult struct {
	ClaimID         string `json:"claim_id"`
	Resolution      string `json:"resolution"`
	PayoutSignature string `json:"payout_signature,omitempty"`
}

// StoreInterface is the slice of the claim store the recovery activities use.
type StoreInterface interface {
	GetClaim(ctx context.Context, id uuid.UUID) (*db.Claim, error)
	ListUnsettledClaims(ctx context.Context, staleBefore time.Time) ([]*db.Claim, error)
	SetPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error
	UpdateClaimStatus(ctx context.Context, id uuid.UUID, status string, errorDetail string) error
}

// LedgerInterface is the slice of the ledger client the recovery activities
// use. Both *ledger.RPCClient and *ledger.MemLedger satisfy it.
type LedgerInterface interface {
	GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (ledger.SignatureStatus, error)
}

// Payout submission policy. Within one activity run the transfer is retried
// only when the node rejected it for a stale blockhash, which proves the
// attempt cannot land later. Ambiguous failures leave the row for the next
// sweep, which re-checks the recorded signature before sending anything.
const (
	payoutAttempts        = 3
	defaultRetryDelay     = time.Second
	defaultConfirmTimeout = 30 * time.Second
	defaultConfirmPoll    = 500 * time.Millisecond
	// defaultQuarantine is how long a recorded-but-unobserved payout
	// signature blocks a re-send. It comfortably exceeds blockhash validity,
	// so once it elapses the recorded attempt can no longer land.
	defaultQuarantine = 2 * time.Minute
)

// Activities holds dependencies for the recovery activity implementations.
type Activities struct {
	store    StoreInterface
	client   LedgerInterface
	treasury ledger.Signer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	confirmTimeout time.Duration
	confirmPoll    time.Duration
	retryDelay     time.Duration
	quarantine     time.Duration
}

// NewActivities creates a new Activities instance. Metrics may be nil. The
// treasury signer may be nil, in which case payout re-sends fail until one
// is configured.
func NewActivities(store StoreInterface, lc LedgerInterface, treasury ledger.Signer, m *metrics.Metrics, logger *slog.Logger) *Activities {
	return &Activities{
		store:          store,
		client:         lc,
		treasury:       treasury,
		metrics:        m,
		logger:         logger,
		confirmTimeout: defaultConfirmTimeout,
		confirmPoll:    defaultConfirmPoll,
		retryDelay:     defaultRetryDelay,
		quarantine:     defaultQuarantine,
	}
}

// ListStaleClaims returns the IDs of unsettled claims untouched since the
// cutoff.
func (a *Activities) ListStaleClaims(ctx context.Context, input ListStaleClaimsInput) (*ListStaleClaimsResult, error) {
	claims, err := a.store.ListUnsettledClaims(ctx, input.OlderThan)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordRecoveryRun("error")
		}
		return nil, fmt.Errorf("list unsettled claims: %w", err)
	}
	ids := make([]string, 0, len(claims))
	for _, claim := range claims {
		ids = append(ids, claim.ID.String())
	}
	if a.metrics != nil {
		a.metrics.RecordRecoveryRun("ok")
	}
	a.logger.InfoContext(ctx, "recovery sweep listed stale claims",
		"count", len(ids),
		"older_than", input.OlderThan,
	)
	return &ListStaleClaimsResult{ClaimIDs: ids}, nil
}

// ResolveClaim settles one stale claim row. The row is re-read first so a
// claim that settled between the sweep's listing and this activity is left
// alone.
func (a *Activities) ResolveClaim(ctx context.Context, input ResolveClaimInput) (*ResolveClaimResult, error) {
	id, err := uuid.Parse(input.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("parse claim id %q: %w", input.ClaimID, err)
	}
	claim, err := a.store.GetClaim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load claim %s: %w", input.ClaimID, err)
	}

	result := &ResolveClaimResult{ClaimID: input.ClaimID}
	switch claim.Status {
	case db.ClaimStatusPending:
		return a.resolvePendingClaim(ctx, claim, result)
	case db.ClaimStatusPayoutPending, db.ClaimStatusPayoutFailed:
		return a.resolvePayout(ctx, claim, result)
	default:
		result.Resolution = ResolutionSettled
		return result, nil
	}
}

// resolvePendingClaim settles a row whose claim transaction outcome was never
// observed. The recorded signature is checked against the chain: a landed
// claim owes the wallet its payout, anything else is abandoned. By the time
// a row is stale its blockhash has long expired, so an unseen signature can
// no longer land.
func (a *Activities) resolvePendingClaim(ctx context.Context, claim *db.Claim, result *ResolveClaimResult) (*ResolveClaimResult, error) {
	if claim.ClaimSignature == nil {
		return a.abandonClaim(ctx, claim, result, "claim transaction was never submitted")
	}
	sig, err := solana.SignatureFromBase58(*claim.ClaimSignature)
	if err != nil {
		return nil, fmt.Errorf("parse claim signature for %s: %w", claim.ID, err)
	}
	st, err := a.client.GetSignatureStatus(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("check claim signature %s: %w", sig, err)
	}
	if st.Err != nil {
		return a.abandonClaim(ctx, claim, result, fmt.Sprintf("claim transaction failed: %v", st.Err))
	}
	if !st.Commitment.AtLeast(ledger.CommitmentConfirmed) {
		return a.abandonClaim(ctx, claim, result, "claim transaction expired without confirming")
	}

	// The claim landed, so the points are burned and the wallet is owed its
	// payout. Record the progress before attempting to pay.
	if err := a.store.UpdateClaimStatus(ctx, claim.ID, db.ClaimStatusPayoutPending, ""); err != nil {
		return nil, fmt.Errorf("mark claim %s payout pending: %w", claim.ID, err)
	}
	claim.Status = db.ClaimStatusPayoutPending
	return a.resolvePayout(ctx, claim, result)
}

func (a *Activities) abandonClaim(ctx context.Context, claim *db.Claim, result *ResolveClaimResult, detail string) (*ResolveClaimResult, error) {
	if err := a.store.UpdateClaimStatus(ctx, claim.ID, db.ClaimStatusClaimFailed, detail); err != nil {
		return nil, fmt.Errorf("mark claim %s failed: %w", claim.ID, err)
	}
	if a.metrics != nil {
		a.metrics.RecordClaimRecovered(ResolutionClaimFailed)
	}
	a.logger.InfoContext(ctx, "abandoned stale claim",
		"claim_id", claim.ID.String(),
		"wallet", claim.Wallet,
		"detail", detail,
	)
	result.Resolution = ResolutionClaimFailed
	return result, nil
}

// resolvePayout completes the payout leg of a claim whose claim leg landed.
// A recorded payout signature is always checked on chain before anything is
// sent, so a payout that already landed is never duplicated.
func (a *Activities) resolvePayout(ctx context.Context, claim *db.Claim, result *ResolveClaimResult) (*ResolveClaimResult, error) {
	if claim.PayoutSignature != nil {
		sig, err := solana.SignatureFromBase58(*claim.PayoutSignature)
		if err != nil {
			return nil, fmt.Errorf("parse payout signature for %s: %w", claim.ID, err)
		}
		st, err := a.client.GetSignatureStatus(ctx, sig)
		if err != nil {
			return nil, fmt.Errorf("check payout signature %s: %w", sig, err)
		}
		if st.Err == nil && st.Commitment.AtLeast(ledger.CommitmentConfirmed) {
			if err := a.store.UpdateClaimStatus(ctx, claim.ID, db.ClaimStatusPaid, ""); err != nil {
				return nil, fmt.Errorf("mark claim %s paid: %w", claim.ID, err)
			}
			if a.metrics != nil {
				a.metrics.RecordClaimRecovered(ResolutionPayoutConfirmed)
			}
			a.logger.InfoContext(ctx, "recorded payout already landed",
				"claim_id", claim.ID.String(),
				"signature", sig.String(),
			)
			result.Resolution = ResolutionPayoutConfirmed
			result.PayoutSignature = sig.String()
			return result, nil
		}
		// The recorded attempt has not been observed on chain. Until its
		// blockhash is certainly expired a re-send could pay twice.
		if age := time.Since(claim.UpdatedAt); age < a.quarantine {
			return nil, fmt.Errorf("payout %s for claim %s still unresolved, deferring re-send", sig, claim.ID)
		}
	}

	if a.treasury == nil {
		return nil, errors.New("no treasury signer configured")
	}
	wallet, err := solana.PublicKeyFromBase58(claim.Wallet)
	if err != nil {
		return nil, fmt.Errorf("parse wallet for claim %s: %w", claim.ID, err)
	}

	balance, err := a.client.GetBalance(ctx, a.treasury.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("check treasury balance: %w", err)
	}
	if balance < engine.FeeBufferLamports || claim.PayoutLamports > balance-engine.FeeBufferLamports {
		return nil, fmt.Errorf("treasury underfunded for claim %s: have %d lamports, payout needs %d plus fees",
			claim.ID, balance, claim.PayoutLamports)
	}

	sig, err := a.sendPayout(ctx, claim, wallet)
	if err != nil {
		if uerr := a.store.UpdateClaimStatus(ctx, claim.ID, db.ClaimStatusPayoutFailed, err.Error()); uerr != nil {
			a.logger.WarnContext(ctx, "failed to record payout failure",
				"claim_id", claim.ID.String(),
				"error", uerr,
			)
		}
		if a.metrics != nil {
			a.metrics.RecordPayout("failed", 0)
		}
		return nil, fmt.Errorf("payout for claim %s: %w", claim.ID, err)
	}

	if err := a.store.UpdateClaimStatus(ctx, claim.ID, db.ClaimStatusPaid, ""); err != nil {
		return nil, fmt.Errorf("mark claim %s paid: %w", claim.ID, err)
	}
	if a.metrics != nil {
		a.metrics.RecordClaimRecovered(ResolutionPaid)
		a.metrics.RecordPayout("success", claim.PayoutLamports)
	}
	a.logger.InfoContext(ctx, "recovered stale payout",
		"claim_id", claim.ID.String(),
		"wallet", claim.Wallet,
		"lamports", claim.PayoutLamports,
		"signature", sig.String(),
	)
	result.Resolution = ResolutionPaid
	result.PayoutSignature = sig.String()
	return result, nil
}

// sendPayout submits the treasury transfer and waits for confirmation. Each
// attempt signs with a fresh blockhash, and the signature is recorded before
// submission so a crash mid-send leaves a row the next sweep can check on
// chain instead of re-paying.
func (a *Activities) sendPayout(ctx context.Context, claim *db.Claim, wallet solana.PublicKey) (solana.Signature, error) {
	return retry.DoWithData(func() (solana.Signature, error) {
		blockhash, err := a.client.GetLatestBlockhash(ctx)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("fetch recency token: %w", err)
		}
		ix := system.NewTransferInstruction(claim.PayoutLamports, a.treasury.PublicKey(), wallet).Build()
		tx, err := solana.NewTransaction(
			[]solana.Instruction{ix},
			blockhash,
			solana.TransactionPayer(a.treasury.PublicKey()),
		)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build payout transaction: %w", err)
		}
		if err := a.treasury.Sign(tx); err != nil {
			return solana.Signature{}, err
		}
		sig := tx.Signatures[0]
		if err := a.store.SetPayoutSignature(ctx, claim.ID, sig.String()); err != nil {
			return solana.Signature{}, fmt.Errorf("record payout signature: %w", err)
		}
		if _, err := a.client.SendTransaction(ctx, tx); err != nil {
			return solana.Signature{}, err
		}
		if err := a.awaitPayout(ctx, sig); err != nil {
			return solana.Signature{}, err
		}
		return sig, nil
	},
		retry.Context(ctx),
		retry.Attempts(payoutAttempts),
		retry.Delay(a.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return engine.ErrorKind(err) == engine.KindStaleBlockhash
		}),
		retry.OnRetry(func(n uint, err error) {
			a.logger.WarnContext(ctx, "retrying payout with fresh blockhash",
				"claim_id", claim.ID.String(),
				"attempt", n+1,
				"error", err,
			)
		}),
	)
}

// awaitPayout polls until the payout signature confirms. An ambiguous
// outcome surfaces as an error; the recorded signature lets a later sweep
// finish the bookkeeping if confirmation arrives after the deadline.
func (a *Activities) awaitPayout(ctx context.Context, sig solana.Signature) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(a.confirmPoll)
	defer ticker.Stop()

	for {
		st, err := a.client.GetSignatureStatus(waitCtx, sig)
		if err != nil {
			a.logger.DebugContext(ctx, "payout status check failed",
				"signature", sig.String(),
				"error", err,
			)
		} else {
			if st.Err != nil {
				return fmt.Errorf("payout failed on chain: %w", st.Err)
			}
			if st.Commitment.AtLeast(ledger.CommitmentConfirmed) {
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("payout %s unconfirmed after %s", sig, a.confirmTimeout)
		case <-ticker.C:
		}
	}
}
