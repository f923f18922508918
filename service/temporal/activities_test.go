package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSignature fabricates a distinct, parseable signature.
func testSignature(seed byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = seed
	}
	return sig
}

type recoveryRig struct {
	mem      *ledger.MemLedger
	store    *db.MockStore
	treasury solana.PrivateKey
	wallet   solana.PrivateKey
	acts     *Activities
}

func newRecoveryRig(t *testing.T) *recoveryRig {
	t.Helper()
	programKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	wallet, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	rig := &recoveryRig{
		mem:      ledger.NewMemLedger(ledger.NewProgram(programKey.PublicKey())),
		store:    db.NewMockStore(),
		treasury: treasury,
		wallet:   wallet,
	}
	rig.acts = NewActivities(rig.store, rig.mem, ledger.NewKeypairSigner(treasury), nil, newTestLogger())
	rig.acts.confirmPoll = time.Millisecond
	rig.acts.confirmTimeout = 250 * time.Millisecond
	rig.acts.retryDelay = time.Millisecond
	return rig
}

// seedClaim inserts a claim row backdated far enough to clear both the
// staleness cutoff and the payout re-send quarantine.
func (r *recoveryRig) seedClaim(t *testing.T, mutate func(*db.Claim)) *db.Claim {
	t.Helper()
	claim := &db.Claim{
		ID:             uuid.New(),
		Wallet:         r.wallet.PublicKey().String(),
		Points:         200_000,
		PayoutLamports: 2_000_000_000,
		Status:         db.ClaimStatusPending,
	}
	if mutate != nil {
		mutate(claim)
	}
	r.store.SetNow(func() time.Time { return time.Now().Add(-15 * time.Minute) })
	require.NoError(t, r.store.CreateClaim(context.Background(), claim))
	r.store.SetNow(time.Now)
	return claim
}

func TestListStaleClaims(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	stalePending := rig.seedClaim(t, nil)
	staleFailed := rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPayoutFailed })
	rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPaid })

	// A freshly touched row is not stale yet.
	fresh := &db.Claim{
		ID:             uuid.New(),
		Wallet:         rig.wallet.PublicKey().String(),
		Points:         60_000,
		PayoutLamports: 1_000_000_000,
		Status:         db.ClaimStatusPending,
	}
	require.NoError(t, rig.store.CreateClaim(ctx, fresh))

	res, err := rig.acts.ListStaleClaims(ctx, ListStaleClaimsInput{
		OlderThan: time.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{stalePending.ID.String(), staleFailed.ID.String()}, res.ClaimIDs)
}

func TestListStaleClaims_StoreError(t *testing.T) {
	rig := newRecoveryRig(t)
	rig.store.SetError(errors.New("connection refused"))

	_, err := rig.acts.ListStaleClaims(context.Background(), ListStaleClaimsInput{
		OlderThan: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list unsettled claims")
}

func TestResolveClaim_NeverSubmittedClaimAbandoned(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()
	claim := rig.seedClaim(t, nil)

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionClaimFailed, res.Resolution)

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusClaimFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "never submitted")
	assert.Equal(t, 0, rig.mem.TotalCalls())
}

func TestResolveClaim_UnseenClaimSignatureAbandoned(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	sig := testSignature(7).String()
	claim := rig.seedClaim(t, func(c *db.Claim) { c.ClaimSignature = &sig })

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionClaimFailed, res.Resolution)

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "expired without confirming")
	assert.Equal(t, 1, rig.mem.Calls("GetSignatureStatus"))
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))
}

func TestResolveClaim_FailedOnChainClaimAbandoned(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	claimSig := testSignature(9)
	rig.mem.SetStatus(claimSig, ledger.SignatureStatus{
		Commitment: ledger.CommitmentConfirmed,
		Err:        errors.New("transaction failed on chain: custom program error: 0x1771"),
	})
	s := claimSig.String()
	claim := rig.seedClaim(t, func(c *db.Claim) { c.ClaimSignature = &s })

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionClaimFailed, res.Resolution)

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "claim transaction failed")
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))
}

func TestResolveClaim_LandedClaimIsPaidOut(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	claimSig := testSignature(3)
	rig.mem.SetStatus(claimSig, ledger.SignatureStatus{Commitment: ledger.CommitmentFinalized})
	rig.mem.SetBalance(rig.treasury.PublicKey(), 10_000_000_000)
	rig.mem.SetBalance(rig.wallet.PublicKey(), 1_000_000_000)

	s := claimSig.String()
	claim := rig.seedClaim(t, func(c *db.Claim) { c.ClaimSignature = &s })

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionPaid, res.Resolution)
	assert.NotEmpty(t, res.PayoutSignature)

	assert.Equal(t, uint64(3_000_000_000), rig.mem.Balance(rig.wallet.PublicKey()))
	assert.Equal(t, uint64(8_000_000_000), rig.mem.Balance(rig.treasury.PublicKey()))

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPaid, stored.Status)
	require.NotNil(t, stored.PayoutSignature)
	assert.Equal(t, res.PayoutSignature, *stored.PayoutSignature)
	assert.Equal(t, 1, rig.mem.Calls("SendTransaction"))
}

func TestResolveClaim_LandedPayoutNotResent(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	paySig := testSignature(4)
	rig.mem.SetStatus(paySig, ledger.SignatureStatus{Commitment: ledger.CommitmentConfirmed})
	ps := paySig.String()
	claim := rig.seedClaim(t, func(c *db.Claim) {
		c.Status = db.ClaimStatusPayoutPending
		c.PayoutSignature = &ps
	})

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionPayoutConfirmed, res.Resolution)
	assert.Equal(t, ps, res.PayoutSignature)

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPaid, stored.Status)
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))
}

func TestResolveClaim_DeadPayoutResent(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.mem.SetBalance(rig.treasury.PublicKey(), 10_000_000_000)
	rig.mem.SetBalance(rig.wallet.PublicKey(), 1_000_000_000)

	// Recorded payout attempt the network never saw, recorded long enough
	// ago that it can no longer land.
	oldSig := testSignature(5).String()
	claim := rig.seedClaim(t, func(c *db.Claim) {
		c.Status = db.ClaimStatusPayoutFailed
		c.PayoutSignature = &oldSig
	})

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionPaid, res.Resolution)
	assert.NotEqual(t, oldSig, res.PayoutSignature)

	assert.Equal(t, uint64(3_000_000_000), rig.mem.Balance(rig.wallet.PublicKey()))

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPaid, stored.Status)
	require.NotNil(t, stored.PayoutSignature)
	assert.Equal(t, res.PayoutSignature, *stored.PayoutSignature)
}

func TestResolveClaim_RecentPayoutAttemptQuarantined(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	ps := testSignature(6).String()
	claim := rig.seedClaim(t, func(c *db.Claim) {
		c.Status = db.ClaimStatusPayoutPending
		c.PayoutSignature = &ps
	})
	// Simulate an attempt recorded moments ago.
	require.NoError(t, rig.store.SetPayoutSignature(ctx, claim.ID, ps))

	_, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deferring re-send")
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPayoutPending, stored.Status)
}

func TestResolveClaim_TreasuryUnderfunded(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.mem.SetBalance(rig.treasury.PublicKey(), 1_000_000_000)
	claim := rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPayoutFailed })

	_, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treasury underfunded")
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPayoutFailed, stored.Status)
}

func TestResolveClaim_StaleBlockhashRetried(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.mem.SetBalance(rig.treasury.PublicKey(), 10_000_000_000)
	rig.mem.SetBalance(rig.wallet.PublicKey(), 1_000_000_000)
	rig.mem.FailNextSend(fmt.Errorf("send transaction: Blockhash not found"))

	claim := rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPayoutFailed })

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionPaid, res.Resolution)

	// Second attempt fetched its own blockhash.
	assert.Equal(t, 2, rig.mem.Calls("SendTransaction"))
	assert.Equal(t, 2, rig.mem.Calls("GetLatestBlockhash"))
	assert.Equal(t, uint64(3_000_000_000), rig.mem.Balance(rig.wallet.PublicKey()))
}

func TestResolveClaim_SendFailureRecordsSignatureFirst(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.mem.SetBalance(rig.treasury.PublicKey(), 10_000_000_000)
	rig.mem.FailNextSend(errors.New("connection reset by peer"))

	claim := rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPayoutFailed })

	_, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payout for claim")

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPayoutFailed, stored.Status)
	// The signature was recorded before submission, so the next sweep can
	// check it on chain instead of paying twice.
	require.NotNil(t, stored.PayoutSignature)
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "connection reset")

	// Ambiguous failures are not retried within the run.
	assert.Equal(t, 1, rig.mem.Calls("SendTransaction"))
}

func TestResolveClaim_AlreadySettledRowLeftAlone(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	claim := rig.seedClaim(t, func(c *db.Claim) { c.Status = db.ClaimStatusPaid })

	res, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: claim.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, ResolutionSettled, res.Resolution)
	assert.Equal(t, 0, rig.mem.TotalCalls())

	stored, err := rig.store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ClaimStatusPaid, stored.Status)
}

func TestResolveClaim_UnknownClaim(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	_, err := rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: uuid.NewString()})
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = rig.acts.ResolveClaim(ctx, ResolveClaimInput{ClaimID: "not-a-uuid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse claim id")
}
