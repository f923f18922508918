package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	id := uuid.New()

	t.Run("create and fetch", func(t *testing.T) {
		err := store.CreateClaim(ctx, &Claim{
			ID:             id,
			Wallet:         "wallet123",
			Points:         250_000,
			PayoutLamports: 2_000_000_000,
			Status:         ClaimStatusPending,
		})
		require.NoError(t, err)

		claim, err := store.GetClaim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, claim.ID)
		assert.Equal(t, "wallet123", claim.Wallet)
		assert.Equal(t, uint64(250_000), claim.Points)
		assert.Equal(t, uint64(2_000_000_000), claim.PayoutLamports)
		assert.Equal(t, ClaimStatusPending, claim.Status)
		assert.Nil(t, claim.ClaimSignature)
		assert.Nil(t, claim.PayoutSignature)
		assert.WithinDuration(t, time.Now(), claim.CreatedAt, 5*time.Second)
	})

	t.Run("advance through settlement", func(t *testing.T) {
		require.NoError(t, store.SetClaimSignature(ctx, id, "claimsig"))
		require.NoError(t, store.UpdateClaimStatus(ctx, id, ClaimStatusPayoutPending, ""))
		require.NoError(t, store.SetPayoutSignature(ctx, id, "payoutsig"))
		require.NoError(t, store.UpdateClaimStatus(ctx, id, ClaimStatusPaid, ""))

		claim, err := store.GetClaim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ClaimStatusPaid, claim.Status)
		require.NotNil(t, claim.ClaimSignature)
		assert.Equal(t, "claimsig", *claim.ClaimSignature)
		require.NotNil(t, claim.PayoutSignature)
		assert.Equal(t, "payoutsig", *claim.PayoutSignature)
		assert.True(t, claim.UpdatedAt.After(claim.CreatedAt) || claim.UpdatedAt.Equal(claim.CreatedAt))
	})

	t.Run("failure detail is preserved", func(t *testing.T) {
		failedID := uuid.New()
		require.NoError(t, store.CreateClaim(ctx, &Claim{
			ID:             failedID,
			Wallet:         "wallet123",
			Points:         100_000,
			PayoutLamports: 1_000_000_000,
			Status:         ClaimStatusPending,
		}))
		require.NoError(t, store.UpdateClaimStatus(ctx, failedID, ClaimStatusPayoutFailed, "transfer rejected"))

		claim, err := store.GetClaim(ctx, failedID)
		require.NoError(t, err)
		require.NotNil(t, claim.ErrorDetail)
		assert.Equal(t, "transfer rejected", *claim.ErrorDetail)

		// A later status change without detail keeps the old detail around.
		require.NoError(t, store.UpdateClaimStatus(ctx, failedID, ClaimStatusPaid, ""))
		claim, err = store.GetClaim(ctx, failedID)
		require.NoError(t, err)
		require.NotNil(t, claim.ErrorDetail)
		assert.Equal(t, "transfer rejected", *claim.ErrorDetail)
	})

	t.Run("missing claim returns not found", func(t *testing.T) {
		_, err := store.GetClaim(ctx, uuid.New())
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestListUnsettledClaims(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	pending := uuid.New()
	paid := uuid.New()
	payoutFailed := uuid.New()
	for _, c := range []*Claim{
		{ID: pending, Wallet: "w1", Points: 100_000, PayoutLamports: 1_000_000_000, Status: ClaimStatusPending},
		{ID: paid, Wallet: "w1", Points: 100_000, PayoutLamports: 1_000_000_000, Status: ClaimStatusPending},
		{ID: payoutFailed, Wallet: "w2", Points: 200_000, PayoutLamports: 2_000_000_000, Status: ClaimStatusPending},
	} {
		require.NoError(t, store.CreateClaim(ctx, c))
	}
	require.NoError(t, store.UpdateClaimStatus(ctx, paid, ClaimStatusPaid, ""))
	require.NoError(t, store.UpdateClaimStatus(ctx, payoutFailed, ClaimStatusPayoutFailed, "boom"))

	// Everything was touched just now, so a cutoff in the past finds nothing.
	claims, err := store.ListUnsettledClaims(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, claims)

	// A future cutoff finds the pending and payout_failed rows but not the
	// settled one.
	claims, err = store.ListUnsettledClaims(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claims, 2)
	ids := []uuid.UUID{claims[0].ID, claims[1].ID}
	assert.Contains(t, ids, pending)
	assert.Contains(t, ids, payoutFailed)
}

func TestRecordOperation(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sig := "stakesig"
	errKind := "program_rejected"
	errDetail := "insufficient staked amount"
	ops := []*Operation{
		{
			ID:        uuid.New(),
			Wallet:    "wallet123",
			Kind:      "stake",
			State:     "confirmed",
			Amount:    1_000_000_000,
			Signature: &sig,
			StartedAt:  now.Add(-2 * time.Minute),
			FinishedAt: now.Add(-117 * time.Second),
		},
		{
			ID:          uuid.New(),
			Wallet:      "wallet123",
			Kind:        "unstake",
			State:       "failed",
			Amount:      9_000_000_000,
			ErrorKind:   &errKind,
			ErrorDetail: &errDetail,
			StartedAt:   now.Add(-time.Minute),
			FinishedAt:  now,
		},
	}
	for _, op := range ops {
		require.NoError(t, store.RecordOperation(ctx, op))
	}

	t.Run("get by id", func(t *testing.T) {
		op, err := store.GetOperation(ctx, ops[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "unstake", op.Kind)
		assert.Equal(t, "failed", op.State)
		assert.Equal(t, uint64(9_000_000_000), op.Amount)
		require.NotNil(t, op.ErrorKind)
		assert.Equal(t, errKind, *op.ErrorKind)
		require.NotNil(t, op.ErrorDetail)
		assert.Equal(t, errDetail, *op.ErrorDetail)
		assert.Nil(t, op.Signature)
	})

	t.Run("list newest first", func(t *testing.T) {
		listed, err := store.ListOperations(ctx, "wallet123", 10)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "unstake", listed[0].Kind)
		assert.Equal(t, "stake", listed[1].Kind)
	})

	t.Run("unknown wallet lists empty", func(t *testing.T) {
		listed, err := store.ListOperations(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, listed)
	})
}
