package points

import (
	"math"
	"time"

	sdkmath "cosmossdk.io/math"
)

// Economics of the staking program. These mirror the on-chain constants; the
// service recomputes everything locally so it never has to simulate a
// transaction just to render a balance.
const (
	// UnitDivisor converts lamport-seconds into points: one point per SOL
	// (1e9 lamports) staked per second.
	UnitDivisor uint64 = 1_000_000_000

	// LamportsPerToken is the payout rate for one whole reward token.
	LamportsPerToken uint64 = 1_000_000_000

	// MinClaimPoints is the smallest point balance the program will accept
	// for a claim.
	MinClaimPoints uint64 = 50_000

	// PointsPerToken is the conversion rate from points to whole reward
	// tokens. Fractional tokens are never paid out.
	PointsPerToken uint64 = 100_000
)

// Accrue returns the live point total for a position as of now.
//
// The program checkpoints points lazily: the stored total is only current as
// of lastUpdateUnix, and the live total is
//
//	totalPoints + floor(stakedAmount * elapsedSeconds / UnitDivisor)
//
// A zero stake or a non-advancing clock leaves the stored total unchanged.
// The product stakedAmount*elapsed overflows uint64 for large positions, so
// the intermediate math runs at arbitrary precision; a result past MaxUint64
// saturates rather than wraps (the program itself would reject the
// checkpoint long before that).
func Accrue(stakedAmount, totalPoints, lastUpdateUnix uint64, now time.Time) uint64 {
	if stakedAmount == 0 {
		return totalPoints
	}
	nowUnix := now.Unix()
	if nowUnix <= 0 || uint64(nowUnix) <= lastUpdateUnix {
		return totalPoints
	}
	elapsed := uint64(nowUnix) - lastUpdateUnix

	earned := sdkmath.NewIntFromUint64(stakedAmount).
		Mul(sdkmath.NewIntFromUint64(elapsed)).
		Quo(sdkmath.NewIntFromUint64(UnitDivisor))
	total := earned.Add(sdkmath.NewIntFromUint64(totalPoints))
	if !total.IsUint64() {
		return math.MaxUint64
	}
	return total.Uint64()
}

// WholeTokens returns how many whole reward tokens a point balance converts
// to. The remainder below PointsPerToken stays on the position.
func WholeTokens(pts uint64) uint64 {
	return pts / PointsPerToken
}

// PayoutLamports returns the lamports owed for claiming pts points. Saturates
// at MaxUint64 for absurd balances instead of wrapping.
func PayoutLamports(pts uint64) uint64 {
	tokens := WholeTokens(pts)
	if tokens > math.MaxUint64/LamportsPerToken {
		return math.MaxUint64
	}
	return tokens * LamportsPerToken
}
