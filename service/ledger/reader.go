package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stakewatch/service/points"
	"github.com/gagliardetto/solana-go"
)

// Snapshot is a point-in-time view of one wallet's staking state, rebuilt
// wholesale on every read and never partially mutated. Position nil means
// the position account does not exist (or is not decodable as ours).
// ClaimablePoints is the locally recomputed live total; it is never
// persisted anywhere until a claim executes.
type Snapshot struct {
	Position        *StakePosition `json:"position,omitempty"`
	WalletLamports  uint64         `json:"wallet_lamports"`
	ClaimablePoints uint64         `json:"claimable_points"`
	AsOf            time.Time      `json:"as_of"`

	// SoftErrors records halves of the read that degraded: that half
	// defaults to zero/absent while the other half stays usable.
	SoftErrors []string `json:"soft_errors,omitempty"`
}

// Degraded reports whether any half of the snapshot failed to read.
func (s *Snapshot) Degraded() bool { return len(s.SoftErrors) > 0 }

// Reader produces Snapshots from the chain.
type Reader struct {
	client  Client
	program Program
	logger  *slog.Logger
	now     func() time.Time
}

func NewReader(client Client, program Program, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{client: client, program: program, logger: logger, now: time.Now}
}

// ReadSnapshot fetches the position account and the wallet balance for owner
// and computes the live point total with the current wall clock. The two
// fetches are independent: one failing degrades that half to zero/absent
// with a soft error rather than failing the read, and only both failing is
// a hard error. A missing or undecodable position account means "not
// initialized", never an error.
func (r *Reader) ReadSnapshot(ctx context.Context, owner solana.PublicKey) (*Snapshot, error) {
	addr, _, err := r.program.DerivePosition(owner)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{AsOf: r.now()}

	var posErr error
	data, err := r.client.GetAccountData(ctx, addr)
	switch {
	case err == nil:
		pos, decErr := DecodePosition(data)
		if decErr != nil {
			// Wrong shape means this is not (or not yet) our account.
			r.logger.WarnContext(ctx, "position account not decodable, treating as uninitialized",
				"owner", owner.String(),
				"position", addr.String(),
				"error", decErr,
			)
		} else {
			snap.Position = pos
		}
	case errors.Is(err, ErrAccountNotFound):
		// Not initialized yet.
	default:
		posErr = err
		snap.SoftErrors = append(snap.SoftErrors, fmt.Sprintf("position read failed: %v", err))
		r.logger.WarnContext(ctx, "position read failed",
			"owner", owner.String(),
			"error", err,
		)
	}

	balance, balErr := r.client.GetBalance(ctx, owner)
	if balErr != nil {
		snap.SoftErrors = append(snap.SoftErrors, fmt.Sprintf("balance read failed: %v", balErr))
		r.logger.WarnContext(ctx, "balance read failed",
			"owner", owner.String(),
			"error", balErr,
		)
	} else {
		snap.WalletLamports = balance
	}

	if posErr != nil && balErr != nil {
		return nil, fmt.Errorf("snapshot read failed: %w", posErr)
	}

	if snap.Position != nil {
		snap.ClaimablePoints = points.Accrue(
			snap.Position.StakedAmount,
			snap.Position.TotalPoints,
			snap.Position.LastUpdateUnix,
			snap.AsOf,
		)
	}
	return snap, nil
}
