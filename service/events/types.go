package events

import (
	"time"

	"github.com/brojonat/stakewatch/service/ledger"
)

// SnapshotEvent is the wire form of a position snapshot, published to
// "snapshots.{wallet}" after every successful sync pass.
type SnapshotEvent struct {
	Wallet          string   `json:"wallet"`
	Initialized     bool     `json:"initialized"`
	StakedAmount    uint64   `json:"staked_amount"`
	ClaimablePoints uint64   `json:"claimable_points"`
	WalletLamports  uint64   `json:"wallet_lamports"`
	Degraded        bool     `json:"degraded"`
	SoftErrors      []string `json:"soft_errors,omitempty"`

	AsOf        time.Time `json:"as_of"`
	PublishedAt time.Time `json:"published_at"`
}

// FromSnapshot converts a read snapshot to its published form.
func FromSnapshot(wallet string, snap *ledger.Snapshot) *SnapshotEvent {
	event := &SnapshotEvent{
		Wallet:          wallet,
		Initialized:     snap.Position != nil,
		ClaimablePoints: snap.ClaimablePoints,
		WalletLamports:  snap.WalletLamports,
		Degraded:        snap.Degraded(),
		SoftErrors:      snap.SoftErrors,
		AsOf:            snap.AsOf,
		PublishedAt:     time.Now().UTC(),
	}
	if snap.Position != nil {
		event.StakedAmount = snap.Position.StakedAmount
	}
	return event
}

// OperationEvent is the wire form of a transaction operation's lifecycle,
// published to "operations.{wallet}" on every state change.
type OperationEvent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Wallet string `json:"wallet"`

	Amount          uint64 `json:"amount,omitempty"`
	Signature       string `json:"signature,omitempty"`
	PayoutSignature string `json:"payout_signature,omitempty"`
	ClaimedPoints   uint64 `json:"claimed_points,omitempty"`
	PayoutLamports  uint64 `json:"payout_lamports,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}
