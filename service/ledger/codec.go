package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// PositionAccountLen is the serialized size of a stake position account.
// Accounts may carry trailing padding beyond this; shorter data is invalid.
const PositionAccountLen = 65

// Decode failures. Callers treat both as "position not initialized" rather
// than hard errors: a missing or foreign account and a truncated one look the
// same to the rest of the engine.
var (
	ErrTruncated      = errors.New("stake position account data truncated")
	ErrSchemaMismatch = errors.New("stake position discriminator mismatch")
)

// positionDiscriminator tags stake position accounts, per the Anchor
// convention sha256("account:<Name>")[:8].
var positionDiscriminator = anchorDiscriminator("account:StakeInfo")

func anchorDiscriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// StakePosition is the decoded on-chain stake account for one wallet.
//
// Wire layout, fixed offsets, little-endian integers:
//
//	[0,8)   account discriminator
//	[8,40)  owner public key (32 bytes, verbatim)
//	[40,48) staked amount (lamports, u64)
//	[48,56) total points (u64)
//	[56,64) last update (unix seconds, u64)
//	[64]    PDA bump seed
type StakePosition struct {
	Owner          solana.PublicKey `json:"owner"`
	StakedAmount   uint64           `json:"staked_amount"`
	TotalPoints    uint64           `json:"total_points"`
	LastUpdateUnix uint64           `json:"last_update_unix"`
	Bump           byte             `json:"bump"`
}

// DecodePosition parses raw account data into a StakePosition. Data shorter
// than the fixed layout fails with ErrTruncated; a wrong discriminator fails
// with ErrSchemaMismatch. Trailing bytes past the layout are ignored.
func DecodePosition(data []byte) (*StakePosition, error) {
	if len(data) < PositionAccountLen {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrTruncated, len(data), PositionAccountLen)
	}
	if [8]byte(data[0:8]) != positionDiscriminator {
		return nil, fmt.Errorf("%w: got %x", ErrSchemaMismatch, data[0:8])
	}

	pos := &StakePosition{
		Owner:          solana.PublicKeyFromBytes(data[8:40]),
		StakedAmount:   binary.LittleEndian.Uint64(data[40:48]),
		TotalPoints:    binary.LittleEndian.Uint64(data[48:56]),
		LastUpdateUnix: binary.LittleEndian.Uint64(data[56:64]),
		Bump:           data[64],
	}
	return pos, nil
}

// EncodePosition is the exact inverse of DecodePosition; round-trips are
// byte-identical. Used by the in-memory ledger and tests.
func EncodePosition(pos *StakePosition) []byte {
	data := make([]byte, PositionAccountLen)
	copy(data[0:8], positionDiscriminator[:])
	copy(data[8:40], pos.Owner.Bytes())
	binary.LittleEndian.PutUint64(data[40:48], pos.StakedAmount)
	binary.LittleEndian.PutUint64(data[48:56], pos.TotalPoints)
	binary.LittleEndian.PutUint64(data[56:64], pos.LastUpdateUnix)
	data[64] = pos.Bump
	return data
}
