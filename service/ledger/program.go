package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// PositionSeed is the fixed textual seed for position address derivation.
// Together with the owner key and the program ID it fully determines the
// position account address.
const PositionSeed = "stake_info"

// Instruction discriminators, Anchor convention sha256("global:<name>")[:8].
var (
	initializeDiscriminator = anchorDiscriminator("global:initialize")
	stakeDiscriminator      = anchorDiscriminator("global:stake")
	unstakeDiscriminator    = anchorDiscriminator("global:unstake")
	claimDiscriminator      = anchorDiscriminator("global:claim")
)

// Custom error codes defined by the staking program. Anchor numbers custom
// errors from 6000 (0x1770 on the wire).
const (
	CodeZeroAmount        uint32 = 6000
	CodeInsufficientStake uint32 = 6001
	CodeUnauthorized      uint32 = 6002
	CodeOverflow          uint32 = 6003
	CodeUnderflow         uint32 = 6004
	CodeInvalidTimestamp  uint32 = 6005
)

var programErrorMessages = map[uint32]string{
	CodeZeroAmount:        "amount must be greater than zero",
	CodeInsufficientStake: "insufficient staked amount",
	CodeUnauthorized:      "unauthorized signer",
	CodeOverflow:          "arithmetic overflow",
	CodeUnderflow:         "arithmetic underflow",
	CodeInvalidTimestamp:  "invalid timestamp",
}

// ProgramErrorMessage renders a custom program error code as the
// user-readable message for that business rule.
func ProgramErrorMessage(code uint32) string {
	if msg, ok := programErrorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("program error code %d", code)
}

// ParseProgramError extracts the custom error code from node error text.
// Preflight rejections read "... custom program error: 0x1770"; confirmation
// status errors render as a structure containing `Custom:6000`. Nodes
// surface program failures as log-derived text rather than structured codes,
// so substring scanning is the portable extraction for both shapes.
func ParseProgramError(errText string) (uint32, bool) {
	const hexMarker = "custom program error: 0x"
	if i := strings.Index(errText, hexMarker); i >= 0 {
		rest := errText[i+len(hexMarker):]
		end := 0
		for end < len(rest) && isHexDigit(rest[end]) {
			end++
		}
		if end > 0 {
			if code, err := strconv.ParseUint(rest[:end], 16, 32); err == nil {
				return uint32(code), true
			}
		}
	}

	const customMarker = "Custom"
	if i := strings.Index(errText, customMarker); i >= 0 {
		rest := errText[i+len(customMarker):]
		// skip separators like `":` or `:`
		start := 0
		for start < len(rest) && (rest[start] == '"' || rest[start] == ':' || rest[start] == ' ') {
			start++
		}
		end := start
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end > start {
			if code, err := strconv.ParseUint(rest[start:end], 10, 32); err == nil {
				return uint32(code), true
			}
		}
	}

	return 0, false
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Program identifies one deployment of the staking program and builds every
// address and instruction for it. All components share a single value so the
// derivation used by reads, existence checks and transaction account lists
// is identical everywhere.
type Program struct {
	ID solana.PublicKey
}

func NewProgram(id solana.PublicKey) Program {
	return Program{ID: id}
}

// DerivePosition returns the deterministic position address for owner, plus
// the bump seed the derivation landed on.
func (p Program) DerivePosition(owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(PositionSeed), owner.Bytes()},
		p.ID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive position address: %w", err)
	}
	return addr, bump, nil
}

// Initialize creates the owner's position account at its derived address.
// The payer must be the owner-to-be; the program enforces this.
func (p Program) Initialize(owner solana.PublicKey) (solana.Instruction, error) {
	position, _, err := p.DerivePosition(owner)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 8)
	copy(data, initializeDiscriminator[:])
	accounts := solana.AccountMetaSlice{
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(position).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// Stake moves amountLamports from the owner's wallet into the position and
// checkpoints accrued points.
func (p Program) Stake(owner solana.PublicKey, amountLamports uint64) (solana.Instruction, error) {
	position, _, err := p.DerivePosition(owner)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16)
	copy(data[0:8], stakeDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], amountLamports)
	accounts := solana.AccountMetaSlice{
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(position).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// Unstake moves amountLamports back to the owner's wallet and checkpoints
// accrued points. The program rejects amounts above the staked balance.
func (p Program) Unstake(owner solana.PublicKey, amountLamports uint64) (solana.Instruction, error) {
	position, _, err := p.DerivePosition(owner)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16)
	copy(data[0:8], unstakeDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], amountLamports)
	accounts := solana.AccountMetaSlice{
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(position).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}

// Claim checkpoints accrued points into the stored total and consumes the
// whole total atomically on the program side. The payout transfer is a
// separate transaction built elsewhere.
func (p Program) Claim(owner solana.PublicKey) (solana.Instruction, error) {
	position, _, err := p.DerivePosition(owner)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 8)
	copy(data, claimDiscriminator[:])
	accounts := solana.AccountMetaSlice{
		solana.Meta(owner).SIGNER(),
		solana.Meta(position).WRITE(),
	}
	return solana.NewInstruction(p.ID, accounts, data), nil
}
