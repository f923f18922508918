package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeypair(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

// buildSigned assembles a transaction against the fake's current blockhash
// and signs it with the given key.
func buildSigned(t *testing.T, m *MemLedger, key solana.PrivateKey, ixs ...solana.Instruction) *solana.Transaction {
	t.Helper()
	bh, err := m.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	tx, err := solana.NewTransaction(ixs, bh, solana.TransactionPayer(key.PublicKey()))
	require.NoError(t, err)
	require.NoError(t, NewKeypairSigner(key).Sign(tx))
	return tx
}

func TestMemLedger_InitializeStakeUnstakeClaim(t *testing.T) {
	prog := newTestProgram(t)
	key := newTestKeypair(t)
	owner := key.PublicKey()
	mem := NewMemLedger(prog)
	mem.SetBalance(owner, 10_000_000_000)
	ctx := context.Background()

	// Initialize creates an empty position checkpointed at the fake clock.
	ix, err := prog.Initialize(owner)
	require.NoError(t, err)
	sig, err := mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.NoError(t, err)
	assert.True(t, mem.WasProcessed(sig))

	pos := mem.Position(owner)
	require.NotNil(t, pos)
	assert.Equal(t, owner, pos.Owner)
	assert.Equal(t, uint64(0), pos.StakedAmount)
	assert.Equal(t, uint64(mem.Now().Unix()), pos.LastUpdateUnix)

	// Stake moves lamports out of the wallet and into the position.
	ix, err = prog.Stake(owner, 4_000_000_000)
	require.NoError(t, err)
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.NoError(t, err)

	assert.Equal(t, uint64(6_000_000_000), mem.Balance(owner))
	pos = mem.Position(owner)
	assert.Equal(t, uint64(4_000_000_000), pos.StakedAmount)

	// A day later, unstake checkpoints the accrued points first.
	mem.AdvanceClock(24 * time.Hour)
	ix, err = prog.Unstake(owner, 1_000_000_000)
	require.NoError(t, err)
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.NoError(t, err)

	pos = mem.Position(owner)
	assert.Equal(t, uint64(3_000_000_000), pos.StakedAmount)
	assert.Equal(t, uint64(4*86_400), pos.TotalPoints) // 4 SOL for one day
	assert.Equal(t, uint64(7_000_000_000), mem.Balance(owner))

	// Claim consumes the whole checkpointed total.
	ix, err = prog.Claim(owner)
	require.NoError(t, err)
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.NoError(t, err)

	pos = mem.Position(owner)
	assert.Equal(t, uint64(0), pos.TotalPoints)
	assert.Equal(t, uint64(3_000_000_000), pos.StakedAmount)
}

func TestMemLedger_RejectsStaleBlockhash(t *testing.T) {
	prog := newTestProgram(t)
	key := newTestKeypair(t)
	mem := NewMemLedger(prog)
	mem.SetBalance(key.PublicKey(), 1_000_000_000)

	ix, err := prog.Initialize(key.PublicKey())
	require.NoError(t, err)
	tx := buildSigned(t, mem, key, ix)

	// Rotate the recency token after signing; the submission must fail the
	// way a node reports it.
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Blockhash not found")
}

func TestMemLedger_RejectsDuplicateSignature(t *testing.T) {
	prog := newTestProgram(t)
	key := newTestKeypair(t)
	mem := NewMemLedger(prog)
	mem.SetBalance(key.PublicKey(), 1_000_000_000)
	ctx := context.Background()

	ix, err := prog.Initialize(key.PublicKey())
	require.NoError(t, err)
	tx := buildSigned(t, mem, key, ix)

	_, err = mem.SendTransaction(ctx, tx)
	require.NoError(t, err)

	_, err = mem.SendTransaction(ctx, tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been processed")
}

func TestMemLedger_RejectsUnsignedTransaction(t *testing.T) {
	prog := newTestProgram(t)
	key := newTestKeypair(t)
	mem := NewMemLedger(prog)

	ix, err := prog.Initialize(key.PublicKey())
	require.NoError(t, err)
	bh, err := mem.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, bh, solana.TransactionPayer(key.PublicKey()))
	require.NoError(t, err)

	_, err = mem.SendTransaction(context.Background(), tx)
	assert.Error(t, err)
}

func TestMemLedger_ProgramErrorCodes(t *testing.T) {
	prog := newTestProgram(t)
	key := newTestKeypair(t)
	owner := key.PublicKey()
	mem := NewMemLedger(prog)
	mem.SetBalance(owner, 10_000_000_000)
	ctx := context.Background()

	require.NoError(t, mem.SeedPosition(StakePosition{
		Owner:          owner,
		StakedAmount:   5_000_000_000,
		LastUpdateUnix: uint64(mem.Now().Unix()),
	}))

	// Zero-amount stake trips the program's first business rule.
	ix, err := prog.Stake(owner, 0)
	require.NoError(t, err)
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.Error(t, err)
	code, ok := ParseProgramError(err.Error())
	require.True(t, ok)
	assert.Equal(t, CodeZeroAmount, code)

	// Unstaking more than staked trips the insufficient-stake rule.
	ix, err = prog.Unstake(owner, 6_000_000_000)
	require.NoError(t, err)
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, key, ix))
	require.Error(t, err)
	code, ok = ParseProgramError(err.Error())
	require.True(t, ok)
	assert.Equal(t, CodeInsufficientStake, code)

	// Neither rejection mutated anything.
	pos := mem.Position(owner)
	assert.Equal(t, uint64(5_000_000_000), pos.StakedAmount)
	assert.Equal(t, uint64(10_000_000_000), mem.Balance(owner))
}

func TestMemLedger_SystemTransfer(t *testing.T) {
	prog := newTestProgram(t)
	from := newTestKeypair(t)
	to := newTestOwner(t)
	mem := NewMemLedger(prog)
	mem.SetBalance(from.PublicKey(), 2_000_000_000)
	ctx := context.Background()

	ix := system.NewTransferInstruction(500_000_000, from.PublicKey(), to).Build()
	_, err := mem.SendTransaction(ctx, buildSigned(t, mem, from, ix))
	require.NoError(t, err)

	assert.Equal(t, uint64(1_500_000_000), mem.Balance(from.PublicKey()))
	assert.Equal(t, uint64(500_000_000), mem.Balance(to))

	// Overdraft fails with the node's transfer error text.
	ix = system.NewTransferInstruction(5_000_000_000, from.PublicKey(), to).Build()
	mem.AdvanceBlockhash()
	_, err = mem.SendTransaction(ctx, buildSigned(t, mem, from, ix))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient lamports")
}

func TestMemLedger_CountsCalls(t *testing.T) {
	prog := newTestProgram(t)
	owner := newTestOwner(t)
	mem := NewMemLedger(prog)

	_, _ = mem.GetBalance(context.Background(), owner)
	_, _ = mem.GetAccountData(context.Background(), owner)
	_, _ = mem.GetAccountData(context.Background(), owner)

	assert.Equal(t, 1, mem.Calls("GetBalance"))
	assert.Equal(t, 2, mem.Calls("GetAccountData"))
	assert.Equal(t, 3, mem.TotalCalls())
}
