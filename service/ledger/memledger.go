package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/brojonat/stakewatch/service/points"
	"github.com/gagliardetto/solana-go"
)

// MemLedger is the deterministic in-memory implementation of Client. It
// carries the staking program's checkpoint semantics and interprets
// submitted transactions the way a node would: signature verification,
// recency token check, duplicate suppression, then instruction execution
// with node-shaped error text, so the engine's error classifier sees exactly
// what a live node would send. Tests drive its clock and blockhash
// explicitly and can inject per-method faults.
type MemLedger struct {
	mu sync.Mutex

	program  Program
	accounts map[solana.PublicKey][]byte
	balances map[solana.PublicKey]uint64

	clock       time.Time
	hashCounter uint64
	currentHash solana.Hash
	validHashes map[solana.Hash]bool

	processed map[solana.Signature]bool
	statuses  map[solana.Signature]SignatureStatus

	// confirmImmediately marks successful submissions confirmed at once.
	// When stalled, submissions stay unseen until SetStatus, which leaves
	// the engine's confirmation loop polling.
	confirmImmediately bool

	calls map[string]int

	accountErrs   []error
	balanceErrs   []error
	blockhashErrs []error
	sendErrs      []error
	statusErrs    []error
}

func NewMemLedger(program Program) *MemLedger {
	m := &MemLedger{
		program:            program,
		accounts:           make(map[solana.PublicKey][]byte),
		balances:           make(map[solana.PublicKey]uint64),
		clock:              time.Unix(1_700_000_000, 0).UTC(),
		validHashes:        make(map[solana.Hash]bool),
		processed:          make(map[solana.Signature]bool),
		statuses:           make(map[solana.Signature]SignatureStatus),
		confirmImmediately: true,
		calls:              make(map[string]int),
	}
	m.advanceHashLocked()
	return m
}

// --- test control surface ---

// Now returns the fake chain clock. Hand this to components that take an
// injectable clock so local accrual and the fake's checkpoints agree.
func (m *MemLedger) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

func (m *MemLedger) SetClock(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = t
}

func (m *MemLedger) AdvanceClock(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(d)
}

func (m *MemLedger) SetBalance(addr solana.PublicKey, lamports uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = lamports
}

func (m *MemLedger) Balance(addr solana.PublicKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// SeedPosition writes a position account for pos.Owner at its derived
// address, filling in the bump and mirroring the staked amount into the
// position account's lamport balance.
func (m *MemLedger) SeedPosition(pos StakePosition) error {
	addr, bump, err := m.program.DerivePosition(pos.Owner)
	if err != nil {
		return err
	}
	pos.Bump = bump
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = EncodePosition(&pos)
	m.balances[addr] += pos.StakedAmount
	return nil
}

// Position decodes the current stored position for owner, or nil.
func (m *MemLedger) Position(owner solana.PublicKey) *StakePosition {
	addr, _, err := m.program.DerivePosition(owner)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.accounts[addr]
	if !ok {
		return nil
	}
	pos, err := DecodePosition(data)
	if err != nil {
		return nil
	}
	return pos
}

// SeedRawAccount stores arbitrary bytes at an address, for undecodable-data
// scenarios.
func (m *MemLedger) SeedRawAccount(addr solana.PublicKey, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = data
}

// AdvanceBlockhash rotates the current recency token and expires every
// earlier one, so transactions built against an old token are rejected like
// a node rejects stale blockhashes.
func (m *MemLedger) AdvanceBlockhash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceHashLocked()
}

func (m *MemLedger) advanceHashLocked() {
	m.hashCounter++
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:8], m.hashCounter)
	sum := sha256.Sum256(seed[:])
	m.currentHash = solana.Hash(solana.PublicKeyFromBytes(sum[:]))
	m.validHashes = map[solana.Hash]bool{m.currentHash: true}
}

func (m *MemLedger) CurrentBlockhash() solana.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentHash
}

// StallConfirmations stops successful submissions from auto-confirming;
// they stay unseen until SetStatus.
func (m *MemLedger) StallConfirmations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmImmediately = false
}

func (m *MemLedger) SetStatus(sig solana.Signature, st SignatureStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[sig] = st
}

func (m *MemLedger) WasProcessed(sig solana.Signature) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[sig]
}

// Calls reports how many times a Client method ran, for asserting that
// validation failures make zero network calls.
func (m *MemLedger) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls sums every Client method invocation.
func (m *MemLedger) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// FailNextAccountData queues an error for the next GetAccountData call.
// Each Fail* method can be called repeatedly to queue several faults.
func (m *MemLedger) FailNextAccountData(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountErrs = append(m.accountErrs, err)
}

func (m *MemLedger) FailNextBalance(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErrs = append(m.balanceErrs, err)
}

func (m *MemLedger) FailNextBlockhash(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockhashErrs = append(m.blockhashErrs, err)
}

func (m *MemLedger) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, err)
}

func (m *MemLedger) FailNextStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErrs = append(m.statusErrs, err)
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// --- Client implementation ---

func (m *MemLedger) GetAccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetAccountData"]++
	if err := popErr(&m.accountErrs); err != nil {
		return nil, err
	}
	data, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemLedger) GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetBalance"]++
	if err := popErr(&m.balanceErrs); err != nil {
		return 0, err
	}
	return m.balances[addr], nil
}

func (m *MemLedger) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetLatestBlockhash"]++
	if err := popErr(&m.blockhashErrs); err != nil {
		return solana.Hash{}, err
	}
	return m.currentHash, nil
}

func (m *MemLedger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SendTransaction"]++
	if err := popErr(&m.sendErrs); err != nil {
		return solana.Signature{}, err
	}

	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, fmt.Errorf("transaction missing signatures")
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("signature verification failure: %w", err)
	}
	// Node-shaped error text below is load-bearing: the engine classifies
	// failures by the same substrings a live node produces.
	if !m.validHashes[tx.Message.RecentBlockhash] {
		return solana.Signature{}, fmt.Errorf("Blockhash not found")
	}
	sig := tx.Signatures[0]
	if m.processed[sig] {
		return solana.Signature{}, fmt.Errorf("This transaction has already been processed")
	}

	if err := m.executeLocked(tx); err != nil {
		return solana.Signature{}, err
	}

	m.processed[sig] = true
	if m.confirmImmediately {
		m.statuses[sig] = SignatureStatus{Commitment: CommitmentConfirmed}
	}
	return sig, nil
}

func (m *MemLedger) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetSignatureStatus"]++
	if err := popErr(&m.statusErrs); err != nil {
		return SignatureStatus{}, err
	}
	return m.statuses[sig], nil
}

// --- transaction interpretation ---

// errProgram renders a business-rule violation the way a node reports it
// from preflight simulation.
func errProgram(index int, code uint32) error {
	return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: custom program error: %#x", index, code)
}

// Non-custom program failure codes the fake can produce, matching Anchor's
// framework errors.
const (
	anchorAccountNotInitialized uint32 = 3012
	anchorConstraintSeeds       uint32 = 2006
)

func ixAccount(msg *solana.Message, ci solana.CompiledInstruction, n int) (solana.PublicKey, bool) {
	if n >= len(ci.Accounts) {
		return solana.PublicKey{}, false
	}
	idx := int(ci.Accounts[n])
	if idx >= len(msg.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return msg.AccountKeys[idx], true
}

func ixIsSigner(msg *solana.Message, ci solana.CompiledInstruction, n int) bool {
	if n >= len(ci.Accounts) {
		return false
	}
	return int(ci.Accounts[n]) < int(msg.Header.NumRequiredSignatures)
}

func (m *MemLedger) executeLocked(tx *solana.Transaction) error {
	msg := &tx.Message
	for i, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= len(msg.AccountKeys) {
			return fmt.Errorf("Transaction simulation failed: invalid program index in instruction %d", i)
		}
		programID := msg.AccountKeys[ci.ProgramIDIndex]
		switch {
		case programID.Equals(solana.SystemProgramID):
			if err := m.execSystemLocked(i, ci, msg); err != nil {
				return err
			}
		case programID.Equals(m.program.ID):
			if err := m.execProgramLocked(i, ci, msg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: invalid program id", i)
		}
	}
	return nil
}

func (m *MemLedger) execSystemLocked(i int, ci solana.CompiledInstruction, msg *solana.Message) error {
	data := []byte(ci.Data)
	if len(data) < 12 {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: invalid instruction data", i)
	}
	// System transfer wire: u32 LE type (2 = Transfer), u64 LE lamports.
	typ := binary.LittleEndian.Uint32(data[0:4])
	if typ != 2 {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: unsupported system instruction %d", i, typ)
	}
	lamports := binary.LittleEndian.Uint64(data[4:12])

	from, ok := ixAccount(msg, ci, 0)
	if !ok {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: not enough account keys", i)
	}
	to, ok := ixAccount(msg, ci, 1)
	if !ok {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: not enough account keys", i)
	}
	if !ixIsSigner(msg, ci, 0) {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: missing required signature", i)
	}
	if m.balances[from] < lamports {
		return fmt.Errorf("Transfer: insufficient lamports %d, need %d", m.balances[from], lamports)
	}
	m.balances[from] -= lamports
	m.balances[to] += lamports
	return nil
}

func (m *MemLedger) execProgramLocked(i int, ci solana.CompiledInstruction, msg *solana.Message) error {
	data := []byte(ci.Data)
	if len(data) < 8 {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: invalid instruction data", i)
	}
	var disc [8]byte
	copy(disc[:], data[:8])

	owner, ok := ixAccount(msg, ci, 0)
	if !ok {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: not enough account keys", i)
	}
	posAddr, ok := ixAccount(msg, ci, 1)
	if !ok {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: not enough account keys", i)
	}
	if !ixIsSigner(msg, ci, 0) {
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: missing required signature", i)
	}

	expected, bump, err := m.program.DerivePosition(owner)
	if err != nil || !expected.Equals(posAddr) {
		return errProgram(i, anchorConstraintSeeds)
	}

	switch disc {
	case initializeDiscriminator:
		if _, exists := m.accounts[posAddr]; exists {
			return fmt.Errorf("Allocate: account %s already in use", posAddr)
		}
		m.accounts[posAddr] = EncodePosition(&StakePosition{
			Owner:          owner,
			LastUpdateUnix: uint64(m.clock.Unix()),
			Bump:           bump,
		})
		return nil

	case stakeDiscriminator:
		if len(data) < 16 {
			return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: invalid instruction data", i)
		}
		amount := binary.LittleEndian.Uint64(data[8:16])
		pos, code := m.loadPositionLocked(posAddr, owner)
		if code != 0 {
			return errProgram(i, code)
		}
		if amount == 0 {
			return errProgram(i, CodeZeroAmount)
		}
		if uint64(m.clock.Unix()) < pos.LastUpdateUnix {
			return errProgram(i, CodeInvalidTimestamp)
		}
		if m.balances[owner] < amount {
			return fmt.Errorf("Transfer: insufficient lamports %d, need %d", m.balances[owner], amount)
		}
		m.checkpointLocked(pos)
		pos.StakedAmount += amount
		m.balances[owner] -= amount
		m.balances[posAddr] += amount
		m.accounts[posAddr] = EncodePosition(pos)
		return nil

	case unstakeDiscriminator:
		if len(data) < 16 {
			return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: invalid instruction data", i)
		}
		amount := binary.LittleEndian.Uint64(data[8:16])
		pos, code := m.loadPositionLocked(posAddr, owner)
		if code != 0 {
			return errProgram(i, code)
		}
		if amount == 0 {
			return errProgram(i, CodeZeroAmount)
		}
		if amount > pos.StakedAmount {
			return errProgram(i, CodeInsufficientStake)
		}
		if uint64(m.clock.Unix()) < pos.LastUpdateUnix {
			return errProgram(i, CodeInvalidTimestamp)
		}
		m.checkpointLocked(pos)
		pos.StakedAmount -= amount
		if m.balances[posAddr] >= amount {
			m.balances[posAddr] -= amount
		}
		m.balances[owner] += amount
		m.accounts[posAddr] = EncodePosition(pos)
		return nil

	case claimDiscriminator:
		pos, code := m.loadPositionLocked(posAddr, owner)
		if code != 0 {
			return errProgram(i, code)
		}
		if uint64(m.clock.Unix()) < pos.LastUpdateUnix {
			return errProgram(i, CodeInvalidTimestamp)
		}
		m.checkpointLocked(pos)
		pos.TotalPoints = 0
		m.accounts[posAddr] = EncodePosition(pos)
		return nil

	default:
		return fmt.Errorf("Transaction simulation failed: Error processing Instruction %d: unknown instruction", i)
	}
}

// loadPositionLocked decodes the stored position and enforces the account
// checks shared by every program instruction. A zero code means ok.
func (m *MemLedger) loadPositionLocked(posAddr, owner solana.PublicKey) (*StakePosition, uint32) {
	data, exists := m.accounts[posAddr]
	if !exists {
		return nil, anchorAccountNotInitialized
	}
	pos, err := DecodePosition(data)
	if err != nil {
		return nil, anchorAccountNotInitialized
	}
	if !pos.Owner.Equals(owner) {
		return nil, CodeUnauthorized
	}
	return pos, 0
}

// checkpointLocked folds elapsed-time accrual into the stored total and
// advances the update time, exactly as the program does during
// stake/unstake/claim.
func (m *MemLedger) checkpointLocked(pos *StakePosition) {
	pos.TotalPoints = points.Accrue(pos.StakedAmount, pos.TotalPoints, pos.LastUpdateUnix, m.clock)
	pos.LastUpdateUnix = uint64(m.clock.Unix())
}
