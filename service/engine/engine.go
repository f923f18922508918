package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/events"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/brojonat/stakewatch/service/points"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
)

// FeeBufferLamports is the headroom a wallet must keep above the requested
// amount for transaction fees and rent. The same buffer gates the treasury
// before a payout.
const FeeBufferLamports uint64 = 10_000

const (
	defaultConfirmTimeout = 30 * time.Second
	defaultConfirmPoll    = 500 * time.Millisecond
)

// OpKind names the supported operations.
type OpKind string

const (
	OpInitialize OpKind = "initialize"
	OpStake      OpKind = "stake"
	OpUnstake    OpKind = "unstake"
	OpClaim      OpKind = "claim"
)

// OpState tracks an operation through its lifecycle. Composite operations
// (auto-initialize before stake, claim then payout) walk the middle states
// once per transaction leg.
type OpState string

const (
	StateIdle              OpState = "idle"
	StateBuilding          OpState = "building"
	StateAwaitingSignature OpState = "awaiting_signature"
	StateSubmitted         OpState = "submitted"
	StateConfirming        OpState = "confirming"
	StateConfirmed         OpState = "confirmed"
	StateFailed            OpState = "failed"
)

// Op is the record of one engine operation from intent to terminal state.
type Op struct {
	ID     uuid.UUID
	Kind   OpKind
	State  OpState
	Wallet solana.PublicKey
	Amount uint64

	// Signature is the operation's primary transaction. InitSignature is set
	// when a stake auto-initialized the position first; PayoutSignature when
	// a claim reached its payout leg.
	Signature       solana.Signature
	InitSignature   solana.Signature
	PayoutSignature solana.Signature

	ClaimedPoints  uint64
	PayoutLamports uint64

	StartedAt  time.Time
	FinishedAt time.Time

	Err *OpError
}

// SnapshotSource supplies the latest cached position snapshot, letting the
// engine validate intents without any network reads. The watch session
// implements it.
type SnapshotSource interface {
	Latest() *ledger.Snapshot
}

// Config wires an Engine's collaborators. Client, Program and Wallet are
// required; everything else is optional.
type Config struct {
	Client  ledger.Client
	Program ledger.Program
	Wallet  ledger.Signer

	// Treasury signs payout transfers. Claims fail validation without it.
	Treasury ledger.Signer

	// Snapshots provides cached state for local validation so rejected
	// intents cost zero network calls.
	Snapshots SnapshotSource

	// Store receives operation audit rows and claim settlement rows.
	Store db.Recorder

	// Events receives operation lifecycle events.
	Events events.Publisher

	// OnConfirmed runs after any operation that changed chain state, so the
	// sync loop can refresh immediately instead of waiting for its tick.
	OnConfirmed func()

	// ConfirmTimeout bounds how long a submitted transaction is polled
	// before its outcome is declared unknown. Defaults to 30s.
	ConfirmTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine builds, signs, submits and confirms staking operations, one at a
// time per wallet session.
type Engine struct {
	client      ledger.Client
	program     ledger.Program
	wallet      ledger.Signer
	treasury    ledger.Signer
	snapshots   SnapshotSource
	store       db.Recorder
	events      events.Publisher
	onConfirmed func()

	reader  *ledger.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics

	confirmTimeout time.Duration
	confirmPoll    time.Duration
	now            func() time.Time

	mu    sync.Mutex
	busy  bool
	state OpState
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("engine requires a ledger client")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("engine requires a wallet signer")
	}
	if cfg.Program.ID.IsZero() {
		return nil, fmt.Errorf("engine requires a program id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &Engine{
		client:         cfg.Client,
		program:        cfg.Program,
		wallet:         cfg.Wallet,
		treasury:       cfg.Treasury,
		snapshots:      cfg.Snapshots,
		store:          cfg.Store,
		events:         cfg.Events,
		onConfirmed:    cfg.OnConfirmed,
		reader:         ledger.NewReader(cfg.Client, cfg.Program, logger),
		logger:         logger,
		metrics:        cfg.Metrics,
		confirmTimeout: timeout,
		confirmPoll:    defaultConfirmPoll,
		now:            time.Now,
		state:          StateIdle,
	}, nil
}

// Wallet returns the owner identity operations act on.
func (e *Engine) Wallet() solana.PublicKey {
	return e.wallet.PublicKey()
}

// State reports where the in-flight operation currently is, or StateIdle.
func (e *Engine) State() OpState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Initialize creates the wallet's position account.
func (e *Engine) Initialize(ctx context.Context) (*Op, error) {
	return e.run(ctx, OpInitialize, 0)
}

// Stake moves lamports from the wallet into the position, initializing the
// position first if it does not exist yet.
func (e *Engine) Stake(ctx context.Context, lamports uint64) (*Op, error) {
	return e.run(ctx, OpStake, lamports)
}

// Unstake moves lamports from the position back to the wallet.
func (e *Engine) Unstake(ctx context.Context, lamports uint64) (*Op, error) {
	return e.run(ctx, OpUnstake, lamports)
}

// Claim consumes the accrued points on chain, then pays out the equivalent
// lamports from the treasury as a second, independently signed transaction.
func (e *Engine) Claim(ctx context.Context) (*Op, error) {
	return e.run(ctx, OpClaim, 0)
}

func (e *Engine) run(ctx context.Context, kind OpKind, amount uint64) (*Op, error) {
	op, err := e.begin(kind, amount)
	if err != nil {
		return nil, err
	}
	defer e.release()
	e.publishOp(ctx, op)

	switch kind {
	case OpInitialize:
		err = e.runInitialize(ctx, op)
	case OpStake:
		err = e.runStake(ctx, op)
	case OpUnstake:
		err = e.runUnstake(ctx, op)
	case OpClaim:
		err = e.runClaim(ctx, op)
	}
	return e.finish(ctx, op, err)
}

// begin enforces the single-in-flight rule and opens a new operation.
func (e *Engine) begin(kind OpKind, amount uint64) (*Op, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, opError(KindBusy, ErrBusy)
	}
	e.busy = true
	e.state = StateBuilding
	return &Op{
		ID:        uuid.New(),
		Kind:      kind,
		State:     StateBuilding,
		Wallet:    e.wallet.PublicKey(),
		Amount:    amount,
		StartedAt: e.now(),
	}, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.busy = false
	e.state = StateIdle
	e.mu.Unlock()
}

// finish closes out the op: terminal state, audit row, metrics, refresh hook.
func (e *Engine) finish(ctx context.Context, op *Op, err error) (*Op, error) {
	op.FinishedAt = e.now()
	if err == nil {
		e.setState(ctx, op, StateConfirmed)
	} else {
		op.Err = classify(err)
		e.setState(ctx, op, StateFailed)
	}

	outcome := "confirmed"
	if op.Err != nil {
		outcome = string(op.Err.Kind)
	}
	if e.metrics != nil {
		e.metrics.RecordOperation(string(op.Kind), outcome, op.FinishedAt.Sub(op.StartedAt).Seconds())
	}
	e.recordOp(ctx, op)

	// The claim leg of a failed payout still changed chain state, so the
	// refresh hook fires for it too.
	chainChanged := op.Err == nil || op.Err.Kind == KindPayoutAfterClaim
	if chainChanged && e.onConfirmed != nil {
		e.onConfirmed()
	}

	if op.Err != nil {
		e.logger.WarnContext(ctx, "operation failed",
			"id", op.ID,
			"kind", op.Kind,
			"error_kind", op.Err.Kind,
			"error", op.Err.Err,
		)
		return op, op.Err
	}
	e.logger.InfoContext(ctx, "operation confirmed",
		"id", op.ID,
		"kind", op.Kind,
		"signature", op.Signature.String(),
	)
	return op, nil
}

func (e *Engine) runInitialize(ctx context.Context, op *Op) error {
	snap, err := e.snapshotForValidation(ctx)
	if err != nil {
		return err
	}
	if snap.Position != nil {
		return validationError(ErrAlreadyInitialized)
	}
	ix, err := e.program.Initialize(op.Wallet)
	if err != nil {
		return validationError(err)
	}
	sig, err := e.execute(ctx, op, []ledger.Signer{e.wallet}, op.Wallet, nil, ix)
	op.Signature = sig
	return err
}

func (e *Engine) runStake(ctx context.Context, op *Op) error {
	if op.Amount == 0 {
		return validationError(ErrAmountZero)
	}
	snap, err := e.snapshotForValidation(ctx)
	if err != nil {
		return err
	}
	if snap.WalletLamports < FeeBufferLamports || op.Amount > snap.WalletLamports-FeeBufferLamports {
		return validationError(fmt.Errorf("%w: have %d lamports, need %d",
			ErrInsufficientBalance, snap.WalletLamports, op.Amount+FeeBufferLamports))
	}

	// Staking into a position that does not exist yet runs initialize to
	// full confirmation first. The two legs never share a transaction.
	if snap.Position == nil {
		initIx, err := e.program.Initialize(op.Wallet)
		if err != nil {
			return validationError(err)
		}
		sig, err := e.execute(ctx, op, []ledger.Signer{e.wallet}, op.Wallet, nil, initIx)
		op.InitSignature = sig
		if err != nil {
			return err
		}
	}

	ix, err := e.program.Stake(op.Wallet, op.Amount)
	if err != nil {
		return validationError(err)
	}
	sig, err := e.execute(ctx, op, []ledger.Signer{e.wallet}, op.Wallet, nil, ix)
	op.Signature = sig
	return err
}

func (e *Engine) runUnstake(ctx context.Context, op *Op) error {
	if op.Amount == 0 {
		return validationError(ErrAmountZero)
	}
	snap, err := e.snapshotForValidation(ctx)
	if err != nil {
		return err
	}
	var staked uint64
	if snap.Position != nil {
		staked = snap.Position.StakedAmount
	}
	if op.Amount > staked {
		return validationError(fmt.Errorf("%w: staked %d, requested %d",
			ErrUnstakeExceedsStake, staked, op.Amount))
	}
	ix, err := e.program.Unstake(op.Wallet, op.Amount)
	if err != nil {
		return validationError(err)
	}
	sig, err := e.execute(ctx, op, []ledger.Signer{e.wallet}, op.Wallet, nil, ix)
	op.Signature = sig
	return err
}

func (e *Engine) runClaim(ctx context.Context, op *Op) error {
	if e.treasury == nil {
		return validationError(ErrNoTreasury)
	}
	snap, err := e.snapshotForValidation(ctx)
	if err != nil {
		return err
	}

	// The snapshot's claimable figure is as-of its read time; recompute at
	// this instant so the payout matches what the claim will consume.
	var claimable uint64
	if snap.Position != nil {
		claimable = points.Accrue(snap.Position.StakedAmount, snap.Position.TotalPoints, snap.Position.LastUpdateUnix, e.now())
	}
	if claimable < points.MinClaimPoints {
		return validationError(fmt.Errorf("%w: have %d points, need %d",
			ErrBelowMinimumClaim, claimable, points.MinClaimPoints))
	}
	payout := points.PayoutLamports(claimable)
	if payout == 0 {
		return validationError(fmt.Errorf("%w: %d points", ErrPayoutTooSmall, claimable))
	}
	op.ClaimedPoints = claimable
	op.PayoutLamports = payout

	// The payout leg must be covered before the claim leg runs. Consuming
	// points against an empty treasury would guarantee the inconsistency
	// window this whole flow exists to narrow.
	treasuryBalance, err := e.client.GetBalance(ctx, e.treasury.PublicKey())
	if err != nil {
		return classify(fmt.Errorf("treasury balance check: %w", err))
	}
	if treasuryBalance < FeeBufferLamports || payout > treasuryBalance-FeeBufferLamports {
		return validationError(fmt.Errorf("%w: treasury holds %d lamports, payout needs %d",
			ErrTreasuryUnderfunded, treasuryBalance, payout))
	}

	e.createClaimRow(ctx, op)

	claimIx, err := e.program.Claim(op.Wallet)
	if err != nil {
		e.settleClaimRow(ctx, op, db.ClaimStatusClaimFailed, err)
		return validationError(err)
	}
	sig, err := e.execute(ctx, op, []ledger.Signer{e.wallet}, op.Wallet, func(sig solana.Signature) {
		e.setClaimSig(ctx, op, sig)
	}, claimIx)
	op.Signature = sig
	if err != nil {
		// A network failure after submission leaves the outcome unknown, so
		// the row stays claim_pending for the recovery sweep. Every other
		// failure verifiably never landed.
		if ErrorKind(err) != KindNetwork {
			e.settleClaimRow(ctx, op, db.ClaimStatusClaimFailed, err)
		}
		return err
	}
	e.settleClaimRow(ctx, op, db.ClaimStatusClaimConfirmed, nil)

	// Points are consumed on chain past this line. A payout failure from
	// here on is the distinct inconsistency callers must hear about.
	e.settleClaimRow(ctx, op, db.ClaimStatusPayoutPending, nil)
	payoutIx := system.NewTransferInstruction(payout, e.treasury.PublicKey(), op.Wallet).Build()
	paySig, payErr := e.execute(ctx, op, []ledger.Signer{e.treasury}, e.treasury.PublicKey(), func(sig solana.Signature) {
		e.setPayoutSig(ctx, op, sig)
	}, payoutIx)
	op.PayoutSignature = paySig
	if payErr != nil {
		e.settleClaimRow(ctx, op, db.ClaimStatusPayoutFailed, payErr)
		if e.metrics != nil {
			e.metrics.RecordPayout("failed", 0)
		}
		return &OpError{
			Kind: KindPayoutAfterClaim,
			Err:  fmt.Errorf("points consumed on chain but payout did not complete: %w", payErr),
		}
	}
	e.settleClaimRow(ctx, op, db.ClaimStatusPaid, nil)
	if e.metrics != nil {
		e.metrics.RecordPayout("success", payout)
	}
	return nil
}

// snapshotForValidation resolves the state intents are checked against. A
// fresh cached snapshot costs nothing; otherwise the engine reads its own.
func (e *Engine) snapshotForValidation(ctx context.Context) (*ledger.Snapshot, error) {
	if e.snapshots != nil {
		if snap := e.snapshots.Latest(); snap != nil && !snap.Degraded() {
			return snap, nil
		}
	}
	snap, err := e.reader.ReadSnapshot(ctx, e.wallet.PublicKey())
	if err != nil {
		return nil, opError(KindNetwork, fmt.Errorf("%w: %v", ErrStateUnavailable, err))
	}
	if snap.Degraded() {
		return nil, opError(KindNetwork, fmt.Errorf("%w: %s", ErrStateUnavailable, strings.Join(snap.SoftErrors, "; ")))
	}
	return snap, nil
}

// execute runs one transaction leg: fresh recency token, build, sign,
// submit, confirm. onSubmitted, when set, runs as soon as the node accepts
// the transaction so the signature is persisted before confirmation.
func (e *Engine) execute(ctx context.Context, op *Op, signers []ledger.Signer, payer solana.PublicKey, onSubmitted func(solana.Signature), ixs ...solana.Instruction) (solana.Signature, error) {
	e.setState(ctx, op, StateBuilding)

	blockhash, err := e.client.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, classify(fmt.Errorf("fetch recency token: %w", err))
	}
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, validationError(fmt.Errorf("build transaction: %w", err))
	}

	e.setState(ctx, op, StateAwaitingSignature)
	for _, signer := range signers {
		if err := signer.Sign(tx); err != nil {
			return solana.Signature{}, opError(KindSignerDeclined, fmt.Errorf("signer declined: %w", err))
		}
	}

	e.setState(ctx, op, StateSubmitted)
	sig, err := e.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, classify(err)
	}
	if onSubmitted != nil {
		onSubmitted(sig)
	}

	e.setState(ctx, op, StateConfirming)
	if err := e.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// awaitConfirmation polls the signature until it reaches confirmed
// commitment, the chain reports failure, or the deadline passes. Transient
// status-check errors keep polling; the deadline is the backstop.
func (e *Engine) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.confirmPoll)
	defer ticker.Stop()

	for {
		st, err := e.client.GetSignatureStatus(waitCtx, sig)
		if err != nil {
			e.logger.DebugContext(ctx, "signature status check failed",
				"signature", sig.String(),
				"error", err,
			)
		} else {
			if st.Err != nil {
				return classify(st.Err)
			}
			if st.Commitment.AtLeast(ledger.CommitmentConfirmed) {
				return nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return opError(KindNetwork, fmt.Errorf("confirmation abandoned: %w", ctx.Err()))
			}
			return opError(KindNetwork, fmt.Errorf("confirmation timed out after %s; transaction %s outcome unknown",
				e.confirmTimeout, sig.String()))
		case <-ticker.C:
		}
	}
}

func (e *Engine) setState(ctx context.Context, op *Op, state OpState) {
	if op.State == state {
		return
	}
	op.State = state
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.publishOp(ctx, op)
}

func (e *Engine) publishOp(ctx context.Context, op *Op) {
	if e.events == nil {
		return
	}
	// Lifecycle events outlive a cancelled operation context.
	ctx = context.WithoutCancel(ctx)
	event := &events.OperationEvent{
		ID:             op.ID.String(),
		Kind:           string(op.Kind),
		State:          string(op.State),
		Wallet:         op.Wallet.String(),
		Amount:         op.Amount,
		ClaimedPoints:  op.ClaimedPoints,
		PayoutLamports: op.PayoutLamports,
		PublishedAt:    time.Now().UTC(),
	}
	if !op.Signature.IsZero() {
		event.Signature = op.Signature.String()
	}
	if !op.PayoutSignature.IsZero() {
		event.PayoutSignature = op.PayoutSignature.String()
	}
	if op.Err != nil {
		event.ErrorKind = string(op.Err.Kind)
		event.Error = op.Err.Err.Error()
	}
	if err := e.events.PublishOperation(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish operation event", "id", op.ID, "error", err)
	}
}

func (e *Engine) recordOp(ctx context.Context, op *Op) {
	if e.store == nil {
		return
	}
	// Audit writes outlive a cancelled operation context.
	ctx = context.WithoutCancel(ctx)
	row := &db.Operation{
		ID:             op.ID,
		Wallet:         op.Wallet.String(),
		Kind:           string(op.Kind),
		State:          string(op.State),
		Amount:         op.Amount,
		ClaimedPoints:  op.ClaimedPoints,
		PayoutLamports: op.PayoutLamports,
		StartedAt:      op.StartedAt,
		FinishedAt:     op.FinishedAt,
	}
	if !op.Signature.IsZero() {
		sig := op.Signature.String()
		row.Signature = &sig
	}
	if !op.InitSignature.IsZero() {
		sig := op.InitSignature.String()
		row.InitSignature = &sig
	}
	if !op.PayoutSignature.IsZero() {
		sig := op.PayoutSignature.String()
		row.PayoutSignature = &sig
	}
	if op.Err != nil {
		kind := string(op.Err.Kind)
		detail := op.Err.Err.Error()
		row.ErrorKind = &kind
		row.ErrorDetail = &detail
	}
	if err := e.store.RecordOperation(ctx, row); err != nil {
		e.logger.WarnContext(ctx, "failed to record operation", "id", op.ID, "error", err)
	}
}

func (e *Engine) createClaimRow(ctx context.Context, op *Op) {
	if e.store == nil {
		return
	}
	err := e.store.CreateClaim(context.WithoutCancel(ctx), &db.Claim{
		ID:             op.ID,
		Wallet:         op.Wallet.String(),
		Points:         op.ClaimedPoints,
		PayoutLamports: op.PayoutLamports,
		Status:         db.ClaimStatusPending,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failed to create claim row", "id", op.ID, "error", err)
	}
}

func (e *Engine) setClaimSig(ctx context.Context, op *Op, sig solana.Signature) {
	if e.store == nil {
		return
	}
	if err := e.store.SetClaimSignature(context.WithoutCancel(ctx), op.ID, sig.String()); err != nil {
		e.logger.WarnContext(ctx, "failed to record claim signature", "id", op.ID, "error", err)
	}
}

func (e *Engine) setPayoutSig(ctx context.Context, op *Op, sig solana.Signature) {
	if e.store == nil {
		return
	}
	if err := e.store.SetPayoutSignature(context.WithoutCancel(ctx), op.ID, sig.String()); err != nil {
		e.logger.WarnContext(ctx, "failed to record payout signature", "id", op.ID, "error", err)
	}
}

func (e *Engine) settleClaimRow(ctx context.Context, op *Op, status string, cause error) {
	if e.store == nil {
		return
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := e.store.UpdateClaimStatus(context.WithoutCancel(ctx), op.ID, status, detail); err != nil {
		e.logger.WarnContext(ctx, "failed to update claim status",
			"id", op.ID,
			"status", status,
			"error", err,
		)
	}
}
