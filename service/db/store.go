package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = pgx.ErrNoRows

// Claim settlement statuses. A claim starts at ClaimStatusPending and moves
// forward as each leg lands; the recovery sweep settles anything left behind.
const (
	ClaimStatusPending        = "claim_pending"
	ClaimStatusClaimConfirmed = "claim_confirmed"
	ClaimStatusPayoutPending  = "payout_pending"
	ClaimStatusPaid           = "paid"
	ClaimStatusPayoutFailed   = "payout_failed"
	ClaimStatusClaimFailed    = "claim_failed"
)

// Operation is the audit record of one transaction engine run.
type Operation struct {
	ID              uuid.UUID
	Wallet          string
	Kind            string
	State           string
	Amount          uint64
	Signature       *string
	InitSignature   *string
	PayoutSignature *string
	ClaimedPoints   uint64
	PayoutLamports  uint64
	ErrorKind       *string
	ErrorDetail     *string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Claim tracks a two-legged claim-then-payout settlement. The row is created
// before the claim instruction is submitted so a crash mid-flight always
// leaves a trail the recovery sweep can settle.
type Claim struct {
	ID              uuid.UUID
	Wallet          string
	Points          uint64
	PayoutLamports  uint64
	Status          string
	ClaimSignature  *string
	PayoutSignature *string
	ErrorDetail     *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recorder is the subset of Store the transaction engine writes through.
type Recorder interface {
	RecordOperation(ctx context.Context, op *Operation) error
	CreateClaim(ctx context.Context, claim *Claim) error
	SetClaimSignature(ctx context.Context, id uuid.UUID, signature string) error
	SetPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error
	UpdateClaimStatus(ctx context.Context, id uuid.UUID, status string, errorDetail string) error
}

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// Metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Migrate applies the embedded schema. All statements are idempotent, so it
// is safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) record(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

// RecordOperation inserts a terminal operation audit row.
func (s *Store) RecordOperation(ctx context.Context, op *Operation) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (
			id, wallet, kind, state, amount,
			signature, init_signature, payout_signature,
			claimed_points, payout_lamports,
			error_kind, error_detail, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID.String(), op.Wallet, op.Kind, op.State, int64(op.Amount),
		pgtextFromStringPtr(op.Signature),
		pgtextFromStringPtr(op.InitSignature),
		pgtextFromStringPtr(op.PayoutSignature),
		int64(op.ClaimedPoints), int64(op.PayoutLamports),
		pgtextFromStringPtr(op.ErrorKind),
		pgtextFromStringPtr(op.ErrorDetail),
		op.StartedAt, op.FinishedAt,
	)
	s.record("insert", "operations", start, err)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// GetOperation retrieves one operation by id.
func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, wallet, kind, state, amount,
		       signature, init_signature, payout_signature,
		       claimed_points, payout_lamports,
		       error_kind, error_detail, started_at, finished_at
		FROM operations WHERE id = $1`,
		id.String(),
	)
	op, err := scanOperation(row)
	s.record("select", "operations", start, err)
	return op, err
}

// ListOperations retrieves the most recent operations for a wallet.
func (s *Store) ListOperations(ctx context.Context, wallet string, limit int32) ([]*Operation, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, wallet, kind, state, amount,
		       signature, init_signature, payout_signature,
		       claimed_points, payout_lamports,
		       error_kind, error_detail, started_at, finished_at
		FROM operations
		WHERE wallet = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		wallet, limit,
	)
	if err != nil {
		s.record("select", "operations", start, err)
		return nil, err
	}
	defer rows.Close()

	ops := make([]*Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			s.record("select", "operations", start, err)
			return nil, err
		}
		ops = append(ops, op)
	}
	s.record("select", "operations", start, rows.Err())
	return ops, rows.Err()
}

// CreateClaim inserts a new claim row in its initial status.
func (s *Store) CreateClaim(ctx context.Context, claim *Claim) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claims (id, wallet, points, payout_lamports, status)
		VALUES ($1, $2, $3, $4, $5)`,
		claim.ID.String(), claim.Wallet, int64(claim.Points), int64(claim.PayoutLamports), claim.Status,
	)
	s.record("insert", "claims", start, err)
	if err != nil {
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

// SetClaimSignature records the submitted claim transaction signature.
// This happens between submission and confirmation so the recovery sweep can
// always check the chain for what was actually sent.
func (s *Store) SetClaimSignature(ctx context.Context, id uuid.UUID, signature string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE claims SET claim_signature = $2, updated_at = now() WHERE id = $1`,
		id.String(), signature,
	)
	s.record("update", "claims", start, err)
	if err != nil {
		return fmt.Errorf("failed to set claim signature: %w", err)
	}
	return nil
}

// SetPayoutSignature records the submitted payout transaction signature.
func (s *Store) SetPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE claims SET payout_signature = $2, updated_at = now() WHERE id = $1`,
		id.String(), signature,
	)
	s.record("update", "claims", start, err)
	if err != nil {
		return fmt.Errorf("failed to set payout signature: %w", err)
	}
	return nil
}

// UpdateClaimStatus advances a claim's settlement status. errorDetail may be
// empty; when set it replaces any previous detail.
func (s *Store) UpdateClaimStatus(ctx context.Context, id uuid.UUID, status string, errorDetail string) error {
	start := time.Now()
	var detail *string
	if errorDetail != "" {
		detail = &errorDetail
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE claims SET status = $2, error_detail = COALESCE($3, error_detail), updated_at = now()
		WHERE id = $1`,
		id.String(), status, pgtextFromStringPtr(detail),
	)
	s.record("update", "claims", start, err)
	if err != nil {
		return fmt.Errorf("failed to update claim status: %w", err)
	}
	return nil
}

// GetClaim retrieves one claim by id.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, wallet, points, payout_lamports, status,
		       claim_signature, payout_signature, error_detail, created_at, updated_at
		FROM claims WHERE id = $1`,
		id.String(),
	)
	claim, err := scanClaim(row)
	s.record("select", "claims", start, err)
	return claim, err
}

// ListClaims retrieves the most recent claims for a wallet.
func (s *Store) ListClaims(ctx context.Context, wallet string, limit int32) ([]*Claim, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, wallet, points, payout_lamports, status,
		       claim_signature, payout_signature, error_detail, created_at, updated_at
		FROM claims
		WHERE wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		wallet, limit,
	)
	if err != nil {
		s.record("select", "claims", start, err)
		return nil, err
	}
	defer rows.Close()

	claims := make([]*Claim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			s.record("select", "claims", start, err)
			return nil, err
		}
		claims = append(claims, claim)
	}
	s.record("select", "claims", start, rows.Err())
	return claims, rows.Err()
}

// ListUnsettledClaims retrieves claims that never reached a terminal status
// and have not been touched since staleBefore. These are the rows the
// recovery sweep reconciles against the chain.
func (s *Store) ListUnsettledClaims(ctx context.Context, staleBefore time.Time) ([]*Claim, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, wallet, points, payout_lamports, status,
		       claim_signature, payout_signature, error_detail, created_at, updated_at
		FROM claims
		WHERE status IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC`,
		ClaimStatusPending, ClaimStatusPayoutPending, ClaimStatusPayoutFailed, staleBefore,
	)
	if err != nil {
		s.record("select", "claims", start, err)
		return nil, err
	}
	defer rows.Close()

	claims := make([]*Claim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			s.record("select", "claims", start, err)
			return nil, err
		}
		claims = append(claims, claim)
	}
	s.record("select", "claims", start, rows.Err())
	return claims, rows.Err()
}

// Helper functions to convert between pgx types and domain types

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op                       Operation
		idText                   string
		amount, points, lamports int64
		sig, initSig, paySig     pgtype.Text
		errKind, errDetail       pgtype.Text
		startedAt, finishedAt    pgtype.Timestamptz
	)
	err := row.Scan(
		&idText, &op.Wallet, &op.Kind, &op.State, &amount,
		&sig, &initSig, &paySig,
		&points, &lamports,
		&errKind, &errDetail, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	op.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, fmt.Errorf("invalid operation id %q: %w", idText, err)
	}
	op.Amount = uint64(amount)
	op.ClaimedPoints = uint64(points)
	op.PayoutLamports = uint64(lamports)
	op.Signature = stringPtrFromPgtext(sig)
	op.InitSignature = stringPtrFromPgtext(initSig)
	op.PayoutSignature = stringPtrFromPgtext(paySig)
	op.ErrorKind = stringPtrFromPgtext(errKind)
	op.ErrorDetail = stringPtrFromPgtext(errDetail)
	op.StartedAt = startedAt.Time
	op.FinishedAt = finishedAt.Time
	return &op, nil
}

func scanClaim(row rowScanner) (*Claim, error) {
	var (
		claim                Claim
		idText               string
		points, lamports     int64
		claimSig, paySig     pgtype.Text
		errDetail            pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&idText, &claim.Wallet, &points, &lamports, &claim.Status,
		&claimSig, &paySig, &errDetail, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	claim.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, fmt.Errorf("invalid claim id %q: %w", idText, err)
	}
	claim.Points = uint64(points)
	claim.PayoutLamports = uint64(lamports)
	claim.ClaimSignature = stringPtrFromPgtext(claimSig)
	claim.PayoutSignature = stringPtrFromPgtext(paySig)
	claim.ErrorDetail = stringPtrFromPgtext(errDetail)
	claim.CreatedAt = createdAt.Time
	claim.UpdatedAt = updatedAt.Time
	return &claim, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
