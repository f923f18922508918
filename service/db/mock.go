package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory implementation of the Store's claim and
// operation methods for testing without a database.
type MockStore struct {
	mu         sync.RWMutex
	operations []*Operation
	claims     map[uuid.UUID]*Claim
	order      []uuid.UUID
	failWith   error
	now        func() time.Time
}

// NewMockStore creates a new mock store for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		operations: make([]*Operation, 0),
		claims:     make(map[uuid.UUID]*Claim),
		order:      make([]uuid.UUID, 0),
		now:        time.Now,
	}
}

// SetNow overrides the clock used for row timestamps.
func (m *MockStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetError configures every subsequent call to fail with err.
func (m *MockStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// RecordOperation stores a terminal operation audit row.
func (m *MockStore) RecordOperation(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *op
	m.operations = append(m.operations, &cp)
	return nil
}

// GetOperation retrieves one operation audit row by id.
func (m *MockStore) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, op := range m.operations {
		if op.ID == id {
			cp := *op
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListOperations retrieves the wallet's operation rows, newest first.
func (m *MockStore) ListOperations(ctx context.Context, wallet string, limit int32) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]*Operation, 0)
	for _, op := range m.operations {
		if op.Wallet == wallet {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListClaims retrieves the wallet's claim rows, newest first.
func (m *MockStore) ListClaims(ctx context.Context, wallet string, limit int32) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]*Claim, 0)
	for _, id := range m.order {
		claim := m.claims[id]
		if claim.Wallet == wallet {
			cp := *claim
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateClaim stores a new claim row.
func (m *MockStore) CreateClaim(ctx context.Context, claim *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *claim
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.claims[cp.ID] = &cp
	m.order = append(m.order, cp.ID)
	return nil
}

// SetClaimSignature records the claim leg's transaction signature.
func (m *MockStore) SetClaimSignature(ctx context.Context, id uuid.UUID, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if claim, ok := m.claims[id]; ok {
		claim.ClaimSignature = &signature
		claim.UpdatedAt = m.now()
	}
	return nil
}

// SetPayoutSignature records the payout leg's transaction signature.
func (m *MockStore) SetPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if claim, ok := m.claims[id]; ok {
		claim.PayoutSignature = &signature
		claim.UpdatedAt = m.now()
	}
	return nil
}

// UpdateClaimStatus advances a claim's settlement status.
func (m *MockStore) UpdateClaimStatus(ctx context.Context, id uuid.UUID, status string, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if claim, ok := m.claims[id]; ok {
		claim.Status = status
		if errorDetail != "" {
			detail := errorDetail
			claim.ErrorDetail = &detail
		}
		claim.UpdatedAt = m.now()
	}
	return nil
}

// GetClaim retrieves one claim by id.
func (m *MockStore) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	claim, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *claim
	return &cp, nil
}

// ListUnsettledClaims retrieves non-terminal claims untouched since staleBefore.
func (m *MockStore) ListUnsettledClaims(ctx context.Context, staleBefore time.Time) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]*Claim, 0)
	for _, id := range m.order {
		claim := m.claims[id]
		switch claim.Status {
		case ClaimStatusPending, ClaimStatusPayoutPending, ClaimStatusPayoutFailed:
			if claim.UpdatedAt.Before(staleBefore) {
				cp := *claim
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// Operations returns all recorded operation rows (for testing).
func (m *MockStore) Operations() []*Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Operation, len(m.operations))
	copy(out, m.operations)
	return out
}

// Claims returns all claim rows in creation order (for testing).
func (m *MockStore) Claims() []*Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Claim, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.claims[id]
		out = append(out, &cp)
	}
	return out
}
