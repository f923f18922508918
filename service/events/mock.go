package events

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	snapshots    []*SnapshotEvent
	operations   []*OperationEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		snapshots:  make([]*SnapshotEvent, 0),
		operations: make([]*OperationEvent, 0),
	}
}

// PublishSnapshot records the event and returns any configured error.
func (m *MockPublisher) PublishSnapshot(ctx context.Context, event *SnapshotEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.snapshots = append(m.snapshots, event)
	return nil
}

// PublishOperation records the event and returns any configured error.
func (m *MockPublisher) PublishOperation(ctx context.Context, event *OperationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.operations = append(m.operations, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Snapshots returns all published snapshot events (for testing).
func (m *MockPublisher) Snapshots() []*SnapshotEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions
	events := make([]*SnapshotEvent, len(m.snapshots))
	copy(events, m.snapshots)
	return events
}

// Operations returns all published operation events (for testing).
func (m *MockPublisher) Operations() []*OperationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*OperationEvent, len(m.operations))
	copy(events, m.operations)
	return events
}

// OperationsForWallet returns operation events published for a specific wallet.
func (m *MockPublisher) OperationsForWallet(wallet string) []*OperationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*OperationEvent, 0)
	for _, event := range m.operations {
		if event.Wallet == wallet {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = make([]*SnapshotEvent, 0)
	m.operations = make([]*OperationEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
