package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing staking events to NATS.
type Publisher interface {
	// PublishSnapshot publishes a position snapshot to JetStream.
	// The event is published to the subject "snapshots.{wallet}".
	PublishSnapshot(ctx context.Context, event *SnapshotEvent) error

	// PublishOperation publishes an operation state change to JetStream.
	// The event is published to the subject "operations.{wallet}".
	PublishOperation(ctx context.Context, event *OperationEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes staking events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

const (
	// StreamName is the name of the JetStream stream for staking events.
	StreamName = "STAKEWATCH"

	// SnapshotSubjects is the subject pattern for snapshot events.
	SnapshotSubjects = "snapshots.*"

	// OperationSubjects is the subject pattern for operation events.
	OperationSubjects = "operations.*"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("stakewatch-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Position snapshots and operation lifecycle events",
		Subjects:    []string{SnapshotSubjects, OperationSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	_, err = p.js.CreateStream(ctx, streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishSnapshot publishes a single snapshot event.
func (p *JetStreamPublisher) PublishSnapshot(ctx context.Context, event *SnapshotEvent) error {
	subject := fmt.Sprintf("snapshots.%s", event.Wallet)
	if err := p.publish(ctx, "snapshot", subject, event); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	p.logger.Debug("published snapshot event",
		"subject", subject,
		"wallet", event.Wallet,
		"claimable_points", event.ClaimablePoints,
	)
	return nil
}

// PublishOperation publishes a single operation event.
func (p *JetStreamPublisher) PublishOperation(ctx context.Context, event *OperationEvent) error {
	subject := fmt.Sprintf("operations.%s", event.Wallet)
	if err := p.publish(ctx, "operation", subject, event); err != nil {
		return fmt.Errorf("failed to publish operation: %w", err)
	}

	p.logger.Debug("published operation event",
		"subject", subject,
		"wallet", event.Wallet,
		"kind", event.Kind,
		"state", event.State,
	)
	return nil
}

// publish marshals the event and writes it to JetStream. The eventType
// label keeps metric cardinality bounded regardless of wallet count.
func (p *JetStreamPublisher) publish(ctx context.Context, eventType, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(eventType, status, time.Since(start).Seconds())
	}
	return err
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
