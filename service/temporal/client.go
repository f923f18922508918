package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// RecoveryScheduleID names the single recurring schedule that drives claim
// recovery sweeps.
const RecoveryScheduleID = "stakewatch-claim-recovery"

// Client wraps the Temporal SDK client for managing the recovery schedule.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateRecoverySchedule registers the recurring claim recovery sweep. It
// fails if the schedule already exists; use UpsertRecoverySchedule to
// reconcile an existing one.
func (c *Client) CreateRecoverySchedule(ctx context.Context, interval, staleAfter time.Duration) error {
	c.logger.Debug("creating recovery schedule",
		"schedule_id", RecoveryScheduleID,
		"interval", interval,
		"stale_after", staleAfter,
	)

	scheduleSpec := client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{
			{
				Every: interval,
			},
		},
	}

	workflowAction := client.ScheduleWorkflowAction{
		ID:        RecoveryScheduleID + "-run",
		Workflow:  "RecoverClaimsWorkflow",
		TaskQueue: c.taskQueue,
		Args: []interface{}{RecoverClaimsInput{
			StaleAfter: staleAfter,
		}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID:     RecoveryScheduleID,
		Spec:   scheduleSpec,
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"stale_after": staleAfter.String(),
			"created_by":  "stakewatch",
		},
	})
	if err != nil {
		c.logger.Error("failed to create recovery schedule",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", RecoveryScheduleID, err)
	}

	c.logger.Info("recovery schedule created",
		"schedule_id", RecoveryScheduleID,
		"interval", interval,
		"stale_after", staleAfter,
	)
	return nil
}

// UpsertRecoverySchedule creates the recovery schedule, or updates its
// interval and sweep arguments if it already exists.
func (c *Client) UpsertRecoverySchedule(ctx context.Context, interval, staleAfter time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("recovery schedule not found, creating",
			"schedule_id", RecoveryScheduleID,
		)
		return c.CreateRecoverySchedule(ctx, interval, staleAfter)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{RecoverClaimsInput{StaleAfter: staleAfter}}
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update recovery schedule",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", RecoveryScheduleID, err)
	}

	c.logger.Info("recovery schedule updated",
		"schedule_id", RecoveryScheduleID,
		"interval", interval,
		"stale_after", staleAfter,
	)
	return nil
}

// DescribeRecoverySchedule reports the schedule's current configuration.
func (c *Client) DescribeRecoverySchedule(ctx context.Context) (*client.ScheduleDescription, error) {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	desc, err := handle.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to describe schedule %q: %w", RecoveryScheduleID, err)
	}
	return desc, nil
}

// TriggerRecovery runs one sweep immediately, outside the schedule.
func (c *Client) TriggerRecovery(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if err := handle.Trigger(ctx, client.ScheduleTriggerOptions{}); err != nil {
		return fmt.Errorf("failed to trigger schedule %q: %w", RecoveryScheduleID, err)
	}
	c.logger.Info("recovery sweep triggered", "schedule_id", RecoveryScheduleID)
	return nil
}

// DeleteRecoverySchedule removes the recurring sweep.
func (c *Client) DeleteRecoverySchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete recovery schedule",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", RecoveryScheduleID, err)
	}

	c.logger.Info("recovery schedule deleted", "schedule_id", RecoveryScheduleID)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow
// operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
