package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/stakewatch/service/temporal"
	"github.com/urfave/cli/v2"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create (or reconcile) the claim recovery schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often the recovery sweep runs",
				Value:   5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "stale-after",
				Usage: "How long a claim must sit untouched before the sweep picks it up",
				Value: 10 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "upsert",
				Usage: "Update the schedule if it already exists instead of failing",
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			staleAfter := c.Duration("stale-after")

			temporalClient, err := getScheduleClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			if c.Bool("upsert") {
				err = temporalClient.UpsertRecoverySchedule(ctx, interval, staleAfter)
			} else {
				err = temporalClient.CreateRecoverySchedule(ctx, interval, staleAfter)
			}
			if err != nil {
				return err
			}

			fmt.Printf("✓ Recovery schedule in place: %s\n", temporal.RecoveryScheduleID)
			fmt.Printf("  Interval: %v\n", interval)
			fmt.Printf("  Stale After: %v\n", staleAfter)
			fmt.Printf("  Task Queue: %s\n", temporalClient.TaskQueue())
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "describe",
		Usage: "Show the recovery schedule's current configuration",
		Action: func(c *cli.Context) error {
			temporalClient, err := getScheduleClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			desc, err := temporalClient.DescribeRecoverySchedule(context.Background())
			if err != nil {
				return err
			}

			// Flatten the SDK description into the fields operators care about
			summary := map[string]interface{}{
				"schedule_id": temporal.RecoveryScheduleID,
				"num_actions": desc.Info.NumActions,
				"created_at":  desc.Info.CreatedAt,
			}
			if desc.Schedule.State != nil {
				summary["paused"] = desc.Schedule.State.Paused
				if desc.Schedule.State.Note != "" {
					summary["note"] = desc.Schedule.State.Note
				}
			}
			if desc.Schedule.Spec != nil && len(desc.Schedule.Spec.Intervals) > 0 {
				summary["interval"] = desc.Schedule.Spec.Intervals[0].Every.String()
			}
			if len(desc.Info.NextActionTimes) > 0 {
				summary["next_run"] = desc.Info.NextActionTimes[0]
			}

			if c.Bool("json") {
				return outputJSON(summary)
			}

			fmt.Printf("Schedule: %s\n", temporal.RecoveryScheduleID)
			fmt.Println("─────────────────────────────────────────────────────")
			if interval, ok := summary["interval"]; ok {
				fmt.Printf("Interval:     %v\n", interval)
			}
			if paused, ok := summary["paused"]; ok {
				fmt.Printf("Paused:       %v\n", paused)
			}
			fmt.Printf("Runs So Far:  %d\n", desc.Info.NumActions)
			if next, ok := summary["next_run"].(time.Time); ok {
				fmt.Printf("Next Run:     %s\n", next.Format(time.RFC3339))
			}
			fmt.Printf("Created:      %s\n", desc.Info.CreatedAt.Format(time.RFC3339))
			if note, ok := summary["note"]; ok {
				fmt.Printf("Note:         %s\n", note)
			}
			return nil
		},
	}
}

func triggerScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Run one recovery sweep immediately, outside the schedule",
		Action: func(c *cli.Context) error {
			temporalClient, err := getScheduleClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.TriggerRecovery(context.Background()); err != nil {
				return err
			}

			fmt.Printf("✓ Recovery sweep triggered: %s\n", temporal.RecoveryScheduleID)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the recovery schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			// Confirm deletion unless --force
			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", temporal.RecoveryScheduleID)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			temporalClient, err := getScheduleClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.DeleteRecoverySchedule(context.Background()); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule deleted: %s\n", temporal.RecoveryScheduleID)
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getScheduleClient(c *cli.Context) (*temporal.Client, error) {
	// Try to get from parent context first (for global flags)
	host := c.String("temporal-host")
	if host == "" && c.App != nil {
		// Try environment variable directly if flag not found
		host = os.Getenv("TEMPORAL_HOST")
	}
	if host == "" {
		host = "localhost:7233" // Default value
	}

	namespace := c.String("temporal-namespace")
	if namespace == "" && c.App != nil {
		namespace = os.Getenv("TEMPORAL_NAMESPACE")
	}
	if namespace == "" {
		namespace = "default" // Default value
	}

	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" && c.App != nil {
		taskQueue = os.Getenv("TEMPORAL_TASK_QUEUE")
	}
	if taskQueue == "" {
		taskQueue = "stakewatch-recovery" // Default value
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	return temporal.NewClient(host, namespace, taskQueue, logger)
}
