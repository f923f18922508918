package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "stakewatch",
		Usage: "Solana staking position watcher CLI",
		Description: `A command-line tool for driving and debugging the stakewatch service.

Use this CLI to manage watch sessions, submit staking transactions, stream
position snapshots, inspect the audit trail, and manage the claim recovery
schedule.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Watch session management (HTTP API)
			sessionCommands(),
			// Position reads and snapshot streaming (HTTP API)
			positionCommands(),
			// Transaction submission (HTTP API)
			txCommands(),
			// Operation and claim audit trail (HTTP API)
			auditCommands(),
			// Direct database commands
			{
				Name:  "db",
				Usage: "Database commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					dbClaimsCommand(),
					unsettledClaimsCommand(),
				},
			},
			// Temporal recovery schedule management
			{
				Name:  "schedule",
				Usage: "Claim recovery schedule commands",
				Subcommands: []*cli.Command{
					createScheduleCommand(),
					describeScheduleCommand(),
					triggerScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			// NATS event streaming commands
			{
				Name:  "events",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue for the recovery worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "stakewatch-recovery",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
