package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stakewatch/client"
	"github.com/urfave/cli/v2"
)

func auditCommands() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Operation and claim audit trail commands",
		Subcommands: []*cli.Command{
			listOperationsCommand(),
			getOperationCommand(),
			listClaimsCommand(),
		},
	}
}

func listOperationsCommand() *cli.Command {
	return &cli.Command{
		Name:      "operations",
		Aliases:   []string{"ops"},
		Usage:     "List recorded operations for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of operations",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			serverURL := c.String("server")
			limit := c.Int("limit")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			ops, err := cl.Operations(context.Background(), address, limit)
			if err != nil {
				return fmt.Errorf("failed to list operations: %w", err)
			}

			if jsonOutput {
				return outputJSON(ops)
			}

			if len(ops) == 0 {
				fmt.Println("No operations found")
				return nil
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tAMOUNT (SOL)\tPOINTS\tSTARTED")
			for _, op := range ops {
				amount := "-"
				if op.Amount > 0 {
					amount = fmt.Sprintf("%.4f", float64(op.Amount)/1e9)
				}
				points := "-"
				if op.ClaimedPoints > 0 {
					points = fmt.Sprintf("%d", op.ClaimedPoints)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					op.ID,
					op.Kind,
					op.State,
					amount,
					points,
					op.StartedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d operations\n", len(ops))
			return nil
		},
	}
}

func getOperationCommand() *cli.Command {
	return &cli.Command{
		Name:      "operation",
		Aliases:   []string{"op"},
		Usage:     "Get a recorded operation by id",
		ArgsUsage: "OPERATION_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("operation id is required")
			}

			id := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			op, err := cl.Operation(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get operation: %w", err)
			}

			return outputOperation(op, jsonOutput)
		},
	}
}

func listClaimsCommand() *cli.Command {
	return &cli.Command{
		Name:      "claims",
		Usage:     "List claim settlement records for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of claims",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			serverURL := c.String("server")
			limit := c.Int("limit")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			claims, err := cl.Claims(context.Background(), address, limit)
			if err != nil {
				return fmt.Errorf("failed to list claims: %w", err)
			}

			if jsonOutput {
				return outputJSON(claims)
			}

			if len(claims) == 0 {
				fmt.Println("No claims found")
				return nil
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPOINTS\tPAYOUT (SOL)\tSTATUS\tUPDATED")
			for _, claim := range claims {
				fmt.Fprintf(w, "%s\t%d\t%.4f\t%s\t%s\n",
					claim.ID,
					claim.Points,
					float64(claim.PayoutLamports)/1e9,
					claim.Status,
					claim.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d claims\n", len(claims))
			return nil
		},
	}
}
