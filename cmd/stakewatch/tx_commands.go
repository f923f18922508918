package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/stakewatch/client"
	"github.com/urfave/cli/v2"
)

func txCommands() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Staking transaction commands",
		Subcommands: []*cli.Command{
			initializeCommand(),
			stakeCommand(),
			unstakeCommand(),
			claimCommand(),
		},
	}
}

func initializeCommand() *cli.Command {
	return &cli.Command{
		Name:  "initialize",
		Usage: "Create the staking position for the server's wallet",
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
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			op, err := cl.Initialize(context.Background())
			if err != nil {
				return txError("initialize", err)
			}

			return outputOperation(op, jsonOutput)
		},
	}
}

func stakeCommand() *cli.Command {
	return &cli.Command{
		Name:      "stake",
		Usage:     "Move SOL from the server's wallet into its staking position",
		ArgsUsage: "AMOUNT_SOL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:  "lamports",
				Usage: "Interpret the amount as raw lamports instead of SOL",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("amount is required")
			}

			amount, err := parseAmount(c.Args().Get(0), c.Bool("lamports"))
			if err != nil {
				return err
			}

			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Staking %.4f SOL (%d lamports)...\n", float64(amount)/1e9, amount)
			}

			op, err := cl.Stake(context.Background(), amount)
			if err != nil {
				return txError("stake", err)
			}

			return outputOperation(op, jsonOutput)
		},
	}
}

func unstakeCommand() *cli.Command {
	return &cli.Command{
		Name:      "unstake",
		Usage:     "Move SOL from the staking position back to the wallet",
		ArgsUsage: "AMOUNT_SOL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:  "lamports",
				Usage: "Interpret the amount as raw lamports instead of SOL",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("amount is required")
			}

			amount, err := parseAmount(c.Args().Get(0), c.Bool("lamports"))
			if err != nil {
				return err
			}

			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Unstaking %.4f SOL (%d lamports)...\n", float64(amount)/1e9, amount)
			}

			op, err := cl.Unstake(context.Background(), amount)
			if err != nil {
				return txError("unstake", err)
			}

			return outputOperation(op, jsonOutput)
		},
	}
}

func claimCommand() *cli.Command {
	return &cli.Command{
		Name:  "claim",
		Usage: "Settle accrued points and pay out the reward from the treasury",
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
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Claiming accrued points...\n")
			}

			op, err := cl.Claim(context.Background())
			if err != nil {
				return txError("claim", err)
			}

			return outputOperation(op, jsonOutput)
		},
	}
}

// parseAmount converts a command-line amount to lamports. By default the
// amount is decimal SOL; asLamports treats it as a raw integer instead.
func parseAmount(s string, asLamports bool) (uint64, error) {
	if asLamports {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid lamport amount %q: %w", s, err)
		}
		return v, nil
	}

	sol, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SOL amount %q: %w", s, err)
	}
	if sol < 0 {
		return 0, fmt.Errorf("amount cannot be negative")
	}
	return uint64(math.Round(sol * 1e9)), nil
}

// txError wraps a transaction failure, adding a retry hint when the server
// classified the failure as transient.
func txError(kind string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Operation != nil {
			fmt.Fprintf(os.Stderr, "Operation %s finished in state %q\n", apiErr.Operation.ID, apiErr.Operation.State)
		}
		if apiErr.Retryable {
			fmt.Fprintf(os.Stderr, "The failure is transient; re-running the command may succeed.\n")
		}
	}
	return fmt.Errorf("failed to %s: %w", kind, err)
}

func outputOperation(op *client.Operation, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.MarshalIndent(op, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal operation: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	printOperation(op)
	return nil
}

func printOperation(op *client.Operation) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if op.State == "confirmed" {
		fmt.Printf("✓ Operation %s\n", op.Kind)
	} else {
		fmt.Printf("Operation %s (%s)\n", op.Kind, op.State)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("ID:          %s\n", op.ID)
	fmt.Printf("Wallet:      %s\n", op.Wallet)
	fmt.Printf("State:       %s\n", op.State)

	if op.Amount > 0 {
		fmt.Printf("Amount:      %.4f SOL (%d lamports)\n", float64(op.Amount)/1e9, op.Amount)
	}
	if op.InitSignature != "" {
		fmt.Printf("Init Sig:    %s\n", op.InitSignature)
	}
	if op.Signature != "" {
		fmt.Printf("Signature:   %s\n", op.Signature)
	}
	if op.ClaimedPoints > 0 {
		fmt.Printf("Claimed:     %d points\n", op.ClaimedPoints)
	}
	if op.PayoutLamports > 0 {
		fmt.Printf("Payout:      %.4f SOL (%d lamports)\n", float64(op.PayoutLamports)/1e9, op.PayoutLamports)
	}
	if op.PayoutSignature != "" {
		fmt.Printf("Payout Sig:  %s\n", op.PayoutSignature)
	}
	if op.ErrorKind != "" {
		fmt.Printf("Error:       [%s] %s\n", op.ErrorKind, op.ErrorDetail)
	}

	fmt.Printf("Started:     %s\n", op.StartedAt.Format(time.RFC3339))
	if !op.FinishedAt.IsZero() {
		fmt.Printf("Finished:    %s (%s)\n", op.FinishedAt.Format(time.RFC3339), op.FinishedAt.Sub(op.StartedAt).Round(time.Millisecond))
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
