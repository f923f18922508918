package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/stakewatch/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func positionCommands() *cli.Command {
	return &cli.Command{
		Name:  "position",
		Usage: "Position read and snapshot streaming commands",
		Subcommands: []*cli.Command{
			positionGetCommand(),
			positionRefreshCommand(),
			positionStreamCommand(),
			positionAwaitCommand(),
		},
	}
}

func positionGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Get the current position for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
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
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			pos, err := cl.Position(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to get position: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(pos, "", "  ")
				fmt.Println(string(data))
			} else {
				printPosition(pos)
			}

			return nil
		},
	}
}

func positionRefreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Force a fresh chain read for a wallet, bypassing the session cache",
		ArgsUsage: "WALLET_ADDRESS",
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
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			serverURL := c.String("server")
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			pos, err := cl.RefreshPosition(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to refresh position: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(pos, "", "  ")
				fmt.Println(string(data))
			} else {
				printPosition(pos)
			}

			return nil
		},
	}
}

func positionStreamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream position snapshots via SSE",
		ArgsUsage: "[WALLET_ADDRESS]",
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
			address := c.Args().First()
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			cl := client.NewClient(serverURL, nil, logger)

			// Cancel the stream on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			if !jsonOutput {
				if address != "" {
					fmt.Fprintf(os.Stderr, "Streaming snapshots for wallet: %s\n", address)
				} else {
					fmt.Fprintf(os.Stderr, "Streaming snapshots for all wallets\n")
				}
				fmt.Fprintf(os.Stderr, "Waiting for snapshots... (Ctrl+C to stop)\n\n")
			}

			count := 0
			err := cl.StreamSnapshots(ctx, address, func(snap *client.SnapshotEvent) error {
				count++
				if jsonOutput {
					data, _ := json.Marshal(snap)
					fmt.Println(string(data))
				} else {
					printSnapshot(snap)
				}
				return nil
			})
			if err != nil {
				if ctx.Err() != nil {
					// User interrupt
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nDisconnected after %d snapshot(s)\n", count)
					}
					return nil
				}
				return fmt.Errorf("stream failed: %w", err)
			}

			return nil
		},
	}
}

func positionAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a snapshot matching criteria arrives",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "HTTP server URL",
				EnvVars: []string{"STAKEWATCH_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:  "initialized",
				Usage: "Wait until the position is initialized on chain",
			},
			&cli.Uint64Flag{
				Name:  "min-claimable",
				Usage: "Wait until claimable points reach this value",
			},
			&cli.Uint64Flag{
				Name:  "min-staked",
				Usage: "Wait until the staked amount reaches this value (lamports)",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for a matching snapshot",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			serverURL := c.String("server")
			wantInitialized := c.Bool("initialized")
			minClaimable := c.Uint64("min-claimable")
			minStaked := c.Uint64("min-staked")
			jqFilters := c.StringSlice("must-jq")
			timeout := c.Duration("timeout")
			jsonOutput := c.Bool("json")

			// Require at least one criterion
			if !wantInitialized && minClaimable == 0 && minStaked == 0 && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one criterion: --initialized, --min-claimable, --min-staked, or --must-jq")
			}

			// Create logger
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError, // Only errors to stderr
			}))

			// Compile jq filters
			compiledJQFilters := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				query, err := gojq.Parse(filter)
				if err != nil {
					return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
				}
				compiledJQFilters[i], err = gojq.Compile(query)
				if err != nil {
					return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
				}
			}

			cl := client.NewClient(serverURL, nil, logger)

			// Build matcher function based on flags
			matcher := func(snap *client.SnapshotEvent) bool {
				if wantInitialized && !snap.Initialized {
					return false
				}
				if minClaimable > 0 && snap.ClaimablePoints < minClaimable {
					return false
				}
				if minStaked > 0 && snap.StakedAmount < minStaked {
					return false
				}

				// Check jq filters (all must return true)
				if len(compiledJQFilters) > 0 {
					// Round-trip through JSON so filters see the wire field names
					data, err := json.Marshal(snap)
					if err != nil {
						return false
					}
					var doc interface{}
					if err := json.Unmarshal(data, &doc); err != nil {
						return false
					}

					for _, code := range compiledJQFilters {
						iter := code.Run(doc)
						v, ok := iter.Next()
						if !ok {
							// No result means filter failed
							return false
						}
						if err, isErr := v.(error); isErr {
							logger.Debug("jq filter error", "error", err)
							return false
						}
						if !isTruthy(v) {
							return false
						}
					}
				}

				return true
			}

			// Print waiting message
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Waiting for snapshot on wallet %s...\n", address)
				if wantInitialized {
					fmt.Fprintf(os.Stderr, "  Initialized: true\n")
				}
				if minClaimable > 0 {
					fmt.Fprintf(os.Stderr, "  Min Claimable: %d points\n", minClaimable)
				}
				if minStaked > 0 {
					fmt.Fprintf(os.Stderr, "  Min Staked: %d lamports\n", minStaked)
				}
				for _, filter := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", filter)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", timeout)
			}

			// Block until a matching snapshot arrives (with context timeout)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			snap, err := cl.AwaitSnapshot(ctx, address, matcher)
			if err != nil {
				return fmt.Errorf("failed to await snapshot: %w", err)
			}

			if jsonOutput {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal snapshot: %w", err)
				}
				fmt.Println(string(data))
			} else {
				fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				fmt.Println("✓ Matching Snapshot Received")
				printSnapshot(snap)
			}

			return nil
		},
	}
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func printPosition(pos *client.Position) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Wallet:       %s\n", pos.Wallet)
	fmt.Printf("Initialized:  %v\n", pos.Initialized)
	if pos.Initialized {
		fmt.Printf("Staked:       %.4f SOL (%d lamports)\n", float64(pos.StakedAmount)/1e9, pos.StakedAmount)
		fmt.Printf("Points:       %d settled, %d claimable\n", pos.TotalPoints, pos.ClaimablePoints)
	}
	fmt.Printf("Balance:      %.4f SOL (%d lamports)\n", float64(pos.WalletLamports)/1e9, pos.WalletLamports)
	if pos.Degraded {
		fmt.Printf("Degraded:     true\n")
		for _, soft := range pos.SoftErrors {
			fmt.Printf("  Soft Error: %s\n", soft)
		}
	}
	fmt.Printf("As Of:        %s\n", pos.AsOf.Format(time.RFC3339))
	fmt.Printf("Cached:       %v\n", pos.Cached)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printSnapshot(snap *client.SnapshotEvent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Wallet:      %s\n", snap.Wallet)
	fmt.Printf("Initialized: %v\n", snap.Initialized)
	fmt.Printf("Staked:      %.4f SOL\n", float64(snap.StakedAmount)/1e9)
	fmt.Printf("Claimable:   %d points\n", snap.ClaimablePoints)
	fmt.Printf("Balance:     %.4f SOL\n", float64(snap.WalletLamports)/1e9)

	if snap.Degraded {
		fmt.Printf("Degraded:    true\n")
		for _, soft := range snap.SoftErrors {
			fmt.Printf("  Soft Error: %s\n", soft)
		}
	}

	fmt.Printf("As Of:       %s\n", snap.AsOf.Format(time.RFC3339))
	fmt.Printf("Published:   %s\n", snap.PublishedAt.Format(time.RFC3339))
	fmt.Println()
}
