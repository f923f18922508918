package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stakewatch/client"
	"github.com/urfave/cli/v2"
)

func sessionCommands() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Watch session management commands",
		Subcommands: []*cli.Command{
			sessionStartCommand(),
			sessionStopCommand(),
			sessionListCommand(),
		},
	}
}

func sessionStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Aliases:   []string{"watch"},
		Usage:     "Start a polling session for a wallet",
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

			sess, err := cl.Watch(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}

			if jsonOutput {
				data, _ := json.Marshal(map[string]interface{}{
					"wallet":        sess.Wallet,
					"poll_interval": sess.PollInterval.String(),
					"status":        "watching",
				})
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Watch session started\n")
				fmt.Printf("  Wallet: %s\n", sess.Wallet)
				fmt.Printf("  Poll Interval: %s\n", sess.PollInterval)
				if sess.Snapshot != nil {
					fmt.Printf("  Staked: %.4f SOL\n", float64(sess.Snapshot.StakedAmount)/1e9)
					fmt.Printf("  Claimable Points: %d\n", sess.Snapshot.ClaimablePoints)
				}
			}

			return nil
		},
	}
}

func sessionStopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Aliases:   []string{"unwatch"},
		Usage:     "Stop the polling session for a wallet",
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

			if err := cl.Unwatch(context.Background(), address); err != nil {
				return fmt.Errorf("failed to stop session: %w", err)
			}

			if jsonOutput {
				data, _ := json.Marshal(map[string]interface{}{
					"wallet": address,
					"status": "stopped",
				})
				fmt.Println(string(data))
			} else {
				fmt.Printf("✓ Watch session stopped\n")
				fmt.Printf("  Wallet: %s\n", address)
			}

			return nil
		},
	}
}

func sessionListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List active watch sessions",
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

			sessions, err := cl.Sessions(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			if jsonOutput {
				return outputJSON(sessions)
			}

			if len(sessions) == 0 {
				fmt.Println("No active sessions")
				return nil
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WALLET\tINTERVAL\tSTAKED (SOL)\tCLAIMABLE\tDEGRADED\tAS OF")
			for _, sess := range sessions {
				staked := "-"
				claimable := "-"
				degraded := "-"
				asOf := "never"
				if sess.Snapshot != nil {
					staked = fmt.Sprintf("%.4f", float64(sess.Snapshot.StakedAmount)/1e9)
					claimable = fmt.Sprintf("%d", sess.Snapshot.ClaimablePoints)
					degraded = fmt.Sprintf("%v", sess.Snapshot.Degraded)
					asOf = sess.Snapshot.AsOf.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					sess.Wallet,
					sess.PollInterval,
					staked,
					claimable,
					degraded,
					asOf,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d sessions\n", len(sessions))
			return nil
		},
	}
}
