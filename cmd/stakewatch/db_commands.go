package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/stakewatch/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}

			fmt.Printf("✓ Schema applied\n")
			return nil
		},
	}
}

func dbClaimsCommand() *cli.Command {
	return &cli.Command{
		Name:      "claims",
		Usage:     "List claim rows for a wallet straight from the database",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
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
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			claims, err := store.ListClaims(context.Background(), address, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list claims: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(claims)
			}

			printClaimRows(claims)
			return nil
		},
	}
}

func unsettledClaimsCommand() *cli.Command {
	return &cli.Command{
		Name:  "unsettled-claims",
		Usage: "List claims stuck mid-settlement (what the recovery sweep would pick up)",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "stale-after",
				Usage: "Only show claims untouched for at least this long",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			staleBefore := time.Now().Add(-c.Duration("stale-after"))
			claims, err := store.ListUnsettledClaims(context.Background(), staleBefore)
			if err != nil {
				return fmt.Errorf("failed to list unsettled claims: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(claims)
			}

			if len(claims) == 0 {
				fmt.Println("No unsettled claims")
				return nil
			}

			printClaimRows(claims)
			return nil
		},
	}
}

func printClaimRows(claims []*db.Claim) {
	if len(claims) == 0 {
		fmt.Println("No claims found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWALLET\tPOINTS\tPAYOUT (SOL)\tSTATUS\tUPDATED")
	for _, claim := range claims {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%s\t%s\n",
			claim.ID,
			claim.Wallet,
			claim.Points,
			float64(claim.PayoutLamports)/1e9,
			claim.Status,
			claim.UpdatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d claims\n", len(claims))
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	// Try to get from parent context first (for global flags)
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
