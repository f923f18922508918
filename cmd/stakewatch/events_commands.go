package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/stakewatch/service/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to staking events for a wallet.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to staking events for a wallet",
		ArgsUsage: "[wallet_address]",
		Description: `Subscribe to real-time staking events published to NATS JetStream.

Snapshot events are published to the subject: snapshots.{wallet_address}
Operation lifecycle events are published to:  operations.{wallet_address}

Example:
  stakewatch events subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "operations",
				Aliases: []string{"o"},
				Usage:   "Subscribe to operation lifecycle events instead of snapshots",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "stakewatch-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}

			address := c.Args().Get(0)
			natsURL := c.String("nats-url")
			operations := c.Bool("operations")
			durable := c.Bool("durable")
			consumerName := c.String("consumer-name")
			jsonOutput := c.Bool("json")

			return streamEvents(address, natsURL, operations, durable, consumerName, jsonOutput)
		},
	}
}

// streamEvents connects to NATS and streams staking events.
func streamEvents(address, natsURL string, operations, durable bool, consumerName string, jsonOutput bool) error {
	// Connect to NATS
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := fmt.Sprintf("snapshots.%s", address)
	if operations {
		subject = fmt.Sprintf("operations.%s", address)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	// Create consumer config
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	// Create or update consumer
	cons, err := js.CreateOrUpdateConsumer(context.Background(), events.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Receive messages
	msgChan := make(chan jetstream.Msg, 10)

	// Start consuming in background
	go func() {
		_, _ = cons.Consume(func(msg jetstream.Msg) {
			msgChan <- msg
		})
	}()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			count++

			if jsonOutput {
				// Output raw JSON
				fmt.Println(string(msg.Data()))
				msg.Ack()
				continue
			}

			if operations {
				var event events.OperationEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
					msg.Ack()
					continue
				}
				printOperationEvent(count, &event)
			} else {
				var event events.SnapshotEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
					msg.Ack()
					continue
				}
				printSnapshotEvent(count, &event)
			}

			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printSnapshotEvent(n int, event *events.SnapshotEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Snapshot #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Wallet:       %s\n", event.Wallet)
	fmt.Printf("Initialized:  %v\n", event.Initialized)
	fmt.Printf("Staked:       %.4f SOL\n", float64(event.StakedAmount)/1e9)
	fmt.Printf("Claimable:    %d points\n", event.ClaimablePoints)
	fmt.Printf("Balance:      %.4f SOL\n", float64(event.WalletLamports)/1e9)
	if event.Degraded {
		fmt.Printf("Degraded:     true\n")
	}
	fmt.Printf("As Of:        %s\n", event.AsOf.Format(time.RFC3339))
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

func printOperationEvent(n int, event *events.OperationEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Operation #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("ID:           %s\n", event.ID)
	fmt.Printf("Kind:         %s\n", event.Kind)
	fmt.Printf("State:        %s\n", event.State)
	fmt.Printf("Wallet:       %s\n", event.Wallet)
	if event.Amount > 0 {
		fmt.Printf("Amount:       %.4f SOL\n", float64(event.Amount)/1e9)
	}
	if event.Signature != "" {
		fmt.Printf("Signature:    %s\n", event.Signature)
	}
	if event.ClaimedPoints > 0 {
		fmt.Printf("Claimed:      %d points\n", event.ClaimedPoints)
	}
	if event.PayoutLamports > 0 {
		fmt.Printf("Payout:       %.4f SOL\n", float64(event.PayoutLamports)/1e9)
	}
	if event.ErrorKind != "" {
		fmt.Printf("Error:        [%s] %s\n", event.ErrorKind, event.Error)
	}
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the STAKEWATCH JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  stakewatch events inspect-stream`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
		},
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			// Connect to NATS
			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			// Get stream info
			stream, err := js.Stream(context.Background(), events.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("Stream: %s\n", info.Config.Name)
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Description:  %s\n", info.Config.Description)
				fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
				fmt.Printf("Messages:     %d\n", info.State.Msgs)
				fmt.Printf("Bytes:        %d\n", info.State.Bytes)
				fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
				fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
				fmt.Printf("Consumers:    %d\n", info.State.Consumers)
				fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
				fmt.Printf("Storage:      %s\n", info.Config.Storage)
				fmt.Printf("\n")
			}

			return nil
		},
	}
}
