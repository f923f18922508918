package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SnapshotEvent is one update from the server's snapshot stream.
type SnapshotEvent struct {
	Wallet          string    `json:"wallet"`
	Initialized     bool      `json:"initialized"`
	StakedAmount    uint64    `json:"staked_amount"`
	ClaimablePoints uint64    `json:"claimable_points"`
	WalletLamports  uint64    `json:"wallet_lamports"`
	Degraded        bool      `json:"degraded"`
	SoftErrors      []string  `json:"soft_errors,omitempty"`
	AsOf            time.Time `json:"as_of"`
	PublishedAt     time.Time `json:"published_at"`
}

// errStopStream signals a deliberate early exit from StreamSnapshots.
var errStopStream = errors.New("stop stream")

// StreamSnapshots subscribes to snapshot events over SSE and invokes fn for
// each one. An empty wallet subscribes to every watched wallet. The call
// blocks until the context is cancelled, the server closes the stream, or fn
// returns an error.
func (c *Client) StreamSnapshots(ctx context.Context, wallet string, fn func(*SnapshotEvent) error) error {
	path := "/api/v1/stream/snapshots"
	if wallet != "" {
		path += "/" + url.PathEscape(wallet)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any sane request timeout, so it bypasses the
	// client-wide timeout and relies on the context for cancellation.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("snapshot stream connected", "wallet", wallet)

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "error":
				var streamErr struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &streamErr); err == nil && streamErr.Error != "" {
					return fmt.Errorf("stream failed: %s", streamErr.Error)
				}
				return fmt.Errorf("stream failed: %s", data)
			case "snapshot", "":
				var snap SnapshotEvent
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					c.logger.Warn("skipping malformed snapshot event", "error", err)
					continue
				}
				if err := fn(&snap); err != nil {
					return err
				}
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// AwaitSnapshot blocks until a streamed snapshot satisfies match and returns
// it. It returns the context's error when the deadline passes or the caller
// cancels before a match arrives.
func (c *Client) AwaitSnapshot(ctx context.Context, wallet string, match func(*SnapshotEvent) bool) (*SnapshotEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan *SnapshotEvent, 1)
	errs := make(chan error, 1)
	go func() {
		errs <- c.StreamSnapshots(ctx, wallet, func(snap *SnapshotEvent) error {
			if match(snap) {
				found <- snap
				return errStopStream
			}
			return nil
		})
	}()

	select {
	case snap := <-found:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errs:
		// The match may have landed in the same instant the stream ended.
		select {
		case snap := <-found:
			return snap, nil
		default:
		}
		if err == nil || errors.Is(err, errStopStream) {
			err = errors.New("stream ended before a matching snapshot")
		}
		return nil, err
	}
}
