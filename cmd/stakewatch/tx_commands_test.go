package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		asLamports bool
		want       uint64
		wantErr    bool
	}{
		{
			name:  "decimal SOL",
			input: "1.5",
			want:  1_500_000_000,
		},
		{
			name:  "whole SOL",
			input: "2",
			want:  2_000_000_000,
		},
		{
			name:  "sub-lamport precision rounds",
			input: "0.0000000014",
			want:  1,
		},
		{
			name:       "raw lamports",
			input:      "2000000000",
			asLamports: true,
			want:       2_000_000_000,
		},
		{
			name:       "decimal rejected in lamport mode",
			input:      "1.5",
			asLamports: true,
			wantErr:    true,
		},
		{
			name:    "negative amount",
			input:   "-1",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAmount(tt.input, tt.asLamports)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStakeCommand_SubmitsLamports(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/stake", r.URL.Path)

		var body map[string]uint64
		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_500_000_000), body["amount_lamports"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "7b8d0dca-5a1e-4f2f-9f62-111111111111",
			"wallet":      "So11111111111111111111111111111111111111112",
			"kind":        "stake",
			"state":       "confirmed",
			"amount":      1_500_000_000,
			"signature":   "sig111",
			"started_at":  "2025-01-01T00:00:00Z",
			"finished_at": "2025-01-01T00:00:01Z",
		})
	}))
	defer server.Close()

	t.Setenv("STAKEWATCH_SERVER_URL", server.URL)

	app := &cli.App{
		Name: "stakewatch",
		Commands: []*cli.Command{
			txCommands(),
		},
	}

	err := app.Run([]string{"stakewatch", "tx", "stake", "1.5"})
	require.NoError(t, err)
}

func TestStakeCommand_ValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "wallet balance cannot cover amount plus fee buffer",
			"kind":      "validation",
			"retryable": false,
		})
	}))
	defer server.Close()

	t.Setenv("STAKEWATCH_SERVER_URL", server.URL)

	app := &cli.App{
		Name: "stakewatch",
		Commands: []*cli.Command{
			txCommands(),
		},
	}

	err := app.Run([]string{"stakewatch", "tx", "stake", "999"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stake")
	assert.Contains(t, err.Error(), "cannot cover")
}

func TestStakeCommand_MissingAmount(t *testing.T) {
	app := &cli.App{
		Name: "stakewatch",
		Commands: []*cli.Command{
			txCommands(),
		},
	}

	err := app.Run([]string{"stakewatch", "tx", "stake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount is required")
}

func TestClaimCommand_ReportsPayout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/claim", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":               "7b8d0dca-5a1e-4f2f-9f62-222222222222",
			"wallet":           "So11111111111111111111111111111111111111112",
			"kind":             "claim",
			"state":            "confirmed",
			"signature":        "claimsig",
			"payout_signature": "payoutsig",
			"claimed_points":   150_000,
			"payout_lamports":  1_000_000_000,
			"started_at":       "2025-01-01T00:00:00Z",
			"finished_at":      "2025-01-01T00:00:02Z",
		})
	}))
	defer server.Close()

	t.Setenv("STAKEWATCH_SERVER_URL", server.URL)

	app := &cli.App{
		Name: "stakewatch",
		Commands: []*cli.Command{
			txCommands(),
		},
	}

	err := app.Run([]string{"stakewatch", "tx", "claim"})
	require.NoError(t, err)
}
