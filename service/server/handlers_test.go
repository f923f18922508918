package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/stakewatch/service/db"
	"github.com/brojonat/stakewatch/service/engine"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/points"
	"github.com/brojonat/stakewatch/service/watch"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerRig wires handlers to a deterministic in-memory chain and store so
// tests exercise the full request path without external services.
type handlerRig struct {
	mem     *ledger.MemLedger
	wallet  solanago.PrivateKey
	store   *db.MockStore
	watcher *watch.Watcher
	reader  *ledger.Reader
	eng     *engine.Engine
	logger  *slog.Logger
}

func newHandlerRig(t *testing.T) *handlerRig {
	t.Helper()

	programKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	walletKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	treasuryKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	program := ledger.NewProgram(programKey.PublicKey())
	mem := ledger.NewMemLedger(program)
	reader := ledger.NewReader(mem, program, logger)
	store := db.NewMockStore()

	watcher := watch.NewWatcher(watch.WatcherConfig{
		Reader:   reader,
		Interval: 50 * time.Millisecond,
		Logger:   logger,
	})
	t.Cleanup(watcher.StopAll)

	eng, err := engine.New(engine.Config{
		Client:         mem,
		Program:        program,
		Wallet:         ledger.NewKeypairSigner(walletKey),
		Treasury:       ledger.NewKeypairSigner(treasuryKey),
		Store:          store,
		ConfirmTimeout: 250 * time.Millisecond,
		Logger:         logger,
	})
	require.NoError(t, err)

	// Fund both parties generously; individual tests override as needed.
	mem.SetBalance(walletKey.PublicKey(), 10_000_000_000)
	mem.SetBalance(treasuryKey.PublicKey(), 1_000_000_000_000_000)

	return &handlerRig{
		mem:     mem,
		wallet:  walletKey,
		store:   store,
		watcher: watcher,
		reader:  reader,
		eng:     eng,
		logger:  logger,
	}
}

func (r *handlerRig) walletAddr() string {
	return r.wallet.PublicKey().String()
}

func TestStartSession_PathologicalInput(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleStartSession(rig.watcher, rig.logger)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		checkError     func(t *testing.T, body string)
	}{
		{
			name:           "extremely large request body",
			body:           `{"wallet":"` + strings.Repeat("A", 10*1024*1024) + `"}`, // 10MB
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "request body too large")
			},
		},
		{
			name:           "malformed JSON",
			body:           `{"wallet":`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid request body")
			},
		},
		{
			name:           "empty JSON object",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "wallet is required")
			},
		},
		{
			name:           "empty wallet",
			body:           `{"wallet":""}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "wallet is required")
			},
		},
		{
			name:           "wallet too long",
			body:           `{"wallet":"` + strings.Repeat("A", 500) + `"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "wallet too long")
			},
		},
		{
			name:           "wallet with null bytes",
			body:           `{"wallet":"wal\u0000let"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid characters")
			},
		},
		{
			name:           "wallet with SQL injection attempt",
			body:           `{"wallet":"abc'; DROP TABLE claims; --"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid characters")
			},
		},
		{
			name:           "wallet with non-base58 characters",
			body:           `{"wallet":"0OIl0OIl0OIl"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "base58")
			},
		},
		{
			name:           "base58 but not a valid key",
			body:           `{"wallet":"abc"}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "not a valid Solana address")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.checkError != nil {
				var errResp map[string]string
				err := json.NewDecoder(w.Body).Decode(&errResp)
				require.NoError(t, err)
				tt.checkError(t, errResp["error"])
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	rig := newHandlerRig(t)
	start := handleStartSession(rig.watcher, rig.logger)
	list := handleListSessions(rig.watcher, rig.logger)
	stop := handleStopSession(rig.watcher, rig.logger)
	addr := rig.walletAddr()

	// Create a session.
	req := httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader(`{"wallet":"`+addr+`"}`))
	w := httptest.NewRecorder()
	start.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, addr, created.Wallet)
	assert.Equal(t, "50ms", created.PollInterval)
	require.NotNil(t, created.Snapshot)
	assert.True(t, created.Snapshot.Cached)
	assert.Equal(t, uint64(10_000_000_000), created.Snapshot.WalletLamports)

	// Creating it again is idempotent.
	req = httptest.NewRequest("POST", "/api/v1/sessions", strings.NewReader(`{"wallet":"`+addr+`"}`))
	w = httptest.NewRecorder()
	start.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, rig.watcher.List(), 1)

	// The session shows up in the list.
	req = httptest.NewRequest("GET", "/api/v1/sessions", nil)
	w = httptest.NewRecorder()
	list.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Sessions []sessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listResp))
	assert.Equal(t, 1, listResp.Count)
	require.Len(t, listResp.Sessions, 1)
	assert.Equal(t, addr, listResp.Sessions[0].Wallet)

	// Stop it.
	req = httptest.NewRequest("DELETE", "/api/v1/sessions/"+addr, nil)
	req.SetPathValue("wallet", addr)
	w = httptest.NewRecorder()
	stop.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, rig.watcher.List())

	// Stopping again reports no session.
	req = httptest.NewRequest("DELETE", "/api/v1/sessions/"+addr, nil)
	req.SetPathValue("wallet", addr)
	w = httptest.NewRecorder()
	stop.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPosition(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleGetPosition(rig.watcher, rig.reader, rig.logger)
	addr := rig.walletAddr()

	// Without a session the chain is read on demand.
	req := httptest.NewRequest("GET", "/api/v1/positions/"+addr, nil)
	req.SetPathValue("wallet", addr)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp positionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, addr, resp.Wallet)
	assert.False(t, resp.Initialized)
	assert.Nil(t, resp.Position)
	assert.Equal(t, uint64(10_000_000_000), resp.WalletLamports)
	assert.False(t, resp.Cached)

	// With a running session the cached snapshot answers.
	_, err := rig.watcher.Start(context.Background(), rig.wallet.PublicKey())
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/api/v1/positions/"+addr, nil)
	req.SetPathValue("wallet", addr)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, uint64(10_000_000_000), resp.WalletLamports)
}

func TestGetPosition_InvalidWallet(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleGetPosition(rig.watcher, rig.reader, rig.logger)

	tests := []struct {
		name    string
		address string
	}{
		{"empty wallet", ""},
		{"very long wallet", strings.Repeat("A", 500)},
		{"non-base58 wallet", "0OIl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/positions/"+tt.address, nil)
			req.SetPathValue("wallet", tt.address)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRefreshPosition(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleRefreshPosition(rig.watcher, rig.reader, rig.logger)
	addr := rig.walletAddr()

	sess, err := rig.watcher.Start(context.Background(), rig.wallet.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000_000), sess.Latest().WalletLamports)

	// Chain state moves, refresh must see the new balance immediately.
	rig.mem.SetBalance(rig.wallet.PublicKey(), 7_000_000_000)

	req := httptest.NewRequest("POST", "/api/v1/positions/"+addr+"/refresh", nil)
	req.SetPathValue("wallet", addr)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp positionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, uint64(7_000_000_000), resp.WalletLamports)
	assert.False(t, resp.Cached)

	// The session's cache catches up from the refresh poke.
	assert.Eventually(t, func() bool {
		return sess.Latest().WalletLamports == 7_000_000_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshPosition_ChainUnavailable(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleRefreshPosition(rig.watcher, rig.reader, rig.logger)
	addr := rig.walletAddr()

	// Both halves of the read failing is a hard error.
	rig.mem.FailNextAccountData(fmt.Errorf("connection refused"))
	rig.mem.FailNextBalance(fmt.Errorf("connection refused"))

	req := httptest.NewRequest("POST", "/api/v1/positions/"+addr+"/refresh", nil)
	req.SetPathValue("wallet", addr)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStake(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleStake(rig.eng, rig.logger)

	req := httptest.NewRequest("POST", "/api/v1/stake", strings.NewReader(`{"amount_lamports":2000000000}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp operationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "stake", resp.Kind)
	assert.Equal(t, "confirmed", resp.State)
	assert.Equal(t, uint64(2_000_000_000), resp.Amount)
	assert.NotEmpty(t, resp.Signature)
	// First stake on a fresh wallet initializes the position as its own leg.
	assert.NotEmpty(t, resp.InitSignature)
	assert.Empty(t, resp.ErrorKind)

	assert.Equal(t, uint64(8_000_000_000), rig.mem.Balance(rig.wallet.PublicKey()))
	pos := rig.mem.Position(rig.wallet.PublicKey())
	require.NotNil(t, pos)
	assert.Equal(t, uint64(2_000_000_000), pos.StakedAmount)
}

func TestStake_Rejections(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleStake(rig.eng, rig.logger)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedKind   string
		checkError     func(t *testing.T, resp operationErrorResponse)
	}{
		{
			name:           "zero amount",
			body:           `{"amount_lamports":0}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedKind:   "validation",
			checkError: func(t *testing.T, resp operationErrorResponse) {
				assert.Contains(t, resp.Error, "greater than zero")
				assert.False(t, resp.Retryable)
			},
		},
		{
			name:           "amount exceeds balance",
			body:           `{"amount_lamports":999000000000}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedKind:   "validation",
			checkError: func(t *testing.T, resp operationErrorResponse) {
				assert.Contains(t, resp.Error, "cannot cover")
				assert.False(t, resp.Retryable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sends := rig.mem.Calls("SendTransaction")

			req := httptest.NewRequest("POST", "/api/v1/stake", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp operationErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.expectedKind, resp.Kind)
			if tt.checkError != nil {
				tt.checkError(t, resp)
			}

			// A rejected intent never reaches the chain.
			assert.Equal(t, sends, rig.mem.Calls("SendTransaction"))
		})
	}
}

func TestStake_MalformedBody(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleStake(rig.eng, rig.logger)

	tests := []struct {
		name string
		body string
	}{
		{"not JSON", `stake it all`},
		{"negative amount", `{"amount_lamports":-5}`},
		{"string amount", `{"amount_lamports":"lots"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/stake", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestUnstake_ExceedsStake(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleUnstake(rig.eng, rig.logger)

	_, err := rig.eng.Stake(context.Background(), 2_000_000_000)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/unstake", strings.NewReader(`{"amount_lamports":3000000000}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp operationErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "validation", resp.Kind)
	assert.Contains(t, resp.Error, "exceeds staked balance")
	assert.False(t, resp.Retryable)
}

func TestClaim_NothingAccrued(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleClaim(rig.eng, rig.logger)

	// No position exists, so nothing is claimable.
	req := httptest.NewRequest("POST", "/api/v1/claim", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp operationErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "validation", resp.Kind)
	assert.Contains(t, resp.Error, "below the minimum claim")
	assert.Equal(t, 0, rig.mem.Calls("SendTransaction"))
}

func TestClaim(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleClaim(rig.eng, rig.logger)

	// The seeded position checkpoint sits well in the past, so plenty of
	// points have accrued by now.
	_, err := rig.eng.Stake(context.Background(), 1_000_000_000)
	require.NoError(t, err)
	walletBefore := rig.mem.Balance(rig.wallet.PublicKey())

	req := httptest.NewRequest("POST", "/api/v1/claim", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp operationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "claim", resp.Kind)
	assert.Equal(t, "confirmed", resp.State)
	assert.NotEmpty(t, resp.Signature)
	assert.NotEmpty(t, resp.PayoutSignature)
	assert.GreaterOrEqual(t, resp.ClaimedPoints, uint64(points.MinClaimPoints))
	assert.Equal(t, points.PayoutLamports(resp.ClaimedPoints), resp.PayoutLamports)

	// The payout landed in the wallet, straight from the treasury.
	assert.Equal(t, walletBefore+resp.PayoutLamports, rig.mem.Balance(rig.wallet.PublicKey()))
}

func TestSecondOperationWhileBusy(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleStake(rig.eng, rig.logger)

	// The first stake submits but never confirms, holding the engine busy
	// until its confirmation deadline.
	rig.mem.StallConfirmations()

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("POST", "/api/v1/stake", strings.NewReader(`{"amount_lamports":1000000000}`))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		firstDone <- w
	}()

	require.Eventually(t, func() bool {
		return rig.eng.State() != engine.StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	req := httptest.NewRequest("POST", "/api/v1/stake", strings.NewReader(`{"amount_lamports":1000000000}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	var busyResp operationErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&busyResp))
	assert.Equal(t, "busy", busyResp.Kind)
	assert.True(t, busyResp.Retryable)

	// The stalled operation times out as a network failure.
	first := <-firstDone
	assert.Equal(t, http.StatusBadGateway, first.Code)
	var timeoutResp operationErrorResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&timeoutResp))
	assert.Equal(t, "network", timeoutResp.Kind)
	assert.True(t, timeoutResp.Retryable)
}

func TestGetOperation(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleGetOperation(rig.store, rig.logger)

	sig := "5VERYrealLookingSignature111111111111111111"
	op := &db.Operation{
		ID:         uuid.New(),
		Wallet:     rig.walletAddr(),
		Kind:       "stake",
		State:      "confirmed",
		Amount:     2_000_000_000,
		Signature:  &sig,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}
	require.NoError(t, rig.store.RecordOperation(context.Background(), op))

	req := httptest.NewRequest("GET", "/api/v1/operations/"+op.ID.String(), nil)
	req.SetPathValue("id", op.ID.String())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp operationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, op.ID.String(), resp.ID)
	assert.Equal(t, "stake", resp.Kind)
	assert.Equal(t, "confirmed", resp.State)
	assert.Equal(t, sig, resp.Signature)

	// Unknown id.
	unknown := uuid.NewString()
	req = httptest.NewRequest("GET", "/api/v1/operations/"+unknown, nil)
	req.SetPathValue("id", unknown)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Not a UUID at all.
	req = httptest.NewRequest("GET", "/api/v1/operations/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOperations(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleListOperations(rig.store, rig.logger)
	addr := rig.walletAddr()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, rig.store.RecordOperation(context.Background(), &db.Operation{
			ID:        uuid.New(),
			Wallet:    addr,
			Kind:      "stake",
			State:     "confirmed",
			Amount:    uint64(i+1) * 1_000_000_000,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Another wallet's row must not leak into the listing.
	require.NoError(t, rig.store.RecordOperation(context.Background(), &db.Operation{
		ID:        uuid.New(),
		Wallet:    "SomeOtherWa11etAddre55111111111111111111111",
		Kind:      "unstake",
		State:     "confirmed",
		StartedAt: base,
	}))

	req := httptest.NewRequest("GET", "/api/v1/operations?wallet="+addr, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Operations []operationResponse `json:"operations"`
		Count      int                 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Count)
	require.Len(t, resp.Operations, 3)
	// Newest first.
	assert.Equal(t, uint64(3_000_000_000), resp.Operations[0].Amount)
	assert.Equal(t, uint64(1_000_000_000), resp.Operations[2].Amount)

	// Limit clamps the page.
	req = httptest.NewRequest("GET", "/api/v1/operations?wallet="+addr+"&limit=1", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)

	// The wallet parameter is required.
	req = httptest.NewRequest("GET", "/api/v1/operations", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListClaims(t *testing.T) {
	rig := newHandlerRig(t)
	handler := handleListClaims(rig.store, rig.logger)
	addr := rig.walletAddr()

	// Stamp rows with a stepping clock so creation order is unambiguous.
	tick := 0
	base := time.Now().Add(-time.Hour)
	rig.store.SetNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	older := &db.Claim{ID: uuid.New(), Wallet: addr, Points: 120_000, PayoutLamports: 1_000_000_000, Status: db.ClaimStatusPaid}
	newer := &db.Claim{ID: uuid.New(), Wallet: addr, Points: 250_000, PayoutLamports: 2_000_000_000, Status: db.ClaimStatusPayoutFailed}
	other := &db.Claim{ID: uuid.New(), Wallet: "SomeOtherWa11etAddre55111111111111111111111", Points: 99_000, Status: db.ClaimStatusPaid}
	for _, claim := range []*db.Claim{older, newer, other} {
		require.NoError(t, rig.store.CreateClaim(context.Background(), claim))
	}

	req := httptest.NewRequest("GET", "/api/v1/claims?wallet="+addr, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Claims []claimResponse `json:"claims"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Claims, 2)
	assert.Equal(t, newer.ID.String(), resp.Claims[0].ID)
	assert.Equal(t, db.ClaimStatusPayoutFailed, resp.Claims[0].Status)
	assert.Equal(t, older.ID.String(), resp.Claims[1].ID)

	// The wallet parameter is required.
	req = httptest.NewRequest("GET", "/api/v1/claims", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
