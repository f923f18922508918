package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Session represents a server-side watch session polling a wallet.
type Session struct {
	Wallet       string        `json:"wallet"`
	PollInterval time.Duration `json:"poll_interval"`
	Snapshot     *Position     `json:"snapshot,omitempty"`
}

// Position is the server's view of a wallet: the on-chain staking position,
// if one exists, plus the live point total recomputed as of AsOf. Cached
// reports whether the data came from a watch session's cache rather than a
// chain read made for the request.
type Position struct {
	Wallet          string    `json:"wallet"`
	Initialized     bool      `json:"initialized"`
	StakedAmount    uint64    `json:"staked_amount"`
	TotalPoints     uint64    `json:"total_points"`
	LastUpdateUnix  uint64    `json:"last_update_unix"`
	WalletLamports  uint64    `json:"wallet_lamports"`
	ClaimablePoints uint64    `json:"claimable_points"`
	Degraded        bool      `json:"degraded"`
	SoftErrors      []string  `json:"soft_errors,omitempty"`
	AsOf            time.Time `json:"as_of"`
	Cached          bool      `json:"cached"`
}

// Operation is the record of one staking transaction driven by the server.
type Operation struct {
	ID              string    `json:"id"`
	Wallet          string    `json:"wallet"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	Amount          uint64    `json:"amount,omitempty"`
	Signature       string    `json:"signature,omitempty"`
	InitSignature   string    `json:"init_signature,omitempty"`
	PayoutSignature string    `json:"payout_signature,omitempty"`
	ClaimedPoints   uint64    `json:"claimed_points,omitempty"`
	PayoutLamports  uint64    `json:"payout_lamports,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Claim is the audit record of one claim and its payout settlement.
type Claim struct {
	ID              string    `json:"id"`
	Wallet          string    `json:"wallet"`
	Points          uint64    `json:"points"`
	PayoutLamports  uint64    `json:"payout_lamports"`
	Status          string    `json:"status"`
	ClaimSignature  string    `json:"claim_signature,omitempty"`
	PayoutSignature string    `json:"payout_signature,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// APIError is a non-2xx response from a transaction endpoint. Kind and
// Retryable carry the server's failure classification so callers can decide
// whether re-sending the same request can help; Code is the program's numeric
// error when the program rejected the instruction.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Code       uint32
	Retryable  bool
	Operation  *Operation
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the stakewatch service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new stakewatch service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Watch tells the server to start a polling session for a wallet. Watching a
// wallet that already has a session returns the existing session.
func (c *Client) Watch(ctx context.Context, wallet string) (*Session, error) {
	var resp sessionResponse
	body := map[string]string{"wallet": wallet}
	if err := c.doJSON(ctx, "POST", "/api/v1/sessions", body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("watch session started", "wallet", wallet)
	return responseToSession(&resp)
}

// Unwatch tells the server to stop polling a wallet.
func (c *Client) Unwatch(ctx context.Context, wallet string) error {
	path := "/api/v1/sessions/" + url.PathEscape(wallet)
	if err := c.doJSON(ctx, "DELETE", path, nil, http.StatusNoContent, nil); err != nil {
		return err
	}

	c.logger.Debug("watch session stopped", "wallet", wallet)
	return nil
}

// Sessions retrieves all active watch sessions.
func (c *Client) Sessions(ctx context.Context) ([]*Session, error) {
	var resp struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if err := c.doJSON(ctx, "GET", "/api/v1/sessions", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}

	sessions := make([]*Session, len(resp.Sessions))
	for i := range resp.Sessions {
		sess, err := responseToSession(&resp.Sessions[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse session %s: %w", resp.Sessions[i].Wallet, err)
		}
		sessions[i] = sess
	}
	return sessions, nil
}

// Position retrieves the current position for a wallet. A running watch
// session answers from its cache; otherwise the server reads the chain.
func (c *Client) Position(ctx context.Context, wallet string) (*Position, error) {
	var resp positionResponse
	path := "/api/v1/positions/" + url.PathEscape(wallet)
	if err := c.doJSON(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return responseToPosition(&resp), nil
}

// RefreshPosition forces a fresh chain read for a wallet, bypassing any
// session cache, and nudges the session to catch up.
func (c *Client) RefreshPosition(ctx context.Context, wallet string) (*Position, error) {
	var resp positionResponse
	path := "/api/v1/positions/" + url.PathEscape(wallet) + "/refresh"
	if err := c.doJSON(ctx, "POST", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return responseToPosition(&resp), nil
}

// Initialize creates the staking position for the server's wallet.
func (c *Client) Initialize(ctx context.Context) (*Operation, error) {
	var op Operation
	if err := c.doJSON(ctx, "POST", "/api/v1/initialize", nil, http.StatusOK, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Stake moves lamports from the server's wallet into its staking position,
// initializing the position first if needed.
func (c *Client) Stake(ctx context.Context, lamports uint64) (*Operation, error) {
	var op Operation
	body := map[string]uint64{"amount_lamports": lamports}
	if err := c.doJSON(ctx, "POST", "/api/v1/stake", body, http.StatusOK, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Unstake moves lamports from the staking position back to the wallet.
func (c *Client) Unstake(ctx context.Context, lamports uint64) (*Operation, error) {
	var op Operation
	body := map[string]uint64{"amount_lamports": lamports}
	if err := c.doJSON(ctx, "POST", "/api/v1/unstake", body, http.StatusOK, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Claim settles the wallet's accrued points and pays out the reward from the
// treasury.
func (c *Client) Claim(ctx context.Context) (*Operation, error) {
	var op Operation
	if err := c.doJSON(ctx, "POST", "/api/v1/claim", nil, http.StatusOK, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Operation retrieves a recorded operation by id.
func (c *Client) Operation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	path := "/api/v1/operations/" + url.PathEscape(id)
	if err := c.doJSON(ctx, "GET", path, nil, http.StatusOK, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Operations retrieves recorded operations for a wallet, newest first. A
// limit of zero uses the server default.
func (c *Client) Operations(ctx context.Context, wallet string, limit int) ([]*Operation, error) {
	var resp struct {
		Operations []*Operation `json:"operations"`
	}
	if err := c.doJSON(ctx, "GET", "/api/v1/operations?"+listQuery(wallet, limit), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Claims retrieves claim records for a wallet, newest first. A limit of zero
// uses the server default.
func (c *Client) Claims(ctx context.Context, wallet string, limit int) ([]*Claim, error) {
	var resp struct {
		Claims []*Claim `json:"claims"`
	}
	if err := c.doJSON(ctx, "GET", "/api/v1/claims?"+listQuery(wallet, limit), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Claims, nil
}

// Health reports whether the server is reachable and responding.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// doJSON performs a request against the API and decodes the JSON response
// into out when the status matches wantStatus. Any other status is parsed as
// a server error.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, wantStatus int, out any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func listQuery(wallet string, limit int) string {
	q := url.Values{}
	q.Set("wallet", wallet)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q.Encode()
}

// sessionResponse is the API response format for a session. The server
// returns poll_interval as a string (e.g. "15s").
type sessionResponse struct {
	Wallet       string            `json:"wallet"`
	PollInterval string            `json:"poll_interval"`
	Snapshot     *positionResponse `json:"snapshot,omitempty"`
}

func responseToSession(resp *sessionResponse) (*Session, error) {
	pollInterval, err := time.ParseDuration(resp.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid poll_interval %q: %w", resp.PollInterval, err)
	}

	sess := &Session{
		Wallet:       resp.Wallet,
		PollInterval: pollInterval,
	}
	if resp.Snapshot != nil {
		sess.Snapshot = responseToPosition(resp.Snapshot)
	}
	return sess, nil
}

// positionResponse is the API response format for a position. The on-chain
// account, when initialized, arrives as a nested object.
type positionResponse struct {
	Wallet      string `json:"wallet"`
	Initialized bool   `json:"initialized"`
	Position    *struct {
		StakedAmount   uint64 `json:"staked_amount"`
		TotalPoints    uint64 `json:"total_points"`
		LastUpdateUnix uint64 `json:"last_update_unix"`
	} `json:"position"`
	WalletLamports  uint64    `json:"wallet_lamports"`
	ClaimablePoints uint64    `json:"claimable_points"`
	Degraded        bool      `json:"degraded"`
	SoftErrors      []string  `json:"soft_errors"`
	AsOf            time.Time `json:"as_of"`
	Cached          bool      `json:"cached"`
}

// responseToPosition flattens an API response into a domain Position.
func responseToPosition(resp *positionResponse) *Position {
	pos := &Position{
		Wallet:          resp.Wallet,
		Initialized:     resp.Initialized,
		WalletLamports:  resp.WalletLamports,
		ClaimablePoints: resp.ClaimablePoints,
		Degraded:        resp.Degraded,
		SoftErrors:      resp.SoftErrors,
		AsOf:            resp.AsOf,
		Cached:          resp.Cached,
	}
	if resp.Position != nil {
		pos.StakedAmount = resp.Position.StakedAmount
		pos.TotalPoints = resp.Position.TotalPoints
		pos.LastUpdateUnix = resp.Position.LastUpdateUnix
	}
	return pos
}

// parseErrorResponse attempts to parse an error response from the server.
// Transaction endpoint failures carry the engine's classification and surface
// as an *APIError.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error     string     `json:"error"`
		Kind      string     `json:"kind"`
		Code      uint32     `json:"code"`
		Retryable bool       `json:"retryable"`
		Operation *Operation `json:"operation"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if errResp.Kind != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errResp.Error,
			Kind:       errResp.Kind,
			Code:       errResp.Code,
			Retryable:  errResp.Retryable,
			Operation:  errResp.Operation,
		}
	}
	return fmt.Errorf("request failed: %s", errResp.Error)
}
