package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrAccountNotFound reports that the queried account does not exist at the
// current commitment. Callers treat it as "position absent", not a fault.
var ErrAccountNotFound = errors.New("account not found")

// Commitment is how settled a transaction or read is on the chain.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

var commitmentRank = map[Commitment]int{
	CommitmentProcessed: 1,
	CommitmentConfirmed: 2,
	CommitmentFinalized: 3,
}

// AtLeast reports whether c has reached the target commitment. An empty or
// unknown commitment ranks below every real one.
func (c Commitment) AtLeast(target Commitment) bool {
	return commitmentRank[c] >= commitmentRank[target]
}

// SignatureStatus is the observed fate of a submitted transaction. A zero
// value means the network has not seen the signature yet.
type SignatureStatus struct {
	Commitment Commitment
	// Err holds the on-chain execution error if the transaction landed and
	// failed. A landed-and-failed transaction still reaches a commitment.
	Err error
}

// Client is the ledger access capability: everything the engine, reader and
// recovery worker need from a Solana node. Two implementations exist, the
// live RPCClient below and the deterministic MemLedger in memledger.go, so
// orchestration logic runs identically in tests without network I/O.
type Client interface {
	// GetAccountData returns the raw bytes of an account, or
	// ErrAccountNotFound if the account does not exist.
	GetAccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error)

	// GetBalance returns the lamport balance of an account. Missing
	// accounts have balance zero, not an error.
	GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error)

	// GetLatestBlockhash returns a fresh recency token. Callers fetch it
	// immediately before signing and never reuse it across attempts.
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction submits a fully signed transaction and returns its
	// signature.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// GetSignatureStatus reports how far a submitted signature has
	// progressed. No error is returned for a signature the network has not
	// seen; that is a zero-valued status.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// nodeAPI is the slice of the solana-go RPC surface the live adapter uses.
// Tests substitute a mock so adapter behavior is exercised without a node.
type nodeAPI interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Read retry policy. Reads are safe to repeat; submissions are not retried
// here because the engine owns blockhash freshness across attempts.
const (
	rpcAttempts      = 3
	rpcRetryDelay    = 500 * time.Millisecond
	rpcRetryMaxDelay = 5 * time.Second
)

// RPCClient adapts a solana-go RPC client to the Client interface, with
// structured logging, metrics and bounded retries on read paths.
type RPCClient struct {
	api      nodeAPI
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // metrics label, e.g. "mainnet" or the RPC hostname
}

// NewRPCClient creates the live adapter. The endpoint parameter labels
// metrics (e.g. "mainnet", "devnet", or RPC hostname). If m is nil, no
// metrics are recorded.
func NewRPCClient(node *rpc.Client, endpoint string, m *metrics.Metrics, logger *slog.Logger) *RPCClient {
	return &RPCClient{
		api:      node,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

func (c *RPCClient) record(method string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	}
}

// withRetry runs fn with bounded backoff. ErrAccountNotFound is a result,
// not a fault, and comes back immediately.
func withRetry[T any](ctx context.Context, c *RPCClient, method string, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn,
		retry.Context(ctx),
		retry.Attempts(rpcAttempts),
		retry.Delay(rpcRetryDelay),
		retry.MaxDelay(rpcRetryMaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrAccountNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			reason := "error"
			if strings.Contains(err.Error(), "429") {
				reason = "rate_limit"
			}
			c.logger.WarnContext(ctx, "retrying RPC call",
				"method", method,
				"attempt", n+1,
				"reason", reason,
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry(method, reason)
			}
		}),
	)
}

func (c *RPCClient) GetAccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	return withRetry(ctx, c, "GetAccountInfo", func() ([]byte, error) {
		start := time.Now()
		res, err := c.api.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		c.record("GetAccountInfo", start, err)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil, ErrAccountNotFound
			}
			return nil, fmt.Errorf("get account info: %w", err)
		}
		if res == nil || res.Value == nil || res.Value.Data == nil {
			return nil, ErrAccountNotFound
		}
		return res.Value.Data.GetBinary(), nil
	})
}

func (c *RPCClient) GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	return withRetry(ctx, c, "GetBalance", func() (uint64, error) {
		start := time.Now()
		res, err := c.api.GetBalance(ctx, addr, rpc.CommitmentConfirmed)
		c.record("GetBalance", start, err)
		if err != nil {
			return 0, fmt.Errorf("get balance: %w", err)
		}
		if res == nil {
			return 0, nil
		}
		return res.Value, nil
	})
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return withRetry(ctx, c, "GetLatestBlockhash", func() (solana.Hash, error) {
		start := time.Now()
		res, err := c.api.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		c.record("GetLatestBlockhash", start, err)
		if err != nil {
			return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
		}
		if res == nil || res.Value == nil {
			return solana.Hash{}, fmt.Errorf("get latest blockhash: empty result")
		}
		return res.Value.Blockhash, nil
	})
}

// SendTransaction submits without internal retries. Resubmission decisions
// belong to the engine, which must fetch a fresh blockhash per attempt.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.api.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	c.record("SendTransaction", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "transaction submission failed", "error", err)
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	c.logger.DebugContext(ctx, "transaction submitted", "signature", sig.String())
	return sig, nil
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	start := time.Now()
	res, err := c.api.GetSignatureStatuses(ctx, true, sig)
	c.record("GetSignatureStatuses", start, err)
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := res.Value[0]
	out := SignatureStatus{Commitment: Commitment(st.ConfirmationStatus)}
	if st.Err != nil {
		// The node reports execution errors as a JSON-ish structure; render
		// it so the classifier can scan for program error codes.
		out.Err = fmt.Errorf("transaction failed on chain: %v", st.Err)
	}
	return out, nil
}
