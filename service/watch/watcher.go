package watch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/stakewatch/service/events"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// WatcherConfig wires the session manager. Reader is required; the rest is
// optional and shared by every session.
type WatcherConfig struct {
	Reader   *ledger.Reader
	Interval time.Duration
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Watcher manages one polling session per watched wallet. Starting an
// already-watched wallet is idempotent and returns the running session.
type Watcher struct {
	reader   *ledger.Reader
	interval time.Duration
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[solana.PublicKey]*Session
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		reader:   cfg.Reader,
		interval: cfg.Interval,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   logger,
		sessions: make(map[solana.PublicKey]*Session),
	}
}

// Start begins watching wallet. ctx should span the process lifetime, not a
// request: the session keeps polling until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context, wallet solana.PublicKey) (*Session, error) {
	w.mu.Lock()
	if sess, ok := w.sessions[wallet]; ok {
		w.mu.Unlock()
		return sess, nil
	}
	sess := NewSession(SessionConfig{
		Wallet:   wallet,
		Reader:   w.reader,
		Interval: w.interval,
		Events:   w.events,
		Metrics:  w.metrics,
		Logger:   w.logger,
	})
	w.sessions[wallet] = sess
	w.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		w.mu.Lock()
		delete(w.sessions, wallet)
		w.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Stop ends the wallet's session. Returns false when none was running.
func (w *Watcher) Stop(wallet solana.PublicKey) bool {
	w.mu.Lock()
	sess, ok := w.sessions[wallet]
	if ok {
		delete(w.sessions, wallet)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	sess.Stop()
	return true
}

// Get returns the wallet's running session, or nil.
func (w *Watcher) Get(wallet solana.PublicKey) *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[wallet]
}

// List returns the active sessions ordered by wallet address.
func (w *Watcher) List() []*Session {
	w.mu.Lock()
	out := make([]*Session, 0, len(w.sessions))
	for _, sess := range w.sessions {
		out = append(out, sess)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Wallet().String() < out[j].Wallet().String()
	})
	return out
}

// StopAll ends every session. Used at shutdown.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	sessions := make([]*Session, 0, len(w.sessions))
	for wallet, sess := range w.sessions {
		sessions = append(sessions, sess)
		delete(w.sessions, wallet)
	}
	w.mu.Unlock()
	for _, sess := range sessions {
		sess.Stop()
	}
}

// Source is a snapshot source pinned to one wallet. It tracks whatever
// session is currently running for that wallet and yields nil when none is,
// so consumers fall back to their own reads.
type Source struct {
	watcher *Watcher
	wallet  solana.PublicKey
}

// Source returns a snapshot source for wallet backed by this watcher.
func (w *Watcher) Source(wallet solana.PublicKey) *Source {
	return &Source{watcher: w, wallet: wallet}
}

// Latest returns the wallet's latest snapshot, or nil without a session.
func (s *Source) Latest() *ledger.Snapshot {
	if sess := s.watcher.Get(s.wallet); sess != nil {
		return sess.Latest()
	}
	return nil
}
