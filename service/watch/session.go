package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/stakewatch/service/events"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// DefaultPollInterval is the cadence used when a session is created without
// an explicit one.
const DefaultPollInterval = 15 * time.Second

// SessionConfig wires one wallet's polling session. Reader is required;
// Events and Metrics are optional.
type SessionConfig struct {
	Wallet   solana.PublicKey
	Reader   *ledger.Reader
	Interval time.Duration
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Session keeps one wallet's snapshot fresh: an immediate read at start,
// then a re-read every poll interval, plus forced refreshes in between.
// The latest snapshot is replaced wholesale and never partially mutated, so
// readers always see a coherent view. A session runs once; after Stop it
// cannot be restarted.
type Session struct {
	wallet   solana.PublicKey
	reader   *ledger.Reader
	interval time.Duration
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	latest    atomic.Pointer[ledger.Snapshot]
	refreshCh chan struct{}

	mu      sync.Mutex
	subs    map[int]chan *ledger.Snapshot
	nextSub int
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Session{
		wallet:    cfg.Wallet,
		reader:    cfg.Reader,
		interval:  interval,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    logger,
		refreshCh: make(chan struct{}, 1),
		subs:      make(map[int]chan *ledger.Snapshot),
	}
}

// Wallet returns the watched owner.
func (s *Session) Wallet() solana.PublicKey {
	return s.wallet
}

// Interval returns the polling cadence.
func (s *Session) Interval() time.Duration {
	return s.interval
}

// Latest returns the most recent snapshot, or nil before the first
// successful read.
func (s *Session) Latest() *ledger.Snapshot {
	return s.latest.Load()
}

// Start primes the session with a synchronous read, then polls until Stop
// or ctx cancellation. A failed first read is not fatal; the session keeps
// polling through outages.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("session already stopped")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.readOnce(runCtx)

	if s.metrics != nil {
		s.metrics.RecordSessionChange(1)
	}
	s.logger.InfoContext(ctx, "watch session started",
		"wallet", s.wallet.String(),
		"interval", s.interval,
	)

	go s.loop(runCtx)
	return nil
}

// Refresh requests an immediate re-read. Pokes coalesce: any number of
// requests while a read is pending result in a single read.
func (s *Session) Refresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Stop cancels the polling loop, waits for it to exit, and closes all
// subscriber channels. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSessionChange(-1)
	}
	s.logger.Info("watch session stopped", "wallet", s.wallet.String())
}

// Subscribe registers for snapshot updates. The channel is buffered and
// never blocks the loop: a slow subscriber skips intermediate snapshots and
// catches up on the next one. The returned func unsubscribes and closes the
// channel; Stop closes any remaining subscriber channels.
func (s *Session) Subscribe() (<-chan *ledger.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan *ledger.Snapshot, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.readOnce(ctx)
		case <-s.refreshCh:
			s.readOnce(ctx)
		}
	}
}

// readOnce reads one snapshot and fans it out. A hard read failure keeps
// the previous snapshot in place; a read completing during shutdown is
// discarded.
func (s *Session) readOnce(ctx context.Context) {
	start := time.Now()
	snap, err := s.reader.ReadSnapshot(ctx, s.wallet)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSnapshotRead(s.wallet.String(), "error", time.Since(start).Seconds())
		}
		s.logger.WarnContext(ctx, "snapshot read failed",
			"wallet", s.wallet.String(),
			"error", err,
		)
		return
	}

	status := "success"
	if snap.Degraded() {
		status = "degraded"
	}
	if s.metrics != nil {
		s.metrics.RecordSnapshotRead(s.wallet.String(), status, time.Since(start).Seconds())
		var staked float64
		if snap.Position != nil {
			staked = float64(snap.Position.StakedAmount)
		}
		s.metrics.SetPositionGauges(s.wallet.String(), staked, float64(snap.ClaimablePoints))
	}

	prev := s.latest.Swap(snap)
	if changed(prev, snap) {
		s.logger.InfoContext(ctx, "position changed",
			"wallet", s.wallet.String(),
			"initialized", snap.Position != nil,
			"staked_lamports", stakedOf(snap),
			"claimable_points", snap.ClaimablePoints,
			"wallet_lamports", snap.WalletLamports,
			"degraded", snap.Degraded(),
		)
	}

	s.deliver(snap)
	s.publish(ctx, snap)
}

func (s *Session) deliver(snap *ledger.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop stale delivery so the next send carries the newer view.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Session) publish(ctx context.Context, snap *ledger.Snapshot) {
	if s.events == nil {
		return
	}
	event := events.FromSnapshot(s.wallet.String(), snap)
	if err := s.events.PublishSnapshot(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish snapshot event",
			"wallet", s.wallet.String(),
			"error", err,
		)
	}
}

// changed compares the persisted fields of two snapshots. The derived
// claimable total moves with every read and is deliberately excluded.
func changed(prev, next *ledger.Snapshot) bool {
	if prev == nil {
		return true
	}
	pp, np := prev.Position, next.Position
	if (pp == nil) != (np == nil) {
		return true
	}
	if pp != nil && (pp.StakedAmount != np.StakedAmount ||
		pp.TotalPoints != np.TotalPoints ||
		pp.LastUpdateUnix != np.LastUpdateUnix) {
		return true
	}
	return prev.WalletLamports != next.WalletLamports || prev.Degraded() != next.Degraded()
}

func stakedOf(snap *ledger.Snapshot) uint64 {
	if snap.Position == nil {
		return 0
	}
	return snap.Position.StakedAmount
}
