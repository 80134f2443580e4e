// Package rotation implements C9 RotationScheduler: it keeps DipArbEngine
// always pointed at a live, short-duration market for each configured
// underlying, preloading the next market before the current one ends,
// disposing of any leftover leg-1 position at rotation time, and
// retrying on-chain redemption of resolved positions until it succeeds
// or the retry budget is exhausted. See spec §4.9.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/orderhandle"
	"polyarb/pkg/types"
)

const maxRedeemRetries = 20

// Scanner is the narrow collaborator that discovers upcoming markets.
type Scanner interface {
	ScanUpcomingMarkets(ctx context.Context, underlying types.Underlying, durationMinutes int) (types.Market, bool, error)
}

// CTFOps is the narrow on-chain collaborator the redeem loop calls.
type CTFOps interface {
	GetMarketResolution(ctx context.Context, conditionID string) (resolved bool, err error)
	RedeemByTokenIds(ctx context.Context, conditionID string, indexSets []int) error
}

// OrderPlacer is the narrow collaborator used to liquidate a leftover
// leg-1 position immediately under the "sell" settle strategy.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, p types.MarketOrderParams) (*orderhandle.Handle, error)
}

// Queue is the narrow persistence collaborator, satisfied by
// internal/store's atomic JSON Store.
type Queue interface {
	SaveQueue(entries []types.PendingRedemption) error
	LoadQueue() ([]types.PendingRedemption, error)
}

// LeftoverChecker reports the currently-running engine's open round and
// the token ID leg 1 bought, if a leg-1 position is still outstanding
// when the market ends.
type LeftoverChecker func() (round types.Round, leg1TokenID string, hasLeftover bool)

// MarketStarter is called with the market to trade next; the caller (the
// composition root) owns constructing and subscribing a fresh
// DipArbEngine for it.
type MarketStarter func(market types.Market)

// MarketStopper is called to halt whatever engine is currently running
// before rotating away from its market.
type MarketStopper func()

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRotationInterval overrides the rotation-check loop period (default 30s).
func WithRotationInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.rotationInterval = d }
}

// WithRedeemInterval overrides the redeem-check loop period; absent an
// override, RedeemRetryIntervalSeconds from config is used.
func WithRedeemInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.redeemInterval = d }
}

// Scheduler is the concrete RotationScheduler (C9).
type Scheduler struct {
	cfg     config.AutoRotateConfig
	scanner Scanner
	ctf     CTFOps
	orders  OrderPlacer
	queue   Queue
	emit    func(types.LifecycleEvent)
	logger  *slog.Logger

	leftover LeftoverChecker
	start    MarketStarter
	stop     MarketStopper

	rotationInterval time.Duration
	redeemInterval   time.Duration

	mu            sync.Mutex
	currentMarket *types.Market
	nextMarket    *types.Market
	pending       []types.PendingRedemption

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Scheduler for one underlying's rotation across
// successive short-duration markets.
func New(
	cfg config.AutoRotateConfig,
	scanner Scanner,
	ctf CTFOps,
	orders OrderPlacer,
	queue Queue,
	leftover LeftoverChecker,
	start MarketStarter,
	stop MarketStopper,
	emit func(types.LifecycleEvent),
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	redeemInterval := time.Duration(cfg.RedeemRetryIntervalSeconds) * time.Second
	if redeemInterval <= 0 {
		redeemInterval = 30 * time.Second
	}

	s := &Scheduler{
		cfg:              cfg,
		scanner:          scanner,
		ctf:              ctf,
		orders:           orders,
		queue:            queue,
		emit:             emit,
		logger:           logger.With("component", "rotation"),
		leftover:         leftover,
		start:            start,
		stop:             stop,
		rotationInterval: 30 * time.Second,
		redeemInterval:   redeemInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnableAutoRotate performs the mandatory recovery scan — reloading any
// PendingRedemption queue left over from a prior process — then starts
// the rotation-check and redeem-check loops. It blocks only for the
// recovery load, not for the loops themselves.
func (s *Scheduler) EnableAutoRotate(ctx context.Context) error {
	loaded, err := s.queue.LoadQueue()
	if err != nil {
		return fmt.Errorf("rotation: recovery scan: %w", err)
	}

	s.mu.Lock()
	s.pending = loaded
	s.mu.Unlock()

	if len(loaded) > 0 {
		s.logger.Info("recovered pending redemptions", "count", len(loaded))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.rotationLoop(runCtx)
	go s.redeemLoop(runCtx)

	return nil
}

// Stop halts both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SetCurrentMarket installs the market trading right now, e.g. the one
// discovered by an initial synchronous scan before EnableAutoRotate is
// called.
func (s *Scheduler) SetCurrentMarket(m types.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	market := m
	s.currentMarket = &market
}

func (s *Scheduler) rotationLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRotation(ctx)
		}
	}
}

func (s *Scheduler) checkRotation(ctx context.Context) {
	s.mu.Lock()
	current := s.currentMarket
	next := s.nextMarket
	s.mu.Unlock()

	if current == nil {
		return
	}

	timeUntilEnd := time.Until(current.EndTime)
	preload := time.Duration(s.cfg.PreloadMinutes) * time.Minute

	if next == nil && timeUntilEnd <= preload {
		found, ok, err := s.scanner.ScanUpcomingMarkets(ctx, current.Underlying, current.DurationMinutes)
		if err != nil {
			s.logger.Error("preload scan failed", "error", err)
		} else if ok {
			s.mu.Lock()
			m := found
			s.nextMarket = &m
			s.mu.Unlock()
			s.logger.Info("preloaded next market", "slug", found.Slug, "endTime", found.EndTime)
		}
		return
	}

	if timeUntilEnd > 0 {
		return
	}

	s.rotate(ctx, *current)
}

func (s *Scheduler) rotate(ctx context.Context, endingMarket types.Market) {
	round, leg1TokenID, hasLeftover := s.leftover()

	s.stop()

	if hasLeftover && s.cfg.AutoSettle {
		s.disposeLeftover(ctx, endingMarket, round, leg1TokenID)
	}

	s.mu.Lock()
	next := s.nextMarket
	s.nextMarket = nil
	s.mu.Unlock()

	var startMarket types.Market
	if next != nil {
		startMarket = *next
	} else {
		found, ok, err := s.scanner.ScanUpcomingMarkets(ctx, endingMarket.Underlying, endingMarket.DurationMinutes)
		if err != nil || !ok {
			s.logger.Error("no market available to rotate into", "underlying", endingMarket.Underlying, "error", err)
			s.mu.Lock()
			s.currentMarket = nil
			s.mu.Unlock()
			s.emitEvent(types.EvError, fmt.Sprintf("rotation stalled for %s: no upcoming market found", endingMarket.Underlying))
			return
		}
		startMarket = found
	}

	s.mu.Lock()
	m := startMarket
	s.currentMarket = &m
	s.mu.Unlock()

	s.start(startMarket)
	s.emitEvent(types.EvRotate, fmt.Sprintf("rotated %s -> %s", endingMarket.Slug, startMarket.Slug))
}

func (s *Scheduler) disposeLeftover(ctx context.Context, market types.Market, round types.Round, leg1TokenID string) {
	switch types.SettleStrategy(s.cfg.SettleStrategy) {
	case types.SettleSell:
		s.sellLeftover(ctx, market, round, leg1TokenID)
	case types.SettleRedeem:
		s.enqueue(market, round)
	default:
		s.logger.Warn("leftover position with no recognized settle strategy", "market", market.Slug, "strategy", s.cfg.SettleStrategy)
	}
}

func (s *Scheduler) sellLeftover(ctx context.Context, market types.Market, round types.Round, tokenID string) {
	if round.Leg1 == nil || round.Leg1.Shares.IsZero() || tokenID == "" {
		return
	}

	handle, err := s.orders.CreateMarketOrder(ctx, types.MarketOrderParams{
		TokenID:   tokenID,
		Side:      types.SELL,
		Amount:    round.Leg1.Shares,
		OrderKind: types.FAK,
	})
	if err != nil {
		s.logger.Error("sell-leftover order failed", "market", market.Slug, "error", err)
		s.emitEvent(types.EvError, fmt.Sprintf("sell-leftover failed for %s: %v", market.Slug, err))
		return
	}
	_ = handle
	s.emitEvent(types.EvSettled, fmt.Sprintf("sold leftover leg1 position for %s", market.Slug))
}

func (s *Scheduler) enqueue(market types.Market, round types.Round) {
	entry := types.PendingRedemption{
		Market:        market,
		Round:         round,
		MarketEndTime: market.EndTime,
		AddedAt:       time.Now(),
	}

	s.mu.Lock()
	s.pending = append(s.pending, entry)
	snapshot := append([]types.PendingRedemption(nil), s.pending...)
	s.mu.Unlock()

	if err := s.queue.SaveQueue(snapshot); err != nil {
		s.logger.Error("persist pending redemption queue", "error", err)
	}
}

func (s *Scheduler) redeemLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.redeemInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRedemptions(ctx)
		}
	}
}

func (s *Scheduler) checkRedemptions(ctx context.Context) {
	waitDuration := time.Duration(s.cfg.RedeemWaitMinutes) * time.Minute

	s.mu.Lock()
	entries := append([]types.PendingRedemption(nil), s.pending...)
	s.mu.Unlock()

	var remaining []types.PendingRedemption
	changed := false

	for _, entry := range entries {
		if time.Since(entry.MarketEndTime) < waitDuration {
			remaining = append(remaining, entry)
			continue
		}

		resolved, err := s.ctf.GetMarketResolution(ctx, entry.Market.ConditionID)
		if err != nil {
			s.logger.Error("check market resolution", "market", entry.Market.Slug, "error", err)
			remaining = append(remaining, entry)
			continue
		}

		if !resolved {
			remaining = append(remaining, entry)
			continue
		}

		if err := s.ctf.RedeemByTokenIds(ctx, entry.Market.ConditionID, []int{1, 2}); err != nil {
			entry.RetryCount++
			entry.LastRetryAt = time.Now()
			changed = true
			s.logger.Error("redeem attempt failed", "market", entry.Market.Slug, "attempt", entry.RetryCount, "error", err)

			if entry.RetryCount >= maxRedeemRetries {
				s.logger.Error("giving up on redemption after max retries", "market", entry.Market.Slug, "retries", entry.RetryCount)
				s.emitEvent(types.EvError, fmt.Sprintf("giving up redeeming %s after %d attempts", entry.Market.Slug, entry.RetryCount))
				continue
			}
			remaining = append(remaining, entry)
			continue
		}

		changed = true
		s.emitEvent(types.EvSettled, fmt.Sprintf("redeemed %s", entry.Market.Slug))
	}

	s.mu.Lock()
	s.pending = remaining
	snapshot := append([]types.PendingRedemption(nil), s.pending...)
	s.mu.Unlock()

	if changed {
		if err := s.queue.SaveQueue(snapshot); err != nil {
			s.logger.Error("persist pending redemption queue", "error", err)
		}
	}
}

// PendingCount reports the current redemption queue depth, for status
// reporting.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) emitEvent(name types.EventName, reason string) {
	if s.emit != nil {
		s.emit(types.LifecycleEvent{Name: name, Reason: reason})
	}
}
