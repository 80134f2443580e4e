// Package diparb implements the two-leg dip-arbitrage strategy engine
// (C8): it watches a short-duration binary market's UP/DOWN order books
// for a price dislocation, buys the cheap side at market (leg 1), then
// buys the opposite side once the combined cost falls back under parity
// (leg 2), producing a hedged pair. See spec §4.8.
package diparb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/internal/orderhandle"
	"polyarb/pkg/types"
)

// legSide names which outcome token a leg trades — distinct from
// types.Side (BUY/SELL), since every leg in this engine is a BUY.
type legSide string

const (
	legUp   legSide = "UP"
	legDown legSide = "DOWN"
)

func (s legSide) opposite() legSide {
	if s == legUp {
		return legDown
	}
	return legUp
}

// OrderPlacer is the narrow collaborator DipArb needs from OrderManager.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, p types.MarketOrderParams) (*orderhandle.Handle, error)
}

// CTFClient is the narrow on-chain collaborator for post-completion
// merges, satisfied by internal/ctf's adapter.
type CTFClient interface {
	MergePairs(ctx context.Context, conditionID string, shares decimal.Decimal) error
}

// Engine is the concrete DipArbEngine (C8). One Engine runs one market at
// a time; RotationScheduler constructs a fresh one per rotation.
type Engine struct {
	cfg    config.DipArbConfig
	market types.Market
	orders OrderPlacer
	ctf    CTFClient
	emit   func(types.LifecycleEvent)
	logger *slog.Logger

	mu                sync.Mutex
	round             *types.Round
	leg1Side          legSide // valid once round.Phase == leg1_filled
	leg2Firing        bool
	ring              *priceRing
	bestAsk           map[legSide]decimal.Decimal
	latestUnderlying  decimal.Decimal
	executing         bool
	lastExecutionTime time.Time
	leg2TimeoutCancel context.CancelFunc
}

// New constructs an Engine for one market.
func New(cfg config.DipArbConfig, market types.Market, orders OrderPlacer, ctf CTFClient, emit func(types.LifecycleEvent), logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		market:  market,
		orders:  orders,
		ctf:     ctf,
		emit:    emit,
		logger:  logger.With("component", "diparb", "market", market.Slug),
		ring:    newPriceRing(100),
		bestAsk: make(map[legSide]decimal.Decimal),
	}
}

// HandleUnderlyingPrice records the latest Chainlink reference price,
// used both to snapshot a new round's priceToBeat and by the mispricing
// fallback signal.
func (e *Engine) HandleUnderlyingPrice(u types.Underlying, price string) {
	if u != e.market.Underlying {
		return
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.latestUnderlying = p
	e.mu.Unlock()
}

// HandleOrderbook is the bus delivery entrypoint for UP/DOWN order book
// snapshots. It must never block (spec §5): it updates the price ring and
// best-ask cache synchronously, then dispatches any signal/leg-2 check
// that requires network I/O onto its own goroutine.
func (e *Engine) HandleOrderbook(p types.BookPayload) {
	side, ok := e.sideFor(p.AssetID)
	if !ok {
		return
	}
	ask, ok := bestAskOf(p.Asks)
	if !ok {
		return
	}

	e.mu.Lock()
	e.bestAsk[side] = ask
	upAsk, haveUp := e.bestAsk[legUp]
	downAsk, haveDown := e.bestAsk[legDown]
	if !haveUp || !haveDown {
		e.mu.Unlock()
		return
	}

	if e.round == nil {
		if !e.market.EndTime.After(time.Now()) {
			e.mu.Unlock()
			return
		}
		e.startRoundLocked()
	}

	now := sample{t: time.Now(), upAsk: upAsk, downAsk: downAsk}
	e.ring.add(now)
	round := e.round
	phase := round.Phase
	e.mu.Unlock()

	switch phase {
	case types.PhaseWaiting:
		e.checkSignal(now)
	case types.PhaseLeg1Filled:
		e.checkLeg2(now)
	}
}

// Snapshot reports the engine's current round and, when leg 1 has
// filled, the token ID it bought — RotationScheduler reads this at
// market end to decide whether a leftover position needs selling or
// queuing for redemption.
func (e *Engine) Snapshot() (round types.Round, leg1TokenID string, hasOpenPosition bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return types.Round{}, "", false
	}
	if e.round.Phase != types.PhaseLeg1Filled {
		return *e.round, "", false
	}
	return *e.round, e.tokenIDFor(e.leg1Side), true
}

// sideFor reports which leg an asset ID belongs to.
func (e *Engine) sideFor(assetID string) (legSide, bool) {
	switch assetID {
	case e.market.UpTokenID:
		return legUp, true
	case e.market.DownTokenID:
		return legDown, true
	default:
		return "", false
	}
}

func bestAskOf(asks []types.RawBookLevel) (decimal.Decimal, bool) {
	if len(asks) == 0 {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(asks[0].Price)
	if err != nil {
		return decimal.Zero, false
	}
	return p, true
}

// startRoundLocked creates a fresh round. Caller must hold e.mu.
func (e *Engine) startRoundLocked() {
	e.ring.clear()
	e.leg1Side = ""
	e.leg2Firing = false
	round := &types.Round{
		RoundID:     fmt.Sprintf("%s-%d", e.market.ConditionID, time.Now().UnixNano()),
		Market:      e.market,
		Phase:       types.PhaseWaiting,
		PriceToBeat: e.latestUnderlying,
		StartTime:   time.Now(),
	}
	e.round = round
	e.emitEvent(types.EvNewRound, fmt.Sprintf("round=%s market=%s priceToBeat=%s", round.RoundID, e.market.Slug, round.PriceToBeat))
}

// checkSignal evaluates the phase-`waiting` signal rules against the
// latest sample and, if one fires and the engine is idle, kicks off leg 1
// asynchronously.
func (e *Engine) checkSignal(now sample) {
	e.mu.Lock()
	round := e.round
	if round == nil || round.Phase != types.PhaseWaiting {
		e.mu.Unlock()
		return
	}
	windowMinutes := float64(time.Since(round.StartTime)) / float64(time.Minute)
	if windowMinutes > float64(e.cfg.WindowMinutes) {
		e.mu.Unlock()
		return
	}
	if e.executing || time.Since(e.lastExecutionTime) < time.Duration(e.cfg.ExecutionCooldownMs)*time.Millisecond {
		e.mu.Unlock()
		return
	}

	side, reason, triggered := e.detectCandidateLocked(now)
	if !triggered {
		e.mu.Unlock()
		return
	}
	e.executing = true
	e.mu.Unlock()

	e.emitEvent(types.EvSignal, fmt.Sprintf("round=%s side=%s reason=%s upAsk=%s downAsk=%s", round.RoundID, side, reason, now.upAsk, now.downAsk))
	go e.executeLeg1(round, side)
}

// detectCandidateLocked implements the three signal rules in priority
// order: instant dip, instant surge on the opposite side, mispricing
// fallback. Caller must hold e.mu.
func (e *Engine) detectCandidateLocked(now sample) (legSide, string, bool) {
	dipThreshold := decimal.NewFromFloat(e.cfg.DipThreshold)
	surgeThreshold := decimal.NewFromFloat(e.cfg.SurgeThreshold)

	ago, ok := e.ring.ago(e.cfg.SlidingWindowMs)
	if ok {
		if instantMove(ago.upAsk, now.upAsk, dipThreshold, false) {
			return legUp, "instant_dip", true
		}
		if instantMove(ago.downAsk, now.downAsk, dipThreshold, false) {
			return legDown, "instant_dip", true
		}
		if e.cfg.SurgeThreshold > 0 {
			// A sharp surge on one side implies the other, untouched side
			// is now relatively underpriced.
			if instantMove(ago.downAsk, now.downAsk, surgeThreshold, true) {
				return legUp, "instant_surge", true
			}
			if instantMove(ago.upAsk, now.upAsk, surgeThreshold, true) {
				return legDown, "instant_surge", true
			}
		}
	}

	if side, ok := e.mispricingCandidateLocked(now, dipThreshold); ok {
		return side, "mispricing", true
	}
	return "", "", false
}

// instantMove reports whether ask moved by at least threshold (fractional)
// between ago and now, in the dip direction (ago > now) or the surge
// direction (now > ago) per surge.
func instantMove(ago, now, threshold decimal.Decimal, surge bool) bool {
	if ago.IsZero() {
		return false
	}
	var delta decimal.Decimal
	if surge {
		delta = now.Sub(ago)
	} else {
		delta = ago.Sub(now)
	}
	if delta.LessThanOrEqual(decimal.Zero) {
		return false
	}
	frac := delta.Div(ago)
	return frac.GreaterThanOrEqual(threshold)
}

// mispricingCandidateLocked estimates the up-win probability from the
// ratio of the live underlying price to the round's priceToBeat snapshot,
// and flags a side as underpriced if its ask trails the estimated fair
// value by at least dipThreshold. Caller must hold e.mu.
func (e *Engine) mispricingCandidateLocked(now sample, dipThreshold decimal.Decimal) (legSide, bool) {
	priceToBeat := e.round.PriceToBeat
	if priceToBeat.IsZero() || e.latestUnderlying.IsZero() {
		return "", false
	}

	upProb := estimateUpWinProb(priceToBeat, e.latestUnderlying)
	downProb := decimal.NewFromInt(1).Sub(upProb)

	if upProb.Sub(now.upAsk).GreaterThanOrEqual(dipThreshold) {
		return legUp, true
	}
	if downProb.Sub(now.downAsk).GreaterThanOrEqual(dipThreshold) {
		return legDown, true
	}
	return "", false
}

// estimateUpWinProb maps the fractional move of the live underlying price
// away from the round's priceToBeat snapshot into an estimated win
// probability for UP, clamped to keep both legs theoretically priceable.
func estimateUpWinProb(priceToBeat, current decimal.Decimal) decimal.Decimal {
	frac := current.Sub(priceToBeat).Div(priceToBeat)
	prob := decimal.NewFromFloat(0.5).Add(frac.Mul(decimal.NewFromFloat(2)))
	if prob.GreaterThan(decimal.NewFromFloat(0.99)) {
		return decimal.NewFromFloat(0.99)
	}
	if prob.LessThan(decimal.NewFromFloat(0.01)) {
		return decimal.NewFromFloat(0.01)
	}
	return prob
}

// tokenIDFor returns the asset ID leg trades.
func (e *Engine) tokenIDFor(side legSide) string {
	if side == legUp {
		return e.market.UpTokenID
	}
	return e.market.DownTokenID
}

// executeLeg1 runs off the bus goroutine: it splits the target share
// count across cfg.SplitOrders sequential market children, aggregates
// whatever fills, and transitions the round to leg1_filled on any fill.
func (e *Engine) executeLeg1(round *types.Round, side legSide) {
	ctx := context.Background()
	splits := e.cfg.SplitOrders
	if splits <= 0 {
		splits = 1
	}
	target := decimal.NewFromFloat(e.cfg.Shares)
	perChild := target.Div(decimal.NewFromInt(int64(splits)))

	var totalShares, totalCost decimal.Decimal
	var orderIDs []string

	for i := 0; i < splits; i++ {
		sharesWanted := perChild
		if i == splits-1 {
			sharesWanted = target.Sub(totalShares)
		}
		if sharesWanted.LessThanOrEqual(decimal.Zero) {
			break
		}

		ask := e.currentAsk(side)
		if ask.IsZero() {
			continue
		}
		price := clampPrice(ask.Mul(decimal.NewFromFloat(1 + e.cfg.MaxSlippage)))
		amount := sharesWanted.Mul(price)
		if amount.LessThan(decimal.NewFromInt(1)) {
			sharesWanted = decimal.NewFromInt(1).Div(price).Ceil()
			amount = sharesWanted.Mul(price)
		}

		shares, cost, orderID, ok := e.submitMarketChild(ctx, e.tokenIDFor(side), types.BUY, amount)
		if ok {
			totalShares = totalShares.Add(shares)
			totalCost = totalCost.Add(cost)
			orderIDs = append(orderIDs, orderID)
		}

		if i < splits-1 {
			time.Sleep(time.Duration(e.cfg.OrderIntervalMs) * time.Millisecond)
		}
	}

	e.mu.Lock()
	e.executing = false
	e.lastExecutionTime = time.Now()
	if e.round == nil || e.round.RoundID != round.RoundID {
		e.mu.Unlock()
		return
	}
	if totalShares.IsZero() {
		e.mu.Unlock()
		e.emitEvent(types.EvError, fmt.Sprintf("round=%s leg1 execution produced no fills", round.RoundID))
		return
	}

	leg := &types.LegResult{
		Side: types.BUY, Shares: totalShares, AvgPrice: totalCost.Div(totalShares),
		TotalCost: totalCost, OrderIDs: orderIDs, Timestamp: time.Now(), Success: true,
	}
	e.round.Leg1 = leg
	e.round.Phase = types.PhaseLeg1Filled
	e.leg1Side = side
	e.mu.Unlock()

	e.emitEvent(types.EvExecution, fmt.Sprintf("round=%s leg=1 side=%s shares=%s avgPrice=%s", round.RoundID, side, totalShares, leg.AvgPrice))
	e.startLeg2Timeout(round)
}

// currentAsk snapshots the latest known ask for side.
func (e *Engine) currentAsk(side legSide) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bestAsk[side]
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return p
}

// submitMarketChild places one market order and blocks (on its own
// goroutine, never the bus) until it resolves or a bounded timeout
// elapses, returning the shares filled, total notional paid, and orderId.
func (e *Engine) submitMarketChild(ctx context.Context, tokenID string, side types.Side, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, string, bool) {
	h, err := e.orders.CreateMarketOrder(ctx, types.MarketOrderParams{
		TokenID: tokenID, Side: side, Amount: amount, OrderKind: types.FAK,
	})
	if err != nil {
		e.logger.Warn("market child order failed", "tokenId", tokenID, "side", side, "amount", amount, "error", err)
		return decimal.Zero, decimal.Zero, "", false
	}

	select {
	case <-h.Done():
	case <-time.After(30 * time.Second):
		return decimal.Zero, decimal.Zero, h.OrderID(), false
	}

	result := h.Result()
	var shares, cost decimal.Decimal
	for _, f := range result.Fills {
		shares = shares.Add(f.Size)
		cost = cost.Add(f.Size.Mul(f.Price))
	}
	if shares.IsZero() {
		return decimal.Zero, decimal.Zero, h.OrderID(), false
	}
	return shares, cost, h.OrderID(), true
}

// checkLeg2 evaluates phase `leg1_filled`: if the combined cost of the
// filled leg-1 plus a fresh leg-2 buy at the current opposite ask falls at
// or under sumTarget, it fires leg 2 for exactly leg1.Shares (spec §4.8's
// critical pair-mergeable invariant).
func (e *Engine) checkLeg2(now sample) {
	e.mu.Lock()
	round := e.round
	if round == nil || round.Phase != types.PhaseLeg1Filled || e.leg2Firing {
		e.mu.Unlock()
		return
	}
	oppositeSide := e.leg1Side.opposite()
	oppositeAsk := now.upAsk
	if oppositeSide == legDown {
		oppositeAsk = now.downAsk
	}
	if oppositeAsk.IsZero() {
		e.mu.Unlock()
		return
	}

	totalCost := round.Leg1.AvgPrice.Add(oppositeAsk.Mul(decimal.NewFromFloat(1 + e.cfg.MaxSlippage)))
	if totalCost.GreaterThan(decimal.NewFromFloat(e.cfg.SumTarget)) {
		e.mu.Unlock()
		return
	}
	e.leg2Firing = true
	shares := round.Leg1.Shares
	cancel := e.leg2TimeoutCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	go e.executeLeg2(round, oppositeSide, shares)
}

func (e *Engine) executeLeg2(round *types.Round, side legSide, shares decimal.Decimal) {
	ctx := context.Background()
	ask := e.currentAsk(side)
	price := clampPrice(ask.Mul(decimal.NewFromFloat(1 + e.cfg.MaxSlippage)))
	amount := shares.Mul(price)

	filledShares, cost, orderID, ok := e.submitMarketChild(ctx, e.tokenIDFor(side), types.BUY, amount)

	e.mu.Lock()
	if e.round == nil || e.round.RoundID != round.RoundID {
		e.mu.Unlock()
		return
	}
	if !ok || filledShares.IsZero() {
		e.leg2Firing = false
		e.mu.Unlock()
		e.emitEvent(types.EvError, fmt.Sprintf("round=%s leg2 execution produced no fills, will retry on next book update", round.RoundID))
		return
	}

	leg := &types.LegResult{
		Side: types.BUY, Shares: filledShares, AvgPrice: cost.Div(filledShares),
		TotalCost: cost, OrderIDs: []string{orderID}, Timestamp: time.Now(), Success: true,
	}
	e.round.Leg2 = leg
	e.round.Phase = types.PhaseCompleted
	e.round.TotalCost = e.round.Leg1.TotalCost.Add(leg.TotalCost)
	e.round.Profit = decimal.Min(e.round.Leg1.Shares, leg.Shares).Sub(e.round.TotalCost)
	completed := *e.round
	e.mu.Unlock()

	e.emitEvent(types.EvRoundComplete, fmt.Sprintf("round=%s totalCost=%s profit=%s", completed.RoundID, completed.TotalCost, completed.Profit))

	if e.cfg.AutoMerge && e.ctf != nil {
		mergeShares := decimal.Min(completed.Leg1.Shares, completed.Leg2.Shares)
		if err := e.ctf.MergePairs(ctx, e.market.ConditionID, mergeShares); err != nil {
			e.logger.Error("merge pairs failed", "round", completed.RoundID, "error", err)
		}
	}
}

// startLeg2Timeout arms the leg-2 timeout clock off round.Leg1.Timestamp,
// the time leg 1's last child order resolved (split-order pacing itself
// uses OrderIntervalMs sleeps and does not read this field). A round whose
// leg-1 fill carries a zero timestamp times out on the very next tick
// rather than never expiring.
func (e *Engine) startLeg2Timeout(round *types.Round) {
	timeout := time.Duration(e.cfg.Leg2TimeoutSeconds) * time.Second
	elapsed := time.Since(round.Leg1.Timestamp)
	remaining := timeout - elapsed
	if remaining < 0 {
		remaining = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.leg2TimeoutCancel = cancel
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
			e.onLeg2Timeout(round)
		}
	}()
}

func (e *Engine) onLeg2Timeout(round *types.Round) {
	e.mu.Lock()
	if e.round == nil || e.round.RoundID != round.RoundID || e.round.Phase != types.PhaseLeg1Filled {
		e.mu.Unlock()
		return
	}
	e.round.Phase = types.PhaseExpired
	leg1 := e.round.Leg1
	e.mu.Unlock()

	e.emitEvent(types.EvError, fmt.Sprintf("round=%s leg2 timeout, attempting emergency exit", round.RoundID))
	e.emergencyExit(round, leg1)
}

// emergencyExit attempts to sell the unhedged leg-1 position at market. If
// the exit notional is below the $1 minimum-order floor, the position is
// held to resolution instead (spec §4.8).
func (e *Engine) emergencyExit(round *types.Round, leg1 *types.LegResult) {
	ctx := context.Background()
	ask := e.currentAsk(e.leg1Side)
	price := clampPrice(ask)
	notional := leg1.Shares.Mul(price)
	if notional.LessThan(decimal.NewFromInt(1)) {
		e.emitEvent(types.EvError, fmt.Sprintf("round=%s emergency exit notional %s below $1 minimum, holding to resolution", round.RoundID, notional))
		return
	}

	shares, cost, orderID, ok := e.submitMarketChild(ctx, e.tokenIDFor(e.leg1Side), types.SELL, notional)
	if !ok {
		e.emitEvent(types.EvError, fmt.Sprintf("round=%s emergency exit failed to fill", round.RoundID))
		return
	}
	e.emitEvent(types.EvExecution, fmt.Sprintf("round=%s emergency exit sold shares=%s proceeds=%s orderId=%s", round.RoundID, shares, cost, orderID))
}

func (e *Engine) emitEvent(name types.EventName, reason string) {
	if e.emit != nil {
		e.emit(types.LifecycleEvent{Name: name, Reason: reason})
	}
}
