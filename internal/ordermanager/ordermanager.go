// Package ordermanager is the composition root for C7: it validates,
// submits, and then supervises every order placed through it, wiring
// together internal/validator, internal/orderstate, internal/orderhandle,
// internal/restclient, and internal/settlement per spec §4.7. Nothing
// outside this package talks to the REST client or the user WebSocket
// channel directly.
package ordermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/orderhandle"
	"polyarb/internal/orderstate"
	"polyarb/internal/realtimebus"
	"polyarb/internal/restclient"
	"polyarb/internal/settlement"
	"polyarb/internal/validator"
	"polyarb/pkg/types"
)

// watchedOrder bundles one order's state machine and handle with the
// poller goroutine's cancellation, if one is running for it.
type watchedOrder struct {
	machine    *orderstate.Machine
	handle     *orderhandle.Handle
	pollCancel context.CancelFunc
}

// Manager is the concrete OrderManager (C7).
type Manager struct {
	cfg    config.OrderManagerConfig
	rest   restclient.Client
	bus    *realtimebus.Bus
	waiter *settlement.Waiter // nil when no chain provider is bound
	emit   func(types.LifecycleEvent)
	logger *slog.Logger

	ctx     context.Context
	busSub  *realtimebus.Subscription
	mu      sync.Mutex
	started bool
	watched map[string]*watchedOrder
}

// New constructs a Manager. bus and waiter may be nil: a nil bus means
// watchOrder only ever polls (mode must not be "websocket" in that case);
// a nil waiter means trade settlement is never tracked. emit, if non-nil,
// receives every lifecycle event this manager's machines produce, in
// addition to each order's own Handle.
func New(cfg config.OrderManagerConfig, rest restclient.Client, bus *realtimebus.Bus, waiter *settlement.Waiter, emit func(types.LifecycleEvent), logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		rest:    rest,
		bus:     bus,
		waiter:  waiter,
		emit:    emit,
		logger:  logger.With("component", "ordermanager"),
		watched: make(map[string]*watchedOrder),
	}
}

// Start binds the manager's context (used to derive every poller's and
// settlement waiter's lifetime) and, if auth is non-nil and a bus was
// provided, opens the user WebSocket channel. Calling Start twice is a
// no-op — a manager is started exactly once by its owner.
func (m *Manager) Start(ctx context.Context, auth *types.WSAuth) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	if m.bus != nil && auth != nil {
		sub := m.bus.SubscribeUser(ctx, *auth, nil, realtimebus.Handlers{
			OnUserOrder: m.routeUserOrder,
			OnUserTrade: m.routeUserTrade,
		})
		m.mu.Lock()
		m.busSub = sub
		m.mu.Unlock()
	}
	return nil
}

// Stop unsubscribes the user WebSocket channel. Poller goroutines die on
// their own once the context passed to Start is cancelled by the owner.
func (m *Manager) Stop() {
	m.mu.Lock()
	sub := m.busSub
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// CreateOrder validates, submits, and begins watching a resting limit
// order. A rejected validation never reaches the REST layer.
func (m *Manager) CreateOrder(ctx context.Context, p types.LimitOrderParams) (*orderhandle.Handle, error) {
	if res := validator.ValidateLimit(p); !res.Accepted {
		return nil, fmt.Errorf("order rejected: %s", res.Reason)
	}

	result, err := m.rest.SubmitLimitOrder(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("submit limit order: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("order rejected by venue: %s", result.ErrorMsg)
	}

	order := types.Order{
		OrderID:       result.OrderID,
		TokenID:       p.TokenID,
		Side:          p.Side,
		Price:         p.Price,
		OriginalSize:  p.Size,
		RemainingSize: p.Size,
		OrderKind:     p.OrderKind,
		Expiration:    p.Expiration,
		Status:        types.StatusPending,
		UpdatedAt:     time.Now(),
	}
	h := m.watchOrder(order)
	m.emitGlobal(types.LifecycleEvent{Name: types.EvOrderCreated, OrderID: order.OrderID, Order: order})
	return h, nil
}

// CreateMarketOrder validates, submits, and begins watching an immediate-
// execution FOK/FAK order.
func (m *Manager) CreateMarketOrder(ctx context.Context, p types.MarketOrderParams) (*orderhandle.Handle, error) {
	if res := validator.ValidateMarket(p); !res.Accepted {
		return nil, fmt.Errorf("order rejected: %s", res.Reason)
	}

	result, err := m.rest.SubmitMarketOrder(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("submit market order: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("order rejected by venue: %s", result.ErrorMsg)
	}

	order := types.Order{
		OrderID:       result.OrderID,
		TokenID:       p.TokenID,
		Side:          p.Side,
		OriginalSize:  p.Amount,
		RemainingSize: p.Amount,
		OrderKind:     p.OrderKind,
		Status:        types.StatusPending,
		UpdatedAt:     time.Now(),
	}
	h := m.watchOrder(order)
	m.emitGlobal(types.LifecycleEvent{Name: types.EvOrderCreated, OrderID: order.OrderID, Order: order})
	return h, nil
}

// CreateBatchOrders validates the batch size up front, then submits each
// limit order individually via the per-order REST submission path — the
// interface this manager depends on exposes no separate batch endpoint,
// so "one REST batch" here means every accepted order in the slice is
// submitted and auto-watched, with one (handle, err) pair per input
// regardless of how earlier entries in the batch fared.
func (m *Manager) CreateBatchOrders(ctx context.Context, params []types.LimitOrderParams) ([]*orderhandle.Handle, []error) {
	if res := validator.ValidateBatch(len(params)); !res.Accepted {
		return nil, []error{fmt.Errorf("batch rejected: %s", res.Reason)}
	}

	handles := make([]*orderhandle.Handle, len(params))
	errs := make([]error, len(params))
	for i, p := range params {
		h, err := m.CreateOrder(ctx, p)
		handles[i] = h
		errs[i] = err
	}
	return handles, errs
}

// CancelOrder requests cancellation via REST and, once confirmed, tells
// the order's state machine so its next emitted event is order_cancelled.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	ok, err := m.rest.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if ok {
		if w := m.lookup(orderID); w != nil {
			w.machine.Cancel("user")
		}
	}
	return ok, nil
}

// WatchOrder begins supervising an order this manager did not itself
// submit (e.g. one discovered on startup reconciliation). It is
// idempotent: a second call for an already-watched orderId returns the
// existing Handle without starting a second poller.
func (m *Manager) WatchOrder(order types.Order) *orderhandle.Handle {
	return m.watchOrder(order)
}

func (m *Manager) watchOrder(order types.Order) *orderhandle.Handle {
	m.mu.Lock()
	if w, ok := m.watched[order.OrderID]; ok {
		m.mu.Unlock()
		return w.handle
	}

	h := orderhandle.New(m.logger)
	var w *watchedOrder
	orderID := order.OrderID
	emitFn := func(evt types.LifecycleEvent) {
		m.emitGlobal(evt)
		h.Dispatch(evt)
	}
	machine := orderstate.New(order, emitFn)

	h.SetOrderID(orderID, func() error {
		ctx := m.bgContext()
		ok, err := m.rest.CancelOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cancel not confirmed for order %s", orderID)
		}
		return nil
	})
	h.SetUnsubscribe(func() { m.unwatch(orderID) })

	w = &watchedOrder{machine: machine, handle: h}
	m.watched[orderID] = w
	ctx := m.bgContextLocked()
	m.mu.Unlock()

	if m.cfg.Mode == string(types.ModePolling) || m.cfg.Mode == string(types.ModeHybrid) {
		pollCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		// w may already have been unwatched by a racing terminal event
		// fired synchronously out of orderstate.New's initial state — in
		// practice New never emits on construction, but guard anyway.
		if _, still := m.watched[orderID]; still {
			w.pollCancel = cancel
		} else {
			cancel()
		}
		m.mu.Unlock()
		go m.pollLoop(pollCtx, orderID, w)
	}

	return h
}

func (m *Manager) unwatch(orderID string) {
	m.mu.Lock()
	w, ok := m.watched[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.watched, orderID)
	m.mu.Unlock()
	if w.pollCancel != nil {
		w.pollCancel()
	}
}

func (m *Manager) lookup(orderID string) *watchedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watched[orderID]
}

// pollLoop is the per-order REST fallback: on each tick it fetches the
// venue's current view of the order and feeds it to the state machine,
// which credits any new fill and unwatches once terminal.
func (m *Manager) pollLoop(ctx context.Context, orderID string, w *watchedOrder) {
	interval := m.cfg.PollingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			polled, err := m.rest.GetOrder(ctx, orderID)
			if err != nil {
				m.logger.Warn("poll order failed", "orderId", orderID, "error", err)
				continue
			}
			w.machine.ApplyPolling(polled)
			if w.machine.IsTerminal() {
				return
			}
		}
	}
}

// routeUserOrder dispatches a user-channel order-lifecycle event to the
// watched order it names.
func (m *Manager) routeUserOrder(p types.UserOrderPayload) {
	w := m.lookup(p.OrderID)
	if w == nil {
		return
	}
	w.machine.ApplyUserOrder(p)
}

// routeUserTrade dispatches a fill notification to every watched order it
// names — the taker side and, when we are on the maker side of the match,
// any of our own resting orders listed in MakerOrders — and kicks off
// settlement tracking when the trade carries a txHash.
func (m *Manager) routeUserTrade(p types.UserTradePayload) {
	seen := make(map[string]bool, 1+len(p.MakerOrders))
	deliver := func(orderID string) {
		if orderID == "" || seen[orderID] {
			return
		}
		seen[orderID] = true
		if w := m.lookup(orderID); w != nil {
			w.machine.ApplyUserTrade(p)
		}
	}
	deliver(p.TakerOrderID)
	for _, mo := range p.MakerOrders {
		deliver(mo.OrderID)
	}

	if p.TxHash != "" && m.waiter != nil {
		m.trackSettlement(p)
	}
}

// trackSettlement waits for 1-confirmation of a trade's on-chain
// transaction without blocking order processing; failures are logged and
// never reported through a watched order's status (spec §4.7).
func (m *Manager) trackSettlement(p types.UserTradePayload) {
	ctx := m.bgContext()
	m.waiter.WatchAsync(ctx, p.TxHash, func(conf settlement.Confirmation, err error) {
		if err != nil {
			m.logger.Error("settlement wait failed", "tradeId", p.TradeID, "txHash", p.TxHash, "error", err)
			return
		}
		evt := types.SettlementEvent{
			TradeID:     p.TradeID,
			TxHash:      conf.TxHash,
			BlockNumber: conf.BlockNumber,
			GasUsed:     conf.GasUsed,
		}
		settle := func(orderID string) {
			if w := m.lookup(orderID); w != nil {
				evt.OrderID = orderID
				w.machine.ApplySettlement(evt)
			}
		}
		settle(p.TakerOrderID)
		for _, mo := range p.MakerOrders {
			settle(mo.OrderID)
		}
	})
}

func (m *Manager) emitGlobal(evt types.LifecycleEvent) {
	if m.emit != nil {
		m.emit(evt)
	}
}

func (m *Manager) bgContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bgContextLocked()
}

func (m *Manager) bgContextLocked() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
