// Package realtimebus subscribes to the venue's market and user WebSocket
// channels and fans decoded events out to typed per-subscription handlers.
// It owns the reconnect-safe resubscription contract: every time a
// connection (re-)establishes, the bus replays the full set of active
// subscriptions as an initial frame so the server resends current
// snapshots, rather than relying on the server to remember anything about
// a prior connection.
package realtimebus

import (
	"context"
	"log/slog"
	"sync"

	"polyarb/internal/eventdemux"
	"polyarb/internal/wsclient"
	"polyarb/pkg/types"
)

// Handlers is the set of typed callbacks a subscriber registers. Any
// field may be left nil; unset handlers simply aren't invoked for that
// event kind. Callbacks run on the bus's dispatch path (the underlying
// WsClient's read goroutine; OnUnderlyingPrice runs on the goroutine that
// calls PublishUnderlyingPrice) and must not block.
type Handlers struct {
	OnOrderbook       func(types.BookPayload)
	OnPriceChange     func(types.PriceChangePayload)
	OnLastTrade       func(types.LastTradePricePayload)
	OnTickSizeChange  func(types.TickSizeChangePayload)
	OnUserOrder       func(types.UserOrderPayload)
	OnUserTrade       func(types.UserTradePayload)
	OnUnderlyingPrice func(underlying types.Underlying, price string)
}

// Subscription is a cancellation capability returned by Subscribe*.
type Subscription struct {
	bus      *Bus
	isMarket bool
	ids      []string
}

// Unsubscribe removes this subscription's asset/market IDs from the
// tracked set and notifies the server. Its handlers stay registered with
// the bus.
func (s *Subscription) Unsubscribe() {
	if s.isMarket {
		s.bus.unsubscribeMarket(s.ids)
	} else {
		s.bus.unsubscribeUser(s.ids)
	}
}

// Config configures the two upstream WebSocket endpoints.
type Config struct {
	MarketURL string
	UserURL   string
}

type marketEntry struct {
	ids      map[string]bool
	handlers Handlers
}

type userEntry struct {
	ids      map[string]bool // condition IDs filter; empty = all
	handlers Handlers
}

// Bus is the concrete RealtimeBus (C3).
type Bus struct {
	cfg    Config
	logger *slog.Logger
	demux  *eventdemux.Demux

	marketWS *wsclient.Client
	userWS   *wsclient.Client

	mu             sync.Mutex
	marketStarted  bool
	userStarted    bool
	userAuth       *types.WSAuth
	marketAssetIDs map[string]bool
	userMarketIDs  map[string]bool
	marketEntries  []*marketEntry
	userEntries    []*userEntry
}

// New constructs a Bus. The underlying connections are lazily opened on
// the first SubscribeMarket/SubscribeUser call.
func New(cfg Config, logger *slog.Logger) *Bus {
	b := &Bus{
		cfg:            cfg,
		logger:         logger.With("component", "realtimebus"),
		demux:          eventdemux.New(logger),
		marketAssetIDs: make(map[string]bool),
		userMarketIDs:  make(map[string]bool),
	}
	b.marketWS = wsclient.New(wsclient.Config{
		URL:           cfg.MarketURL,
		OnMessage:     b.onMarketMessage,
		OnStateChange: b.onMarketStateChange,
	}, logger)
	b.userWS = wsclient.New(wsclient.Config{
		URL:           cfg.UserURL,
		OnMessage:     b.onUserMessage,
		OnStateChange: b.onUserStateChange,
	}, logger)
	return b
}

// SubscribeMarket registers handlers for a set of asset IDs. Connects the
// market WebSocket lazily on first call.
func (b *Bus) SubscribeMarket(ctx context.Context, assetIDs []string, handlers Handlers) *Subscription {
	b.mu.Lock()
	alreadyConnected := b.marketWS.State() == wsclient.Connected
	for _, id := range assetIDs {
		b.marketAssetIDs[id] = true
	}
	entry := &marketEntry{ids: toSet(assetIDs), handlers: handlers}
	b.marketEntries = append(b.marketEntries, entry)
	started := b.marketStarted
	b.marketStarted = true
	b.mu.Unlock()

	if !started {
		b.marketWS.Connect(ctx)
	} else if alreadyConnected {
		b.sendMarketUpdate("subscribe", assetIDs)
	}
	// If not started-but-connecting, the pending connect's state-change
	// callback will send the initial frame with the full tracked set,
	// which already includes these IDs.

	return &Subscription{bus: b, isMarket: true, ids: assetIDs}
}

// SubscribeUser registers handlers for the authenticated user channel,
// optionally filtered by condition IDs (empty = all markets).
func (b *Bus) SubscribeUser(ctx context.Context, auth types.WSAuth, marketsFilter []string, handlers Handlers) *Subscription {
	b.mu.Lock()
	b.userAuth = &auth
	alreadyConnected := b.userWS.State() == wsclient.Connected
	for _, id := range marketsFilter {
		b.userMarketIDs[id] = true
	}
	entry := &userEntry{ids: toSet(marketsFilter), handlers: handlers}
	b.userEntries = append(b.userEntries, entry)
	started := b.userStarted
	b.userStarted = true
	b.mu.Unlock()

	if !started {
		b.userWS.Connect(ctx)
	} else if alreadyConnected {
		b.sendUserUpdate("subscribe", marketsFilter)
	}

	return &Subscription{bus: b, isMarket: false, ids: marketsFilter}
}

func (b *Bus) unsubscribeMarket(ids []string) {
	b.mu.Lock()
	for _, id := range ids {
		delete(b.marketAssetIDs, id)
	}
	b.mu.Unlock()
	b.sendMarketUpdate("unsubscribe", ids)
}

func (b *Bus) unsubscribeUser(ids []string) {
	b.mu.Lock()
	for _, id := range ids {
		delete(b.userMarketIDs, id)
	}
	b.mu.Unlock()
	b.sendUserUpdate("unsubscribe", ids)
}

// Stop disconnects both underlying connections.
func (b *Bus) Stop() {
	b.marketWS.Disconnect()
	b.userWS.Disconnect()
}

func (b *Bus) onMarketStateChange(s wsclient.State) {
	if s != wsclient.Connected {
		return
	}
	b.mu.Lock()
	ids := keysOf(b.marketAssetIDs)
	b.mu.Unlock()
	msg := types.WSSubscribeMsg{Type: "MARKET", AssetIDs: ids}
	if err := b.marketWS.SendJSON(msg); err != nil {
		b.logger.Error("resend initial market subscription", "error", err)
	}
}

func (b *Bus) onUserStateChange(s wsclient.State) {
	if s != wsclient.Connected {
		return
	}
	b.mu.Lock()
	ids := keysOf(b.userMarketIDs)
	auth := b.userAuth
	b.mu.Unlock()
	if auth == nil {
		return
	}
	msg := types.WSSubscribeMsg{Type: "USER", Auth: auth, Markets: ids}
	if err := b.userWS.SendJSON(msg); err != nil {
		b.logger.Error("resend initial user subscription", "error", err)
	}
}

func (b *Bus) sendMarketUpdate(op string, ids []string) {
	if len(ids) == 0 {
		return
	}
	msg := types.WSUpdateMsg{Operation: op, AssetIDs: ids}
	if err := b.marketWS.SendJSON(msg); err != nil {
		b.logger.Error("market subscription update", "op", op, "error", err)
	}
}

func (b *Bus) sendUserUpdate(op string, ids []string) {
	if len(ids) == 0 {
		return
	}
	msg := types.WSUpdateMsg{Operation: op, AssetIDs: ids}
	if err := b.userWS.SendJSON(msg); err != nil {
		b.logger.Error("user subscription update", "op", op, "error", err)
	}
}

func (b *Bus) onMarketMessage(data []byte) {
	for _, evt := range b.demux.Demux(data) {
		b.dispatchMarket(evt)
	}
}

func (b *Bus) onUserMessage(data []byte) {
	for _, evt := range b.demux.Demux(data) {
		b.dispatchUser(evt)
	}
}

func (b *Bus) dispatchMarket(evt types.Event) {
	b.mu.Lock()
	entries := append([]*marketEntry(nil), b.marketEntries...)
	b.mu.Unlock()

	switch p := evt.Payload.(type) {
	case types.BookPayload:
		for _, e := range entries {
			if e.ids[p.AssetID] && e.handlers.OnOrderbook != nil {
				e.handlers.OnOrderbook(p)
			}
		}
	case types.PriceChangePayload:
		for _, e := range entries {
			if e.ids[p.AssetID] && e.handlers.OnPriceChange != nil {
				e.handlers.OnPriceChange(p)
			}
		}
	case types.LastTradePricePayload:
		for _, e := range entries {
			if e.ids[p.AssetID] && e.handlers.OnLastTrade != nil {
				e.handlers.OnLastTrade(p)
			}
		}
	case types.TickSizeChangePayload:
		for _, e := range entries {
			if e.ids[p.AssetID] && e.handlers.OnTickSizeChange != nil {
				e.handlers.OnTickSizeChange(p)
			}
		}
	default:
		// best_bid_ask, new_market, market_resolved have no registered
		// handler key in §4.3 and are dropped here without logging.
	}
}

func (b *Bus) dispatchUser(evt types.Event) {
	b.mu.Lock()
	entries := append([]*userEntry(nil), b.userEntries...)
	b.mu.Unlock()

	switch p := evt.Payload.(type) {
	case types.UserOrderPayload:
		for _, e := range entries {
			if e.handlers.OnUserOrder != nil {
				e.handlers.OnUserOrder(p)
			}
		}
	case types.UserTradePayload:
		for _, e := range entries {
			if e.handlers.OnUserTrade != nil {
				e.handlers.OnUserTrade(p)
			}
		}
	}
}

// PublishUnderlyingPrice feeds an out-of-band Chainlink price update (not
// carried over either WebSocket channel) to every registered handler.
func (b *Bus) PublishUnderlyingPrice(u types.Underlying, price string) {
	b.mu.Lock()
	entries := append([]*marketEntry(nil), b.marketEntries...)
	b.mu.Unlock()
	for _, e := range entries {
		if e.handlers.OnUnderlyingPrice != nil {
			e.handlers.OnUnderlyingPrice(u, price)
		}
	}
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
