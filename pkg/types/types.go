// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — orders, trades,
// market/round metadata, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderKind enumerates the supported order lifecycles.
type OrderKind string

const (
	GTC OrderKind = "GTC" // good-til-cancelled limit order
	GTD OrderKind = "GTD" // good-til-date limit order, has Expiration
	FOK OrderKind = "FOK" // fill-or-kill market order, no partial fill
	FAK OrderKind = "FAK" // fill-and-kill market order, partial then cancel remainder
)

// IsMarket reports whether this kind submits as a market order (FOK/FAK).
func (k OrderKind) IsMarket() bool {
	return k == FOK || k == FAK
}

// OrderStatus is the authoritative lifecycle state of a supervised order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether status is one from which no further
// transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// TradeStatus is the settlement status of one fill.
type TradeStatus string

const (
	TradeMatched   TradeStatus = "MATCHED"
	TradeMined     TradeStatus = "MINED"
	TradeConfirmed TradeStatus = "CONFIRMED"
	TradeRetrying  TradeStatus = "RETRYING"
	TradeFailed    TradeStatus = "FAILED"
)

// Underlying is a Chainlink-priced reference asset for DipArb's
// short-duration up/down markets.
type Underlying string

const (
	BTC Underlying = "BTC"
	ETH Underlying = "ETH"
	SOL Underlying = "SOL"
	XRP Underlying = "XRP"
)

// RoundPhase is DipArb's per-round lifecycle state.
type RoundPhase string

const (
	PhaseWaiting    RoundPhase = "waiting"
	PhaseLeg1Filled RoundPhase = "leg1_filled"
	PhaseCompleted  RoundPhase = "completed"
	PhaseExpired    RoundPhase = "expired"
)

// WatchMode selects how OrderManager keeps an order's status current.
type WatchMode string

const (
	ModeWebsocket WatchMode = "websocket"
	ModePolling   WatchMode = "polling"
	ModeHybrid    WatchMode = "hybrid"
)

// SettleStrategy is how RotationScheduler disposes of a leftover leg-1
// position at market end.
type SettleStrategy string

const (
	SettleRedeem SettleStrategy = "redeem"
	SettleSell   SettleStrategy = "sell"
)

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// Order is the authoritative record for one order under OrderManager
// supervision. Identity is OrderID, assigned by the venue on submission.
type Order struct {
	OrderID       string
	TokenID       string
	Side          Side
	Price         decimal.Decimal // limit price in [0,1]; zero for market orders
	OriginalSize  decimal.Decimal // shares for limit orders, quote amount for market orders
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal
	OrderKind     OrderKind
	Expiration    int64 // unix seconds, GTD only; 0 = none
	Status        OrderStatus
	UpdatedAt     time.Time
	TradeIDs      []string
}

// IsMarketKind reports whether this order was submitted as FOK/FAK, for
// which the filled+remaining=original invariant does not apply.
func (o Order) IsMarketKind() bool {
	return o.OrderKind.IsMarket()
}

// Trade is a single execution against a parent order.
type Trade struct {
	TradeID   string
	OrderID   string
	Size      decimal.Decimal
	Price     decimal.Decimal
	TxHash    string
	Status    TradeStatus
	Timestamp time.Time
}

// Fill is a materialized credit to an order's FilledSize — either carried
// on a user.trade WS event or synthesized by the polling detector.
type Fill struct {
	OrderID          string
	TradeID          string // empty when synthesized from polling
	Size             decimal.Decimal
	Price            decimal.Decimal
	CumulativeFilled decimal.Decimal
	IsCompleteFill   bool
	Source           string // "ws" or "polling"
	Timestamp        time.Time
}

// LimitOrderParams is a caller's request to place a resting limit order.
type LimitOrderParams struct {
	TokenID    string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	OrderKind  OrderKind // GTC or GTD
	Expiration int64     // required when OrderKind == GTD
	TickSize   decimal.Decimal
}

// MarketOrderParams is a caller's request to place an immediate-execution
// order sized in quote currency.
type MarketOrderParams struct {
	TokenID   string
	Side      Side
	Amount    decimal.Decimal
	OrderKind OrderKind // FOK or FAK
}

// OrderResult is the outcome of REST order submission.
type OrderResult struct {
	Success  bool
	OrderID  string
	ErrorMsg string
}

// ————————————————————————————————————————————————————————————————————————
// Market descriptor & Round
// ————————————————————————————————————————————————————————————————————————

// Market describes one short-duration binary-outcome market traded by
// DipArb.
type Market struct {
	ConditionID     string
	UpTokenID       string
	DownTokenID     string
	Underlying      Underlying
	DurationMinutes int
	EndTime         time.Time
	Slug            string
	NegRisk         bool
	TickSize        decimal.Decimal
}

// LegResult records the outcome of executing one leg of a round.
type LegResult struct {
	Side      Side
	Shares    decimal.Decimal
	AvgPrice  decimal.Decimal
	TotalCost decimal.Decimal
	OrderIDs  []string
	Timestamp time.Time
	Success   bool
}

// Round is DipArbEngine's owned state for one arbitrage attempt in one
// market. Identity is RoundID (ConditionID + round start time).
type Round struct {
	RoundID     string
	Market      Market
	Phase       RoundPhase
	PriceToBeat decimal.Decimal
	StartTime   time.Time
	Leg1        *LegResult
	Leg2        *LegResult
	TotalCost   decimal.Decimal
	Profit      decimal.Decimal
}

// PendingRedemption is a round with an open leg-1 position awaiting
// post-resolution redemption, owned exclusively by RotationScheduler.
type PendingRedemption struct {
	Market        Market
	Round         Round
	MarketEndTime time.Time
	AddedAt       time.Time
	RetryCount    int
	LastRetryAt   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire shapes — untagged input (demultiplexed by internal/eventdemux)
// ————————————————————————————————————————————————————————————————————————

// RawBookLevel mirrors the venue's bid/ask level shape.
type RawBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// RawPriceChange is one element of a price_changes array.
type RawPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Side    string `json:"side"`
}

// RawMakerOrder is one element of a trade event's maker_orders array.
type RawMakerOrder struct {
	OrderID string `json:"order_id"`
}

// WSSubscribeMsg is the initial subscription frame for either channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "MARKET" or "USER"
	AssetIDs []string `json:"assets_ids,omitempty"`
	Auth     *WSAuth  `json:"auth,omitempty"`
	Markets  []string `json:"markets,omitempty"`
}

// WSUpdateMsg dynamically subscribes/unsubscribes after initial connection.
type WSUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	AssetIDs  []string `json:"assets_ids,omitempty"`
}

// WSAuth carries the L2 API credential triplet for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// ————————————————————————————————————————————————————————————————————————
// Tagged event variants — EventDemux output (§4.2)
// ————————————————————————————————————————————————————————————————————————

// Topic is the coarse event category.
type Topic string

const (
	TopicMarket Topic = "market"
	TopicUser   Topic = "user"
)

// Tagged event type names, contractual per spec §6.
const (
	EvtBook           = "book"
	EvtPriceChange    = "price_change"
	EvtLastTradePrice = "last_trade_price"
	EvtTickSizeChange = "tick_size_change"
	EvtBestBidAsk     = "best_bid_ask"
	EvtNewMarket      = "new_market"
	EvtMarketResolved = "market_resolved"
	EvtUserTrade      = "trade"
	EvtUserOrder      = "order"
)

// Event is the tagged output of EventDemux: one per disambiguated shape.
type Event struct {
	Topic       Topic
	Type        string
	TimestampMs int64
	Payload     any
}

// BookPayload is a full order book snapshot for one asset.
type BookPayload struct {
	AssetID      string
	Market       string
	Bids         []RawBookLevel // descending
	Asks         []RawBookLevel // ascending
	Hash         string
	TickSize     string
	MinOrderSize string
}

// PriceChangePayload is one price-level delta, fanned out from a
// price_changes array, with the parent market field copied onto it.
type PriceChangePayload struct {
	Market  string
	AssetID string
	Price   string
	Side    string
}

// LastTradePricePayload is an informational last-trade-price tick.
type LastTradePricePayload struct {
	AssetID    string
	Price      string
	Side       string
	FeeRateBps string
}

// TickSizeChangePayload reports a market's tick size changing.
type TickSizeChangePayload struct {
	AssetID     string
	OldTickSize string
	NewTickSize string
}

// BestBidAskPayload is a quoted top-of-book summary.
type BestBidAskPayload struct {
	AssetID string
	BestBid string
	BestAsk string
	Spread  string
}

// NewMarketPayload announces a newly listed market.
type NewMarketPayload struct {
	Question string
	Slug     string
	AssetIDs []string
	Outcomes []string
}

// MarketResolvedPayload announces market resolution.
type MarketResolvedPayload struct {
	ConditionID    string
	WinningAssetID string
	WinningOutcome string
}

// UserTradePayload is a fill notification on the user channel.
type UserTradePayload struct {
	TradeID      string
	TakerOrderID string
	MakerOrders  []RawMakerOrder
	Status       TradeStatus
	Size         string
	Price        string
	TxHash       string
}

// UserOrderPayload is an order-lifecycle notification on the user channel.
type UserOrderPayload struct {
	OrderID      string
	EventType    string // "PLACEMENT", "UPDATE", "CANCELLATION"
	OriginalSize string
	SizeMatched  string
	Status       string
}

// ————————————————————————————————————————————————————————————————————————
// Contractual lifecycle & engine events (§6)
// ————————————————————————————————————————————————————————————————————————

// EventName enumerates every contractual event name from spec §6.
type EventName string

const (
	EvOrderCreated         EventName = "order_created"
	EvOrderOpened          EventName = "order_opened"
	EvOrderPartiallyFilled EventName = "order_partially_filled"
	EvOrderFilled          EventName = "order_filled"
	EvOrderCancelled       EventName = "order_cancelled"
	EvOrderExpired         EventName = "order_expired"
	EvOrderRejected        EventName = "order_rejected"
	EvStatusChange         EventName = "status_change"
	EvTransactionSubmitted EventName = "transaction_submitted"
	EvTransactionConfirmed EventName = "transaction_confirmed"

	EvSignal        EventName = "signal"
	EvExecution     EventName = "execution"
	EvNewRound      EventName = "newRound"
	EvPriceUpdate   EventName = "priceUpdate"
	EvRoundComplete EventName = "roundComplete"
	EvRotate        EventName = "rotate"
	EvSettled       EventName = "settled"
	EvStarted       EventName = "started"
	EvStopped       EventName = "stopped"
	EvError         EventName = "error"
)

// LifecycleEvent is emitted by OrderManager/OrderStateMachine for every
// order status transition and fill.
type LifecycleEvent struct {
	Name    EventName
	OrderID string
	Order   Order
	Fill    *Fill
	Reason  string
	Err     error
}

// SettlementEvent reports 1-confirmation chain settlement of a trade.
type SettlementEvent struct {
	TradeID     string
	OrderID     string
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}
