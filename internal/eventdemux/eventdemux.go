// Package eventdemux parses a single WebSocket frame's decoded JSON into
// tagged event variants. The wire protocol is an untagged union — there is
// no discriminant field present on every shape — so disambiguation walks a
// fixed, ordered table of field-shape rules (first match wins).
package eventdemux

import (
	"encoding/json"
	"log/slog"
	"time"

	"polyarb/pkg/types"
)

// Demux holds no state beyond a logger; it is safe for concurrent use.
type Demux struct {
	logger *slog.Logger
}

// New constructs a Demux.
func New(logger *slog.Logger) *Demux {
	return &Demux{logger: logger.With("component", "eventdemux")}
}

// probe is the superset of fields the shape-matching rules inspect. Using
// json.RawMessage for nested shapes defers their decoding until a rule
// commits to a branch.
type probe struct {
	// rule 2: user.trade
	EventType   string            `json:"event_type"`
	Status      *string           `json:"status"`
	MakerOrders []json.RawMessage `json:"maker_orders"`

	// rule 3: user.order
	OriginalSize *string `json:"original_size"`
	SizeMatched  *string `json:"size_matched"`

	// rule 4: price_changes fan-out
	PriceChanges []json.RawMessage `json:"price_changes"`
	Market       string            `json:"market"`

	// rule 5: last_trade_price
	FeeRateBps *string `json:"fee_rate_bps"`
	Price      *string `json:"price"`
	Side       *string `json:"side"`
	Size       *string `json:"size"`

	// rule 6: tick_size_change
	OldTickSize *string `json:"old_tick_size"`
	NewTickSize *string `json:"new_tick_size"`

	// rule 7: best_bid_ask
	BestBid *string `json:"best_bid"`
	BestAsk *string `json:"best_ask"`
	Spread  *string `json:"spread"`

	// rule 8/9: market_resolved / new_market
	WinningAssetID *string  `json:"winning_asset_id"`
	WinningOutcome *string  `json:"winning_outcome"`
	Question       *string  `json:"question"`
	Slug           *string  `json:"slug"`
	AssetsIDs      []string `json:"assets_ids"`
	Outcomes       []string `json:"outcomes"`

	// rule 10: single-object book
	Bids []json.RawMessage `json:"bids"`
	Asks []json.RawMessage `json:"asks"`

	AssetID      string  `json:"asset_id"`
	Hash         string  `json:"hash"`
	TickSize     string  `json:"tick_size"`
	MinOrderSize string  `json:"min_order_size"`
	Timestamp    *string `json:"timestamp"`

	TakerOrderID string `json:"taker_order_id"`
	TradeID      string `json:"id"`
	TxHash       string `json:"tx_hash"`
	OrderID      string `json:"order_id"`
	ConditionID  string `json:"condition_id"`
}

// Demux parses one decoded WebSocket frame into zero or more tagged
// Events. Rules are evaluated in the order given in spec §4.2; the first
// match wins.
func (d *Demux) Demux(raw []byte) []types.Event {
	// Rule 1: top-level array of book-like elements.
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out []types.Event
		for _, elem := range arr {
			var p probe
			if err := json.Unmarshal(elem, &p); err != nil {
				continue
			}
			if len(p.Bids) > 0 || len(p.Asks) > 0 {
				out = append(out, d.buildBookEvent(elem, &p))
			}
		}
		if len(out) > 0 {
			return out
		}
		if len(arr) > 0 {
			// Array present but none matched book shape; nothing else in
			// §4.2 handles bare arrays, so drop.
			d.logger.Debug("array frame with no book-shaped elements, dropping")
			return nil
		}
	}

	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		d.logger.Debug("ignoring non-json frame", "data", string(raw))
		return nil
	}

	ts := d.normalizeTimestamp(p.Timestamp)

	// Rule 2: user.trade
	if p.EventType == types.EvtUserTrade || (p.Status != nil && p.MakerOrders != nil) {
		return []types.Event{d.buildTradeEvent(raw, &p, ts)}
	}

	// Rule 3: user.order
	if p.EventType == types.EvtUserOrder || (p.OriginalSize != nil && p.SizeMatched != nil) {
		return []types.Event{d.buildOrderEvent(raw, &p, ts)}
	}

	// Rule 4: price_changes fan-out
	if p.PriceChanges != nil {
		var out []types.Event
		for _, elem := range p.PriceChanges {
			var rpc types.RawPriceChange
			if err := json.Unmarshal(elem, &rpc); err != nil {
				continue
			}
			out = append(out, types.Event{
				Topic:       types.TopicMarket,
				Type:        types.EvtPriceChange,
				TimestampMs: ts,
				Payload: types.PriceChangePayload{
					Market:  p.Market,
					AssetID: rpc.AssetID,
					Price:   rpc.Price,
					Side:    rpc.Side,
				},
			})
		}
		return out
	}

	// Rule 5: last_trade_price
	if p.FeeRateBps != nil || (p.Price != nil && p.Side != nil && p.Size != nil) {
		feeRate := ""
		if p.FeeRateBps != nil {
			feeRate = *p.FeeRateBps
		}
		price, side := "", ""
		if p.Price != nil {
			price = *p.Price
		}
		if p.Side != nil {
			side = *p.Side
		}
		return []types.Event{{
			Topic:       types.TopicMarket,
			Type:        types.EvtLastTradePrice,
			TimestampMs: ts,
			Payload: types.LastTradePricePayload{
				AssetID:    p.AssetID,
				Price:      price,
				Side:       side,
				FeeRateBps: feeRate,
			},
		}}
	}

	// Rule 6: tick_size_change
	if p.OldTickSize != nil || p.NewTickSize != nil {
		oldTick, newTick := "", ""
		if p.OldTickSize != nil {
			oldTick = *p.OldTickSize
		}
		if p.NewTickSize != nil {
			newTick = *p.NewTickSize
		}
		return []types.Event{{
			Topic:       types.TopicMarket,
			Type:        types.EvtTickSizeChange,
			TimestampMs: ts,
			Payload: types.TickSizeChangePayload{
				AssetID:     p.AssetID,
				OldTickSize: oldTick,
				NewTickSize: newTick,
			},
		}}
	}

	// Rule 7: best_bid_ask
	if p.BestBid != nil && p.BestAsk != nil && p.Spread != nil {
		return []types.Event{{
			Topic:       types.TopicMarket,
			Type:        types.EvtBestBidAsk,
			TimestampMs: ts,
			Payload: types.BestBidAskPayload{
				AssetID: p.AssetID,
				BestBid: *p.BestBid,
				BestAsk: *p.BestAsk,
				Spread:  *p.Spread,
			},
		}}
	}

	// Rule 8: market_resolved — checked before new_market since a resolved
	// frame can also carry every new_market field.
	if p.WinningAssetID != nil || p.WinningOutcome != nil {
		winAsset, winOutcome := "", ""
		if p.WinningAssetID != nil {
			winAsset = *p.WinningAssetID
		}
		if p.WinningOutcome != nil {
			winOutcome = *p.WinningOutcome
		}
		return []types.Event{{
			Topic:       types.TopicMarket,
			Type:        types.EvtMarketResolved,
			TimestampMs: ts,
			Payload: types.MarketResolvedPayload{
				ConditionID:    p.ConditionID,
				WinningAssetID: winAsset,
				WinningOutcome: winOutcome,
			},
		}}
	}

	// Rule 9: new_market
	if p.Question != nil && p.Slug != nil && p.AssetsIDs != nil && p.Outcomes != nil {
		return []types.Event{{
			Topic:       types.TopicMarket,
			Type:        types.EvtNewMarket,
			TimestampMs: ts,
			Payload: types.NewMarketPayload{
				Question: *p.Question,
				Slug:     *p.Slug,
				AssetIDs: p.AssetsIDs,
				Outcomes: p.Outcomes,
			},
		}}
	}

	// Rule 10: single-object book
	if p.Bids != nil || p.Asks != nil {
		return []types.Event{d.buildBookEvent(raw, &p)}
	}

	d.logger.Debug("unmatched frame shape, dropping", "data", string(raw))
	return nil
}

func (d *Demux) buildBookEvent(raw []byte, p *probe) types.Event {
	var bookProbe struct {
		Bids []types.RawBookLevel `json:"bids"`
		Asks []types.RawBookLevel `json:"asks"`
	}
	_ = json.Unmarshal(raw, &bookProbe)
	return types.Event{
		Topic:       types.TopicMarket,
		Type:        types.EvtBook,
		TimestampMs: d.normalizeTimestamp(p.Timestamp),
		Payload: types.BookPayload{
			AssetID:      p.AssetID,
			Market:       p.Market,
			Bids:         bookProbe.Bids,
			Asks:         bookProbe.Asks,
			Hash:         p.Hash,
			TickSize:     p.TickSize,
			MinOrderSize: p.MinOrderSize,
		},
	}
}

func (d *Demux) buildTradeEvent(raw []byte, p *probe, ts int64) types.Event {
	var makerOrders []types.RawMakerOrder
	for _, elem := range p.MakerOrders {
		var mo types.RawMakerOrder
		if err := json.Unmarshal(elem, &mo); err == nil {
			makerOrders = append(makerOrders, mo)
		}
	}
	status := types.TradeMatched
	if p.Status != nil {
		status = types.TradeStatus(*p.Status)
	}
	price, size := "", ""
	if p.Price != nil {
		price = *p.Price
	}
	if p.Size != nil {
		size = *p.Size
	}
	return types.Event{
		Topic:       types.TopicUser,
		Type:        types.EvtUserTrade,
		TimestampMs: ts,
		Payload: types.UserTradePayload{
			TradeID:      p.TradeID,
			TakerOrderID: p.TakerOrderID,
			MakerOrders:  makerOrders,
			Status:       status,
			Size:         size,
			Price:        price,
			TxHash:       p.TxHash,
		},
	}
}

func (d *Demux) buildOrderEvent(raw []byte, p *probe, ts int64) types.Event {
	originalSize, sizeMatched := "", ""
	if p.OriginalSize != nil {
		originalSize = *p.OriginalSize
	}
	if p.SizeMatched != nil {
		sizeMatched = *p.SizeMatched
	}
	status := ""
	if p.Status != nil {
		status = *p.Status
	}
	eventType := p.EventType
	if eventType == "" {
		eventType = "UPDATE"
	}
	return types.Event{
		Topic:       types.TopicUser,
		Type:        types.EvtUserOrder,
		TimestampMs: ts,
		Payload: types.UserOrderPayload{
			OrderID:      p.OrderID,
			EventType:    eventType,
			OriginalSize: originalSize,
			SizeMatched:  sizeMatched,
			Status:       status,
		},
	}
}

// normalizeTimestamp converts a raw timestamp string (seconds or
// milliseconds) to epoch milliseconds, per spec §4.2: any value < 10^12 is
// treated as seconds. A missing timestamp defaults to the local clock.
func (d *Demux) normalizeTimestamp(raw *string) int64 {
	if raw == nil || *raw == "" {
		return time.Now().UnixMilli()
	}
	var n int64
	if err := json.Unmarshal([]byte(*raw), &n); err != nil {
		var f float64
		if err2 := json.Unmarshal([]byte(*raw), &f); err2 != nil {
			return time.Now().UnixMilli()
		}
		n = int64(f)
	}
	if n < 1_000_000_000_000 {
		n *= 1000
	}
	return n
}
