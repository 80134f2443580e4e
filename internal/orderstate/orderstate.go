// Package orderstate implements the per-order authoritative state machine
// (C5). One Machine instance owns exactly one order's lifecycle; it
// reconciles the three asynchronous sources spec §4.5 requires (the
// user WS channel, REST polling, and on-chain settlement) behind a single
// mutex, and must converge to the same outcome regardless of arrival
// order or duplication across those sources.
package orderstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// validTransitions encodes the diagram in spec §4.5. A transition not
// present here (and not a same-state no-op) is reported via an EvError
// event without mutating the order.
var validTransitions = map[types.OrderStatus]map[types.OrderStatus]bool{
	types.StatusPending: {
		types.StatusOpen:            true,
		types.StatusPartiallyFilled: true,
		types.StatusFilled:          true,
		types.StatusCancelled:       true,
		types.StatusRejected:        true,
	},
	types.StatusOpen: {
		types.StatusPartiallyFilled: true,
		types.StatusFilled:          true,
		types.StatusCancelled:       true,
		types.StatusExpired:         true,
	},
	types.StatusPartiallyFilled: {
		types.StatusFilled:    true,
		types.StatusCancelled: true,
	},
}

// Machine is the per-order state machine. The zero value is not usable;
// construct with New.
type Machine struct {
	mu       sync.Mutex
	order    types.Order
	terminal bool
	// processed dedups events scoped to this order: keys are
	// "trade|<tradeId>" for WS fills, "userOrder|<eventType>|<sizeMatched>"
	// for WS order updates and "poll|<filledSize>" for polling-detected
	// fills, per the (orderId, kind, salt) key in §4.5 —
	// orderId is implicit since one Machine owns exactly one order.
	processed map[string]bool
	emit      func(types.LifecycleEvent)
}

// New constructs a Machine for a freshly submitted order. Callers should
// set order.Status to PENDING and order.RemainingSize to order.OriginalSize
// before calling New, for limit orders.
func New(order types.Order, emit func(types.LifecycleEvent)) *Machine {
	return &Machine{
		order:     order,
		processed: make(map[string]bool),
		emit:      emit,
	}
}

// Order returns a snapshot of the current order.
func (m *Machine) Order() types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order
}

// IsTerminal reports whether the order has reached a terminal status and
// should be auto-unwatched.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// ApplyUserOrder reconciles a user-channel order lifecycle event. Its
// OriginalSize/SizeMatched are cumulative (absolute), like polling.
func (m *Machine) ApplyUserOrder(p types.UserOrderPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}

	sizeMatched, err := decimal.NewFromString(p.SizeMatched)
	if err != nil {
		m.emitLocked(types.EvError, nil, fmt.Sprintf("parse size_matched: %v", err))
		return
	}
	originalSize, err := decimal.NewFromString(p.OriginalSize)
	if err != nil {
		originalSize = m.order.OriginalSize
	}
	remaining := originalSize.Sub(sizeMatched)

	dedupKey := fmt.Sprintf("userOrder|%s|%s", p.EventType, p.SizeMatched)
	reportedStatus := mapReportedStatus(p.Status, p.EventType)

	m.creditAbsoluteLocked(sizeMatched, remaining, reportedStatus, "ws", dedupKey)
}

// ApplyUserTrade reconciles a fill notification on the user channel. Its
// Size is the delta contributed by this one trade, not a cumulative total.
func (m *Machine) ApplyUserTrade(p types.UserTradePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}

	size, err := decimal.NewFromString(p.Size)
	if err != nil {
		m.emitLocked(types.EvError, nil, fmt.Sprintf("parse trade size: %v", err))
		return
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		price = m.order.Price
	}

	dedupKey := fmt.Sprintf("trade|%s", p.TradeID)
	if !m.dedupLocked(dedupKey) {
		return
	}

	newFilled := m.order.FilledSize.Add(size)
	newRemaining := m.order.RemainingSize.Sub(size)
	complete := newRemaining.LessThanOrEqual(decimal.Zero) || newFilled.GreaterThanOrEqual(m.order.OriginalSize)

	m.order.FilledSize = newFilled
	m.order.RemainingSize = newRemaining
	m.order.UpdatedAt = time.Now()
	if p.TradeID != "" {
		m.order.TradeIDs = append(m.order.TradeIDs, p.TradeID)
	}

	fill := types.Fill{
		OrderID:          m.order.OrderID,
		TradeID:          p.TradeID,
		Size:             size,
		Price:            price,
		CumulativeFilled: newFilled,
		IsCompleteFill:   complete,
		Source:           "ws",
		Timestamp:        m.order.UpdatedAt,
	}

	if complete {
		if m.transitionLocked(types.StatusFilled) {
			m.emitLocked(types.EvOrderFilled, &fill, "")
			m.markTerminalLocked()
		}
		return
	}
	if m.transitionLocked(types.StatusPartiallyFilled) {
		m.emitLocked(types.EvOrderPartiallyFilled, &fill, "")
	}
}

// ApplyPolling reconciles a periodic REST getOrder result. Per spec §4.7
// it is authoritative when the WS channel is silent, and is keyed on the
// resulting filledSize so a later WS replay of the same cumulative size
// credits nothing further.
func (m *Machine) ApplyPolling(polled types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}

	dedupKey := fmt.Sprintf("poll|%s", polled.FilledSize.String())
	m.creditAbsoluteLocked(polled.FilledSize, polled.RemainingSize, polled.Status, "polling", dedupKey)
}

// ApplySettlement reports on-chain confirmation of a trade's txHash. It
// never mutates the order's logical status (spec §4.7).
func (m *Machine) ApplySettlement(evt types.SettlementEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(types.EvTransactionConfirmed, nil, "")
}

// Cancel marks the order cancelled due to an explicit cancelOrder call
// once REST confirms. The state machine does not move to CANCELLED before
// this method (or a WS/poll cancellation) arrives; until then, events from
// every source are still applied.
func (m *Machine) Cancel(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}
	if m.transitionLocked(types.StatusCancelled) {
		m.emitLocked(types.EvOrderCancelled, nil, reason)
		m.markTerminalLocked()
	}
}

// creditAbsoluteLocked applies a cumulative (filledSize, remainingSize,
// reportedStatus) snapshot from polling or the user-order channel. Both
// sources report absolute state, not deltas, which is what lets a later
// arrival from either source be a no-op once the other has already
// advanced the shadow to the same value.
func (m *Machine) creditAbsoluteLocked(newFilled, newRemaining decimal.Decimal, reportedStatus types.OrderStatus, source, dedupKey string) {
	delta := newFilled.Sub(m.order.FilledSize)
	if delta.LessThan(decimal.Zero) {
		m.emitLocked(types.EvError, nil, fmt.Sprintf("filledSize decreased from %s to %s, ignoring", m.order.FilledSize, newFilled))
		return
	}

	if delta.IsZero() {
		if reportedStatus != "" && reportedStatus != m.order.Status {
			m.applyPureStatusLocked(reportedStatus, source)
		}
		return
	}

	if !m.dedupLocked(dedupKey) {
		return
	}

	complete := reportedStatus == types.StatusFilled ||
		newRemaining.LessThanOrEqual(decimal.Zero) ||
		newFilled.GreaterThanOrEqual(m.order.OriginalSize)

	m.order.FilledSize = newFilled
	m.order.RemainingSize = newRemaining
	m.order.UpdatedAt = time.Now()

	fill := types.Fill{
		OrderID:          m.order.OrderID,
		Size:             delta,
		Price:            m.order.Price,
		CumulativeFilled: newFilled,
		IsCompleteFill:   complete,
		Source:           source,
		Timestamp:        m.order.UpdatedAt,
	}

	if complete {
		if m.transitionLocked(types.StatusFilled) {
			m.emitLocked(types.EvOrderFilled, &fill, "")
			m.markTerminalLocked()
		}
		return
	}
	if m.transitionLocked(types.StatusPartiallyFilled) {
		m.emitLocked(types.EvOrderPartiallyFilled, &fill, "")
	}
}

// applyPureStatusLocked handles a reported status change carrying no new
// fill (placement, cancellation, expiry, rejection).
func (m *Machine) applyPureStatusLocked(reportedStatus types.OrderStatus, source string) {
	switch reportedStatus {
	case types.StatusOpen:
		if m.transitionLocked(types.StatusOpen) {
			m.emitLocked(types.EvOrderOpened, nil, "")
		}
	case types.StatusCancelled:
		reason := "system"
		if source == "ws" {
			reason = "user"
		}
		if m.transitionLocked(types.StatusCancelled) {
			m.emitLocked(types.EvOrderCancelled, nil, reason)
			m.markTerminalLocked()
		}
	case types.StatusExpired:
		if m.transitionLocked(types.StatusExpired) {
			m.emitLocked(types.EvOrderExpired, nil, "")
			m.markTerminalLocked()
		}
	case types.StatusRejected:
		if m.transitionLocked(types.StatusRejected) {
			m.emitLocked(types.EvOrderRejected, nil, "")
			m.markTerminalLocked()
		}
	case types.StatusFilled:
		if m.transitionLocked(types.StatusFilled) {
			m.emitLocked(types.EvOrderFilled, nil, "")
			m.markTerminalLocked()
		}
	default:
		if m.transitionLocked(reportedStatus) {
			m.emitLocked(types.EvStatusChange, nil, "")
		}
	}
}

// transitionLocked validates and applies a status change. An invalid
// transition emits an error event and leaves the order unchanged, per
// spec §4.5 ("Invalid status transition ... keep current status").
func (m *Machine) transitionLocked(to types.OrderStatus) bool {
	if m.order.Status == to {
		return false
	}
	if !validTransitions[m.order.Status][to] {
		m.emitLocked(types.EvError, nil, fmt.Sprintf("invalid transition %s -> %s", m.order.Status, to))
		return false
	}
	m.order.Status = to
	return true
}

func (m *Machine) markTerminalLocked() {
	m.terminal = true
}

func (m *Machine) dedupLocked(key string) bool {
	if m.processed[key] {
		return false
	}
	m.processed[key] = true
	return true
}

func (m *Machine) emitLocked(name types.EventName, fill *types.Fill, reason string) {
	if m.emit == nil {
		return
	}
	m.emit(types.LifecycleEvent{
		Name:    name,
		OrderID: m.order.OrderID,
		Order:   m.order,
		Fill:    fill,
		Reason:  reason,
	})
}

// mapReportedStatus derives an OrderStatus from a user-order event's
// Status string, falling back to its EventType when Status is absent.
func mapReportedStatus(status, eventType string) types.OrderStatus {
	if status != "" {
		return types.OrderStatus(status)
	}
	switch eventType {
	case "CANCELLATION":
		return types.StatusCancelled
	case "PLACEMENT":
		return types.StatusOpen
	default:
		return ""
	}
}
