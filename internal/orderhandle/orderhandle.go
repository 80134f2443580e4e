// Package orderhandle implements the per-order awaitable lifecycle handle
// (C6). A Handle is a weak observer: it watches OrderManager's shared
// event stream filtered down to its own orderId, and never mutates the
// order itself — OrderStateMachine remains the single source of truth.
package orderhandle

import (
	"log/slog"
	"sync"

	"polyarb/pkg/types"
)

// Result is the terminal outcome a Handle resolves with exactly once.
type Result struct {
	Status types.OrderStatus
	Order  types.Order
	Fills  []types.Fill
	Reason string
}

// Handle is a fluent, awaitable lifecycle handle for one order.
type Handle struct {
	logger *slog.Logger

	mu          sync.Mutex
	orderID     string
	cancelFn    func() error
	unsubscribe func()

	onAccepted    func(types.Order)
	onPartialFill func(types.Order, types.Fill)
	onFilled      func(types.Order, []types.Fill)
	onRejected    func(types.Order, string)
	onCancelled   func(types.Order, string)
	onExpired     func(types.Order)

	fills    []types.Fill
	resolved bool
	result   Result
	done     chan struct{}
}

// New constructs a Handle in the "created" lifecycle point. The cancel
// capability Cancel invokes is bound later by SetOrderID; it is typically
// OrderManager's cancelOrder bound to this handle's eventual orderId.
func New(logger *slog.Logger) *Handle {
	return &Handle{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// SetOrderID binds the handle to its venue-assigned orderId once REST
// submission succeeds, and records the cancel capability.
func (h *Handle) SetOrderID(orderID string, cancelFn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orderID = orderID
	h.cancelFn = cancelFn
}

// SetUnsubscribe records the callback that removes this handle from the
// manager's event stream; invoked automatically on resolution.
func (h *Handle) SetUnsubscribe(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribe = fn
}

// OrderID returns the bound orderId, or "" if not yet assigned.
func (h *Handle) OrderID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.orderID
}

// OnAccepted registers a callback for the order reaching OPEN.
func (h *Handle) OnAccepted(cb func(types.Order)) *Handle {
	h.mu.Lock()
	h.onAccepted = cb
	h.mu.Unlock()
	return h
}

// OnPartialFill registers a callback for each partial fill.
func (h *Handle) OnPartialFill(cb func(types.Order, types.Fill)) *Handle {
	h.mu.Lock()
	h.onPartialFill = cb
	h.mu.Unlock()
	return h
}

// OnFilled registers a callback invoked once, on full fill.
func (h *Handle) OnFilled(cb func(types.Order, []types.Fill)) *Handle {
	h.mu.Lock()
	h.onFilled = cb
	h.mu.Unlock()
	return h
}

// OnRejected registers a callback invoked once, on rejection.
func (h *Handle) OnRejected(cb func(types.Order, string)) *Handle {
	h.mu.Lock()
	h.onRejected = cb
	h.mu.Unlock()
	return h
}

// OnCancelled registers a callback invoked once, on cancellation.
func (h *Handle) OnCancelled(cb func(types.Order, string)) *Handle {
	h.mu.Lock()
	h.onCancelled = cb
	h.mu.Unlock()
	return h
}

// OnExpired registers a callback invoked once, on GTD expiry.
func (h *Handle) OnExpired(cb func(types.Order)) *Handle {
	h.mu.Lock()
	h.onExpired = cb
	h.mu.Unlock()
	return h
}

// Cancel requests cancellation of the underlying order. It no-ops if no
// orderId is known yet, or the handle has already resolved.
func (h *Handle) Cancel() error {
	h.mu.Lock()
	if h.orderID == "" || h.resolved {
		h.mu.Unlock()
		return nil
	}
	cancelFn := h.cancelFn
	h.mu.Unlock()
	if cancelFn == nil {
		return nil
	}
	return cancelFn()
}

// Done returns a channel closed exactly once, when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal outcome. Only meaningful after Done() has
// closed; returns the zero Result otherwise.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Dispatch feeds one lifecycle event from the manager's shared stream.
// Events for other orderIds, and any event delivered after resolution,
// are silently dropped. User callbacks are fenced: a panic is recovered
// and logged, never propagated back into the manager.
func (h *Handle) Dispatch(evt types.LifecycleEvent) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	if h.orderID != "" && evt.OrderID != h.orderID {
		h.mu.Unlock()
		return
	}

	switch evt.Name {
	case types.EvOrderOpened:
		cb := h.onAccepted
		order := evt.Order
		h.mu.Unlock()
		if cb != nil {
			h.fence("accepted", func() { cb(order) })
		}

	case types.EvOrderPartiallyFilled:
		if evt.Fill != nil {
			h.fills = append(h.fills, *evt.Fill)
		}
		cb := h.onPartialFill
		order := evt.Order
		fill := evt.Fill
		h.mu.Unlock()
		if cb != nil && fill != nil {
			h.fence("partialFill", func() { cb(order, *fill) })
		}

	case types.EvOrderFilled:
		if evt.Fill != nil {
			h.fills = append(h.fills, *evt.Fill)
		}
		fills := append([]types.Fill(nil), h.fills...)
		cb := h.onFilled
		order := evt.Order
		h.resolveLocked(Result{Status: types.StatusFilled, Order: order, Fills: fills})
		h.mu.Unlock()
		if cb != nil {
			h.fence("filled", func() { cb(order, fills) })
		}

	case types.EvOrderCancelled:
		cb := h.onCancelled
		order := evt.Order
		reason := evt.Reason
		fills := append([]types.Fill(nil), h.fills...)
		h.resolveLocked(Result{Status: types.StatusCancelled, Order: order, Fills: fills, Reason: reason})
		h.mu.Unlock()
		if cb != nil {
			h.fence("cancelled", func() { cb(order, reason) })
		}

	case types.EvOrderExpired:
		cb := h.onExpired
		order := evt.Order
		fills := append([]types.Fill(nil), h.fills...)
		h.resolveLocked(Result{Status: types.StatusExpired, Order: order, Fills: fills})
		h.mu.Unlock()
		if cb != nil {
			h.fence("expired", func() { cb(order) })
		}

	case types.EvOrderRejected:
		cb := h.onRejected
		order := evt.Order
		reason := evt.Reason
		h.resolveLocked(Result{Status: types.StatusRejected, Order: order, Reason: reason})
		h.mu.Unlock()
		if cb != nil {
			h.fence("rejected", func() { cb(order, reason) })
		}

	default:
		h.mu.Unlock()
	}
}

// resolveLocked marks the handle resolved and unsubscribes. Caller must
// hold h.mu.
func (h *Handle) resolveLocked(res Result) {
	if h.resolved {
		return
	}
	h.resolved = true
	h.result = res
	close(h.done)
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func (h *Handle) fence(point string, fn func()) {
	defer func() {
		if r := recover(); r != nil && h.logger != nil {
			h.logger.Error("orderhandle callback panicked", "point", point, "recover", r)
		}
	}()
	fn()
}
