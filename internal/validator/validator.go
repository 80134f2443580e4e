// Package validator implements pre-flight order validation (C4). It is a
// pure function over types.LimitOrderParams / types.MarketOrderParams —
// no I/O, no shared state — so a rejection never reaches the REST layer.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

const (
	tickSize       = "0.01"
	minShares      = 5
	minNotionalUSD = 1
	maxBatchOrders = 15
)

// tickTolerance is the 10^-3 price-unit tolerance from spec §4.4.
var tickTolerance = decimal.RequireFromString("0.001")

// Result is the outcome of validating one order.
type Result struct {
	Accepted bool
	Reason   string
}

func accept() Result { return Result{Accepted: true} }

func reject(reason string) Result { return Result{Accepted: false, Reason: reason} }

// ValidateLimit checks a limit order against tick size, minimum shares,
// and minimum notional rules.
func ValidateLimit(p types.LimitOrderParams) Result {
	if !isTickAligned(p.Price) {
		return reject(fmt.Sprintf("price %s is not a multiple of %s", p.Price, tickSize))
	}
	if p.Size.LessThan(decimal.NewFromInt(minShares)) {
		return reject(fmt.Sprintf("size %s is below minimum %d shares", p.Size, minShares))
	}
	notional := p.Price.Mul(p.Size)
	if notional.LessThan(decimal.NewFromInt(minNotionalUSD)) {
		return reject(fmt.Sprintf("notional %s is below minimum $%d", notional, minNotionalUSD))
	}
	return accept()
}

// ValidateMarket checks a market order against minimum notional and kind.
func ValidateMarket(p types.MarketOrderParams) Result {
	if !p.OrderKind.IsMarket() {
		return reject(fmt.Sprintf("orderKind %s is not a market kind (FOK/FAK)", p.OrderKind))
	}
	if p.Amount.LessThan(decimal.NewFromInt(minNotionalUSD)) {
		return reject(fmt.Sprintf("amount %s is below minimum $%d", p.Amount, minNotionalUSD))
	}
	return accept()
}

// ValidateBatch checks a batch size against the venue's maximum.
func ValidateBatch(n int) Result {
	if n > maxBatchOrders {
		return reject(fmt.Sprintf("batch size %d exceeds maximum %d", n, maxBatchOrders))
	}
	return accept()
}

// isTickAligned reports whether price is a multiple of 0.01 within a
// tolerance of 10^-3: round to the nearest cent via integer-cent
// comparison, then require the deviation to be strictly less than the
// tolerance (an exact 0.001 deviation, e.g. price=0.011, is rejected).
func isTickAligned(price decimal.Decimal) bool {
	nearestCent := price.Round(2)
	deviation := price.Sub(nearestCent).Abs()
	return deviation.LessThan(tickTolerance)
}
