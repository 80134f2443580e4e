// Package marketscan discovers the next tradeable short-duration
// up/down market for a configured underlying by polling the Gamma API,
// the read-only market metadata service alongside the CLOB. It backs
// RotationScheduler's preload and rotation steps (§4.9).
package marketscan

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// underlyingKeywords maps an Underlying to the slug/question substrings
// Gamma markets use to name it.
var underlyingKeywords = map[types.Underlying][]string{
	types.BTC: {"bitcoin", "btc"},
	types.ETH: {"ethereum", "eth"},
	types.SOL: {"solana", "sol"},
	types.XRP: {"ripple", "xrp"},
}

// gammaMarket is the JSON shape returned by the Gamma API's /markets
// endpoint, trimmed to the fields scanUpcomingMarkets needs.
type gammaMarket struct {
	ConditionID           string `json:"conditionId"`
	Slug                  string `json:"slug"`
	Question              string `json:"question"`
	Active                bool   `json:"active"`
	Closed                bool   `json:"closed"`
	AcceptingOrders       bool   `json:"acceptingOrders"`
	EnableOrderBook       bool   `json:"enableOrderBook"`
	EndDate               string `json:"endDate"`
	StartDate             string `json:"startDate"`
	ClobTokenIds          string `json:"clobTokenIds"`
	Outcomes              string `json:"outcomes"`
	NegRisk               bool   `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
}

// Scanner polls the Gamma API for upcoming markets.
type Scanner struct {
	http *resty.Client
}

// New constructs a Scanner pointed at gammaBaseURL.
func New(gammaBaseURL string) *Scanner {
	return &Scanner{
		http: resty.New().
			SetBaseURL(gammaBaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// ScanUpcomingMarkets finds the next market for underlying whose duration
// matches durationMinutes (±1 minute, to absorb Gamma's rounding), is
// still open for trading, and has the earliest end time among matches —
// i.e. the one RotationScheduler should roll into next. Returns false if
// nothing matches.
func (s *Scanner) ScanUpcomingMarkets(ctx context.Context, underlying types.Underlying, durationMinutes int) (types.Market, bool, error) {
	markets, err := s.fetchMarkets(ctx)
	if err != nil {
		return types.Market{}, false, fmt.Errorf("marketscan: %w", err)
	}

	keywords := underlyingKeywords[underlying]
	now := time.Now()

	var best *gammaMarket
	var bestEnd time.Time
	var bestMarket types.Market

	for i := range markets {
		m := &markets[i]
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}
		if m.ClobTokenIds == "" {
			continue
		}
		if !matchesUnderlying(m, keywords) {
			continue
		}

		endDate, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil || !endDate.After(now) {
			continue
		}

		dur := marketDuration(m, endDate)
		if dur <= 0 || absInt(dur-durationMinutes) > 1 {
			continue
		}

		if best == nil || endDate.Before(bestEnd) {
			converted, ok := convert(m, underlying, dur, endDate)
			if !ok {
				continue
			}
			best = m
			bestEnd = endDate
			bestMarket = converted
		}
	}

	if best == nil {
		return types.Market{}, false, nil
	}
	return bestMarket, true, nil
}

func (s *Scanner) fetchMarkets(ctx context.Context) ([]gammaMarket, error) {
	var all []gammaMarket
	offset := 0
	const limit = 100

	for {
		var page []gammaMarket
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit

		// Gamma has no hard page cap we rely on, but upcoming short-duration
		// markets are always near the front of a closed=false/active=true
		// query, so bail out rather than paging the whole catalog forever.
		if offset >= 2000 {
			break
		}
	}

	return all, nil
}

func matchesUnderlying(m *gammaMarket, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	slug := strings.ToLower(m.Slug)
	question := strings.ToLower(m.Question)
	for _, kw := range keywords {
		if strings.Contains(slug, kw) || strings.Contains(question, kw) {
			return true
		}
	}
	return false
}

// marketDuration estimates a market's nominal duration in minutes from
// its start/end dates, falling back to 0 (unparseable) when StartDate is
// absent or malformed.
func marketDuration(m *gammaMarket, endDate time.Time) int {
	if m.StartDate == "" {
		return 0
	}
	startDate, err := time.Parse(time.RFC3339, m.StartDate)
	if err != nil {
		return 0
	}
	return int(endDate.Sub(startDate).Minutes())
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func convert(m *gammaMarket, underlying types.Underlying, durationMinutes int, endDate time.Time) (types.Market, bool) {
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &ids); err != nil || len(ids) < 2 {
		return types.Market{}, false
	}

	upIdx, downIdx := 0, 1
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil && len(outcomes) >= 2 {
		for i, o := range outcomes {
			switch strings.ToLower(strings.TrimSpace(o)) {
			case "up", "yes":
				upIdx = i
			case "down", "no":
				downIdx = i
			}
		}
	}

	tick := decimal.NewFromFloat(0.01)
	if m.OrderPriceMinTickSize > 0 {
		tick = decimal.NewFromFloat(m.OrderPriceMinTickSize)
	}

	return types.Market{
		ConditionID:     m.ConditionID,
		UpTokenID:       ids[upIdx],
		DownTokenID:     ids[downIdx],
		Underlying:      underlying,
		DurationMinutes: durationMinutes,
		EndTime:         endDate,
		Slug:            m.Slug,
		NegRisk:         m.NegRisk,
		TickSize:        tick,
	}, true
}
