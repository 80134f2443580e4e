// Package restclient is the REST collaborator OrderManager calls to
// submit, cancel and poll orders; its Client interface also carries
// market and position reads. Per spec.md §1 this surface is an external collaborator
// specified only by the interface the core consumes — RESTClient is a
// concrete implementation so the core has something real to run and test
// against, not the focus of this module.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// Authenticator signs outgoing requests with L2 (HMAC) credentials. It is
// satisfied by *Auth (auth.go).
type Authenticator interface {
	L2Headers(method, path, body string) (map[string]string, error)
}

// Client is the REST surface the core depends on.
type Client interface {
	SubmitLimitOrder(ctx context.Context, p types.LimitOrderParams) (types.OrderResult, error)
	SubmitMarketOrder(ctx context.Context, p types.MarketOrderParams) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	GetMarketResolution(ctx context.Context, conditionID string) (winningAssetID string, resolved bool, err error)
	GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error)
	GetNegRiskFlag(ctx context.Context, conditionID string) (bool, error)
	GetPositionBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// RESTClient is the concrete, rate-limited, retrying Client implementation.
type RESTClient struct {
	http   *resty.Client
	auth   Authenticator
	rl     *rateLimiter
	dryRun bool
	logger *slog.Logger
}

// New constructs a RESTClient against baseURL.
func New(baseURL string, auth Authenticator, dryRun bool, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:   httpClient,
		auth:   auth,
		rl:     newRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "restclient"),
	}
}

type orderRequest struct {
	TokenID    string `json:"tokenId"`
	Side       string `json:"side"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size,omitempty"`
	Amount     string `json:"amount,omitempty"`
	OrderType  string `json:"orderType"`
	Expiration string `json:"expiration,omitempty"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	ErrorMsg string `json:"errorMsg"`
}

// SubmitLimitOrder places a GTC/GTD resting order.
func (c *RESTClient) SubmitLimitOrder(ctx context.Context, p types.LimitOrderParams) (types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit limit order", "tokenId", p.TokenID, "side", p.Side, "price", p.Price, "size", p.Size)
		return types.OrderResult{Success: true, OrderID: fmt.Sprintf("dry-run-limit-%d", time.Now().UnixNano())}, nil
	}
	if err := c.rl.Submit.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	req := orderRequest{
		TokenID:   p.TokenID,
		Side:      string(p.Side),
		Price:     p.Price.String(),
		Size:      p.Size.String(),
		OrderType: string(p.OrderKind),
	}
	if p.OrderKind == types.GTD {
		req.Expiration = fmt.Sprintf("%d", p.Expiration)
	}
	return c.postOrder(ctx, req)
}

// SubmitMarketOrder places an immediate-execution FOK/FAK order.
func (c *RESTClient) SubmitMarketOrder(ctx context.Context, p types.MarketOrderParams) (types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit market order", "tokenId", p.TokenID, "side", p.Side, "amount", p.Amount)
		return types.OrderResult{Success: true, OrderID: fmt.Sprintf("dry-run-market-%d", time.Now().UnixNano())}, nil
	}
	if err := c.rl.Submit.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	req := orderRequest{
		TokenID:   p.TokenID,
		Side:      string(p.Side),
		Amount:    p.Amount.String(),
		OrderType: string(p.OrderKind),
	}
	return c.postOrder(ctx, req)
}

func (c *RESTClient) postOrder(ctx context.Context, req orderRequest) (types.OrderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return types.OrderResult{Success: result.Success, OrderID: result.OrderID, ErrorMsg: result.ErrorMsg}, nil
}

// CancelOrder cancels one order. It returns true iff the venue confirms.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "orderId", orderID)
		return true, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	path := fmt.Sprintf("/order/%s", orderID)
	headers, err := c.auth.L2Headers(http.MethodDelete, path, "")
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return resp.StatusCode() == http.StatusOK, nil
}

type orderStateResponse struct {
	OrderID       string `json:"orderID"`
	TokenID       string `json:"tokenId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OriginalSize  string `json:"originalSize"`
	SizeMatched   string `json:"sizeMatched"`
	RemainingSize string `json:"remainingSize"`
	Status        string `json:"status"`
}

// GetOrder fetches the venue's current view of one order, used by
// OrderManager's polling loop.
func (c *RESTClient) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	var result orderStateResponse
	path := fmt.Sprintf("/data/order/%s", orderID)
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}

	price, _ := decimal.NewFromString(result.Price)
	originalSize, _ := decimal.NewFromString(result.OriginalSize)
	filledSize, _ := decimal.NewFromString(result.SizeMatched)
	remainingSize, _ := decimal.NewFromString(result.RemainingSize)

	return types.Order{
		OrderID:       result.OrderID,
		TokenID:       result.TokenID,
		Side:          types.Side(result.Side),
		Price:         price,
		OriginalSize:  originalSize,
		FilledSize:    filledSize,
		RemainingSize: remainingSize,
		Status:        types.OrderStatus(result.Status),
		UpdatedAt:     time.Now(),
	}, nil
}

type marketResponse struct {
	ConditionID    string `json:"conditionId"`
	Resolved       bool   `json:"resolved"`
	WinningAssetID string `json:"winningAssetId"`
	NegRisk        bool   `json:"negRisk"`
}

// GetMarketResolution reports whether a market has resolved and, if so,
// the winning asset ID.
func (c *RESTClient) GetMarketResolution(ctx context.Context, conditionID string) (string, bool, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return "", false, err
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("condition_id", conditionID).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return "", false, fmt.Errorf("get market resolution: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", false, fmt.Errorf("get market resolution: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.WinningAssetID, result.Resolved, nil
}

// GetTickSize fetches the minimum price increment for a token.
func (c *RESTClient) GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var result struct {
		MinimumTickSize string `json:"minimum_tick_size"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/tick-size")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get tick size: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get tick size: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.MinimumTickSize)
}

// GetNegRiskFlag reports whether a market is part of a neg-risk (multi-
// outcome) event, which changes how CTF merge/redeem calls are shaped.
func (c *RESTClient) GetNegRiskFlag(ctx context.Context, conditionID string) (bool, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return false, err
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("condition_id", conditionID).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return false, fmt.Errorf("get neg risk flag: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("get neg risk flag: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.NegRisk, nil
}

// GetPositionBalance fetches the wallet's current on-chain share balance
// for a token, used to size redemption/merge calls.
func (c *RESTClient) GetPositionBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get position balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get position balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.Balance)
}
