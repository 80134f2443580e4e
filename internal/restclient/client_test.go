package restclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAuth struct{}

func (fakeAuth) L2Headers(method, path, body string) (map[string]string, error) {
	return map[string]string{"POLY_ADDRESS": "0xabc"}, nil
}

func newDryRunClient() *RESTClient {
	return New("http://unused.invalid", fakeAuth{}, true, testLogger())
}

func TestSubmitLimitOrderDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	res, err := c.SubmitLimitOrder(context.Background(), types.LimitOrderParams{
		TokenID: "t1", Side: types.BUY, Price: decimal.RequireFromString("0.5"), Size: decimal.RequireFromString("10"),
	})
	if err != nil {
		t.Fatalf("SubmitLimitOrder: %v", err)
	}
	if !res.Success || res.OrderID == "" {
		t.Errorf("dry-run result = %+v, want success with a synthesized orderId", res)
	}
}

func TestSubmitMarketOrderDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	res, err := c.SubmitMarketOrder(context.Background(), types.MarketOrderParams{
		TokenID: "t1", Side: types.BUY, Amount: decimal.RequireFromString("10"), OrderKind: types.FOK,
	})
	if err != nil {
		t.Fatalf("SubmitMarketOrder: %v", err)
	}
	if !res.Success {
		t.Errorf("dry-run result = %+v, want success", res)
	}
}

func TestCancelOrderDryRun(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()
	ok, err := c.CancelOrder(context.Background(), "o1")
	if err != nil || !ok {
		t.Fatalf("CancelOrder dry-run = %v, %v, want true, nil", ok, err)
	}
}

func TestSubmitLimitOrderLiveRequest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("POLY_ADDRESS") != "0xabc" {
			t.Errorf("missing signed auth header")
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(orderResponse{Success: true, OrderID: "live-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, fakeAuth{}, false, testLogger())
	res, err := c.SubmitLimitOrder(context.Background(), types.LimitOrderParams{
		TokenID: "t1", Side: types.BUY, Price: decimal.RequireFromString("0.5"), Size: decimal.RequireFromString("10"),
	})
	if err != nil {
		t.Fatalf("SubmitLimitOrder: %v", err)
	}
	if !res.Success || res.OrderID != "live-1" {
		t.Errorf("res = %+v, want success/live-1", res)
	}
}

func TestGetOrderParsesDecimalFields(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderStateResponse{
			OrderID: "o1", TokenID: "t1", Side: "BUY",
			Price: "0.5", OriginalSize: "100", SizeMatched: "40", RemainingSize: "60",
			Status: "PARTIALLY_FILLED",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, fakeAuth{}, false, testLogger())
	order, err := c.GetOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !order.FilledSize.Equal(decimal.RequireFromString("40")) {
		t.Errorf("filledSize = %s, want 40", order.FilledSize)
	}
	if order.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", order.Status)
	}
}

func TestGetMarketResolution(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(marketResponse{Resolved: true, WinningAssetID: "up-token"})
	}))
	defer srv.Close()

	c := New(srv.URL, fakeAuth{}, false, testLogger())
	winner, resolved, err := c.GetMarketResolution(context.Background(), "cond1")
	if err != nil {
		t.Fatalf("GetMarketResolution: %v", err)
	}
	if !resolved || winner != "up-token" {
		t.Errorf("resolved=%v winner=%q, want true/up-token", resolved, winner)
	}
}

func TestGetTickSize(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"minimum_tick_size":"0.01"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, fakeAuth{}, false, testLogger())
	tick, err := c.GetTickSize(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTickSize: %v", err)
	}
	if !tick.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("tick = %s, want 0.01", tick)
	}
}

func TestCancelOrderLiveRequestNonOKIsNotConfirmed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, fakeAuth{}, false, testLogger())
	ok, err := c.CancelOrder(context.Background(), "missing")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if ok {
		t.Error("expected CancelOrder to report false on a non-200 response")
	}
}
