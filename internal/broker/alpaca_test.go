package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, ReqPerMinute: 6000}, nil)
}

func TestGetAccountParsesDecimals(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireAccount{
			PortfolioValue: "10000.50",
			BuyingPower:    "20000",
			Equity:         "10000.50",
			LastEquity:     "9950.00",
		})
	}))
	acc, err := c.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := decimal.NewFromString("10000.50")
	if !acc.PortfolioValue.Equal(want) {
		t.Fatalf("unexpected portfolio value: %s", acc.PortfolioValue)
	}
}

func TestSubmitOrderDryRunNeverHitsNetwork(t *testing.T) {
	hit := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	c.dryRun = true
	id, err := c.SubmitOrder(context.Background(), SubmitOrderRequest{
		ClientOrderID: "trade-1-1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Mode:          types.ModeEquities,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatalf("dry-run must never call the broker")
	}
	if id == "" {
		t.Fatalf("expected a synthetic broker id")
	}
}

func TestGetAccountClassifiesServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := c.GetAccount(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
}
