// Package broker wraps the upstream Alpaca-style REST + market-data
// websocket API behind the narrow Gateway interface. Grounded on
// 0xtitan6-polymarket-mm/internal/exchange/client.go for the resty+slog+
// rate-limiter shape, and on other_examples' maystocks-alpaca.go for the
// exact Alpaca wire field names (trade{t,p,s}, quote{t,bp,ap}, bar{t,o,h,l,c,v}).
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// wireBar mirrors Alpaca's bar JSON shape.
type wireBar struct {
	T  time.Time `json:"t"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  float64   `json:"v"`
	N  int64     `json:"n"`
	VW float64   `json:"vw"`
}

type wireBarsResponse struct {
	Symbol        string    `json:"symbol"`
	NextPageToken string    `json:"next_page_token"`
	Bars          []wireBar `json:"bars"`
}

// wireCryptoBarsResponse mirrors the crypto market-data endpoint, which keys
// bars by symbol instead of returning a single-symbol array.
type wireCryptoBarsResponse struct {
	Bars          map[string][]wireBar `json:"bars"`
	NextPageToken string               `json:"next_page_token"`
}

type wireAccount struct {
	PortfolioValue string `json:"portfolio_value"`
	BuyingPower    string `json:"buying_power"`
	Equity         string `json:"equity"`
	LastEquity     string `json:"last_equity"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type wireOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type wireOrderResponse struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Status         string `json:"status"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledQty      string `json:"filled_qty"`
}

type wireClock struct {
	IsOpen bool `json:"is_open"`
}

// Client is the Alpaca-style Gateway implementation.
type Client struct {
	http      *resty.Client
	data      *resty.Client
	rl        *RateLimiter
	logger    *slog.Logger
	dryRun    bool
	streamURL string
	apiKey    string
	apiSecret string

	clockCache     map[types.MarketMode]bool
	clockCacheTime map[types.MarketMode]time.Time
}

// Config holds what the Client needs to reach the broker.
type Config struct {
	BaseURL      string
	DataURL      string
	StreamURL    string
	APIKey       string
	APISecret    string
	DryRun       bool
	ReqPerMinute float64
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetHeader("Content-Type", "application/json")

	data := resty.New().
		SetBaseURL(cfg.DataURL).
		SetTimeout(10 * time.Second).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:           h,
		data:           data,
		rl:             NewRateLimiter(cfg.ReqPerMinute),
		logger:         logger,
		dryRun:         cfg.DryRun,
		streamURL:      cfg.StreamURL,
		apiKey:         cfg.APIKey,
		apiSecret:      cfg.APISecret,
		clockCache:     make(map[types.MarketMode]bool),
		clockCacheTime: make(map[types.MarketMode]time.Time),
	}
}

var _ Gateway = (*Client)(nil)

// SubmitOrder implements Gateway. In dry-run mode it never calls the
// broker: it echoes a synthetic broker ID so the rest of the pipeline
// (Order Manager, Position Tracker) runs unmodified.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (string, error) {
	if c.dryRun {
		return "dryrun-" + req.ClientOrderID, nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	body := wireOrderRequest{
		Symbol:        toBrokerForm(req.Symbol, req.Mode),
		Qty:           req.Qty.String(),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TIF),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == types.OrderLimit {
		body.LimitPrice = req.LimitPrice.String()
	}

	var result wireOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return "", &GatewayError{Class: ErrTransient, Message: err.Error()}
	}
	if resp.IsError() {
		return "", classify(resp.StatusCode(), string(resp.Body()))
	}
	return result.ID, nil
}

func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if c.dryRun {
		return nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Delete("/v2/orders/" + brokerOrderID)
	if err != nil {
		return &GatewayError{Class: ErrTransient, Message: err.Error()}
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return classify(resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (c *Client) GetAccount(ctx context.Context) (types.Account, error) {
	var out types.Account
	err := withRetry(ctx, defaultRetry, func() error {
		if err := c.rl.Wait(ctx); err != nil {
			return err
		}
		var result wireAccount
		resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v2/account")
		if err != nil {
			return &GatewayError{Class: ErrTransient, Message: err.Error()}
		}
		if resp.IsError() {
			return classify(resp.StatusCode(), string(resp.Body()))
		}
		out = types.Account{
			PortfolioValue: parseDecimal(result.PortfolioValue),
			BuyingPower:    parseDecimal(result.BuyingPower),
			Equity:         parseDecimal(result.Equity),
			LastEquity:     parseDecimal(result.LastEquity),
		}
		return nil
	})
	return out, err
}

func (c *Client) ListPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := withRetry(ctx, defaultRetry, func() error {
		if err := c.rl.Wait(ctx); err != nil {
			return err
		}
		var result []wirePosition
		resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v2/positions")
		if err != nil {
			return &GatewayError{Class: ErrTransient, Message: err.Error()}
		}
		if resp.IsError() {
			return classify(resp.StatusCode(), string(resp.Body()))
		}
		out = make([]types.Position, 0, len(result))
		for _, p := range result {
			out = append(out, types.Position{
				Symbol:        fromBrokerForm(p.Symbol),
				Qty:           parseDecimal(p.Qty),
				Side:          types.Side(p.Side),
				AvgEntryPrice: parseDecimal(p.AvgEntryPrice),
				MarketValue:   parseDecimal(p.MarketValue),
				UnrealizedPL:  parseDecimal(p.UnrealizedPL),
			})
		}
		return nil
	})
	return out, err
}

func (c *Client) GetBars(ctx context.Context, symbol types.Symbol, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error) {
	brokerSymbol := toBrokerForm(symbol, mode)
	var out []types.Candle
	err := withRetry(ctx, defaultRetry, func() error {
		if err := c.rl.Wait(ctx); err != nil {
			return err
		}
		var bars []wireBar
		var resp *resty.Response
		var err error
		if mode == types.ModeCrypto {
			var result wireCryptoBarsResponse
			resp, err = c.data.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"symbols":   brokerSymbol,
					"timeframe": timeframe,
					"limit":     strconv.Itoa(limit),
				}).
				SetResult(&result).
				Get("/v1beta3/crypto/us/bars")
			bars = result.Bars[brokerSymbol]
		} else {
			var result wireBarsResponse
			resp, err = c.data.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"timeframe": timeframe,
					"limit":     strconv.Itoa(limit),
				}).
				SetResult(&result).
				Get(fmt.Sprintf("/v2/stocks/%s/bars", brokerSymbol))
			bars = result.Bars
		}
		if err != nil {
			return &GatewayError{Class: ErrTransient, Message: err.Error()}
		}
		if resp.IsError() {
			return classify(resp.StatusCode(), string(resp.Body()))
		}
		out = make([]types.Candle, 0, len(bars))
		for _, b := range bars {
			out = append(out, types.Candle{
				T: b.T,
				O: decimal.NewFromFloat(b.O),
				H: decimal.NewFromFloat(b.H),
				L: decimal.NewFromFloat(b.L),
				C: decimal.NewFromFloat(b.C),
				V: decimal.NewFromFloat(b.V),
			})
		}
		return nil
	})
	return out, err
}

// IsMarketOpen caches the broker clock for 5s to avoid hammering the rate
// limiter on every scheduler tick; crypto is always open.
func (c *Client) IsMarketOpen(mode types.MarketMode) bool {
	if mode == types.ModeCrypto {
		return true
	}
	if t, ok := c.clockCacheTime[mode]; ok && time.Since(t) < 5*time.Second {
		return c.clockCache[mode]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rl.Wait(ctx); err != nil {
		return false
	}
	var result wireClock
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v2/clock")
	if err != nil || resp.IsError() {
		c.logger.Warn("clock fetch failed, assuming market closed", "mode", mode, "err", err)
		return false
	}
	c.clockCache[mode] = result.IsOpen
	c.clockCacheTime[mode] = time.Now()
	return result.IsOpen
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
