package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
)

// Binance error codes that make an order terminal rather than retryable.
const (
	codeInvalidSymbol       = -1121
	codeFilterFailure       = -1013
	codeInsufficientBalance = -2010
	codeInvalidQuantity     = -1100
)

// Config holds exchange client configuration
type Config struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // Use the mock client instead of live API
}

// BinanceClient implements Client against Binance spot.
type BinanceClient struct {
	api    *binance.Client
	logger zerolog.Logger
}

// NewBinanceClient creates a live Binance spot client.
func NewBinanceClient(cfg Config, logger zerolog.Logger) *BinanceClient {
	binance.UseTestnet = cfg.TestNet
	return &BinanceClient{
		api:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		logger: logger.With().Str("component", "exchange").Logger(),
	}
}

// PlaceOrder places a limit or market order. Limit orders default to GTC.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	if req.Price > 0 {
		tif := req.TimeInForce
		if tif == "" {
			tif = TimeInForceGTC
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceType(tif)).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyOrderError(err)
	}

	result := &OrderResult{
		OrderID: res.OrderID,
		Status:  string(res.Status),
	}
	result.FilledQty, _ = strconv.ParseFloat(res.ExecutedQuantity, 64)
	result.AvgPrice = averageFillPrice(res)

	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Int64("order_id", result.OrderID).
		Float64("filled_qty", result.FilledQty).
		Float64("avg_price", result.AvgPrice).
		Msg("order placed")

	return result, nil
}

// CancelOrder cancels an open order.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return fmt.Errorf("cancel order %d on %s: %w", orderID, symbol, err)
	}
	return nil
}

// GetBalances returns non-zero asset balances.
func (c *BinanceClient) GetBalances(ctx context.Context) ([]Balance, error) {
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	var balances []Balance
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// GetPrice returns the latest trade price for a symbol.
func (c *BinanceClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// GetServerTime returns the exchange server time.
func (c *BinanceClient) GetServerTime(ctx context.Context) (time.Time, error) {
	ms, err := c.api.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("get server time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// classifyOrderError wraps terminal rejections with ErrOrderRejected so the
// scheduler can skip retries; transient failures pass through unchanged.
func classifyOrderError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol, codeFilterFailure, codeInsufficientBalance, codeInvalidQuantity:
			return fmt.Errorf("%w: %s (code %d)", ErrOrderRejected, apiErr.Message, apiErr.Code)
		}
	}
	return err
}

func averageFillPrice(res *binance.CreateOrderResponse) float64 {
	var totalQty, totalQuote float64
	for _, fill := range res.Fills {
		qty, _ := strconv.ParseFloat(fill.Quantity, 64)
		price, _ := strconv.ParseFloat(fill.Price, 64)
		totalQty += qty
		totalQuote += qty * price
	}
	if totalQty == 0 {
		price, _ := strconv.ParseFloat(res.Price, 64)
		return price
	}
	return totalQuote / totalQty
}
