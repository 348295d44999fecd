// Package exchange wraps the upstream exchange behind a narrow client
// capability: place order, cancel order, balances, prices, server time.
// Everything protocol-specific stays inside this package.
package exchange

import (
	"context"
	"errors"
	"time"
)

// Order sides and time-in-force values accepted by PlaceOrder.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
	TimeInForceFOK = "FOK"
)

// ErrOrderRejected marks terminal order failures: the exchange examined the
// order and said no (bad symbol, insufficient balance, filter violation).
// Retrying reproduces the same rejection, so callers must not retry.
var ErrOrderRejected = errors.New("order rejected by exchange")

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64 // 0 = market order
	TimeInForce string
}

// OrderResult is the fill outcome of a placed order.
type OrderResult struct {
	OrderID   int64
	FilledQty float64
	AvgPrice  float64
	Status    string
}

// Balance is one asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Client is the exchange capability consumed by the scheduler and risk
// engine. Both the live Binance client and the mock implement it.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// Ensure both implementations satisfy the interface
var _ Client = (*BinanceClient)(nil)
var _ Client = (*MockClient)(nil)
