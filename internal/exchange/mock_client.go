package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient simulates the exchange for dry-run mode and tests. Responses
// can be scripted per call by setting the error and fill fields.
type MockClient struct {
	mu sync.Mutex

	Prices       map[string]float64
	BalancesList []Balance

	// PlaceOrderErr is returned by every PlaceOrder call until cleared.
	// PlaceOrderErrs, if non-empty, is consumed one error per call first
	// (nil entries mean success), which lets tests script fail-fail-succeed.
	PlaceOrderErr  error
	PlaceOrderErrs []error

	nextOrderID  int64
	placedOrders []OrderRequest
	cancelled    []int64
}

// NewMockClient creates a mock client with sane defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Prices:      make(map[string]float64),
		nextOrderID: 1000,
	}
}

// PlaceOrder records the order and returns a scripted or full fill.
func (m *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.PlaceOrderErrs) > 0 {
		err := m.PlaceOrderErrs[0]
		m.PlaceOrderErrs = m.PlaceOrderErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if m.PlaceOrderErr != nil {
		return nil, m.PlaceOrderErr
	}

	m.nextOrderID++
	m.placedOrders = append(m.placedOrders, req)

	price := req.Price
	if price == 0 {
		price = m.Prices[req.Symbol]
	}
	return &OrderResult{
		OrderID:   m.nextOrderID,
		FilledQty: req.Quantity,
		AvgPrice:  price,
		Status:    "FILLED",
	}, nil
}

// CancelOrder records the cancellation.
func (m *MockClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

// GetBalances returns the configured balances.
func (m *MockClient) GetBalances(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Balance(nil), m.BalancesList...), nil
}

// GetPrice returns the configured price for a symbol.
func (m *MockClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no mock price for %s", symbol)
	}
	return price, nil
}

// GetServerTime returns the local clock.
func (m *MockClient) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

// PlacedOrders returns a copy of all orders placed so far.
func (m *MockClient) PlacedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.placedOrders...)
}
