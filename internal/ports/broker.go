package ports

import (
	"context"
	"time"

	"breakoutbot/internal/domain"
)

// OrderResult represents the essential details returned after placing an order.
type OrderResult struct {
	OrderID       string    `json:"order_id"`        // Broker's order ID
	ClientOrderID string    `json:"client_order_id"` // Locally generated order tag
	Symbol        string    `json:"symbol"`          // Symbol for the order
	Side          string    `json:"side"`            // Order side (BUY, SELL)
	Quantity      int       `json:"quantity"`        // Quantity requested
	Status        string    `json:"status"`          // Broker-reported order status
	Timestamp     time.Time `json:"timestamp"`       // Time the order response was generated
}

// Broker defines the interface for the brokerage gateway.
// This abstraction decouples the trade lifecycle from specific broker APIs:
// session handling, token lookup, quotes and orders all live behind it.
type Broker interface {
	// ResolveToken looks up the broker-internal instrument id for a symbol.
	ResolveToken(ctx context.Context, symbol string) (string, error)

	// LastPrice retrieves the last traded price for a resolved instrument.
	LastPrice(ctx context.Context, symbol, token string) (float64, error)

	// PlaceMarketOrder submits a market order and returns its confirmation.
	PlaceMarketOrder(ctx context.Context, symbol, token string, side domain.OrderSide, quantity int) (*OrderResult, error)
}
