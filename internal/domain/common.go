package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// IsValid reports whether the side is one of the two known values.
func (s OrderSide) IsValid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the reversing side, used to flatten a position.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TradeStatus represents the status of a trade.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// ExitReason indicates why a trade was closed.
type ExitReason string

const (
	ExitReasonTarget   ExitReason = "TARGET_HIT"
	ExitReasonStopLoss ExitReason = "STOP_LOSS_HIT"
	ExitReasonManual   ExitReason = "MANUAL"
)
