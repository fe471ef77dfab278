package domain

import "time"

// Trade is the single mutable entity of the system: one brokerage position
// from entry until it is flattened. Stop-loss and target are stored as
// positive offsets from the entry price; absolute boundary prices are always
// derived per side, never stored.
type Trade struct {
	ID             int64      // Assigned by the journal on close (0 while open)
	Symbol         string     // Instrument identifier (e.g. "NIFTY24JUL24000CE")
	Token          string     // Broker-internal instrument id, resolved at entry
	Side           OrderSide  // Direction of the opening order
	EntryPrice     float64    // Last-traded-price observed at entry time
	StopLossOffset float64    // Positive distance from entry to the loss boundary
	TargetOffset   float64    // Positive distance from entry to the profit boundary
	Quantity       int        // Fixed lot size from configuration
	EntryTime      time.Time  // When the position was opened
	ExitPrice      float64    // Price observed when the exit fired (0 while open)
	ExitTime       time.Time  // When the position was closed (zero while open)
	Status         TradeStatus
	ExitReason     ExitReason // Why the trade closed (empty while open)
	PNL            float64    // Realized profit and loss (set on close)
}

// StopPrice derives the absolute stop-loss boundary for the trade's side.
func (t *Trade) StopPrice() float64 {
	if t.Side == Buy {
		return t.EntryPrice - t.StopLossOffset
	}
	return t.EntryPrice + t.StopLossOffset
}

// TargetPrice derives the absolute target boundary for the trade's side.
func (t *Trade) TargetPrice() float64 {
	if t.Side == Buy {
		return t.EntryPrice + t.TargetOffset
	}
	return t.EntryPrice - t.TargetOffset
}

// PNLAt computes profit and loss at the given price. BUY profits when price
// rises above entry, SELL when it falls below.
func (t *Trade) PNLAt(price float64) float64 {
	if t.Side == Buy {
		return (price - t.EntryPrice) * float64(t.Quantity)
	}
	return (t.EntryPrice - price) * float64(t.Quantity)
}

// EvaluateExit checks a single observed price against both boundaries and
// returns the exit reason if one fires. Target is checked before stop-loss,
// so a price that satisfies both (possible only with crossed boundaries from
// misconfigured offsets) deterministically resolves to the target.
func (t *Trade) EvaluateExit(price float64) (ExitReason, bool) {
	if t.Side == Buy {
		if price >= t.TargetPrice() {
			return ExitReasonTarget, true
		}
		if price <= t.StopPrice() {
			return ExitReasonStopLoss, true
		}
		return "", false
	}
	if price <= t.TargetPrice() {
		return ExitReasonTarget, true
	}
	if price >= t.StopPrice() {
		return ExitReasonStopLoss, true
	}
	return "", false
}

// IsOpen checks if the trade status is open.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}
