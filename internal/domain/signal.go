package domain

// Signal is an inbound trade request: open a position on symbol in the given
// direction, supervised with the given stop-loss and target offsets.
type Signal struct {
	Symbol         string
	Side           OrderSide
	StopLossOffset float64
	TargetOffset   float64
}
