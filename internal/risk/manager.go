package risk

import (
	"context"
	"fmt"
	"math"
	"strings"

	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
)

// RiskConfig holds configuration for signal risk checks.
type RiskConfig struct {
	MaxTradesPerDay int
}

// RiskManager validates inbound signals before a position is opened.
type RiskManager struct {
	config RiskConfig
}

// NewRiskManager creates a new risk manager instance.
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{config: config}
}

// ValidateSignal checks structural validity of a signal: known side and
// strictly positive, finite offsets. Field names are collected so callers
// can surface every problem at once.
func (r *RiskManager) ValidateSignal(ctx context.Context, sig domain.Signal) error {
	var invalid []string

	if strings.TrimSpace(sig.Symbol) == "" {
		invalid = append(invalid, "symbol")
	}
	if !sig.Side.IsValid() {
		invalid = append(invalid, "side")
	}
	if !positiveFinite(sig.StopLossOffset) {
		invalid = append(invalid, "sl")
	}
	if !positiveFinite(sig.TargetOffset) {
		invalid = append(invalid, "target")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("%w: invalid fields: [%s]", ports.ErrInvalidRequest, strings.Join(invalid, ", "))
	}
	return nil
}

// CheckTradeLimit enforces the daily cap on opened trades.
func (r *RiskManager) CheckTradeLimit(ctx context.Context, tradesToday int) error {
	if r.config.MaxTradesPerDay > 0 && tradesToday >= r.config.MaxTradesPerDay {
		return fmt.Errorf("%w (%d/%d)", ports.ErrTradeLimit, tradesToday, r.config.MaxTradesPerDay)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
