package ports

import (
	"context"

	"breakoutbot/internal/domain"
)

// TradeRepository defines the interface for the closed-trade journal.
// Only completed trades are persisted; the live trade is held in memory by
// the lifecycle service.
type TradeRepository interface {
	// RecordClosed saves a closed trade and returns its assigned ID.
	RecordClosed(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindRecent retrieves the most recent closed trades, up to a limit.
	FindRecent(ctx context.Context, limit int) ([]*domain.Trade, error)
	// CountToday counts the number of trades closed or opened today.
	CountToday(ctx context.Context) (int, error)
	// GetTotalProfit calculates the sum of PNL for all recorded trades.
	GetTotalProfit(ctx context.Context) (float64, error)
}
