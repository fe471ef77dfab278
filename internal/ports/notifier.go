package ports

import "context"

// Notifier delivers human-readable lifecycle messages to an operator channel.
// Delivery is best-effort: callers log failures and never let them block or
// roll back trade logic.
type Notifier interface {
	Send(ctx context.Context, text string) error
}
