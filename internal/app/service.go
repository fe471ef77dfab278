package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"breakoutbot/config"
	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
	"breakoutbot/internal/risk"
)

const maxBackoff = time.Minute // Upper bound for the price-fetch error backoff

// TradeService owns the single-trade lifecycle: entry, the monitor loop and
// exit. It is the only writer of trade state; everything else observes
// snapshots.
type TradeService struct {
	cfg      *config.Config
	logger   ports.Logger
	broker   ports.Broker
	notifier ports.Notifier
	journal  ports.TradeRepository
	risk     *risk.RiskManager

	// mu guards current. The webhook conflict check and entry's install are
	// one critical section under it; the exit path serializes on the
	// activeTrade's atomic flag instead.
	mu      sync.Mutex
	current *activeTrade
}

// activeTrade binds one open trade to its supervising monitor goroutine.
// The active flag transitions true to false exactly once, via CAS; whoever
// wins that race performs the exit.
type activeTrade struct {
	trade  *domain.Trade
	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time snapshot of the lifecycle state.
type Status struct {
	ActiveTrade bool
	Symbol      string
}

// NewTradeService creates a new lifecycle service instance.
func NewTradeService(
	cfg *config.Config,
	logger ports.Logger,
	broker ports.Broker,
	notifier ports.Notifier,
	journal ports.TradeRepository,
	riskMgr *risk.RiskManager,
) (*TradeService, error) {

	// Validate dependencies; the notifier is optional (best-effort channel).
	if cfg == nil || logger == nil || broker == nil || journal == nil || riskMgr == nil {
		return nil, fmt.Errorf("missing required dependencies for TradeService")
	}

	// Validate config values needed by the service
	if cfg.Quantity <= 0 {
		return nil, fmt.Errorf("configuration Quantity must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("configuration PollInterval must be positive")
	}
	if cfg.BackoffInterval <= 0 {
		return nil, fmt.Errorf("configuration BackoffInterval must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("configuration RequestTimeout must be positive")
	}

	return &TradeService{
		cfg:      cfg,
		logger:   logger,
		broker:   broker,
		notifier: notifier,
		journal:  journal,
		risk:     riskMgr,
	}, nil
}

// Enter opens a new position for the signal: resolve the token, fetch the
// entry price, place the market order, install the trade and start its
// monitor. Entry is all-or-nothing; on any broker failure no trade is
// installed.
func (s *TradeService) Enter(ctx context.Context, sig domain.Signal) (*ports.OrderResult, error) {
	op := "Enter"

	if err := s.risk.ValidateSignal(ctx, sig); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.active.Load() {
		return nil, fmt.Errorf("%w for %s", ports.ErrTradeActive, s.current.trade.Symbol)
	}

	// Daily cap is best-effort: a journal failure must not block trading.
	tradesToday, err := s.journal.CountToday(ctx)
	if err != nil {
		s.logger.Warn(ctx, op+": could not count today's trades, skipping limit check", map[string]interface{}{"error": err.Error()})
	} else if err := s.risk.CheckTradeLimit(ctx, tradesToday); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, op+": processing signal", map[string]interface{}{
		"symbol": sig.Symbol,
		"side":   sig.Side,
		"sl":     sig.StopLossOffset,
		"target": sig.TargetOffset,
	})

	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	token, err := s.broker.ResolveToken(cctx, sig.Symbol)
	cancel()
	if err != nil {
		s.logger.Error(ctx, err, op+": token resolution failed", map[string]interface{}{"symbol": sig.Symbol})
		return nil, err
	}

	cctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
	entryPrice, err := s.broker.LastPrice(cctx, sig.Symbol, token)
	cancel()
	if err != nil {
		s.logger.Error(ctx, err, op+": entry price fetch failed", map[string]interface{}{"symbol": sig.Symbol})
		return nil, err
	}

	cctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
	order, err := s.broker.PlaceMarketOrder(cctx, sig.Symbol, token, sig.Side, s.cfg.Quantity)
	cancel()
	if err != nil {
		s.logger.Error(ctx, err, op+": entry order failed", map[string]interface{}{"symbol": sig.Symbol, "side": sig.Side})
		return nil, err
	}

	trade := &domain.Trade{
		Symbol:         sig.Symbol,
		Token:          token,
		Side:           sig.Side,
		EntryPrice:     entryPrice, // LTP at entry time, not the broker's fill price
		StopLossOffset: sig.StopLossOffset,
		TargetOffset:   sig.TargetOffset,
		Quantity:       s.cfg.Quantity,
		EntryTime:      time.Now().UTC(),
		Status:         domain.StatusOpen,
	}

	at := &activeTrade{trade: trade, done: make(chan struct{})}
	at.active.Store(true)

	// The monitor outlives the HTTP request that started it.
	monCtx, monCancel := context.WithCancel(context.Background())
	at.cancel = monCancel
	s.current = at
	go s.monitorTrade(monCtx, at)

	s.logger.Info(ctx, op+": trade installed, monitor started", map[string]interface{}{
		"symbol":      trade.Symbol,
		"token":       trade.Token,
		"entryPrice":  trade.EntryPrice,
		"stopPrice":   trade.StopPrice(),
		"targetPrice": trade.TargetPrice(),
		"quantity":    trade.Quantity,
	})

	// On its own context: an immediate exit cancels monCtx and would abort
	// the opened notification mid-send.
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		s.notify(nctx, openedMessage(trade))
	}()

	return order, nil
}

// monitorTrade polls the last traded price and exits the trade on the first
// price that satisfies its target or stop condition. Both conditions are
// always evaluated against the single price fetched at the start of the
// iteration. Fetch failures back off and retry; they never abandon
// supervision.
func (s *TradeService) monitorTrade(ctx context.Context, at *activeTrade) {
	op := "monitorTrade"
	defer close(at.done)

	t := at.trade
	s.logger.Info(ctx, op+": supervision started", map[string]interface{}{
		"symbol":      t.Symbol,
		"entryPrice":  t.EntryPrice,
		"stopPrice":   t.StopPrice(),
		"targetPrice": t.TargetPrice(),
		"side":        t.Side,
	})

	boff := &backoff.Backoff{
		Min:    s.cfg.BackoffInterval,
		Max:    maxBackoff,
		Factor: 2,
	}

	for at.active.Load() {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		price, err := s.broker.LastPrice(cctx, t.Symbol, t.Token)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info(ctx, op+": supervision canceled", map[string]interface{}{"symbol": t.Symbol})
				return
			}
			wait := boff.Duration()
			s.logger.Warn(ctx, op+": price fetch failed, retrying", map[string]interface{}{
				"symbol":  t.Symbol,
				"error":   err.Error(),
				"backoff": wait.String(),
			})
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		boff.Reset()

		s.logger.Debug(ctx, op+": price check", map[string]interface{}{
			"symbol": t.Symbol,
			"price":  price,
			"pnl":    t.PNLAt(price),
		})

		if reason, hit := t.EvaluateExit(price); hit {
			s.logger.Info(ctx, op+": exit condition fired", map[string]interface{}{
				"symbol": t.Symbol,
				"reason": reason,
				"price":  price,
			})
			if err := s.exitTrade(at, reason, price); err != nil && !errors.Is(err, ports.ErrNoActiveTrade) {
				s.logger.Error(ctx, err, op+": exit failed", map[string]interface{}{"symbol": t.Symbol})
			}
			return
		}

		if !sleepCtx(ctx, s.cfg.PollInterval) {
			s.logger.Info(ctx, op+": supervision canceled", map[string]interface{}{"symbol": t.Symbol})
			return
		}
	}
}

// exitTrade closes the trade exactly once: flip the active flag (the
// serialization point), flatten with a reversing order, journal and notify.
// The trade is permanently inactive after this returns, regardless of
// whether the reversing order succeeded.
func (s *TradeService) exitTrade(at *activeTrade, reason domain.ExitReason, exitPrice float64) error {
	op := "exitTrade"

	if !at.active.CompareAndSwap(true, false) {
		return ports.ErrNoActiveTrade
	}
	at.cancel() // interrupt a sleeping monitor; harmless when called from it

	// Outbound calls below use fresh contexts: the monitor context is
	// already canceled at this point.
	ctx := context.Background()

	s.mu.Lock()
	t := at.trade
	if exitPrice == 0 {
		exitPrice = t.EntryPrice // no live quote observed, e.g. manual exit
	}
	t.ExitPrice = exitPrice
	t.ExitTime = time.Now().UTC()
	t.Status = domain.StatusClosed
	t.ExitReason = reason
	t.PNL = t.PNLAt(exitPrice)
	if s.current == at { // a newer trade may already occupy the slot
		s.current = nil
	}
	s.mu.Unlock()

	s.logger.Info(ctx, op+": closing trade", map[string]interface{}{
		"symbol":    t.Symbol,
		"reason":    reason,
		"entry":     t.EntryPrice,
		"exitPrice": t.ExitPrice,
		"pnl":       t.PNL,
	})

	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	_, err := s.broker.PlaceMarketOrder(cctx, t.Symbol, t.Token, t.Side.Opposite(), t.Quantity)
	cancel()
	if err != nil {
		// The logical trade is closed but the real position may still be
		// open on the broker. This needs a human.
		s.logger.Error(ctx, err, op+": REVERSING ORDER FAILED, position may still be open on the broker", map[string]interface{}{
			"symbol": t.Symbol,
			"side":   t.Side.Opposite(),
		})
		s.notify(ctx, exitFailedMessage(t, err))
	}

	cctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
	if _, jerr := s.journal.RecordClosed(cctx, t); jerr != nil {
		s.logger.Error(cctx, jerr, op+": failed to journal closed trade", map[string]interface{}{"symbol": t.Symbol})
	}
	cancel()

	s.notify(ctx, closedMessage(t))
	return nil
}

// ManualExit closes the active trade on operator request. The exit price is
// a best-effort live quote; without one the entry price is used for the
// realized P&L.
func (s *TradeService) ManualExit(ctx context.Context) (*domain.Trade, error) {
	op := "ManualExit"

	s.mu.Lock()
	at := s.current
	s.mu.Unlock()
	if at == nil || !at.active.Load() {
		return nil, ports.ErrNoActiveTrade
	}

	t := at.trade
	var exitPrice float64
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	price, err := s.broker.LastPrice(cctx, t.Symbol, t.Token)
	cancel()
	if err != nil {
		s.logger.Warn(ctx, op+": no live quote for exit, falling back to entry price", map[string]interface{}{
			"symbol": t.Symbol,
			"error":  err.Error(),
		})
	} else {
		exitPrice = price
	}

	if err := s.exitTrade(at, domain.ExitReasonManual, exitPrice); err != nil {
		// Lost the race against the monitor; the trade is closed either way.
		return nil, err
	}
	return t, nil
}

// Status returns a point-in-time snapshot of the lifecycle state.
func (s *TradeService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.active.Load() {
		return Status{ActiveTrade: true, Symbol: s.current.trade.Symbol}
	}
	return Status{}
}

// Shutdown cancels the monitor of the active trade, if any, and waits for
// it to stop. The trade itself is left untouched; closing it on shutdown
// would place orders the operator did not ask for.
func (s *TradeService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	at := s.current
	s.mu.Unlock()
	if at == nil {
		return
	}
	at.cancel()
	select {
	case <-at.done:
	case <-ctx.Done():
		s.logger.Warn(ctx, "Timeout waiting for monitor to stop")
	}
}

// notify delivers a lifecycle message best-effort. Failures are logged and
// never propagate into trade logic.
func (s *TradeService) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, text); err != nil {
		s.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{"error": err.Error()})
	}
}

// sleepCtx sleeps for d, returning false if the context is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func openedMessage(t *domain.Trade) string {
	return fmt.Sprintf("Trade Opened: %s\nEntry: %.2f\nTarget: %.2f\nSL: %.2f\nSide: %s",
		t.Symbol, t.EntryPrice, t.TargetPrice(), t.StopPrice(), t.Side)
}

func closedMessage(t *domain.Trade) string {
	return fmt.Sprintf("Trade Closed: %s\nReason: %s\nEntry: %.2f\nExit: %.2f\nP&L: %.2f",
		t.Symbol, t.ExitReason, t.EntryPrice, t.ExitPrice, t.PNL)
}

func exitFailedMessage(t *domain.Trade, err error) string {
	return fmt.Sprintf("EXIT ORDER FAILED: %s\nThe reversing %s order was rejected, the position may still be OPEN on the broker.\nManual intervention required.\nError: %v",
		t.Symbol, t.Side.Opposite(), err)
}
