package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakoutbot/config"
	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
	"breakoutbot/internal/risk"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type orderRecord struct {
	symbol   string
	side     domain.OrderSide
	quantity int
}

type mockBroker struct {
	mu         sync.Mutex
	token      string
	resolveErr error
	priceFn    func(call int) (float64, error)
	priceCalls int
	orderErrs  map[domain.OrderSide]error
	orders     []orderRecord
}

func (m *mockBroker) ResolveToken(ctx context.Context, symbol string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	if m.token == "" {
		return "12345", nil
	}
	return m.token, nil
}

func (m *mockBroker) LastPrice(ctx context.Context, symbol, token string) (float64, error) {
	m.mu.Lock()
	fn := m.priceFn
	call := m.priceCalls
	m.priceCalls++
	m.mu.Unlock()
	if fn == nil {
		return 100, nil
	}
	return fn(call)
}

func (m *mockBroker) PlaceMarketOrder(ctx context.Context, symbol, token string, side domain.OrderSide, quantity int) (*ports.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.orderErrs[side]; err != nil {
		return nil, err
	}
	m.orders = append(m.orders, orderRecord{symbol: symbol, side: side, quantity: quantity})
	return &ports.OrderResult{
		OrderID:  "ord-1",
		Symbol:   symbol,
		Side:     string(side),
		Quantity: quantity,
		Status:   "PLACED",
	}, nil
}

func (m *mockBroker) setPriceFn(fn func(call int) (float64, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceFn = fn
}

func (m *mockBroker) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockBroker) orderAt(i int) orderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[i]
}

func (m *mockBroker) priceCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priceCalls
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err // a real sender aborts on a dead context
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func (m *mockNotifier) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *mockNotifier) contains(substr string) bool {
	for _, msg := range m.all() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type mockJournal struct {
	mu         sync.Mutex
	records    []*domain.Trade
	todayCount int
	countErr   error
	recordErr  error
}

func (m *mockJournal) RecordClosed(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return 0, m.recordErr
	}
	m.records = append(m.records, trade)
	return int64(len(m.records)), nil
}

func (m *mockJournal) FindRecent(ctx context.Context, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records, nil
}

func (m *mockJournal) CountToday(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.todayCount, m.countErr
}

func (m *mockJournal) GetTotalProfit(ctx context.Context) (float64, error) {
	return 0, nil
}

func (m *mockJournal) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockJournal) recordAt(i int) *domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[i]
}

// Test helpers

func testConfig() *config.Config {
	return &config.Config{
		Quantity:        75,
		MaxTradesPerDay: 10,
		PollInterval:    5 * time.Millisecond,
		BackoffInterval: 5 * time.Millisecond,
		RequestTimeout:  time.Second,
	}
}

func newTestService(t *testing.T, broker *mockBroker, notifier *mockNotifier, journal *mockJournal) *TradeService {
	t.Helper()
	svc, err := NewTradeService(
		testConfig(),
		&mockLogger{},
		broker,
		notifier,
		journal,
		risk.NewRiskManager(risk.RiskConfig{MaxTradesPerDay: 10}),
	)
	require.NoError(t, err)
	return svc
}

func buySignal() domain.Signal {
	return domain.Signal{
		Symbol:         "NIFTY24JUL24000CE",
		Side:           domain.Buy,
		StopLossOffset: 20,
		TargetOffset:   50,
	}
}

func shutdown(t *testing.T, svc *TradeService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Shutdown(ctx)
}

// Tests

func TestNewTradeServiceValidation(t *testing.T) {
	_, err := NewTradeService(nil, &mockLogger{}, &mockBroker{}, &mockNotifier{}, &mockJournal{}, risk.NewRiskManager(risk.RiskConfig{}))
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Quantity = 0
	_, err = NewTradeService(cfg, &mockLogger{}, &mockBroker{}, &mockNotifier{}, &mockJournal{}, risk.NewRiskManager(risk.RiskConfig{}))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.PollInterval = 0
	_, err = NewTradeService(cfg, &mockLogger{}, &mockBroker{}, &mockNotifier{}, &mockJournal{}, risk.NewRiskManager(risk.RiskConfig{}))
	assert.Error(t, err)
}

func TestEnterInstallsTradeAndNotifies(t *testing.T) {
	broker := &mockBroker{}
	notifier := &mockNotifier{}
	journal := &mockJournal{}
	svc := newTestService(t, broker, notifier, journal)
	defer shutdown(t, svc)

	order, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "NIFTY24JUL24000CE", order.Symbol)

	status := svc.Status()
	assert.True(t, status.ActiveTrade)
	assert.Equal(t, "NIFTY24JUL24000CE", status.Symbol)

	require.Equal(t, 1, broker.orderCount())
	entry := broker.orderAt(0)
	assert.Equal(t, domain.Buy, entry.side)
	assert.Equal(t, 75, entry.quantity)

	require.Eventually(t, func() bool { return notifier.contains("Trade Opened") },
		time.Second, 5*time.Millisecond)
}

func TestEnterConflictWhileActive(t *testing.T) {
	broker := &mockBroker{}
	svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})
	defer shutdown(t, svc)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	_, err = svc.Enter(context.Background(), buySignal())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTradeActive)
	// The conflicting request must cause zero broker calls.
	assert.Equal(t, 1, broker.orderCount())
}

func TestEnterRejectsInvalidSignal(t *testing.T) {
	broker := &mockBroker{}
	svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})

	sig := buySignal()
	sig.Side = "HOLD"
	_, err := svc.Enter(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	sig = buySignal()
	sig.StopLossOffset = -1
	_, err = svc.Enter(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	assert.Equal(t, 0, broker.orderCount())
	assert.False(t, svc.Status().ActiveTrade)
}

func TestEnterIsAllOrNothing(t *testing.T) {
	t.Run("token resolution fails", func(t *testing.T) {
		broker := &mockBroker{resolveErr: ports.ErrSymbolNotFound}
		svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})
		_, err := svc.Enter(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrSymbolNotFound)
		assert.False(t, svc.Status().ActiveTrade)
		assert.Equal(t, 0, broker.orderCount())
	})

	t.Run("price fetch fails", func(t *testing.T) {
		broker := &mockBroker{priceFn: func(int) (float64, error) { return 0, ports.ErrPriceUnavailable }}
		svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})
		_, err := svc.Enter(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrPriceUnavailable)
		assert.False(t, svc.Status().ActiveTrade)
		assert.Equal(t, 0, broker.orderCount())
	})

	t.Run("order placement fails", func(t *testing.T) {
		broker := &mockBroker{orderErrs: map[domain.OrderSide]error{domain.Buy: ports.ErrOrderPlacementFailed}}
		svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})
		_, err := svc.Enter(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
		assert.False(t, svc.Status().ActiveTrade)
	})
}

func TestEnterEnforcesDailyLimit(t *testing.T) {
	broker := &mockBroker{}
	journal := &mockJournal{todayCount: 10}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTradeLimit)
	assert.Equal(t, 0, broker.orderCount())
}

func TestMonitorExitsOnTarget(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil // entry price fetch
		}
		return 150, nil // at target for BUY with offset 50
	}}
	notifier := &mockNotifier{}
	journal := &mockJournal{}
	svc := newTestService(t, broker, notifier, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return journal.recordCount() == 1 },
		time.Second, 5*time.Millisecond)

	closed := journal.recordAt(0)
	assert.Equal(t, domain.ExitReasonTarget, closed.ExitReason)
	assert.Equal(t, 100.0, closed.EntryPrice)
	assert.Equal(t, 150.0, closed.ExitPrice)
	assert.Equal(t, 3750.0, closed.PNL) // (150-100)*75
	assert.Equal(t, domain.StatusClosed, closed.Status)

	assert.False(t, svc.Status().ActiveTrade)
	require.Equal(t, 2, broker.orderCount())
	assert.Equal(t, domain.Sell, broker.orderAt(1).side) // reversing order

	require.Eventually(t, func() bool { return notifier.contains("Trade Closed") },
		time.Second, 5*time.Millisecond)
}

func TestOpenedNotificationSurvivesInstantExit(t *testing.T) {
	// The very first poll already satisfies the target, so the monitor
	// context is canceled almost immediately after entry. The opened
	// notification must still go out.
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 150, nil
	}}
	notifier := &mockNotifier{}
	journal := &mockJournal{}
	svc := newTestService(t, broker, notifier, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return journal.recordCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return notifier.contains("Trade Opened") && notifier.contains("Trade Closed")
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorExitsOnStopLossForSell(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 120, nil // at stop for SELL with offset 20
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	sig := buySignal()
	sig.Side = domain.Sell
	_, err := svc.Enter(context.Background(), sig)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return journal.recordCount() == 1 },
		time.Second, 5*time.Millisecond)

	closed := journal.recordAt(0)
	assert.Equal(t, domain.ExitReasonStopLoss, closed.ExitReason)
	assert.Equal(t, -1500.0, closed.PNL) // (100-120)*75

	require.Equal(t, 2, broker.orderCount())
	assert.Equal(t, domain.Buy, broker.orderAt(1).side)
}

func TestMonitorSurvivesFetchFailures(t *testing.T) {
	fetchErr := errors.New("upstream flaked")
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 0, fetchErr // every monitor fetch fails
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)
	defer shutdown(t, svc)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	// Let several failed polls happen, then confirm supervision is intact:
	// no exit, no reversing order, loop still fetching.
	require.Eventually(t, func() bool { return broker.priceCallCount() >= 3 },
		time.Second, 5*time.Millisecond)
	assert.True(t, svc.Status().ActiveTrade)
	assert.Equal(t, 1, broker.orderCount())
	assert.Equal(t, 0, journal.recordCount())
}

func TestMonitorRecoversAfterFetchFailures(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		switch {
		case call == 0:
			return 100, nil
		case call <= 2:
			return 0, errors.New("transient")
		default:
			return 80, nil // stop-loss boundary for BUY with offset 20
		}
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return journal.recordCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ExitReasonStopLoss, journal.recordAt(0).ExitReason)
}

func TestManualExit(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 120, nil // in range for BUY 20/50, monitor keeps polling
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	closed, err := svc.ManualExit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ExitReasonManual, closed.ExitReason)
	assert.Equal(t, 120.0, closed.ExitPrice)
	assert.Equal(t, 1500.0, closed.PNL) // (120-100)*75

	assert.False(t, svc.Status().ActiveTrade)
	assert.Equal(t, 2, broker.orderCount())
}

func TestManualExitFallsBackToEntryPrice(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 0, errors.New("no quote")
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	closed, err := svc.ManualExit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, closed.ExitPrice)
	assert.Equal(t, 0.0, closed.PNL)
}

func TestManualExitWithoutActiveTrade(t *testing.T) {
	svc := newTestService(t, &mockBroker{}, &mockNotifier{}, &mockJournal{})
	_, err := svc.ManualExit(context.Background())
	assert.ErrorIs(t, err, ports.ErrNoActiveTrade)
}

func TestConcurrentExitsPlaceOneReversingOrder(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 120, nil
	}}
	journal := &mockJournal{}
	svc := newTestService(t, broker, &mockNotifier{}, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ManualExit(context.Background())
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ports.ErrNoActiveTrade)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 2, broker.orderCount()) // entry + exactly one reversing order
	assert.Equal(t, 1, journal.recordCount())
}

func TestExitOrderFailureStillClosesTrade(t *testing.T) {
	broker := &mockBroker{
		priceFn: func(call int) (float64, error) {
			if call == 0 {
				return 100, nil
			}
			return 150, nil
		},
		orderErrs: map[domain.OrderSide]error{domain.Sell: ports.ErrOrderPlacementFailed},
	}
	notifier := &mockNotifier{}
	journal := &mockJournal{}
	svc := newTestService(t, broker, notifier, journal)

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	// Trade must end up closed even though the reversing order was rejected.
	require.Eventually(t, func() bool { return journal.recordCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.False(t, svc.Status().ActiveTrade)
	assert.Equal(t, domain.StatusClosed, journal.recordAt(0).Status)

	require.Eventually(t, func() bool { return notifier.contains("EXIT ORDER FAILED") },
		time.Second, 5*time.Millisecond)
}

func TestShutdownStopsMonitor(t *testing.T) {
	broker := &mockBroker{priceFn: func(call int) (float64, error) {
		if call == 0 {
			return 100, nil
		}
		return 120, nil
	}}
	svc := newTestService(t, broker, &mockNotifier{}, &mockJournal{})

	_, err := svc.Enter(context.Background(), buySignal())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Shutdown(ctx)

	// The monitor stopped without closing the trade.
	calls := broker.priceCallCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, broker.priceCallCount())
	assert.Equal(t, 1, broker.orderCount())
}
