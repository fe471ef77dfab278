package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"
	"time"

	"breakoutbot/config"
	"breakoutbot/internal/adapters/binancebroker"
	"breakoutbot/internal/adapters/logger"
	"breakoutbot/internal/adapters/smartapi"
	"breakoutbot/internal/adapters/sqlite"
	"breakoutbot/internal/adapters/telegram"
	"breakoutbot/internal/app"
	"breakoutbot/internal/ports"
	"breakoutbot/internal/risk"
	"breakoutbot/internal/server"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Broker Adapter
	broker, err := newBroker(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker client")
		log.Fatalf("FATAL: Failed to initialize broker client: %v", err)
	}
	appLogger.Info(context.Background(), "Broker client initialized", map[string]interface{}{"broker": cfg.Broker})

	// 5. Initialize Notifier (optional)
	var notifier ports.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		tg, err := telegram.New(telegram.Config{
			BotToken: cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			Logger:   appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tg
		appLogger.Info(context.Background(), "Telegram notifier initialized")
	} else {
		appLogger.Warn(context.Background(), "Telegram not configured, trade notifications disabled")
	}

	// 6. Initialize Risk Manager
	riskMgr := risk.NewRiskManager(risk.RiskConfig{MaxTradesPerDay: cfg.MaxTradesPerDay})

	// 7. Initialize Application Service
	tradeService, err := app.NewTradeService(cfg, appLogger, broker, notifier, repo, riskMgr)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade service")
		log.Fatalf("FATAL: Failed to initialize trade service: %v", err)
	}
	appLogger.Info(context.Background(), "Trade service initialized")

	// 8. Initialize HTTP Server
	httpServer, err := server.New(server.Config{
		Addr:    cfg.HTTPAddr,
		Logger:  appLogger,
		Service: tradeService,
		Journal: repo,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize HTTP server")
		log.Fatalf("FATAL: Failed to initialize HTTP server: %v", err)
	}

	// 9. Run until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := httpServer.Start(ctx); err != nil {
		appLogger.Error(context.Background(), err, "HTTP server exited with error")
		log.Fatalf("FATAL: HTTP server exited with error: %v", err)
	}

	// The HTTP listener is down; stop supervising the active trade, if any.
	// The position itself is left open, closing it needs an operator decision.
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tradeService.Shutdown(shCtx)

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// newBroker builds the broker adapter selected by configuration. SmartAPI
// logs in during construction, so a login failure is fatal at startup.
func newBroker(cfg *config.Config, appLogger ports.Logger) (ports.Broker, error) {
	switch cfg.Broker {
	case config.BrokerSmartAPI:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return smartapi.New(ctx, smartapi.Config{
			ClientID:   cfg.ClientID,
			APIKey:     cfg.APIKey,
			MPIN:       cfg.MPIN,
			TOTPSecret: cfg.TOTPSecret,
			Exchange:   cfg.Exchange,
			Timeout:    cfg.RequestTimeout,
			Logger:     appLogger,
		})
	case config.BrokerBinance:
		return binancebroker.New(binancebroker.Config{
			APIKey:     cfg.BinanceAPIKey,
			SecretKey:  cfg.BinanceSecretKey,
			UseTestnet: cfg.IsTestnet,
			Timeout:    cfg.RequestTimeout,
			Logger:     appLogger,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported broker %q", ports.ErrConfigurationError, cfg.Broker)
	}
}
