package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"breakoutbot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Broker backend selectors.
const (
	BrokerSmartAPI = "smartapi"
	BrokerBinance  = "binance"
)

// Config holds all application configuration.
type Config struct {
	// Angel One SmartAPI credentials
	ClientID   string
	APIKey     string
	SecretKey  string
	MPIN       string
	TOTPSecret string

	// Binance credentials (alternate broker backend)
	BinanceAPIKey    string
	BinanceSecretKey string
	IsTestnet        bool

	// Broker backend selection ("smartapi" or "binance")
	Broker string

	// Telegram notifications
	TelegramToken  string
	TelegramChatID string

	// Trading Parameters
	Exchange        string        // Broker exchange segment for symbol lookup (e.g. "NFO")
	Quantity        int           // Fixed lot size per order
	MaxTradesPerDay int           // Daily cap on opened trades
	PollInterval    time.Duration // Monitor loop sleep between price checks
	BackoffInterval time.Duration // Initial sleep after a failed price fetch
	RequestTimeout  time.Duration // Upper bound for a single broker call

	// HTTP server
	HTTPAddr string

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	cfg.Broker = strings.ToLower(getEnv("BROKER", BrokerSmartAPI))
	switch cfg.Broker {
	case BrokerSmartAPI:
		cfg.ClientID = getEnv("CLIENT_ID", "")
		cfg.APIKey = getEnv("API_KEY", "")
		cfg.SecretKey = getEnv("SECRET_KEY", "")
		cfg.MPIN = getEnv("MPIN", "")
		cfg.TOTPSecret = getEnv("TOTP_SECRET", "")
		if cfg.ClientID == "" {
			errs = append(errs, "CLIENT_ID must be set")
		}
		if cfg.APIKey == "" {
			errs = append(errs, "API_KEY must be set")
		}
		if cfg.MPIN == "" {
			errs = append(errs, "MPIN must be set")
		}
		if cfg.TOTPSecret == "" {
			errs = append(errs, "TOTP_SECRET must be set")
		}
	case BrokerBinance:
		cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
		cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
		cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
		if cfg.BinanceAPIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set")
		}
		if cfg.BinanceSecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported BROKER %q (use %q or %q)", cfg.Broker, BrokerSmartAPI, BrokerBinance))
	}

	// Telegram (optional: notifications are best-effort, missing config only warns later)
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")

	// Trading Parameters
	cfg.Exchange = getEnv("SYMBOL_EXCHANGE", "NFO")

	cfg.Quantity, err = getEnvAsIntRequired("QUANTITY", 75)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY: %v", err))
	} else if cfg.Quantity <= 0 {
		errs = append(errs, "QUANTITY must be positive")
	}

	cfg.MaxTradesPerDay, err = getEnvAsIntRequired("MAX_TRADES_PER_DAY", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRADES_PER_DAY: %v", err))
	} else if cfg.MaxTradesPerDay <= 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY must be positive")
	}

	pollSeconds := getEnvAsInt("POLL_INTERVAL_SECONDS", 5)
	if pollSeconds <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	backoffSeconds := getEnvAsInt("BACKOFF_INTERVAL_SECONDS", 10)
	if backoffSeconds <= 0 {
		errs = append(errs, "BACKOFF_INTERVAL_SECONDS must be positive")
	}
	cfg.BackoffInterval = time.Duration(backoffSeconds) * time.Second

	timeoutSeconds := getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 10)
	if timeoutSeconds <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	cfg.RequestTimeout = time.Duration(timeoutSeconds) * time.Second

	// HTTP server
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":5000")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/breakout_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// For non-required fields, default is acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
