package binancebroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"

	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
)

const (
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements the ports.Broker interface using the go-binance library.
// Binance has no separate instrument token, so token resolution is an
// identity mapping validated against the exchange ticker.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
}

// Config holds configuration specific to the Binance broker adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Timeout    time.Duration
	Logger     ports.Logger
}

// New creates a new Binance broker adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance broker")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: Binance broker requires api key and secret", ports.ErrConfigurationError)
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance broker configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance broker configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &Client{spotClient: client, logger: cfg.Logger}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrSymbolNotFound
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2014, -2015: // API-key format invalid / permissions
			mappedErr = ports.ErrAuthenticationFailed
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "use of closed network connection") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// ResolveToken validates the symbol against the ticker endpoint and returns
// the symbol itself as token.
func (c *Client) ResolveToken(ctx context.Context, symbol string) (string, error) {
	op := "ResolveToken"
	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrSymbolNotFound, c.handleError(ctx, err, op))
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no ticker for symbol %s: %w", symbol, ports.ErrSymbolNotFound)
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol})
		return "", err
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return symbol, nil
}

// LastPrice retrieves the last ticker price for a given symbol.
func (c *Client) LastPrice(ctx context.Context, symbol, token string) (float64, error) {
	op := "LastPrice"
	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ports.ErrPriceUnavailable, c.handleError(ctx, err, op))
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s: %w", symbol, ports.ErrPriceUnavailable)
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol})
		return 0, err
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w: %v", prices[0].Price, ports.ErrPriceUnavailable, err)
		c.logger.Error(ctx, parseErr, op+" failed", map[string]interface{}{"symbol": symbol})
		return 0, parseErr
	}
	return price, nil
}

// PlaceMarketOrder places a spot market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, token string, side domain.OrderSide, quantity int) (*ports.OrderResult, error) {
	op := "PlaceMarketOrder"
	clientOrderID := uuid.NewString()

	order, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.Itoa(quantity)).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, c.handleError(ctx, err, op))
	}

	result := &ports.OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Quantity:      quantity,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.TransactTime),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"orderID":  result.OrderID,
	})
	return result, nil
}
