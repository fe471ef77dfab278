package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
)

const (
	baseURLProduction = "https://apiconnect.angelbroking.com"

	loginPath       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	searchScripPath = "/rest/secure/angelbroking/order/v1/searchScrip"
	ltpDataPath     = "/rest/secure/angelbroking/order/v1/getLtpData"
	placeOrderPath  = "/rest/secure/angelbroking/order/v1/placeOrder"
)

// Client implements the ports.Broker interface against the Angel One
// SmartAPI REST endpoints. A session (JWT) is established at construction
// and refreshed once transparently when the API reports it expired.
type Client struct {
	httpClient *http.Client
	logger     ports.Logger
	baseURL    string

	clientID   string
	apiKey     string
	mpin       string
	totpSecret string
	exchange   string

	mu       sync.Mutex // guards session tokens
	jwtToken string
	refresh  string
}

// Config holds configuration specific to the SmartAPI client adapter.
type Config struct {
	ClientID   string
	APIKey     string
	MPIN       string
	TOTPSecret string
	Exchange   string // Exchange segment used for lookups and orders (e.g. "NFO")
	Timeout    time.Duration
	BaseURL    string // Overridable for tests; defaults to production
	Logger     ports.Logger
}

// New creates a new SmartAPI client adapter and logs in.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SmartAPI client")
	}
	if cfg.ClientID == "" || cfg.APIKey == "" || cfg.MPIN == "" || cfg.TOTPSecret == "" {
		return nil, fmt.Errorf("%w: SmartAPI requires client id, api key, mpin and totp secret", ports.ErrConfigurationError)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLProduction
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "NFO"
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
		baseURL:    baseURL,
		clientID:   cfg.ClientID,
		apiKey:     cfg.APIKey,
		mpin:       cfg.MPIN,
		totpSecret: cfg.TOTPSecret,
		exchange:   exchange,
	}

	if err := c.login(ctx); err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "SmartAPI session established", map[string]interface{}{"clientID": cfg.ClientID, "exchange": exchange})
	return c, nil
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// login generates a fresh TOTP and exchanges credentials for a session JWT.
func (c *Client) login(ctx context.Context) error {
	op := "login"
	code, err := totp.GenerateCode(c.totpSecret, time.Now())
	if err != nil {
		return fmt.Errorf("%s: could not generate TOTP: %w: %v", op, ports.ErrAuthenticationFailed, err)
	}

	body := map[string]string{
		"clientcode": c.clientID,
		"password":   c.mpin,
		"totp":       code,
	}
	env, err := c.post(ctx, loginPath, body, false)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("%s: could not parse session data: %w: %v", op, ports.ErrAuthenticationFailed, err)
	}
	if data.JWTToken == "" {
		return fmt.Errorf("%s: empty session token: %w", op, ports.ErrAuthenticationFailed)
	}

	c.mu.Lock()
	c.jwtToken = data.JWTToken
	c.refresh = data.RefreshToken
	c.mu.Unlock()
	return nil
}

// sessionExpired reports whether a SmartAPI error code means the JWT is stale.
func sessionExpired(code string) bool {
	switch code {
	case "AG8001", "AG8002", "AG8003":
		return true
	}
	return false
}

// post sends one JSON request and decodes the SmartAPI envelope. Secure
// endpoints carry the session JWT; on a stale session the caller retries
// after re-login via doSecure.
func (c *Client) post(ctx context.Context, path string, payload interface{}, secure bool) (*envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", "127.0.0.1")
	req.Header.Set("X-ClientPublicIP", "127.0.0.1")
	req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
	req.Header.Set("X-PrivateKey", c.apiKey)
	if secure {
		c.mu.Lock()
		token := c.jwtToken
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ports.ErrBrokerUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http %d", ports.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: http %d: %s", ports.ErrBrokerUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: could not parse response: %v", ports.ErrBrokerUnavailable, err)
	}
	if !env.Status {
		if sessionExpired(env.ErrorCode) {
			return nil, fmt.Errorf("%w: %s (%s)", ports.ErrAuthenticationFailed, env.Message, env.ErrorCode)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ports.ErrUnknown, env.Message, env.ErrorCode)
	}
	return &env, nil
}

// doSecure issues a secure call, re-logging in once if the session expired.
func (c *Client) doSecure(ctx context.Context, op, path string, payload interface{}) (*envelope, error) {
	env, err := c.post(ctx, path, payload, true)
	if err != nil && errors.Is(err, ports.ErrAuthenticationFailed) {
		c.logger.Warn(ctx, op+": session expired, re-logging in")
		if loginErr := c.login(ctx); loginErr != nil {
			return nil, loginErr
		}
		env, err = c.post(ctx, path, payload, true)
	}
	if err != nil {
		c.logger.Error(ctx, err, op+" failed")
		return nil, err
	}
	return env, nil
}

// transportError classifies network-level failures.
func (c *Client) transportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
	default:
		return fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
	}
}

// ResolveToken looks up the broker-internal instrument id for a symbol.
func (c *Client) ResolveToken(ctx context.Context, symbol string) (string, error) {
	op := "ResolveToken"
	payload := map[string]string{
		"exchange":    c.exchange,
		"searchscrip": symbol,
	}
	env, err := c.doSecure(ctx, op, searchScripPath, payload)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", op, symbol, err)
	}

	var scrips []struct {
		Exchange      string `json:"exchange"`
		TradingSymbol string `json:"tradingsymbol"`
		SymbolToken   string `json:"symboltoken"`
	}
	if err := json.Unmarshal(env.Data, &scrips); err != nil {
		return "", fmt.Errorf("%s %s: could not parse scrip data: %w: %v", op, symbol, ports.ErrSymbolNotFound, err)
	}
	if len(scrips) == 0 || scrips[0].SymbolToken == "" {
		return "", fmt.Errorf("%s: no scrip found for %s: %w", op, symbol, ports.ErrSymbolNotFound)
	}

	token := scrips[0].SymbolToken
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "token": token})
	return token, nil
}

// LastPrice retrieves the last traded price for a resolved instrument.
func (c *Client) LastPrice(ctx context.Context, symbol, token string) (float64, error) {
	op := "LastPrice"
	payload := map[string]string{
		"exchange":      c.exchange,
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}
	env, err := c.doSecure(ctx, op, ltpDataPath, payload)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, symbol, err)
	}

	var data struct {
		LTP json.Number `json:"ltp"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, fmt.Errorf("%s %s: could not parse ltp data: %w: %v", op, symbol, ports.ErrPriceUnavailable, err)
	}
	price, err := data.LTP.Float64()
	if err != nil {
		return 0, fmt.Errorf("%s %s: could not parse price '%s': %w: %v", op, symbol, data.LTP, ports.ErrPriceUnavailable, err)
	}
	return price, nil
}

// PlaceMarketOrder submits an intraday market order and returns its confirmation.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, token string, side domain.OrderSide, quantity int) (*ports.OrderResult, error) {
	op := "PlaceMarketOrder"
	orderTag := uuid.NewString()
	payload := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   symbol,
		"symboltoken":     token,
		"transactiontype": string(side),
		"exchange":        c.exchange,
		"ordertype":       "MARKET",
		"producttype":     "INTRADAY",
		"duration":        "DAY",
		"price":           "0",
		"squareoff":       "0",
		"stoploss":        "0",
		"quantity":        strconv.Itoa(quantity),
		"ordertag":        orderTag,
	}
	env, err := c.doSecure(ctx, op, placeOrderPath, payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w: %v", op, side, symbol, ports.ErrOrderPlacementFailed, err)
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%s %s %s: could not parse order data: %w: %v", op, side, symbol, ports.ErrOrderPlacementFailed, err)
	}

	result := &ports.OrderResult{
		OrderID:       data.OrderID,
		ClientOrderID: orderTag,
		Symbol:        symbol,
		Side:          string(side),
		Quantity:      quantity,
		Status:        "PLACED",
		Timestamp:     time.Now().UTC(),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"orderID":  result.OrderID,
	})
	return result, nil
}
