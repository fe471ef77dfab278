package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"breakoutbot/internal/app"
	"breakoutbot/internal/domain"
	"breakoutbot/internal/ports"
)

const defaultTradesLimit = 50

// TradeController is the slice of the lifecycle service the HTTP layer needs.
type TradeController interface {
	Enter(ctx context.Context, sig domain.Signal) (*ports.OrderResult, error)
	ManualExit(ctx context.Context) (*domain.Trade, error)
	Status() app.Status
}

// Server exposes the webhook, health and operator endpoints over HTTP.
type Server struct {
	addr    string
	router  *gin.Engine
	logger  ports.Logger
	service TradeController
	journal ports.TradeRepository
}

// Config describes the HTTP server dependencies.
type Config struct {
	Addr    string
	Logger  ports.Logger
	Service TradeController
	Journal ports.TradeRepository
}

// New builds the HTTP server and registers all routes.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil || cfg.Service == nil || cfg.Journal == nil {
		return nil, errors.New("http server requires logger, service and journal")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	s := &Server{
		addr:    cfg.Addr,
		router:  router,
		logger:  cfg.Logger,
		service: cfg.Service,
		journal: cfg.Journal,
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.POST("/webhook", s.handleWebhook)
	router.GET("/test", s.handleTestUsage)
	router.POST("/test", s.handleTestFire)
	router.POST("/exit", s.handleExit)
	router.GET("/trades", s.handleTrades)

	return s, nil
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until the context is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": s.addr})

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, "Breakout bot is running")
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.service.Status()
	symbol := "None"
	if st.ActiveTrade {
		symbol = st.Symbol
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"active_trade":   st.ActiveTrade,
		"current_symbol": symbol,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// webhookRequest is the alert payload. Numeric fields arrive as numbers or
// strings depending on how the alert template was written, so both are
// accepted.
type webhookRequest struct {
	Symbol string    `json:"symbol"`
	Side   string    `json:"side"`
	SL     flexFloat `json:"sl"`
	Target flexFloat `json:"target"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	op := "handleWebhook"

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "invalid JSON payload: " + err.Error()})
		return
	}
	if missing := req.missingFields(); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"msg":    "missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	sig := domain.Signal{
		Symbol:         req.Symbol,
		Side:           domain.OrderSide(strings.ToUpper(req.Side)),
		StopLossOffset: req.SL.value,
		TargetOffset:   req.Target.value,
	}

	order, err := s.service.Enter(c.Request.Context(), sig)
	if err != nil {
		s.logger.Warn(c.Request.Context(), op+": signal rejected", map[string]interface{}{
			"symbol": sig.Symbol,
			"error":  err.Error(),
		})
		c.JSON(statusFor(err), gin.H{"status": "error", "msg": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "response": order})
}

func (s *Server) handleTestUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "POST to this endpoint to fire a canned test signal",
		"payload": gin.H{"symbol": "NIFTY24JUL24000CE", "side": "BUY", "sl": 20, "target": 50},
	})
}

// handleTestFire opens a real trade from a canned signal. It exists so the
// whole pipeline can be exercised without waiting for an alert.
func (s *Server) handleTestFire(c *gin.Context) {
	sig := domain.Signal{
		Symbol:         "NIFTY24JUL24000CE",
		Side:           domain.Buy,
		StopLossOffset: 20,
		TargetOffset:   50,
	}
	order, err := s.service.Enter(c.Request.Context(), sig)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"status": "error", "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "response": order})
}

func (s *Server) handleExit(c *gin.Context) {
	trade, err := s.service.ManualExit(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"status": "error", "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "trade": tradeView(trade)})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := defaultTradesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	trades, err := s.journal.FindRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "msg": "could not load trade history"})
		return
	}
	views := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		views = append(views, tradeView(t))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(views), "trades": views})
}

// tradeView shapes a trade for JSON responses.
func tradeView(t *domain.Trade) gin.H {
	v := gin.H{
		"id":          t.ID,
		"symbol":      t.Symbol,
		"side":        t.Side,
		"entry_price": t.EntryPrice,
		"sl":          t.StopLossOffset,
		"target":      t.TargetOffset,
		"quantity":    t.Quantity,
		"entry_time":  t.EntryTime.UTC().Format(time.RFC3339),
		"status":      t.Status,
	}
	if !t.IsOpen() {
		v["exit_price"] = t.ExitPrice
		v["exit_time"] = t.ExitTime.UTC().Format(time.RFC3339)
		v["exit_reason"] = t.ExitReason
		v["pnl"] = t.PNL
	}
	return v
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrTradeActive):
		return http.StatusConflict
	case errors.Is(err, ports.ErrNoActiveTrade):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrTradeLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ports.ErrSymbolNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrBrokerUnavailable),
		errors.Is(err, ports.ErrConnectionFailed),
		errors.Is(err, ports.ErrPriceUnavailable),
		errors.Is(err, ports.ErrOrderPlacementFailed),
		errors.Is(err, ports.ErrRateLimited),
		errors.Is(err, ports.ErrAuthenticationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger ports.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(c.Request.Context(), "HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
	}
}

func (r *webhookRequest) missingFields() []string {
	var missing []string
	if strings.TrimSpace(r.Symbol) == "" {
		missing = append(missing, "symbol")
	}
	if strings.TrimSpace(r.Side) == "" {
		missing = append(missing, "side")
	}
	if !r.SL.set {
		missing = append(missing, "sl")
	}
	if !r.Target.set {
		missing = append(missing, "target")
	}
	return missing
}

// flexFloat unmarshals a JSON number given either as a number or a quoted
// string and remembers whether the field was present at all.
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	f.value = v
	f.set = true
	return nil
}
