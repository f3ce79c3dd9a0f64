// Package httpapi exposes the execution adapter with the wire shape of a
// brokerage REST API, plus read-only ledger routes and the intent and price
// inputs of the orchestrator.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execledger/internal/app"
	"execledger/internal/ledger"
	"execledger/internal/ports"
)

// Config holds the dependencies of the server.
type Config struct {
	Adapter   ports.ExecutionAdapter
	Ledger    *ledger.Ledger      // Optional; enables the /ledger routes
	Lifecycle *app.TradeLifecycle // Optional; enables /prices and /trades
	Intents   *app.IntentQueue    // Optional; enables /intents
	Logger    ports.Logger
	Addr      string // Default :8080
	Prefix    string // Default /v2
	Debug     bool
}

// Server serves the REST facade.
type Server struct {
	adapter   ports.ExecutionAdapter
	ledger    *ledger.Ledger
	lifecycle *app.TradeLifecycle
	intents   *app.IntentQueue
	logger    ports.Logger
	engine    *gin.Engine
	srv       *http.Server
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Adapter == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("http api requires an execution adapter and a logger: %w", ports.ErrConfiguration)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	prefix := "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		prefix = "/v2"
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		adapter:   cfg.Adapter,
		ledger:    cfg.Ledger,
		lifecycle: cfg.Lifecycle,
		intents:   cfg.Intents,
		logger:    cfg.Logger,
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", s.health)
	s.register(engine.Group(prefix))
	s.engine = engine
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) register(r *gin.RouterGroup) {
	r.POST("/orders", s.submitOrder)
	r.GET("/orders", s.listOrders)
	r.GET("/orders/:id", s.getOrder)
	r.PATCH("/orders/:id", s.replaceOrder)
	r.DELETE("/orders/:id", s.cancelOrder)

	r.GET("/positions", s.listPositions)
	r.GET("/positions/:symbol", s.getPosition)
	r.DELETE("/positions/:symbol", s.closePosition)
	r.GET("/account", s.getAccount)

	if s.ledger != nil {
		l := r.Group("/ledger")
		l.GET("/positions", s.ledgerPositions)
		l.GET("/positions/:id", s.ledgerPosition)
		l.GET("/positions/:id/actions", s.ledgerActions)
		l.GET("/positions/:id/verify", s.ledgerVerify)
		l.GET("/actions", s.ledgerActionLog)
		l.GET("/verify", s.ledgerVerifyAll)
		l.GET("/report", s.ledgerReport)
	}
	if s.intents != nil {
		r.POST("/intents", s.postIntents)
	}
	if s.lifecycle != nil {
		r.POST("/prices", s.postPrices)
		r.GET("/trades", s.listTrades)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "httpapi: Listening", map[string]interface{}{"addr": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.Info(ctx, "httpapi: Stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   status,
			"duration": time.Since(start).String(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Warn(c.Request.Context(), "httpapi: Request failed", fields)
		default:
			s.logger.Debug(c.Request.Context(), "httpapi: Request served", fields)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": s.adapter.Name()})
}
