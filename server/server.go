// Package server exposes the admission layer over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teilomillet/chatgate/gate"
	"github.com/teilomillet/chatgate/utils"
)

const (
	// UserIDHeader identifies the caller. Requests without it are keyed by
	// client IP.
	UserIDHeader = "X-User-ID"

	remainingHeader = "X-RateLimit-Remaining"
	callerKey       = "chatgate.caller"

	defaultShutdownTimeout = 10 * time.Second
)

// Server is the HTTP front of a gate.Gate.
type Server[H any] struct {
	gate      *gate.Gate[H]
	responder Responder[H]
	logger    utils.Logger
	engine    *gin.Engine
	addr      string

	ShutdownTimeout time.Duration
}

// New builds the gin engine and registers every route.
func New[H any](addr string, g *gate.Gate[H], responder Responder[H], logger utils.Logger) *Server[H] {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server[H]{
		gate:            g,
		responder:       responder,
		logger:          logger,
		engine:          gin.New(),
		addr:            addr,
		ShutdownTimeout: defaultShutdownTimeout,
	}
	// ClientIP keys the rate limiter, so forwarding headers are ignored until
	// SetTrustedProxies names the proxies allowed to set them.
	_ = s.engine.SetTrustedProxies(nil)
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.loggingMiddleware())
	s.registerRoutes()
	return s
}

// SetTrustedProxies lists the proxy addresses or CIDRs whose
// X-Forwarded-For and X-Real-IP headers are believed when keying callers
// without a user ID. nil trusts none.
func (s *Server[H]) SetTrustedProxies(proxies []string) error {
	return s.engine.SetTrustedProxies(proxies)
}

// Handler returns the underlying http.Handler.
func (s *Server[H]) Handler() http.Handler {
	return s.engine
}

func (s *Server[H]) registerRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/stats", s.handleStats)
		v1.GET("/schema", s.handleSchema)
		v1.POST("/chat", s.rateLimitMiddleware(), s.handleChat)
		v1.DELETE("/session", s.handleEndSession)
	}
}

func (s *Server[H]) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	}
}

// rateLimitMiddleware admits or rejects the request before any handler
// work is done. A rejected request never reaches the session store.
func (s *Server[H]) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := callerID(c)
		c.Set(callerKey, key)

		res, err := s.gate.Check(key)
		c.Header(remainingHeader, strconv.Itoa(res.Remaining))
		if err != nil {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			s.abortWithError(c, http.StatusTooManyRequests, err)
			return
		}
		c.Next()
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server[H]) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server", "timeout", s.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func callerID(c *gin.Context) string {
	if id := c.GetHeader(UserIDHeader); id != "" {
		return id
	}
	return c.ClientIP()
}
