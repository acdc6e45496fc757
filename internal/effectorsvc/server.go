// Package effectorsvc provides the Echo server scaffolding shared by the
// status, access, and identity effectors: standard middleware, a /health
// endpoint, and a change-ingest route contract, so each effector's cmd/
// binary only has to supply the handler that applies a change to its
// subsystem.
package effectorsvc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/pumpingstationone/deepharbor/internal/config"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
)

// Config controls the shared Echo server setup.
type Config struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RateLimit caps requests per second per client IP; 0 disables it.
	// Portals and sync jobs call effectors directly, so this guards against
	// a runaway caller independent of the Dispatcher's own one-at-a-time
	// delivery.
	RateLimit float64
}

// DefaultConfig returns fixed defaults. The effector binaries build their
// Config with ConfigFromEnv instead, which takes only BodyLimit from here;
// its timeouts come from config.LoadServerConfig (30s read/write by default).
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		BodyLimit:       "1M",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit:       0,
	}
}

// ConfigFromEnv builds a Config from an environment-loaded ServerConfig
// (config.LoadServerConfig), so each effector main.go only has to pick its
// own env-var prefix.
func ConfigFromEnv(sc config.ServerConfig) Config {
	return Config{
		Port:            sc.Port,
		Debug:           sc.Debug,
		BodyLimit:       DefaultConfig().BodyLimit,
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
		RateLimit:       sc.RateLimit,
	}
}

// New builds an Echo instance with structured logging, panic recovery and a
// body-size cap wired in.
func New(serviceName string, cfg Config, log *dhlog.ContextLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			fields := dhlog.HTTPFields(c.Request().Method, c.Request().URL.Path, c.Response().Status, time.Since(start))
			fields["request_id"] = c.Response().Header().Get(echo.HeaderXRequestID)
			log.WithFields(fields).Info(serviceName + " request")
			return err
		}
	})
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	e.GET("/health", HealthHandler(serviceName))
	return e
}

// HealthResponse is the /health endpoint's body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler returns a trivial liveness check; effectors have no
// meaningful readiness signal beyond "process is up".
func HealthHandler(serviceName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: serviceName})
	}
}

// Start runs e until ctx is cancelled, then shuts it down gracefully.
func Start(ctx context.Context, e *echo.Echo, cfg Config) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
