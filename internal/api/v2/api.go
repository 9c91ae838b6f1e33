// Package api serves the v2 HTTP API: emergency ingestion and delivery
// management for the serve process, and operator controls for detectors.
package api

import (
	"crypto/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/detection"
	"github.com/alertai/alertai/internal/dispatch"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/ingest"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/observability"
)

const (
	bodyLimit          = "1M"
	rateLimiterExpires = 3 * time.Minute
	recentEventsLimit  = 100
)

// GetLogger returns the api module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Controller owns the /api/v2 route group.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	Settings *conf.Settings

	store      *datastore.Store
	gateway    *ingest.Gateway
	dispatcher *dispatch.Dispatcher
	detectors  map[string]*detection.Controller
	metrics    *observability.Metrics

	startTime time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithPipeline enables the emergency, delivery and user routes.
func WithPipeline(store *datastore.Store, gateway *ingest.Gateway, dispatcher *dispatch.Dispatcher) Option {
	return func(c *Controller) {
		c.store = store
		c.gateway = gateway
		c.dispatcher = dispatcher
	}
}

// WithDetector enables the operator routes for a detection controller.
func WithDetector(ctrl *detection.Controller) Option {
	return func(c *Controller) {
		c.detectors[ctrl.Status().Detector] = ctrl
	}
}

// WithMetrics exposes m at /metrics when server.metrics is set.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New registers the API on e.
func New(e *echo.Echo, settings *conf.Settings, opts ...Option) *Controller {
	c := &Controller{
		Echo:      e,
		Settings:  settings,
		detectors: make(map[string]*detection.Controller),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Group = e.Group("/api/v2")
	c.Group.Use(middleware.Recover())
	c.Group.Use(middleware.BodyLimit(bodyLimit))
	c.Group.Use(c.LoggingMiddleware())
	if settings.Server.RateLimit > 0 {
		c.Group.Use(c.rateLimiter())
	}

	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	if c.metrics != nil && c.Settings.Server.Metrics {
		c.Group.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}
	if c.gateway != nil {
		c.initEmergencyRoutes()
		c.initUserRoutes()
	}
	if len(c.detectors) > 0 {
		c.initDetectorRoutes()
	}
}

// rateLimiter limits requests per client IP with a token bucket.
func (c *Controller) rateLimiter() echo.MiddlewareFunc {
	burst := c.Settings.Server.RateBurst
	if burst <= 0 {
		burst = int(c.Settings.Server.RateLimit) + 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(ctx echo.Context) bool {
			return ctx.Path() == "/api/v2/health"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(c.Settings.Server.RateLimit),
			Burst:     burst,
			ExpiresIn: rateLimiterExpires,
		}),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return c.HandleError(ctx, err, "Unable to identify client", http.StatusForbidden)
		},
		DenyHandler: func(ctx echo.Context, _ string, err error) error {
			return c.HandleError(ctx, err, "Too many requests, please slow down", http.StatusTooManyRequests)
		},
	})
}

// LoggingMiddleware logs every request with its status and latency.
func (c *Controller) LoggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			req := ctx.Request()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.Int("status", ctx.Response().Status),
				logger.String("ip", ctx.RealIP()),
				logger.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				fields = append(fields, logger.Error(err))
			}
			GetLogger().Debug("api request", fields...)
			return err
		}
	}
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates an error body with a fresh correlation id.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID returns 8 random alphanumerics.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError logs err and writes an ErrorResponse with code.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		GetLogger().Error("api error", fields...)
	} else {
		GetLogger().Warn("api error", fields...)
	}

	return ctx.JSON(code, resp)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrValidation), errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrVerificationUnavailable),
		errors.Is(err, ingest.ErrFanOutIncomplete):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrAlreadyVerified),
		errors.Is(err, detection.ErrNotHeld),
		errors.Is(err, detection.ErrNothingToRetry),
		errors.Is(err, detection.ErrSubmissionInFlight):
		return http.StatusConflict
	case errors.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
