package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/ingest"
)

func (c *Controller) initEmergencyRoutes() {
	g := c.Group.Group("/emergencies")
	g.POST("", c.CreateEmergency)
	g.GET("", c.ListEmergencies)
	g.GET("/:id", c.GetEmergency)
	g.POST("/:id/verify", c.ReverifyEmergency)
	g.GET("/:id/deliveries", c.ListDeliveries)
	g.POST("/:id/deliveries/retry", c.RetryDeliveries)
	g.POST("/:id/acknowledge", c.AcknowledgeEmergency)
}

// CreateEmergency ingests a submission. Verified events answer 201,
// rejected ones 200 and an unavailable verifier 503, each with the
// acknowledgement body detectors expect.
func (c *Controller) CreateEmergency(ctx echo.Context) error {
	var sub emergency.Submission
	if err := ctx.Bind(&sub); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	res, err := c.gateway.Ingest(ctx.Request().Context(), &sub)
	return c.ingestResponse(ctx, res, err)
}

// ReverifyEmergency re-runs verification for a PENDING event or resumes
// fan-out for a VERIFIED one.
func (c *Controller) ReverifyEmergency(ctx echo.Context) error {
	res, err := c.gateway.Reverify(ctx.Request().Context(), ctx.Param("id"))
	return c.ingestResponse(ctx, res, err)
}

func (c *Controller) ingestResponse(ctx echo.Context, res ingest.Result, err error) error {
	if err != nil {
		code := statusFor(err)
		if res.EventID == "" || code == http.StatusInternalServerError {
			return c.HandleError(ctx, err, "Emergency could not be processed", code)
		}
		return ctx.JSON(code, res.Acknowledgement(err))
	}

	code := http.StatusOK
	if res.Status == entities.StatusVerified {
		code = http.StatusCreated
	}
	return ctx.JSON(code, res.Acknowledgement(nil))
}

// ListEmergencies returns recent events, newest first.
func (c *Controller) ListEmergencies(ctx echo.Context) error {
	window := c.Settings.Server.RecentWindow
	if window <= 0 {
		window = 2 * time.Hour
	}
	if h := ctx.QueryParam("hours"); h != "" {
		hours, err := strconv.ParseFloat(h, 64)
		if err != nil || hours <= 0 {
			return c.HandleError(ctx, err, "hours must be a positive number", http.StatusBadRequest)
		}
		window = time.Duration(hours * float64(time.Hour))
	}

	var status entities.VerificationStatus
	if s := ctx.QueryParam("status"); s != "" {
		status = entities.VerificationStatus(strings.ToUpper(s))
		switch status {
		case entities.StatusPending, entities.StatusVerified, entities.StatusRejected:
		default:
			return c.HandleError(ctx, nil, "status must be pending, verified or rejected", http.StatusBadRequest)
		}
	}

	events, err := c.store.Events().Recent(ctx.Request().Context(), time.Now().Add(-window), status, recentEventsLimit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list emergencies", statusFor(err))
	}
	if events == nil {
		events = []entities.EmergencyEvent{}
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"emergencies": events,
		"count":       len(events),
		"hours":       window.Hours(),
	})
}

// EmergencyDetail is an event with its delivery counts.
type EmergencyDetail struct {
	Event      *entities.EmergencyEvent          `json:"event"`
	Deliveries map[entities.DeliveryStatus]int64 `json:"deliveries"`
}

// GetEmergency returns one event and its delivery summary.
func (c *Controller) GetEmergency(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	event, err := c.store.Events().Get(reqCtx, ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Emergency not available", statusFor(err))
	}
	summary, err := c.dispatcher.Summary(reqCtx, event.ID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to summarize deliveries", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, EmergencyDetail{Event: event, Deliveries: summary})
}

// ListDeliveries returns every delivery attempt of an event.
func (c *Controller) ListDeliveries(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	event, err := c.store.Events().Get(reqCtx, ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Emergency not available", statusFor(err))
	}
	rows, err := c.dispatcher.List(reqCtx, event.ID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list deliveries", statusFor(err))
	}
	if rows == nil {
		rows = []entities.DeliveryAttempt{}
	}
	return ctx.JSON(http.StatusOK, rows)
}

// RetryDeliveries resends the retriable failures of an event once.
func (c *Controller) RetryDeliveries(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	event, err := c.store.Events().Get(reqCtx, ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Emergency not available", statusFor(err))
	}
	summary, err := c.dispatcher.RetryFailed(reqCtx, event.ID)
	if err != nil {
		return c.HandleError(ctx, err, "Retry did not complete", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, summary)
}

type acknowledgeRequest struct {
	UserID string `json:"user_id"`
}

// AcknowledgeEmergency records that a recipient saw the alert.
func (c *Controller) AcknowledgeEmergency(ctx echo.Context) error {
	var req acknowledgeRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return c.HandleError(ctx, nil, "user_id is required", http.StatusBadRequest)
	}

	first, err := c.dispatcher.Acknowledge(ctx.Request().Context(), ctx.Param("id"), req.UserID)
	if err != nil {
		return c.HandleError(ctx, err, "Acknowledgement failed", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"event_id":     ctx.Param("id"),
		"user_id":      req.UserID,
		"acknowledged": true,
		"first":        first,
	})
}
