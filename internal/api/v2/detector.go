package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/alertai/alertai/internal/detection"
)

func (c *Controller) initDetectorRoutes() {
	g := c.Group.Group("/detector")
	g.GET("/status", c.DetectorStatus)
	g.POST("/reset", c.ResetDetector)
	g.POST("/retry", c.RetryDetector)
}

// detector picks the controller named by ?name=, or the only one.
func (c *Controller) detector(ctx echo.Context) (*detection.Controller, bool) {
	if name := ctx.QueryParam("name"); name != "" {
		d, ok := c.detectors[name]
		return d, ok
	}
	if len(c.detectors) == 1 {
		for _, d := range c.detectors {
			return d, true
		}
	}
	return nil, false
}

// DetectorStatus returns the controller's session state.
func (c *Controller) DetectorStatus(ctx echo.Context) error {
	d, ok := c.detector(ctx)
	if !ok {
		return c.HandleError(ctx, nil, "Unknown detector", http.StatusNotFound)
	}
	return ctx.JSON(http.StatusOK, d.Status())
}

// ResetDetector clears the session so a new detection can be confirmed.
func (c *Controller) ResetDetector(ctx echo.Context) error {
	d, ok := c.detector(ctx)
	if !ok {
		return c.HandleError(ctx, nil, "Unknown detector", http.StatusNotFound)
	}
	d.Reset()
	return ctx.JSON(http.StatusOK, d.Status())
}

// RetryDetector resubmits a HELD detection.
func (c *Controller) RetryDetector(ctx echo.Context) error {
	d, ok := c.detector(ctx)
	if !ok {
		return c.HandleError(ctx, nil, "Unknown detector", http.StatusNotFound)
	}
	if _, err := d.Retry(ctx.Request().Context()); err != nil {
		return c.HandleError(ctx, err, "Nothing to retry", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, d.Status())
}
