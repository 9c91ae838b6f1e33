package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/geo"
	"github.com/alertai/alertai/internal/logger"
)

func (c *Controller) initUserRoutes() {
	c.Group.POST("/users", c.RegisterUser)
	c.Group.GET("/users", c.ListUsers)
	c.Group.PUT("/users/:id/location", c.UpdateUserLocation)
}

type registerUserRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContactChannel string `json:"contact_channel"`
}

// RegisterUser creates a recipient or updates its name and channel.
func (c *Controller) RegisterUser(ctx echo.Context) error {
	var req registerUserRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" || req.Name == "" {
		return c.HandleError(ctx, nil, "id and name are required", http.StatusBadRequest)
	}
	if u, err := url.Parse(req.ContactChannel); err != nil || u.Scheme == "" {
		return c.HandleError(ctx, nil, "contact_channel must be a URL such as https://, mqtt:// or telegram://", http.StatusBadRequest)
	}

	user := &entities.User{ID: req.ID, Name: req.Name, ContactChannel: req.ContactChannel}
	if err := c.store.Users().Register(ctx.Request().Context(), user); err != nil {
		return c.HandleError(ctx, err, "Failed to register user", statusFor(err))
	}

	GetLogger().Info("user registered",
		logger.String("user_id", user.ID),
		logger.String("channel", logger.RedactURL(user.ContactChannel)))

	return ctx.JSON(http.StatusCreated, user)
}

// ListUsers returns every registered user. Contact channels are omitted.
func (c *Controller) ListUsers(ctx echo.Context) error {
	users, err := c.store.Users().List(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list users", statusFor(err))
	}
	if users == nil {
		users = []entities.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

type locationRequest struct {
	Lat        *float64   `json:"lat"`
	Lon        *float64   `json:"lon"`
	Accuracy   float64    `json:"accuracy"`
	ObservedAt *time.Time `json:"observed_at"`
}

// UpdateUserLocation stores a position report. observed_at defaults to now.
func (c *Controller) UpdateUserLocation(ctx echo.Context) error {
	var req locationRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Lat == nil || req.Lon == nil || !(geo.Point{Lat: *req.Lat, Lon: *req.Lon}).Valid() {
		return c.HandleError(ctx, nil, "lat must be in [-90,90] and lon in [-180,180]", http.StatusBadRequest)
	}

	observedAt := time.Now()
	if req.ObservedAt != nil && !req.ObservedAt.IsZero() {
		observedAt = *req.ObservedAt
	}

	id := ctx.Param("id")
	err := c.store.Users().UpdateLocation(ctx.Request().Context(), id, *req.Lat, *req.Lon, req.Accuracy, observedAt)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to update location", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"user_id":     id,
		"lat":         *req.Lat,
		"lon":         *req.Lon,
		"observed_at": observedAt.UTC(),
	})
}
