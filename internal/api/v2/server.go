package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

// shutdownTimeout bounds how long in-flight requests may finish after ctx ends.
const shutdownTimeout = 5 * time.Second

// NewEcho returns an echo instance that logs through the central logger.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = logger.NewEchoLoggerAdapter(GetLogger().Module("echo"))
	return e
}

// Serve runs e on listen until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, e *echo.Echo, listen string) error {
	errCh := make(chan error, 1)
	go func() {
		GetLogger().Info("http server starting", logger.String("listen", listen))
		if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.New(err).
				Component("api").
				Category(errors.CategoryNetwork).
				Context("listen", listen).
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	GetLogger().Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		GetLogger().Warn("http server did not shut down cleanly", logger.Error(err))
		return err
	}
	return nil
}
