package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/detection"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
)

// gatewayStub fails submissions until healed.
type gatewayStub struct {
	mu     sync.Mutex
	healed bool
}

func (g *gatewayStub) Submit(context.Context, emergency.Submission) (emergency.Acknowledgement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.healed {
		return emergency.Acknowledgement{}, errors.NewStd("gateway unreachable")
	}
	return emergency.Acknowledgement{EventID: "e-1", Status: "VERIFIED"}, nil
}

func newDetectorServer(t *testing.T) (*echo.Echo, *detection.Controller, *gatewayStub) {
	t.Helper()
	stub := &gatewayStub{}
	ctrl := detection.NewController(detection.Config{
		Name:          "cam-1",
		EmergencyType: emergency.Fire,
		Threshold:     0.85,
		Building:      "Main Building",
	}, stub, nil)

	e := echo.New()
	New(e, &conf.Settings{}, WithDetector(ctrl))
	return e, ctrl, stub
}

func call(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func TestDetectorStatus(t *testing.T) {
	t.Parallel()
	e, _, _ := newDetectorServer(t)

	rec := call(e, http.MethodGet, "/api/v2/detector/status")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[detection.Status](t, rec)
	assert.Equal(t, "cam-1", st.Detector)
	assert.Equal(t, detection.StateIdle, st.State)

	assert.Equal(t, http.StatusNotFound, call(e, http.MethodGet, "/api/v2/detector/status?name=other").Code)
}

func TestDetectorRetryRequiresHeld(t *testing.T) {
	t.Parallel()
	e, _, _ := newDetectorServer(t)

	rec := call(e, http.MethodPost, "/api/v2/detector/retry")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDetectorRetryAndReset(t *testing.T) {
	t.Parallel()
	e, ctrl, stub := newDetectorServer(t)

	require.Equal(t, detection.StateHeld, ctrl.Observe(t.Context(), 0.95, "frame-1.jpg"))

	stub.mu.Lock()
	stub.healed = true
	stub.mu.Unlock()

	rec := call(e, http.MethodPost, "/api/v2/detector/retry")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[detection.Status](t, rec)
	assert.Equal(t, detection.StateSent, st.State)
	assert.Equal(t, "e-1", st.LastEventID)

	rec = call(e, http.MethodPost, "/api/v2/detector/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, detection.StateIdle, decode[detection.Status](t, rec).State)
}
