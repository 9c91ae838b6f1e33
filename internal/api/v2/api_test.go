package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/detection"
	"github.com/alertai/alertai/internal/dispatch"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/fanout"
	"github.com/alertai/alertai/internal/ingest"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability"
	"github.com/alertai/alertai/internal/verifier"
)

const submissionJSON = `{
	"emergency_type": "fire",
	"confidence": 0.92,
	"location": {"lat": 11.84901, "lon": 13.056751},
	"building": "Medical Center Building A",
	"floor_affected": "2nd Floor",
	"image_url": "detections/fire_0001.jpg",
	"source": "cam-1"
}`

// switchableVerifier answers with the verdict currently set.
type switchableVerifier struct {
	mu       sync.Mutex
	verified bool
	err      error
}

func (v *switchableVerifier) set(verified bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified, v.err = verified, err
}

func (v *switchableVerifier) Verify(context.Context, string, string) (verifier.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return verifier.Result{}, v.err
	}
	if v.verified {
		return verifier.Result{Verified: true, Rationale: "YES"}, nil
	}
	return verifier.Result{Rationale: "NO"}, nil
}

type testServer struct {
	echo     *echo.Echo
	store    *datastore.Store
	verifier *switchableVerifier
	fail     *failingProvider
}

// failingProvider handles fail:// channels and always reports a refused
// connection.
type failingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *failingProvider) Name() string { return "fail" }

func (p *failingProvider) Send(context.Context, *url.URL, notifier.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return notifier.WithClass(errors.NewStd("connection refused"), notifier.ClassConnection)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	fail := &failingProvider{}
	router := notifier.NewRouter(notifier.CircuitBreakerConfig{MaxFailures: 100, Timeout: time.Minute, HalfOpenMaxRequests: 1}, nil, m.Notification)
	router.Register(notifier.NewLogProvider(nil), "log")
	router.Register(fail, "fail")

	v := &switchableVerifier{verified: true}
	d := dispatch.New(s.Deliveries(), router, dispatch.Options{}, m.Notification)
	f := fanout.New(s.Users(), s.Processed(), d, fanout.Options{RadiusMeters: 100}, m.Pipeline)
	g := ingest.New(s.Events(), v, f, time.Second, m.Pipeline)

	settings := &conf.Settings{Server: conf.ServerSettings{RecentWindow: 2 * time.Hour, Metrics: true}}
	e := NewEcho()
	New(e, settings, WithPipeline(s, g, d), WithMetrics(m))

	return &testServer{echo: e, store: s, verifier: v, fail: fail}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) registerNear(t *testing.T, id, channel string, lat float64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v2/users", `{"id":"`+id+`","name":"`+id+`","contact_channel":"`+channel+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body, _ := json.Marshal(map[string]float64{"lat": lat, "lon": 13.056751, "accuracy": 5})
	rec = ts.do(t, http.MethodPut, "/api/v2/users/"+id+"/location", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateEmergencyVerified(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.registerNear(t, "amina", "log://amina", 11.84921)

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ack := decode[emergency.Acknowledgement](t, rec)
	assert.NotEmpty(t, ack.EventID)
	assert.Equal(t, "VERIFIED", ack.Status)
	assert.Equal(t, 1, ack.MatchedUsers)

	rec = ts.do(t, http.MethodGet, "/api/v2/emergencies/"+ack.EventID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[EmergencyDetail](t, rec)
	assert.Equal(t, "Medical Center Building A", detail.Event.Building)
	assert.Equal(t, int64(1), detail.Deliveries[entities.DeliveryDelivered])

	rec = ts.do(t, http.MethodGet, "/api/v2/emergencies/"+ack.EventID+"/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]entities.DeliveryAttempt](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "amina", rows[0].UserID)
	assert.NotContains(t, rec.Body.String(), "log://amina", "channels are not exposed")
}

func TestCreateEmergencyRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.verifier.set(false, nil)

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON)
	require.Equal(t, http.StatusOK, rec.Code)
	ack := decode[emergency.Acknowledgement](t, rec)
	assert.Equal(t, "REJECTED", ack.Status)
	assert.Equal(t, "NO", ack.Rationale)

	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/verify", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateEmergencyVerifierUnavailable(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.verifier.set(false, errors.NewStd("connection refused"))

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ack := decode[emergency.Acknowledgement](t, rec)
	assert.NotEmpty(t, ack.EventID)
	assert.Equal(t, "PENDING", ack.Status)
	assert.Contains(t, ack.Error, "verification unavailable")

	// Once the verifier is back the event can be verified in place.
	ts.verifier.set(true, nil)
	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/verify", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "VERIFIED", decode[emergency.Acknowledgement](t, rec).Status)

	// Reverifying a fanned-out event resumes nothing and reports the verdict.
	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/verify", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "VERIFIED", decode[emergency.Acknowledgement](t, rec).Status)
}

func TestCreateEmergencyValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies", `{"emergency_type":"flood","confidence":0.9}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Error, "emergency_type")
	assert.Len(t, resp.CorrelationID, 8)

	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEmergencies(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON).Code)
	ts.verifier.set(false, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON).Code)

	rec := ts.do(t, http.MethodGet, "/api/v2/emergencies?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string]any](t, rec)
	assert.InDelta(t, 2, all["count"], 0)

	rec = ts.do(t, http.MethodGet, "/api/v2/emergencies?status=verified", "")
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decode[map[string]any](t, rec)
	assert.InDelta(t, 1, verified["count"], 0)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v2/emergencies?status=maybe", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v2/emergencies?hours=-1", "").Code)
}

func TestGetUnknownEmergency(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v2/emergencies/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v2/emergencies/nope/verify", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v2/emergencies/nope/deliveries/retry", "").Code)
}

func TestRetryDeliveries(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.registerNear(t, "ok", "log://ok", 11.84911)
	ts.registerNear(t, "down", "fail://down", 11.84911)

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON)
	require.Equal(t, http.StatusCreated, rec.Code)
	ack := decode[emergency.Acknowledgement](t, rec)
	assert.Equal(t, 2, ack.MatchedUsers)

	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/deliveries/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[dispatch.RetrySummary](t, rec)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.FailedRetriable)

	ts.fail.mu.Lock()
	assert.Equal(t, 2, ts.fail.calls)
	ts.fail.mu.Unlock()
}

func TestAcknowledgeEmergency(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.registerNear(t, "amina", "log://amina", 11.84921)

	ack := decode[emergency.Acknowledgement](t, ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON))

	rec := ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/acknowledge", `{"user_id":"amina"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["first"])

	rec = ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/acknowledge", `{"user_id":"amina"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["first"])

	assert.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/acknowledge", `{"user_id":"stranger"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/v2/emergencies/"+ack.EventID+"/acknowledge", `{}`).Code)
}

func TestUserValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/v2/users", `{"id":"x","name":"X","contact_channel":"not a url"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/v2/users", `{"id":"","name":"X","contact_channel":"log://x"}`).Code)
	assert.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodPut, "/api/v2/users/ghost/location", `{"lat":1,"lon":2}`).Code)

	require.Equal(t, http.StatusCreated,
		ts.do(t, http.MethodPost, "/api/v2/users", `{"id":"x","name":"X","contact_channel":"log://x"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPut, "/api/v2/users/x/location", `{"lat":95,"lon":2}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPut, "/api/v2/users/x/location", `{"lon":2}`).Code)

	rec := ts.do(t, http.MethodGet, "/api/v2/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]entities.User](t, rec)
	require.Len(t, users, 1)
	assert.NotContains(t, rec.Body.String(), "log://x")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v2/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["database_status"])
	_, err := time.Parse(time.RFC3339, health["timestamp"].(string))
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v2/emergencies", submissionJSON).Code)

	rec = ts.do(t, http.MethodGet, "/api/v2/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `alertai_ingest_events_total{status="verified"} 1`)
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{Server: conf.ServerSettings{RateLimit: 1, RateBurst: 2}}
	ctrl := detection.NewController(detection.Config{Name: "cam-1", EmergencyType: emergency.Fire, Threshold: 0.85}, nil, nil)
	e := echo.New()
	New(e, settings, WithDetector(ctrl))

	codes := make([]int, 0, 4)
	for range 4 {
		req := httptest.NewRequest(http.MethodGet, "/api/v2/detector/status", http.NoBody)
		req.RemoteAddr = "192.0.2.10:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)

	// Health checks are never throttled.
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/api/v2/health", http.NoBody)
		req.RemoteAddr = "192.0.2.10:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{ingest.ErrValidation, http.StatusBadRequest},
		{ingest.ErrVerificationUnavailable, http.StatusServiceUnavailable},
		{ingest.ErrAlreadyVerified, http.StatusConflict},
		{errors.Newf("%w: %w", ingest.ErrFanOutIncomplete, errors.NewStd("db locked")).Category(errors.CategoryDatabase).Build(), http.StatusServiceUnavailable},
		{detection.ErrNotHeld, http.StatusConflict},
		{detection.ErrNothingToRetry, http.StatusConflict},
		{errors.New(datastore.ErrEventNotFound).Category(errors.CategoryNotFound).Build(), http.StatusNotFound},
		{errors.NewStd("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
