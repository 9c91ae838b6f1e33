package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/synctest"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
)

func TestScriptedDetector(t *testing.T) {
	t.Parallel()

	d := NewScriptedDetector([]float64{0.1, 0.9}, "frames/a.jpg", false)
	for _, want := range []float64{0.1, 0.9} {
		obs, err := d.ScoreFrame(t.Context())
		require.NoError(t, err)
		assert.InDelta(t, want, obs.Confidence, 1e-9)
		assert.Equal(t, "frames/a.jpg", obs.Frame)
	}
	_, err := d.ScoreFrame(t.Context())
	require.ErrorIs(t, err, ErrDetectorExhausted)

	loop := NewScriptedDetector([]float64{0.3}, "", true)
	for range 3 {
		obs, err := loop.ScoreFrame(t.Context())
		require.NoError(t, err)
		assert.InDelta(t, 0.3, obs.Confidence, 1e-9)
	}

	_, err = NewScriptedDetector(nil, "", true).ScoreFrame(t.Context())
	require.ErrorIs(t, err, ErrDetectorExhausted)
}

func TestHTTPDetector(t *testing.T) {
	client := httpclient.New(nil)
	httpmock.ActivateNonDefault(client.HTTPClient())
	defer httpmock.DeactivateAndReset()

	const url = "http://detector.local/score"

	tests := []struct {
		name      string
		responder httpmock.Responder
		want      Observation
		category  errors.ErrorCategory
	}{
		{
			name:      "score",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"confidence":0.93,"frame":"frames/42.jpg"}`),
			want:      Observation{Confidence: 0.93, Frame: "frames/42.jpg"},
		},
		{
			name:      "missing confidence",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"frame":"x"}`),
			category:  errors.CategoryValidation,
		},
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusInternalServerError, "boom"),
			category:  errors.CategoryHTTP,
		},
		{
			name:      "unreachable",
			responder: httpmock.NewErrorResponder(errors.NewStd("connection refused")),
			category:  errors.CategoryNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpmock.RegisterResponder(http.MethodGet, url, tt.responder)

			obs, err := NewHTTPDetector(url, client).ScoreFrame(t.Context())
			if tt.category != "" {
				require.Error(t, err)
				assert.True(t, errors.IsCategory(err, tt.category), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, obs)
		})
	}
}

func TestHTTPSubmitter(t *testing.T) {
	t.Parallel()

	var got emergency.Submission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/emergencies", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")

		if got.Building == "offline verifier" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"event_id":"e-9","status":"PENDING","error":"verification unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"event_id":"e-8","status":"VERIFIED","matched_users":2}`))
	}))
	defer srv.Close()

	client := httpclient.New(nil)
	defer client.Close()
	s := NewHTTPSubmitter(srv.URL+"/", client, 0)

	ack, err := s.Submit(t.Context(), emergency.Submission{EmergencyType: "fire", Confidence: 0.9, Building: "HQ", ImageURL: "f"})
	require.NoError(t, err)
	assert.Equal(t, "e-8", ack.EventID)
	assert.Equal(t, 2, ack.MatchedUsers)
	assert.Equal(t, "HQ", got.Building)

	ack, err = s.Submit(t.Context(), emergency.Submission{EmergencyType: "fire", Building: "offline verifier"})
	require.Error(t, err)
	assert.Equal(t, "e-9", ack.EventID)
	assert.Contains(t, err.Error(), "verification unavailable")
}

func TestHTTPSubmitterUnreadableReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got emergency.Submission
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Building == "behind proxy" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>upstream gateway timed out</html>"))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	client := httpclient.New(nil)
	defer client.Close()
	s := NewHTTPSubmitter(srv.URL, client, time.Second)

	// An accepted submission stays accepted even if the body is not an
	// acknowledgement.
	ack, err := s.Submit(t.Context(), emergency.Submission{EmergencyType: "fire", Building: "HQ"})
	require.NoError(t, err)
	assert.Empty(t, ack.EventID)

	_, err = s.Submit(t.Context(), emergency.Submission{EmergencyType: "fire", Building: "behind proxy"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream gateway timed out")
}

func TestHTTPSubmitterConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := httpclient.New(nil)
	defer client.Close()

	_, err := NewHTTPSubmitter(url, client, time.Second).Submit(t.Context(), emergency.Submission{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestRunnerFeedsController(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		sub := &fakeSubmitter{ack: emergency.Acknowledgement{EventID: "e-1"}}
		c := NewController(testConfig(), sub, nil)
		d := NewScriptedDetector([]float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9}, "f", false)

		start := time.Now()
		require.NoError(t, NewRunner(d, c, time.Second).Run(t.Context()))

		assert.Equal(t, 1, sub.count())
		assert.Equal(t, StateSent, c.Status().State)
		assert.Equal(t, 8*time.Second, time.Since(start))
	})
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 3500*time.Millisecond)
		defer cancel()

		c := NewController(testConfig(), &fakeSubmitter{}, nil)
		d := NewScriptedDetector([]float64{0.1}, "", true)
		require.NoError(t, NewRunner(d, c, time.Second).Run(ctx))
		assert.Equal(t, StateIdle, c.Status().State)
	})
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	s := &conf.DetectionSettings{
		Name:          "cam-7",
		EmergencyType: "Fallen Person",
		Threshold:     0.8,
		ConfirmWindow: 5 * time.Second,
		Latitude:      1.5,
		Longitude:     2.5,
	}
	cfg, err := ConfigFromSettings(s)
	require.NoError(t, err)
	assert.Equal(t, emergency.FallenPerson, cfg.EmergencyType)
	assert.Equal(t, emergency.Location{Lat: 1.5, Lon: 2.5}, cfg.Location)

	s.EmergencyType = "flood"
	_, err = ConfigFromSettings(s)
	require.Error(t, err)

	_, err = NewDetector(&conf.DetectorSource{Kind: "carrier-pigeon"}, nil)
	require.Error(t, err)
	d, err := NewDetector(&conf.DetectorSource{Kind: "scripted", Script: []float64{0.5}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ScriptedDetector{}, d)
}
