package detection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
)

const (
	// DefaultSubmitTimeout bounds one gateway call.
	DefaultSubmitTimeout = 10 * time.Second

	emergenciesPath = "/api/v2/emergencies"

	// maxAckSnippet bounds how much of an unreadable reply is logged or
	// reported.
	maxAckSnippet = 256
)

// HTTPSubmitter posts submissions to the gateway API.
type HTTPSubmitter struct {
	endpoint string
	client   *httpclient.Client
	timeout  time.Duration
}

// NewHTTPSubmitter creates a submitter for the gateway at baseURL.
func NewHTTPSubmitter(baseURL string, client *httpclient.Client, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &HTTPSubmitter{
		endpoint: strings.TrimRight(baseURL, "/") + emergenciesPath,
		client:   client,
		timeout:  timeout,
	}
}

// Submit implements Submitter. Any non-2xx answer is an error; the
// acknowledgement is still decoded so a 503 carries its event id.
func (s *HTTPSubmitter) Submit(ctx context.Context, sub emergency.Submission) (emergency.Acknowledgement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.PostJSON(ctx, s.endpoint, sub)
	if err != nil {
		category := errors.CategoryNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			category = errors.CategoryTimeout
		}
		return emergency.Acknowledgement{}, errors.New(err).
			Component("detection").
			Category(category).
			Context("endpoint", s.endpoint).
			Timing("submit", time.Since(started)).
			Build()
	}
	defer httpclient.DrainAndClose(resp)

	var (
		ack        emergency.Acknowledgement
		unreadable string
	)
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			unreadable = strings.TrimSpace(string(body[:min(len(body), maxAckSnippet)]))
			GetLogger().Warn("gateway reply is not an acknowledgement",
				logger.Int("status_code", resp.StatusCode),
				logger.String("body", unreadable),
				logger.Error(err))
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := ack.Error
		if msg == "" {
			msg = unreadable
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return ack, errors.Newf("gateway answered %d: %s", resp.StatusCode, msg).
			Component("detection").
			Category(errors.CategoryHTTP).
			Context("status_code", resp.StatusCode).
			Context("event_id", ack.EventID).
			Build()
	}
	if readErr != nil {
		return ack, errors.New(readErr).
			Component("detection").
			Category(errors.CategoryNetwork).
			Context("operation", "read_ack").
			Build()
	}
	return ack, nil
}
