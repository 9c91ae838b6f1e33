package verifier

import (
	"context"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
)

// HTTPVerifier posts frames to a JSON verification endpoint that answers
// {"verified": bool, "rationale": string}.
type HTTPVerifier struct {
	url    string
	client *httpclient.Client
}

// NewHTTP creates a verifier for the endpoint at url.
func NewHTTP(url string, client *httpclient.Client) (*HTTPVerifier, error) {
	if url == "" {
		return nil, errors.Newf("http verifier requires a url").
			Component("verifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &HTTPVerifier{url: url, client: client}, nil
}

type httpVerifyRequest struct {
	ImageRef      string `json:"image_ref"`
	EmergencyType string `json:"emergency_type"`
}

// Verify implements Verifier.
func (h *HTTPVerifier) Verify(ctx context.Context, imageRef, emergencyType string) (Result, error) {
	started := time.Now()

	resp, err := h.client.PostJSON(ctx, h.url, httpVerifyRequest{ImageRef: imageRef, EmergencyType: emergencyType})
	if err != nil {
		return Result{}, unavailable(err, "http", started)
	}
	defer httpclient.DrainAndClose(resp)

	if err := httpclient.CheckStatus(resp); err != nil {
		return Result{}, unavailable(err, "http", started)
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return Result{}, unavailable(errors.Join(ErrMalformedResponse, err), "http", started)
	}
	verified, err := obj.GetBoolean("verified")
	if err != nil {
		return Result{}, unavailable(errors.Join(ErrMalformedResponse, err), "http", started)
	}
	rationale, _ := obj.GetString("rationale")

	return Result{Verified: verified, Rationale: rationale}, nil
}
