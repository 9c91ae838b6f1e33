// Package verifier asks an AI service whether a detection frame shows a
// real emergency.
package verifier

import (
	"context"
	"time"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
)

// Result is a verdict for one frame.
type Result struct {
	Verified  bool
	Rationale string
}

// Verifier judges whether imageRef shows an emergency of the given type.
// A non-nil error means no verdict could be obtained.
type Verifier interface {
	Verify(ctx context.Context, imageRef, emergencyType string) (Result, error)
}

// ErrMalformedResponse is returned when the service answered but the answer
// could not be read as a verdict.
var ErrMalformedResponse = errors.NewStd("malformed verifier response")

// GetLogger returns the verifier module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("verifier")
}

// New builds the configured verifier. A positive CacheTTL wraps it in a
// verdict cache.
func New(cfg *conf.VerifierSettings, client *httpclient.Client) (Verifier, error) {
	var (
		v   Verifier
		err error
	)

	switch cfg.Provider {
	case "gemini":
		v, err = NewGemini(&cfg.Gemini, client)
	case "http":
		v, err = NewHTTP(cfg.HTTP.URL, client)
	case "static":
		v = NewStatic(cfg.Static.Verdict, cfg.Static.Rationale)
	default:
		err = errors.Newf("unknown verifier provider %q", cfg.Provider).
			Component("verifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}

	GetLogger().Info("verifier configured",
		logger.String("provider", cfg.Provider),
		logger.Duration("cache_ttl", cfg.CacheTTL))

	if cfg.CacheTTL > 0 {
		return NewCached(v, cfg.CacheTTL), nil
	}
	return v, nil
}

// unavailable wraps a failure to obtain a verdict.
func unavailable(err error, provider string, started time.Time) error {
	category := errors.CategoryVerification
	if errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(err).
		Component("verifier").
		Category(category).
		Context("provider", provider).
		Timing("verify", time.Since(started)).
		Build()
}

// StaticVerifier always returns the same verdict.
type StaticVerifier struct {
	result Result
}

// NewStatic returns a verifier that answers verdict for every frame.
func NewStatic(verdict bool, rationale string) *StaticVerifier {
	return &StaticVerifier{result: Result{Verified: verdict, Rationale: rationale}}
}

// Verify implements Verifier.
func (s *StaticVerifier) Verify(ctx context.Context, _, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.result, nil
}
