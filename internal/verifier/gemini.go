package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
)

const (
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com"

	// maxImageBytes bounds frames fetched or read for verification.
	maxImageBytes = 20 << 20

	promptTemplate = `Analyze this image carefully. Is there a real %s emergency happening?

Look for clear, unambiguous signs of a genuine emergency situation.
Do not consider staged, fake, or unclear situations as emergencies.

Respond with ONLY "YES" if this is clearly a real emergency requiring immediate response.
Respond with ONLY "NO" if this is not an emergency, fake, unclear, or normal situation.`
)

var (
	yesPattern = regexp.MustCompile(`(?i)\byes\b`)
	noPattern  = regexp.MustCompile(`(?i)\bno\b`)
)

// GeminiVerifier asks a Gemini model through the Generative Language REST
// API (models.generateContent).
type GeminiVerifier struct {
	endpoint string
	apiKey   string
	client   *httpclient.Client
}

// NewGemini creates a Gemini verifier. Requests go through client so they
// share its pool and hooks.
func NewGemini(cfg *conf.GeminiSettings, client *httpclient.Client) (*GeminiVerifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.Newf("gemini verifier requires an API key").
			Component("verifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	base := cfg.Endpoint
	if base == "" {
		base = defaultGeminiEndpoint
	}

	return &GeminiVerifier{
		endpoint: strings.TrimRight(base, "/") + "/v1beta/models/" + url.PathEscape(model) + ":generateContent",
		apiKey:   cfg.APIKey,
		client:   client,
	}, nil
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

// Verify implements Verifier.
func (g *GeminiVerifier) Verify(ctx context.Context, imageRef, emergencyType string) (Result, error) {
	started := time.Now()

	image, mimeType, err := g.loadImage(ctx, imageRef)
	if err != nil {
		return Result{}, unavailable(err, "gemini", started)
	}

	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{
		Role: "user",
		Parts: []geminiPart{
			{Text: fmt.Sprintf(promptTemplate, strings.ReplaceAll(emergencyType, "_", " "))},
			{InlineData: &geminiBlob{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		},
	}}})
	if err != nil {
		return Result{}, unavailable(err, "gemini", started)
	}

	text, err := g.generate(ctx, body)
	if err != nil {
		return Result{}, unavailable(err, "gemini", started)
	}

	verdict, ok := parseVerdict(text)
	if !ok {
		GetLogger().Warn("unclear gemini answer",
			logger.String("answer", text),
			logger.String("image_ref", imageRef))
		return Result{}, unavailable(fmt.Errorf("%w: %q", ErrMalformedResponse, text), "gemini", started)
	}

	GetLogger().Debug("gemini verdict",
		logger.String("type", emergencyType),
		logger.Bool("verified", verdict),
		logger.Duration("took", time.Since(started)))
	return Result{Verified: verdict, Rationale: text}, nil
}

// generate posts a generateContent request and returns the concatenated
// text of the first candidate.
func (g *GeminiVerifier) generate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer httpclient.DrainAndClose(resp)
	if err := httpclient.CheckStatus(resp); err != nil {
		return "", err
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return "", errors.Join(ErrMalformedResponse, err)
	}
	return responseText(obj)
}

// responseText joins the text parts of the first candidate.
func responseText(obj *jason.Object) (string, error) {
	candidates, err := obj.GetObjectArray("candidates")
	if err != nil || len(candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}
	parts, err := candidates[0].GetObjectArray("content", "parts")
	if err != nil {
		return "", errors.Join(ErrMalformedResponse, err)
	}

	var b strings.Builder
	for _, p := range parts {
		if text, err := p.GetString("text"); err == nil {
			b.WriteString(text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// loadImage reads an http(s) reference through the shared client and
// anything else from the local filesystem.
func (g *GeminiVerifier) loadImage(ctx context.Context, ref string) ([]byte, string, error) {
	var data []byte
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		resp, err := g.client.Get(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		defer httpclient.DrainAndClose(resp)
		if err := httpclient.CheckStatus(resp); err != nil {
			return nil, "", err
		}
		if data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes)); err != nil {
			return nil, "", err
		}
	} else {
		f, err := os.Open(ref)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		if data, err = io.ReadAll(io.LimitReader(f, maxImageBytes)); err != nil {
			return nil, "", err
		}
	}

	if len(data) == 0 {
		return nil, "", fmt.Errorf("image %s is empty", ref)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}

// parseVerdict accepts an answer containing exactly one of YES or NO as a word.
func parseVerdict(text string) (verdict, ok bool) {
	yes := yesPattern.MatchString(text)
	no := noPattern.MatchString(text)
	switch {
	case yes && !no:
		return true, true
	case no && !yes:
		return false, true
	default:
		return false, false
	}
}
