package detection

import (
	"context"
	"sync"

	"github.com/antonholmquist/jason"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
)

// ErrDetectorExhausted is returned by a ScriptedDetector that has no frames left.
var ErrDetectorExhausted = errors.NewStd("detector has no more frames")

// Observation is one scored frame.
type Observation struct {
	Confidence float64
	Frame      string // image reference of the analysed frame
}

// Detector scores the current frame. It has no side effects.
type Detector interface {
	ScoreFrame(ctx context.Context) (Observation, error)
}

// ScriptedDetector replays a fixed confidence sequence.
type ScriptedDetector struct {
	mu     sync.Mutex
	script []float64
	frame  string
	loop   bool
	next   int
}

// NewScriptedDetector returns a detector that reports script in order, each
// with the same frame reference. With loop set it starts over at the end.
func NewScriptedDetector(script []float64, frame string, loop bool) *ScriptedDetector {
	return &ScriptedDetector{script: script, frame: frame, loop: loop}
}

// ScoreFrame implements Detector.
func (d *ScriptedDetector) ScoreFrame(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.next >= len(d.script) {
		if !d.loop || len(d.script) == 0 {
			return Observation{}, ErrDetectorExhausted
		}
		d.next = 0
	}
	conf := d.script[d.next]
	d.next++
	return Observation{Confidence: conf, Frame: d.frame}, nil
}

// HTTPDetector polls a scoring endpoint answering {"confidence": 0.93, "frame": "..."}.
type HTTPDetector struct {
	url    string
	client *httpclient.Client
}

// NewHTTPDetector creates a detector polling url.
func NewHTTPDetector(url string, client *httpclient.Client) *HTTPDetector {
	return &HTTPDetector{url: url, client: client}
}

// ScoreFrame implements Detector.
func (d *HTTPDetector) ScoreFrame(ctx context.Context) (Observation, error) {
	resp, err := d.client.Get(ctx, d.url)
	if err != nil {
		return Observation{}, errors.New(err).
			Component("detection").
			Category(errors.CategoryNetwork).
			Context("url", d.url).
			Build()
	}
	defer httpclient.DrainAndClose(resp)

	if err := httpclient.CheckStatus(resp); err != nil {
		return Observation{}, errors.New(err).
			Component("detection").
			Category(errors.CategoryHTTP).
			Context("url", d.url).
			Build()
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return Observation{}, errors.New(err).
			Component("detection").
			Category(errors.CategoryValidation).
			Context("operation", "parse_score").
			Build()
	}
	conf, err := obj.GetFloat64("confidence")
	if err != nil {
		return Observation{}, errors.New(err).
			Component("detection").
			Category(errors.CategoryValidation).
			Context("field", "confidence").
			Build()
	}
	frame, _ := obj.GetString("frame")

	return Observation{Confidence: conf, Frame: frame}, nil
}
