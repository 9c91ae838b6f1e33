// Package notifier delivers alert payloads to contact channels and reports
// each outcome as an error class the dispatch layer can act on.
package notifier

import (
	"context"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/httpclient"
	"github.com/alertai/alertai/internal/logger"
)

// ErrorClass is the outcome class of one send.
type ErrorClass string

const (
	ClassNone       ErrorClass = "none"
	ClassConnection ErrorClass = "connection"
	ClassTimeout    ErrorClass = "timeout"
	ClassOther      ErrorClass = "other"
)

// Retriable reports whether a later attempt may succeed.
func (c ErrorClass) Retriable() bool {
	return c == ClassConnection || c == ClassTimeout
}

// Payload is the alert content for one recipient.
type Payload struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"emergency_type"`
	DisplayType    string    `json:"display_type"`
	Building       string    `json:"building"`
	Floor          string    `json:"floor,omitempty"`
	DistanceMeters float64   `json:"distance_meters"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	MapsURL        string    `json:"maps_url"`
	DetectedAt     time.Time `json:"detected_at"`
	Instruction    string    `json:"instruction"`
	RecipientID    string    `json:"recipient_id"`
	RecipientName  string    `json:"recipient_name,omitempty"`
	Title          string    `json:"title"`
	Text           string    `json:"text"`
	HTML           string    `json:"html,omitempty"`
}

// Result is the outcome of Send.
type Result struct {
	Delivered bool
	Class     ErrorClass
	Err       error
}

// Notifier sends a payload to a contact channel URL.
type Notifier interface {
	Send(ctx context.Context, channel string, payload Payload) Result
}

// Provider delivers to the channels of one or more URL schemes.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Send(ctx context.Context, target *url.URL, payload Payload) error
}

// GetLogger returns the notifier module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("notifier")
}

// classifiedError carries an explicit class chosen by a provider.
type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// WithClass marks err with an explicit error class.
func WithClass(err error, class ErrorClass) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

// Classify maps a send error onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return ClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ClassConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 500 || se.StatusCode == 429 {
			return ClassConnection
		}
		return ClassOther
	}

	return ClassOther
}
