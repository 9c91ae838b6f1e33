package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.reported = append(r.reported, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("boom")).Build()

	assert.Equal(t, "boom", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
}

func TestBuildKeepsComponentCategoryAndContext(t *testing.T) {
	ee := Newf("user %s not found", "u1").
		Component("datastore").
		Category(CategoryNotFound).
		Context("user_id", "u1").
		Build()

	assert.Equal(t, "datastore", ee.GetComponent())
	assert.True(t, IsNotFound(ee))
	assert.Equal(t, "u1", ee.GetContext()["user_id"])
}

func TestEnhancedErrorUnwrapsToSentinel(t *testing.T) {
	sentinel := NewStd("verification unavailable")
	wrapped := New(fmt.Errorf("ingest: %w", sentinel)).Category(CategoryVerification).Build()

	assert.ErrorIs(t, wrapped, sentinel)
	assert.True(t, IsCategory(fmt.Errorf("outer: %w", wrapped), CategoryVerification))
}

func TestCategoryDetection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"dial", fmt.Errorf("dial tcp 127.0.0.1:1: connection refused"), CategoryNetwork},
		{"invalid", fmt.Errorf("invalid latitude"), CategoryValidation},
		{"inherited", New(fmt.Errorf("x")).Category(CategoryDatabase).Build(), CategoryDatabase},
		{"plain", fmt.Errorf("something"), CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.err).Build().Category)
		})
	}
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	ee := New(fmt.Errorf("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.Priority)
}

func TestTelemetryReporterReceivesBuiltErrors(t *testing.T) {
	r := &recordingReporter{}
	SetTelemetryReporter(r)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(fmt.Errorf("notifier down")).Component("dispatch").Category(CategoryNotification).Build()

	require.Len(t, r.reported, 1)
	assert.Equal(t, "dispatch", r.reported[0].Component)
}

func TestScrubMessage(t *testing.T) {
	got := scrubMessage("POST https://hooks.example.com/x?token=abc123 failed for +2348012345678 api_key=secret")

	assert.NotContains(t, got, "abc123")
	assert.NotContains(t, got, "+2348012345678")
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "https://hooks.example.com/x?[REDACTED]")
}

func TestGenerateErrorTitle(t *testing.T) {
	ee := New(fmt.Errorf("x")).
		Component("dispatch").
		Category(CategoryNotification).
		Context("operation", "send_alert").
		Build()

	assert.Equal(t, "Dispatch Notification Error Send Alert", generateErrorTitle(ee))
}
