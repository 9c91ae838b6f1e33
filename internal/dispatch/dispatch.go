// Package dispatch delivers alerts with at most one delivery attempt per
// (event, recipient) pair and records how each attempt ended.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability/metrics"
)

const (
	defaultSendTimeout  = 10 * time.Second
	defaultRetryWorkers = 4
	maxStoredError      = 500
)

// GetLogger returns the dispatch module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("dispatch")
}

// Options configures a Dispatcher.
type Options struct {
	SendTimeout  time.Duration // bound on one Notifier call
	RetryWorkers int           // concurrent resends in RetryFailed
}

// Dispatcher owns the delivery attempt rows.
type Dispatcher struct {
	deliveries *datastore.DeliveryRepository
	notifier   notifier.Notifier
	opts       Options
	metrics    *metrics.NotificationMetrics
}

// New creates a dispatcher. m may be nil.
func New(deliveries *datastore.DeliveryRepository, n notifier.Notifier, opts Options, m *metrics.NotificationMetrics) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.RetryWorkers <= 0 {
		opts.RetryWorkers = defaultRetryWorkers
	}
	return &Dispatcher{deliveries: deliveries, notifier: n, opts: opts, metrics: m}
}

// StatusFor maps a send outcome onto the stored delivery status.
func StatusFor(class notifier.ErrorClass) entities.DeliveryStatus {
	switch class {
	case notifier.ClassNone:
		return entities.DeliveryDelivered
	case notifier.ClassConnection, notifier.ClassTimeout:
		return entities.DeliveryFailedRetriable
	default:
		return entities.DeliveryFailedTerminal
	}
}

// Dispatch sends payload to channel unless an attempt for (eventID, userID)
// already exists, in which case the existing row is returned unchanged and
// nothing is sent. Send failures are recorded on the row, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID, userID, channel string, payload notifier.Payload) (*entities.DeliveryAttempt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(err).
			Component("dispatch").
			Category(errors.CategoryValidation).
			Context("event_id", eventID).
			Build()
	}

	attempt := &entities.DeliveryAttempt{
		ID:             uuid.NewString(),
		EmergencyID:    eventID,
		UserID:         userID,
		ContactChannel: channel,
		Payload:        string(body),
		Status:         entities.DeliveryPending,
	}

	inserted, err := d.deliveries.InsertIfAbsent(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		d.metrics.RecordDuplicate()
		GetLogger().Debug("delivery already attempted, skipping",
			logger.String("event_id", eventID),
			logger.String("user_id", userID))
		return d.deliveries.GetByPair(ctx, eventID, userID)
	}

	return d.send(ctx, attempt, payload), nil
}

// send performs one Notifier call for a PENDING row and records the outcome.
func (d *Dispatcher) send(ctx context.Context, attempt *entities.DeliveryAttempt, payload notifier.Payload) *entities.DeliveryAttempt {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	res := d.notifier.Send(sendCtx, attempt.ContactChannel, payload)
	cancel()
	return d.record(ctx, attempt, res.Class, res.Err)
}

// record stores the outcome of one attempt on a PENDING row.
func (d *Dispatcher) record(ctx context.Context, attempt *entities.DeliveryAttempt, class notifier.ErrorClass, sendErr error) *entities.DeliveryAttempt {
	status := StatusFor(class)
	lastErr := ""
	if sendErr != nil {
		lastErr = truncate(sendErr.Error(), maxStoredError)
	}
	now := time.Now().UTC()

	// The outcome is recorded even if the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	if err := d.deliveries.RecordResult(recordCtx, attempt.ID, status, string(class), lastErr, now); err != nil {
		GetLogger().Error("failed to record delivery result",
			logger.String("delivery_id", attempt.ID),
			logger.String("status", string(status)),
			logger.Error(err))
	}

	attempt.Status = status
	attempt.AttemptCount++
	attempt.LastAttemptAt = &now
	attempt.ErrorClass = string(class)
	attempt.LastError = lastErr

	log := GetLogger().With(
		logger.String("event_id", attempt.EmergencyID),
		logger.String("user_id", attempt.UserID),
		logger.String("status", string(status)),
		logger.Int("attempt", attempt.AttemptCount))
	switch status {
	case entities.DeliveryDelivered:
		log.Info("alert delivered")
	case entities.DeliveryFailedRetriable:
		log.Warn("alert delivery failed, eligible for retry", logger.String("error_class", string(class)))
	default:
		log.Error("alert delivery failed permanently", logger.String("error_class", string(class)))
	}
	return attempt
}

// RetrySummary reports the outcome of RetryFailed.
type RetrySummary struct {
	EventID         string `json:"event_id"`
	Attempted       int    `json:"attempted"`
	Delivered       int    `json:"delivered"`
	FailedRetriable int    `json:"failed_retriable"`
	FailedTerminal  int    `json:"failed_terminal"`
	Skipped         int    `json:"skipped"` // claimed by a concurrent retry
}

// RetryFailed resends every FAILED_RETRIABLE attempt of an event exactly
// once. Each row is claimed atomically first, so concurrent calls never send
// the same row twice. DELIVERED and FAILED_TERMINAL rows are not touched.
func (d *Dispatcher) RetryFailed(ctx context.Context, eventID string) (RetrySummary, error) {
	summary := RetrySummary{EventID: eventID}

	rows, err := d.deliveries.ListByStatus(ctx, eventID, entities.DeliveryFailedRetriable)
	if err != nil {
		return summary, err
	}
	if len(rows) == 0 {
		return summary, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
		sem  = semaphore.NewWeighted(int64(d.opts.RetryWorkers))
	)

	for i := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		row := &rows[i]
		wg.Go(func() {
			defer sem.Release(1)

			claimed, err := d.deliveries.ClaimRetriable(ctx, row.ID)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if !claimed {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return
			}

			row.Status = entities.DeliveryPending
			var (
				payload notifier.Payload
				updated *entities.DeliveryAttempt
			)
			if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
				// Nothing meaningful can be resent.
				GetLogger().Error("stored payload unreadable", logger.String("delivery_id", row.ID), logger.Error(err))
				updated = d.record(ctx, row, notifier.ClassOther, fmt.Errorf("stored payload unreadable: %w", err))
			} else {
				updated = d.send(ctx, row, payload)
			}
			d.metrics.RecordRetry(string(updated.Status))

			mu.Lock()
			defer mu.Unlock()
			summary.Attempted++
			switch updated.Status {
			case entities.DeliveryDelivered:
				summary.Delivered++
			case entities.DeliveryFailedRetriable:
				summary.FailedRetriable++
			default:
				summary.FailedTerminal++
			}
		})
	}
	wg.Wait()

	GetLogger().Info("retried failed deliveries",
		logger.String("event_id", eventID),
		logger.Int("attempted", summary.Attempted),
		logger.Int("delivered", summary.Delivered),
		logger.Int("still_retriable", summary.FailedRetriable))

	return summary, errors.Join(errs...)
}

// List returns every delivery attempt of an event.
func (d *Dispatcher) List(ctx context.Context, eventID string) ([]entities.DeliveryAttempt, error) {
	return d.deliveries.ListByEvent(ctx, eventID)
}

// Summary returns attempt counts by status for an event.
func (d *Dispatcher) Summary(ctx context.Context, eventID string) (map[entities.DeliveryStatus]int64, error) {
	return d.deliveries.CountByStatus(ctx, eventID)
}

// Acknowledge marks the alert as seen by the recipient. It reports false if
// it was already acknowledged.
func (d *Dispatcher) Acknowledge(ctx context.Context, eventID, userID string) (bool, error) {
	return d.deliveries.Acknowledge(ctx, eventID, userID, time.Now())
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
