package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
)

// DeliveryRepository stores one delivery attempt per (event, user) pair.
type DeliveryRepository struct {
	db *gorm.DB
}

// InsertIfAbsent inserts attempt unless a row for its pair exists. The
// check and insert are one statement, so concurrent callers for the same
// pair see exactly one true.
func (r *DeliveryRepository) InsertIfAbsent(ctx context.Context, attempt *entities.DeliveryAttempt) (bool, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(attempt)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, dbError(err, "insert_delivery",
			"event_id", attempt.EmergencyID,
			"user_id", attempt.UserID)
	}
	return affected == 1, nil
}

// GetByPair loads the attempt for an (event, user) pair.
func (r *DeliveryRepository) GetByPair(ctx context.Context, eventID, userID string) (*entities.DeliveryAttempt, error) {
	var attempt entities.DeliveryAttempt
	err := r.db.WithContext(ctx).
		Where("emergency_id = ? AND user_id = ?", eventID, userID).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(ErrDeliveryNotFound, "user_id", userID)
	}
	if err != nil {
		return nil, dbError(err, "get_delivery", "event_id", eventID, "user_id", userID)
	}
	return &attempt, nil
}

// Get loads an attempt by id.
func (r *DeliveryRepository) Get(ctx context.Context, id string) (*entities.DeliveryAttempt, error) {
	var attempt entities.DeliveryAttempt
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(ErrDeliveryNotFound, "delivery_id", id)
	}
	if err != nil {
		return nil, dbError(err, "get_delivery", "delivery_id", id)
	}
	return &attempt, nil
}

// RecordResult stores the outcome of a send for a PENDING attempt and
// increments its attempt count.
func (r *DeliveryRepository) RecordResult(ctx context.Context, id string, status entities.DeliveryStatus, errorClass, lastError string, at time.Time) error {
	err := withLockRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&entities.DeliveryAttempt{}).
			Where("id = ? AND status = ?", id, entities.DeliveryPending).
			Updates(map[string]any{
				"status":          status,
				"attempt_count":   gorm.Expr("attempt_count + 1"),
				"last_attempt_at": at.UTC(),
				"last_error":      lastError,
				"error_class":     errorClass,
			}).Error
	})
	if err != nil {
		return dbError(err, "record_delivery_result", "delivery_id", id, "status", string(status))
	}
	return nil
}

// ClaimRetriable moves a FAILED_RETRIABLE attempt back to PENDING. Only
// one of several concurrent claimers gets true.
func (r *DeliveryRepository) ClaimRetriable(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&entities.DeliveryAttempt{}).
			Where("id = ? AND status = ?", id, entities.DeliveryFailedRetriable).
			Update("status", entities.DeliveryPending)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, dbError(err, "claim_retriable", "delivery_id", id)
	}
	return affected == 1, nil
}

// ListByEvent returns every attempt for an event ordered by user.
func (r *DeliveryRepository) ListByEvent(ctx context.Context, eventID string) ([]entities.DeliveryAttempt, error) {
	return r.list(ctx, eventID, "")
}

// ListByStatus returns the attempts of an event with the given status.
func (r *DeliveryRepository) ListByStatus(ctx context.Context, eventID string, status entities.DeliveryStatus) ([]entities.DeliveryAttempt, error) {
	return r.list(ctx, eventID, status)
}

func (r *DeliveryRepository) list(ctx context.Context, eventID string, status entities.DeliveryStatus) ([]entities.DeliveryAttempt, error) {
	q := r.db.WithContext(ctx).Where("emergency_id = ?", eventID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var attempts []entities.DeliveryAttempt
	if err := q.Order("user_id").Find(&attempts).Error; err != nil {
		return nil, dbError(err, "list_deliveries", "event_id", eventID)
	}
	return attempts, nil
}

// CountByStatus returns the number of attempts per status for an event.
func (r *DeliveryRepository) CountByStatus(ctx context.Context, eventID string) (map[entities.DeliveryStatus]int64, error) {
	var rows []struct {
		Status entities.DeliveryStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&entities.DeliveryAttempt{}).
		Select("status, COUNT(*) AS count").
		Where("emergency_id = ?", eventID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count_deliveries", "event_id", eventID)
	}

	counts := make(map[entities.DeliveryStatus]int64, len(entities.DeliveryStatuses))
	for _, s := range entities.DeliveryStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Acknowledge records that the recipient saw the alert. It reports false
// when the attempt was already acknowledged.
func (r *DeliveryRepository) Acknowledge(ctx context.Context, eventID, userID string, at time.Time) (bool, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&entities.DeliveryAttempt{}).
			Where("emergency_id = ? AND user_id = ? AND acknowledged_at IS NULL", eventID, userID).
			Update("acknowledged_at", at.UTC())
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, dbError(err, "acknowledge_delivery", "event_id", eventID, "user_id", userID)
	}
	if affected == 1 {
		return true, nil
	}

	if _, err := r.GetByPair(ctx, eventID, userID); err != nil {
		return false, err
	}
	return false, nil
}
