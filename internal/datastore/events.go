package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
)

// EventRepository stores emergency events.
type EventRepository struct {
	db *gorm.DB
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, event *entities.EmergencyEvent) error {
	err := withLockRetry(ctx, func() error {
		return r.db.WithContext(ctx).Create(event).Error
	})
	if err != nil {
		return dbError(err, "create_event", "event_id", event.ID)
	}
	return nil
}

// Get loads one event by id.
func (r *EventRepository) Get(ctx context.Context, id string) (*entities.EmergencyEvent, error) {
	var event entities.EmergencyEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(ErrEventNotFound, "event_id", id)
	}
	if err != nil {
		return nil, dbError(err, "get_event", "event_id", id)
	}
	return &event, nil
}

// CompleteVerification moves a PENDING event to status. It reports false
// when the event was no longer PENDING, which leaves the row untouched.
func (r *EventRepository) CompleteVerification(ctx context.Context, id string, status entities.VerificationStatus, rationale string, at time.Time) (bool, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&entities.EmergencyEvent{}).
			Where("id = ? AND verification_status = ?", id, entities.StatusPending).
			Updates(map[string]any{
				"verification_status": status,
				"rationale":           rationale,
				"verified_at":         at.UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, dbError(err, "complete_verification", "event_id", id, "status", string(status))
	}
	return affected == 1, nil
}

// Recent lists events created at or after since, newest first. An empty
// status matches every status.
func (r *EventRepository) Recent(ctx context.Context, since time.Time, status entities.VerificationStatus, limit int) ([]entities.EmergencyEvent, error) {
	q := r.db.WithContext(ctx).Where("created_at >= ?", since.UTC())
	if status != "" {
		q = q.Where("verification_status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []entities.EmergencyEvent
	if err := q.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, dbError(err, "recent_events")
	}
	return events, nil
}
