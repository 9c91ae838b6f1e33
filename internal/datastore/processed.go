package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
)

// ProcessedRepository records which events have been fanned out.
type ProcessedRepository struct {
	db *gorm.DB
}

// InsertIfAbsent claims eventID for fan-out in a single statement. It
// returns false when another caller claimed it first.
func (r *ProcessedRepository) InsertIfAbsent(ctx context.Context, eventID string, matched int, at time.Time) (bool, error) {
	row := &entities.ProcessedEvent{EventID: eventID, MatchedCount: matched, ProcessedAt: at.UTC()}

	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(row)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, dbError(err, "claim_processed_event", "event_id", eventID)
	}
	return affected == 1, nil
}

// Get returns the processed marker for an event, or nil if none exists.
func (r *ProcessedRepository) Get(ctx context.Context, eventID string) (*entities.ProcessedEvent, error) {
	var row entities.ProcessedEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_processed_event", "event_id", eventID)
	}
	return &row, nil
}
