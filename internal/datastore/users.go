package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
)

// UserRepository stores registered recipients and their last location.
type UserRepository struct {
	db *gorm.DB
}

// Register inserts a user, or updates name and channel of an existing id.
// A known location is kept.
func (r *UserRepository) Register(ctx context.Context, user *entities.User) error {
	err := withLockRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "contact_channel", "updated_at"}),
			}).
			Create(user).Error
	})
	if err != nil {
		return dbError(err, "register_user", "user_id", user.ID)
	}
	return nil
}

// UpdateLocation records a position report for a user.
func (r *UserRepository) UpdateLocation(ctx context.Context, id string, lat, lon, accuracy float64, observedAt time.Time) error {
	var affected int64
	err := withLockRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&entities.User{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"lat":                  lat,
				"lon":                  lon,
				"accuracy":             accuracy,
				"location_observed_at": observedAt.UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return dbError(err, "update_location", "user_id", id)
	}
	if affected == 0 {
		return notFound(ErrUserNotFound, "user_id", id)
	}
	return nil
}

// Get loads one user.
func (r *UserRepository) Get(ctx context.Context, id string) (*entities.User, error) {
	var user entities.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(ErrUserNotFound, "user_id", id)
	}
	if err != nil {
		return nil, dbError(err, "get_user", "user_id", id)
	}
	return &user, nil
}

// List returns every user ordered by id.
func (r *UserRepository) List(ctx context.Context) ([]entities.User, error) {
	var users []entities.User
	if err := r.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, dbError(err, "list_users")
	}
	return users, nil
}

// Snapshot returns, in a single query, every user that has reported a location.
func (r *UserRepository) Snapshot(ctx context.Context) ([]entities.User, error) {
	var users []entities.User
	err := r.db.WithContext(ctx).
		Where("lat IS NOT NULL AND lon IS NOT NULL").
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, dbError(err, "user_snapshot")
	}
	return users, nil
}
