package entities

import (
	"time"

	"github.com/alertai/alertai/internal/geo"
)

// User is a registered recipient. Location fields stay nil until the
// user first reports a position.
type User struct {
	ID                 string     `gorm:"primaryKey;type:varchar(100)" json:"id"`
	Name               string     `gorm:"type:varchar(200);not null" json:"name"`
	ContactChannel     string     `gorm:"type:text;not null" json:"-"`
	Lat                *float64   `json:"lat,omitempty"`
	Lon                *float64   `json:"lon,omitempty"`
	Accuracy           *float64   `json:"accuracy,omitempty"`
	LocationObservedAt *time.Time `json:"location_observed_at,omitempty"`
	RegisteredAt       time.Time  `gorm:"autoCreateTime" json:"registered_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (User) TableName() string {
	return "users"
}

// Location returns the last reported position and when it was observed.
// ok is false when no location has been reported.
func (u *User) Location() (p geo.Point, observedAt time.Time, ok bool) {
	if u.Lat == nil || u.Lon == nil {
		return geo.Point{}, time.Time{}, false
	}
	if u.LocationObservedAt != nil {
		observedAt = *u.LocationObservedAt
	}
	return geo.Point{Lat: *u.Lat, Lon: *u.Lon}, observedAt, true
}
