// Package entities defines the GORM models persisted by the datastore.
package entities

import "time"

// VerificationStatus is the lifecycle state of an emergency event.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "PENDING"
	StatusVerified VerificationStatus = "VERIFIED"
	StatusRejected VerificationStatus = "REJECTED"
)

// EmergencyEvent is a submitted emergency. Only VerificationStatus,
// Rationale and VerifiedAt change after insert, and only once.
type EmergencyEvent struct {
	ID                 string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type               string             `gorm:"type:varchar(32);not null;index" json:"type"`
	Confidence         float64            `gorm:"not null" json:"confidence"`
	Lat                float64            `gorm:"not null" json:"lat"`
	Lon                float64            `gorm:"not null" json:"lon"`
	Building           string             `gorm:"type:varchar(200);not null" json:"building"`
	Floor              string             `gorm:"type:varchar(100)" json:"floor,omitempty"`
	ImageRef           string             `gorm:"type:varchar(500);not null" json:"image_ref"`
	Source             string             `gorm:"type:varchar(100)" json:"source,omitempty"`
	DetectedAt         time.Time          `gorm:"not null" json:"detected_at"`
	VerificationStatus VerificationStatus `gorm:"type:varchar(16);not null;index" json:"verification_status"`
	Rationale          string             `gorm:"type:text" json:"rationale,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	CreatedAt          time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for GORM.
func (EmergencyEvent) TableName() string {
	return "emergency_events"
}

// ProcessedEvent marks an event whose fan-out has started.
type ProcessedEvent struct {
	EventID      string    `gorm:"primaryKey;type:varchar(36)" json:"event_id"`
	MatchedCount int       `gorm:"not null" json:"matched_count"`
	ProcessedAt  time.Time `gorm:"not null" json:"processed_at"`
}

// TableName returns the table name for GORM.
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
