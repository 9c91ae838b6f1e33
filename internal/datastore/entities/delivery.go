package entities

import "time"

// DeliveryStatus is the outcome of the latest send for a delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "PENDING"
	DeliveryDelivered       DeliveryStatus = "DELIVERED"
	DeliveryFailedRetriable DeliveryStatus = "FAILED_RETRIABLE"
	DeliveryFailedTerminal  DeliveryStatus = "FAILED_TERMINAL"
)

// DeliveryStatuses lists every status in display order.
var DeliveryStatuses = []DeliveryStatus{
	DeliveryPending, DeliveryDelivered, DeliveryFailedRetriable, DeliveryFailedTerminal,
}

// DeliveryAttempt tracks delivery of one event to one recipient. The
// (EmergencyID, UserID) pair is unique; channel and payload are stored so a
// retry resends exactly what the first attempt sent.
type DeliveryAttempt struct {
	ID             string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	EmergencyID    string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_delivery_pair,priority:1" json:"emergency_id"`
	UserID         string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_delivery_pair,priority:2" json:"user_id"`
	ContactChannel string         `gorm:"type:text;not null" json:"-"`
	Payload        string         `gorm:"type:text;not null" json:"-"`
	Status         DeliveryStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	AttemptCount   int            `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	ErrorClass     string         `gorm:"type:varchar(16)" json:"error_class,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (DeliveryAttempt) TableName() string {
	return "delivery_attempts"
}

// All returns every model for migration.
func All() []any {
	return []any{&EmergencyEvent{}, &ProcessedEvent{}, &User{}, &DeliveryAttempt{}}
}
