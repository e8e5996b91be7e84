package domain

import (
	"time"

	"github.com/google/uuid"
)

// Alert types.
const (
	AlertCancelMention = "cancel_mention"
	AlertDelinquent    = "payment_delinquent"
	AlertHealthDrop    = "health_drop"
	AlertStatusChange  = "status_change"
	AlertInactivity    = "inactivity"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// AlertRecord is one emitted alert. Written before delivery is attempted
// so a delivery retry can never duplicate it; mutated only by
// acknowledgement.
type AlertRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID uuid.UUID `gorm:"type:uuid;column:customer_id;not null;uniqueIndex:idx_alert_dedupe" json:"customer_id"`
	Email      string    `gorm:"column:email;not null;index" json:"email"`

	AlertType string `gorm:"column:alert_type;not null;uniqueIndex:idx_alert_dedupe" json:"alert_type"`
	Severity  string `gorm:"column:severity;not null" json:"severity"`
	Message   string `gorm:"column:message;not null" json:"message"`

	// StateHash identifies the computed state that produced the alert;
	// (customer, type, hash) is unique so replays are no-ops.
	StateHash string `gorm:"column:state_hash;not null;uniqueIndex:idx_alert_dedupe" json:"state_hash"`

	SentAt         time.Time  `gorm:"column:sent_at;not null;index" json:"sent_at"`
	DeliveredAt    *time.Time `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `gorm:"column:acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string    `gorm:"column:acknowledged_by" json:"acknowledged_by,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (AlertRecord) TableName() string { return "alert_record" }

// AlertState carries the cooldown state machine for one
// (customer, alert_type) pair. Kept off the customer row so the alerting
// engine never contends with adapter writes.
type AlertState struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID uuid.UUID `gorm:"type:uuid;column:customer_id;not null;uniqueIndex:idx_alert_state_key" json:"customer_id"`
	AlertType  string    `gorm:"column:alert_type;not null;uniqueIndex:idx_alert_state_key" json:"alert_type"`

	LastSentAt    *time.Time `gorm:"column:last_sent_at" json:"last_sent_at,omitempty"`
	LastStateHash string     `gorm:"column:last_state_hash" json:"last_state_hash,omitempty"`

	// LastStatus is used by status_change alerts: they re-fire only when
	// the status moves again, not on cooldown expiry.
	LastStatus string `gorm:"column:last_status" json:"last_status,omitempty"`
	// LastValue tracks the last observed metric for threshold-crossing
	// rules (days since seen for inactivity alerts).
	LastValue *float64 `gorm:"column:last_value" json:"last_value,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (AlertState) TableName() string { return "alert_state" }
