package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HealthScoreHistory snapshots a customer's computed health whenever a
// recompute changes the score, for trend analysis.
type HealthScoreHistory struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID uuid.UUID `gorm:"type:uuid;column:customer_id;not null;index" json:"customer_id"`

	HealthScore  float64 `gorm:"column:health_score;not null" json:"health_score"`
	HealthStatus string  `gorm:"column:health_status;not null" json:"health_status"`
	ChurnRisk    float64 `gorm:"column:churn_risk;not null" json:"churn_risk"`

	ScoreComponents datatypes.JSON `gorm:"column:score_components;type:jsonb" json:"score_components,omitempty"`
	RiskSignals     datatypes.JSON `gorm:"column:risk_signals;type:jsonb" json:"risk_signals,omitempty"`

	RecordedAt time.Time `gorm:"column:recorded_at;not null;index" json:"recorded_at"`
}

func (HealthScoreHistory) TableName() string { return "health_score_history" }
