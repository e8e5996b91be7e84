package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Health status classifications, ordered best to worst.
const (
	StatusHealthy  = "healthy"
	StatusAtRisk   = "at_risk"
	StatusHighRisk = "high_risk"
	StatusCritical = "critical"
)

// statusRank orders statuses for "crossed into a worse status" checks.
var statusRank = map[string]int{
	StatusHealthy:  0,
	StatusAtRisk:   1,
	StatusHighRisk: 2,
	StatusCritical: 3,
}

// StatusWorse reports whether status a is strictly worse than b.
// Unknown statuses rank best so absence of data never counts as a downgrade.
func StatusWorse(a, b string) bool {
	return statusRank[a] > statusRank[b]
}

// UnifiedCustomer is the single merged view of one customer across all
// sources, keyed by email. Adapters each own a disjoint field group; the
// derived group is written only by the health scoring pass.
type UnifiedCustomer struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Email string    `gorm:"uniqueIndex;not null;column:email" json:"email"`

	// Source system IDs.
	IntercomContactID *string `gorm:"column:intercom_contact_id" json:"intercom_contact_id,omitempty"`
	HubspotContactID  *string `gorm:"column:hubspot_contact_id" json:"hubspot_contact_id,omitempty"`
	StripeCustomerID  *string `gorm:"column:stripe_customer_id" json:"stripe_customer_id,omitempty"`
	CalendlyInviteeID *string `gorm:"column:calendly_invitee_id" json:"calendly_invitee_id,omitempty"`
	UserflowUserID    *string `gorm:"column:userflow_user_id" json:"userflow_user_id,omitempty"`

	// Profile group (intercom).
	Name            *string    `gorm:"column:name" json:"name,omitempty"`
	CompanyName     *string    `gorm:"column:company_name" json:"company_name,omitempty"`
	LocationCountry *string    `gorm:"column:location_country" json:"location_country,omitempty"`
	LocationCity    *string    `gorm:"column:location_city" json:"location_city,omitempty"`
	SignupDate      *time.Time `gorm:"column:signup_date" json:"signup_date,omitempty"`

	// Revenue group (intercom, from Stripe custom attributes).
	MRR                *float64   `gorm:"column:mrr;index" json:"mrr,omitempty"`
	ARR                *float64   `gorm:"column:arr" json:"arr,omitempty"`
	LTV                *float64   `gorm:"column:ltv" json:"ltv,omitempty"`
	PlanName           *string    `gorm:"column:plan_name" json:"plan_name,omitempty"`
	SubscriptionStatus *string    `gorm:"column:subscription_status;index" json:"subscription_status,omitempty"`
	SubscriptionCount  int        `gorm:"column:subscription_count;not null;default:0" json:"subscription_count"`
	IsDelinquent       bool       `gorm:"column:is_delinquent;not null;default:false" json:"is_delinquent"`
	LastPaymentAmount  *float64   `gorm:"column:last_payment_amount" json:"last_payment_amount,omitempty"`
	LastPaymentDate    *time.Time `gorm:"column:last_payment_date" json:"last_payment_date,omitempty"`
	PaymentFailures90d int        `gorm:"column:payment_failures_90d;not null;default:0" json:"payment_failures_90d"`
	ChurnedAt          *time.Time `gorm:"column:churned_at" json:"churned_at,omitempty"`

	// Activity group (userflow).
	LastSeenAt         *time.Time     `gorm:"column:last_seen_at;index" json:"last_seen_at,omitempty"`
	DaysSinceSeen      *int           `gorm:"column:days_since_seen" json:"days_since_seen,omitempty"`
	LoginCount7d       int            `gorm:"column:login_count_7d;not null;default:0" json:"login_count_7d"`
	LoginCount30d      int            `gorm:"column:login_count_30d;not null;default:0" json:"login_count_30d"`
	OnboardingComplete bool           `gorm:"column:onboarding_complete;not null;default:false" json:"onboarding_complete"`
	FeatureUsage       datatypes.JSON `gorm:"column:feature_usage;type:jsonb" json:"feature_usage,omitempty"`

	// Support group (intercom).
	ConvosTotal      int      `gorm:"column:convos_total;not null;default:0" json:"convos_total"`
	Convos30d        int      `gorm:"column:convos_30d;not null;default:0" json:"convos_30d"`
	CSATScore        *float64 `gorm:"column:csat_score" json:"csat_score,omitempty"`
	SupportSentiment *string  `gorm:"column:support_sentiment" json:"support_sentiment,omitempty"`
	OpenTickets      int      `gorm:"column:open_tickets;not null;default:0" json:"open_tickets"`
	MentionedCancel  bool     `gorm:"column:mentioned_cancel;not null;default:false" json:"mentioned_cancel"`

	// Scheduling group (calendly).
	CallsBooked    int        `gorm:"column:calls_booked;not null;default:0" json:"calls_booked"`
	CallsCompleted int        `gorm:"column:calls_completed;not null;default:0" json:"calls_completed"`
	CallsNoShow    int        `gorm:"column:calls_no_show;not null;default:0" json:"calls_no_show"`
	CallsCanceled  int        `gorm:"column:calls_canceled;not null;default:0" json:"calls_canceled"`
	ShowRate       *float64   `gorm:"column:show_rate" json:"show_rate,omitempty"`
	LastCallDate   *time.Time `gorm:"column:last_call_date" json:"last_call_date,omitempty"`
	NextCallDate   *time.Time `gorm:"column:next_call_date" json:"next_call_date,omitempty"`

	// CRM group (hubspot).
	AssignedAM        *string    `gorm:"column:assigned_am" json:"assigned_am,omitempty"`
	AssignedAMEmail   *string    `gorm:"column:assigned_am_email;index" json:"assigned_am_email,omitempty"`
	LifecycleStage    *string    `gorm:"column:lifecycle_stage" json:"lifecycle_stage,omitempty"`
	DealStage         *string    `gorm:"column:deal_stage" json:"deal_stage,omitempty"`
	DealValue         *float64   `gorm:"column:deal_value" json:"deal_value,omitempty"`
	DealPipeline      *string    `gorm:"column:deal_pipeline" json:"deal_pipeline,omitempty"`
	DealExpectedClose *time.Time `gorm:"column:deal_expected_close" json:"deal_expected_close,omitempty"`

	// Derived group, written only by the health scoring pass.
	HealthScore       *float64       `gorm:"column:health_score" json:"health_score,omitempty"`
	HealthStatus      *string        `gorm:"column:health_status;index" json:"health_status,omitempty"`
	ChurnRisk         *float64       `gorm:"column:churn_risk;index" json:"churn_risk,omitempty"`
	RiskSignals       datatypes.JSON `gorm:"column:risk_signals;type:jsonb" json:"risk_signals,omitempty"`
	RecommendedAction *string        `gorm:"column:recommended_action" json:"recommended_action,omitempty"`
	ScoreComponents   datatypes.JSON `gorm:"column:score_components;type:jsonb" json:"score_components,omitempty"`
	DataCompleteness  *float64       `gorm:"column:data_completeness" json:"data_completeness,omitempty"`
	LowConfidence     bool           `gorm:"column:low_confidence;not null;default:false" json:"low_confidence"`
	CalculatedAt      *time.Time     `gorm:"column:calculated_at" json:"calculated_at,omitempty"`

	// Per-source last successful merge timestamps (by fact FetchedAt).
	LastIntercomSyncAt *time.Time `gorm:"column:last_intercom_sync_at" json:"last_intercom_sync_at,omitempty"`
	LastHubspotSyncAt  *time.Time `gorm:"column:last_hubspot_sync_at" json:"last_hubspot_sync_at,omitempty"`
	LastCalendlySyncAt *time.Time `gorm:"column:last_calendly_sync_at" json:"last_calendly_sync_at,omitempty"`
	LastUserflowSyncAt *time.Time `gorm:"column:last_userflow_sync_at" json:"last_userflow_sync_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (UnifiedCustomer) TableName() string { return "unified_customer" }

// DaysSinceSeenAt derives recency in whole days at the given instant.
func (c *UnifiedCustomer) DaysSinceSeenAt(now time.Time) *int {
	if c.LastSeenAt == nil {
		return nil
	}
	d := int(now.Sub(*c.LastSeenAt).Hours() / 24)
	if d < 0 {
		d = 0
	}
	return &d
}
