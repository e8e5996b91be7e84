package health

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one band of a step function: the score that applies while the
// input is <= Max.
type Step struct {
	Max   float64 `yaml:"max"`
	Score float64 `yaml:"score"`
}

// Weights are the factor weights of the composite score. They should sum
// to 1.0; Validate enforces it.
type Weights struct {
	Activity   float64 `yaml:"activity"`
	Support    float64 `yaml:"support"`
	Payment    float64 `yaml:"payment"`
	Engagement float64 `yaml:"engagement"`
	Tenure     float64 `yaml:"tenure"`
	MRR        float64 `yaml:"mrr"`
}

// Penalties are subtracted from the weighted base score after summation.
type Penalties struct {
	CancelMention      float64 `yaml:"cancel_mention"`
	Delinquent         float64 `yaml:"delinquent"`
	Inactive30d        float64 `yaml:"inactive_30d"`
	PerOpenTicket      float64 `yaml:"per_open_ticket"`
	OpenTicketCap      float64 `yaml:"open_ticket_cap"`
	LowShowRate        float64 `yaml:"low_show_rate"`
	NoUpcomingCall     float64 `yaml:"no_upcoming_call"`
	NoUpcomingCallMRR  float64 `yaml:"no_upcoming_call_mrr"`
	LowShowRateBelow   float64 `yaml:"low_show_rate_below"`
	LowShowRateMinCall int     `yaml:"low_show_rate_min_calls"`
}

// Multipliers amplify churn risk per present risk condition.
type Multipliers struct {
	CancelMention float64 `yaml:"cancel_mention"`
	Delinquent    float64 `yaml:"delinquent"`
	Inactive30d   float64 `yaml:"inactive_30d"`
	LowEngagement float64 `yaml:"low_engagement"`
	NoCallBooked  float64 `yaml:"no_call_booked"`
}

// Thresholds classify health status and flag confidence.
type Thresholds struct {
	Healthy          float64 `yaml:"healthy"`
	AtRisk           float64 `yaml:"at_risk"`
	HighRisk         float64 `yaml:"high_risk"`
	LowEngagement    float64 `yaml:"low_engagement"`
	LowCompleteness  float64 `yaml:"low_completeness"`
	ExpansionMinMRR  float64 `yaml:"expansion_min_mrr"`
	HighValueMinMRR  float64 `yaml:"high_value_min_mrr"`
	InactiveDays     int     `yaml:"inactive_days"`
	OnboardingMaxAge int     `yaml:"onboarding_max_age_days"`
}

// Config carries every tunable of the scoring model. The zero value is not
// usable; start from Default() and overlay.
type Config struct {
	Weights     Weights     `yaml:"weights"`
	Penalties   Penalties   `yaml:"penalties"`
	Multipliers Multipliers `yaml:"multipliers"`
	Thresholds  Thresholds  `yaml:"thresholds"`

	// Step tables, evaluated first-match on input <= Max. Inputs past the
	// last band score the Else value; unknown inputs score Neutral.
	ActivitySteps   []Step  `yaml:"activity_steps"`
	ActivityElse    float64 `yaml:"activity_else"`
	ActivityNeutral float64 `yaml:"activity_neutral"`

	TenureSteps   []Step  `yaml:"tenure_steps"`
	TenureElse    float64 `yaml:"tenure_else"`
	TenureNeutral float64 `yaml:"tenure_neutral"`

	MRRSteps   []Step  `yaml:"mrr_steps"`
	MRRElse    float64 `yaml:"mrr_else"`
	MRRNeutral float64 `yaml:"mrr_neutral"`

	// Support factor.
	CSATNeutral         float64 `yaml:"csat_neutral"`
	SentimentPositive   float64 `yaml:"sentiment_positive"`
	SentimentNegative   float64 `yaml:"sentiment_negative"`
	ConvoVolumeFreeband int     `yaml:"convo_volume_freeband"`
	ConvoVolumeCap      float64 `yaml:"convo_volume_cap"`

	// Payment factor.
	PaymentByStatus   map[string]float64 `yaml:"payment_by_status"`
	PaymentUnknown    float64            `yaml:"payment_unknown"`
	DelinquentCeiling float64            `yaml:"delinquent_ceiling"`
	PerPaymentFailure float64            `yaml:"per_payment_failure"`
	PaymentFailureCap float64            `yaml:"payment_failure_cap"`

	// Engagement factor.
	LoginTarget      int     `yaml:"login_target"`
	LoginMaxPoints   float64 `yaml:"login_max_points"`
	OnboardingPoints float64 `yaml:"onboarding_points"`
	PerFeaturePoints float64 `yaml:"per_feature_points"`
	FeatureMaxPoints float64 `yaml:"feature_max_points"`
}

// Default returns the production scoring model.
func Default() Config {
	return Config{
		Weights: Weights{
			Activity:   0.25,
			Support:    0.20,
			Payment:    0.20,
			Engagement: 0.15,
			Tenure:     0.10,
			MRR:        0.10,
		},
		Penalties: Penalties{
			CancelMention:      30,
			Delinquent:         25,
			Inactive30d:        20,
			PerOpenTicket:      5,
			OpenTicketCap:      15,
			LowShowRate:        10,
			NoUpcomingCall:     10,
			NoUpcomingCallMRR:  200,
			LowShowRateBelow:   50,
			LowShowRateMinCall: 3,
		},
		Multipliers: Multipliers{
			CancelMention: 1.5,
			Delinquent:    1.4,
			Inactive30d:   1.3,
			LowEngagement: 1.2,
			NoCallBooked:  1.1,
		},
		Thresholds: Thresholds{
			Healthy:          70,
			AtRisk:           50,
			HighRisk:         30,
			LowEngagement:    30,
			LowCompleteness:  0.5,
			ExpansionMinMRR:  500,
			HighValueMinMRR:  200,
			InactiveDays:     30,
			OnboardingMaxAge: 60,
		},

		ActivitySteps: []Step{
			{Max: 1, Score: 100},
			{Max: 3, Score: 90},
			{Max: 7, Score: 80},
			{Max: 14, Score: 65},
			{Max: 30, Score: 40},
			{Max: 60, Score: 20},
		},
		ActivityElse:    0,
		ActivityNeutral: 50,

		TenureSteps: []Step{
			{Max: 29, Score: 40},
			{Max: 89, Score: 60},
			{Max: 179, Score: 75},
			{Max: 364, Score: 85},
		},
		TenureElse:    100,
		TenureNeutral: 50,

		MRRSteps: []Step{
			{Max: 49.99, Score: 60},
			{Max: 99.99, Score: 70},
			{Max: 249.99, Score: 80},
			{Max: 499.99, Score: 90},
		},
		MRRElse:    100,
		MRRNeutral: 50,

		CSATNeutral:         70,
		SentimentPositive:   10,
		SentimentNegative:   -20,
		ConvoVolumeFreeband: 10,
		ConvoVolumeCap:      20,

		PaymentByStatus: map[string]float64{
			"active":   100,
			"trialing": 80,
			"past_due": 40,
			"unpaid":   20,
			"canceled": 0,
		},
		PaymentUnknown:    70,
		DelinquentCeiling: 30,
		PerPaymentFailure: 10,
		PaymentFailureCap: 30,

		LoginTarget:      20,
		LoginMaxPoints:   50,
		OnboardingPoints: 30,
		PerFeaturePoints: 4,
		FeatureMaxPoints: 20,
	}
}

// Load reads a YAML overlay on top of the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read scoring config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse scoring config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	sum := c.Weights.Activity + c.Weights.Support + c.Weights.Payment +
		c.Weights.Engagement + c.Weights.Tenure + c.Weights.MRR
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.3f", sum)
	}
	return nil
}
