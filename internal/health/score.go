package health

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	types "github.com/listkit/gtm-backend/internal/domain"
)

// RiskSignal is one detected risk condition, ordered worst-first in the
// assessment.
type RiskSignal struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Components are the per-factor sub-scores (0-100 each, pre-weighting)
// plus the total penalty applied.
type Components struct {
	Activity   float64 `json:"activity"`
	Support    float64 `json:"support"`
	Payment    float64 `json:"payment"`
	Engagement float64 `json:"engagement"`
	Tenure     float64 `json:"tenure"`
	MRR        float64 `json:"mrr"`
	Penalty    float64 `json:"penalty"`
}

// Assessment is the full derived output for one customer at one instant.
type Assessment struct {
	HealthScore       float64
	HealthStatus      string
	ChurnRisk         float64
	RiskSignals       []RiskSignal
	RecommendedAction string
	Components        Components
	DataCompleteness  float64
	LowConfidence     bool
	CalculatedAt      time.Time
}

// RiskSignalsJSON marshals the signals for storage.
func (a *Assessment) RiskSignalsJSON() ([]byte, error) {
	return json.Marshal(a.RiskSignals)
}

// ComponentsJSON marshals the sub-scores for storage.
func (a *Assessment) ComponentsJSON() ([]byte, error) {
	return json.Marshal(a.Components)
}

func stepScore(steps []Step, value float64, elseScore float64) float64 {
	for _, s := range steps {
		if value <= s.Max {
			return s.Score
		}
	}
	return elseScore
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Calculate scores one customer. It is a pure function of the customer row,
// the config, and the clock: identical inputs always produce an identical
// assessment.
func Calculate(cfg Config, c *types.UnifiedCustomer, now time.Time) Assessment {
	daysInactive := c.DaysSinceSeenAt(now)

	comp := Components{
		Activity:   activityScore(cfg, daysInactive),
		Support:    supportScore(cfg, c),
		Payment:    paymentScore(cfg, c),
		Engagement: engagementScore(cfg, c),
		Tenure:     tenureScore(cfg, c, now),
		MRR:        mrrScore(cfg, c),
	}

	base := comp.Activity*cfg.Weights.Activity +
		comp.Support*cfg.Weights.Support +
		comp.Payment*cfg.Weights.Payment +
		comp.Engagement*cfg.Weights.Engagement +
		comp.Tenure*cfg.Weights.Tenure +
		comp.MRR*cfg.Weights.MRR

	comp.Penalty = penalties(cfg, c, daysInactive)
	score := round2(clamp(base-comp.Penalty, 0, 100))

	status := classify(cfg, score)
	signals := riskSignals(cfg, c, daysInactive, now)
	churn := churnRisk(cfg, c, score, comp.Engagement, daysInactive)

	completeness := completeness(c)

	return Assessment{
		HealthScore:       score,
		HealthStatus:      status,
		ChurnRisk:         churn,
		RiskSignals:       signals,
		RecommendedAction: recommendedAction(cfg, c, status, daysInactive),
		Components:        comp,
		DataCompleteness:  completeness,
		LowConfidence:     completeness < cfg.Thresholds.LowCompleteness,
		CalculatedAt:      now.UTC(),
	}
}

func activityScore(cfg Config, daysInactive *int) float64 {
	if daysInactive == nil {
		return cfg.ActivityNeutral
	}
	return stepScore(cfg.ActivitySteps, float64(*daysInactive), cfg.ActivityElse)
}

func supportScore(cfg Config, c *types.UnifiedCustomer) float64 {
	score := cfg.CSATNeutral
	if c.CSATScore != nil {
		score = *c.CSATScore / 5.0 * 100
	}

	if c.SupportSentiment != nil {
		switch *c.SupportSentiment {
		case "positive":
			score += cfg.SentimentPositive
		case "negative":
			score += cfg.SentimentNegative
		}
	}

	if c.Convos30d > cfg.ConvoVolumeFreeband {
		over := float64(c.Convos30d - cfg.ConvoVolumeFreeband)
		score -= math.Min(over, cfg.ConvoVolumeCap)
	}

	return clamp(score, 0, 100)
}

func paymentScore(cfg Config, c *types.UnifiedCustomer) float64 {
	score := cfg.PaymentUnknown
	if c.SubscriptionStatus != nil {
		if s, ok := cfg.PaymentByStatus[*c.SubscriptionStatus]; ok {
			score = s
		}
	}

	if c.IsDelinquent && score > cfg.DelinquentCeiling {
		score = cfg.DelinquentCeiling
	}

	if c.PaymentFailures90d > 0 {
		score -= math.Min(float64(c.PaymentFailures90d)*cfg.PerPaymentFailure, cfg.PaymentFailureCap)
	}

	return clamp(score, 0, 100)
}

func engagementScore(cfg Config, c *types.UnifiedCustomer) float64 {
	logins := float64(c.LoginCount30d) / float64(cfg.LoginTarget) * cfg.LoginMaxPoints
	score := math.Min(logins, cfg.LoginMaxPoints)

	if c.OnboardingComplete {
		score += cfg.OnboardingPoints
	}

	score += math.Min(float64(featureCount(c))*cfg.PerFeaturePoints, cfg.FeatureMaxPoints)

	return clamp(score, 0, 100)
}

func featureCount(c *types.UnifiedCustomer) int {
	if len(c.FeatureUsage) == 0 {
		return 0
	}
	var usage map[string]int
	if err := json.Unmarshal(c.FeatureUsage, &usage); err != nil {
		return 0
	}
	n := 0
	for _, uses := range usage {
		if uses > 0 {
			n++
		}
	}
	return n
}

func tenureScore(cfg Config, c *types.UnifiedCustomer, now time.Time) float64 {
	if c.SignupDate == nil {
		return cfg.TenureNeutral
	}
	days := now.Sub(*c.SignupDate).Hours() / 24
	if days < 0 {
		days = 0
	}
	return stepScore(cfg.TenureSteps, math.Floor(days), cfg.TenureElse)
}

func mrrScore(cfg Config, c *types.UnifiedCustomer) float64 {
	if c.MRR == nil || *c.MRR <= 0 {
		return cfg.MRRNeutral
	}
	return stepScore(cfg.MRRSteps, *c.MRR, cfg.MRRElse)
}

func penalties(cfg Config, c *types.UnifiedCustomer, daysInactive *int) float64 {
	var total float64

	if c.MentionedCancel {
		total += cfg.Penalties.CancelMention
	}
	if c.IsDelinquent {
		total += cfg.Penalties.Delinquent
	}
	if daysInactive != nil && *daysInactive > cfg.Thresholds.InactiveDays {
		total += cfg.Penalties.Inactive30d
	}
	if c.OpenTickets > 0 {
		total += math.Min(float64(c.OpenTickets)*cfg.Penalties.PerOpenTicket, cfg.Penalties.OpenTicketCap)
	}
	if c.ShowRate != nil && *c.ShowRate < cfg.Penalties.LowShowRateBelow && c.CallsBooked >= cfg.Penalties.LowShowRateMinCall {
		total += cfg.Penalties.LowShowRate
	}
	if c.NextCallDate == nil && c.MRR != nil && *c.MRR > cfg.Penalties.NoUpcomingCallMRR {
		total += cfg.Penalties.NoUpcomingCall
	}

	return total
}

func classify(cfg Config, score float64) string {
	switch {
	case score >= cfg.Thresholds.Healthy:
		return types.StatusHealthy
	case score >= cfg.Thresholds.AtRisk:
		return types.StatusAtRisk
	case score >= cfg.Thresholds.HighRisk:
		return types.StatusHighRisk
	default:
		return types.StatusCritical
	}
}

func churnRisk(cfg Config, c *types.UnifiedCustomer, score, engagement float64, daysInactive *int) float64 {
	risk := 100 - score

	if c.MentionedCancel {
		risk *= cfg.Multipliers.CancelMention
	}
	if c.IsDelinquent {
		risk *= cfg.Multipliers.Delinquent
	}
	if daysInactive != nil && *daysInactive > cfg.Thresholds.InactiveDays {
		risk *= cfg.Multipliers.Inactive30d
	}
	if engagement < cfg.Thresholds.LowEngagement {
		risk *= cfg.Multipliers.LowEngagement
	}
	if c.NextCallDate == nil && c.MRR != nil && *c.MRR > cfg.Thresholds.HighValueMinMRR {
		risk *= cfg.Multipliers.NoCallBooked
	}

	return round2(math.Min(risk, 100))
}

// riskSignals returns detected conditions worst-first: critical, then high,
// then medium.
func riskSignals(cfg Config, c *types.UnifiedCustomer, daysInactive *int, now time.Time) []RiskSignal {
	var out []RiskSignal

	if c.MentionedCancel {
		out = append(out, RiskSignal{
			Type:     "cancel_mention",
			Severity: types.SeverityCritical,
			Message:  "Customer mentioned cancellation in a support conversation",
		})
	}
	if c.IsDelinquent {
		out = append(out, RiskSignal{
			Type:     "payment_delinquent",
			Severity: types.SeverityCritical,
			Message:  "Payment is delinquent",
		})
	}

	if daysInactive != nil && *daysInactive > cfg.Thresholds.InactiveDays {
		out = append(out, RiskSignal{
			Type:     "inactive",
			Severity: types.SeverityHigh,
			Message:  fmt.Sprintf("No product activity in %d days", *daysInactive),
		})
	}
	if c.CSATScore != nil && *c.CSATScore <= 2 {
		out = append(out, RiskSignal{
			Type:     "low_satisfaction",
			Severity: types.SeverityHigh,
			Message:  fmt.Sprintf("CSAT score is %.1f out of 5", *c.CSATScore),
		})
	}

	if c.ShowRate != nil && *c.ShowRate < cfg.Penalties.LowShowRateBelow && c.CallsBooked >= cfg.Penalties.LowShowRateMinCall {
		out = append(out, RiskSignal{
			Type:     "low_show_rate",
			Severity: types.SeverityMedium,
			Message:  fmt.Sprintf("Show rate %.0f%% across %d booked calls", *c.ShowRate, c.CallsBooked),
		})
	}
	if c.OpenTickets > 3 {
		out = append(out, RiskSignal{
			Type:     "support_volume",
			Severity: types.SeverityMedium,
			Message:  fmt.Sprintf("%d open support tickets", c.OpenTickets),
		})
	}
	if !c.OnboardingComplete && c.SignupDate != nil {
		age := int(now.Sub(*c.SignupDate).Hours() / 24)
		if age > cfg.Thresholds.OnboardingMaxAge {
			out = append(out, RiskSignal{
				Type:     "onboarding_incomplete",
				Severity: types.SeverityMedium,
				Message:  fmt.Sprintf("Onboarding incomplete %d days after signup", age),
			})
		}
	}

	return out
}

func recommendedAction(cfg Config, c *types.UnifiedCustomer, status string, daysInactive *int) string {
	switch status {
	case types.StatusCritical:
		if c.MentionedCancel {
			return "Urgent: Contact immediately - cancel risk"
		}
		if c.IsDelinquent {
			return "Urgent: Resolve payment issue"
		}
		return "Urgent: Schedule retention call"
	case types.StatusHighRisk:
		if daysInactive != nil && *daysInactive > cfg.Thresholds.InactiveDays {
			return "Re-engagement campaign needed"
		}
		if c.NextCallDate == nil {
			return "Schedule check-in call"
		}
		return "Monitor closely and provide proactive support"
	case types.StatusAtRisk:
		return "Proactive outreach to improve engagement"
	default:
		if c.MRR != nil && *c.MRR > cfg.Thresholds.ExpansionMinMRR {
			return "Explore expansion opportunities"
		}
		return "Maintain current engagement"
	}
}

// completeness is the fraction of the six scored factors that have real
// data behind them rather than the neutral fallback.
func completeness(c *types.UnifiedCustomer) float64 {
	present := 0
	if c.LastSeenAt != nil {
		present++
	}
	if c.CSATScore != nil || c.SupportSentiment != nil || c.ConvosTotal > 0 {
		present++
	}
	if c.SubscriptionStatus != nil {
		present++
	}
	if c.LoginCount30d > 0 || c.OnboardingComplete || featureCount(c) > 0 {
		present++
	}
	if c.SignupDate != nil {
		present++
	}
	if c.MRR != nil {
		present++
	}
	return round2(float64(present) / 6.0)
}
