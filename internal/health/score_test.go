package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	types "github.com/listkit/gtm-backend/internal/domain"
)

var scoreNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func daysAgo(n int) *time.Time {
	t := scoreNow.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func featureJSON(t *testing.T, usage map[string]int) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(usage)
	require.NoError(t, err)
	return datatypes.JSON(raw)
}

func healthyCustomer(t *testing.T) *types.UnifiedCustomer {
	return &types.UnifiedCustomer{
		Email:              "ada@example.com",
		SignupDate:         daysAgo(400),
		MRR:                ptr(299.0),
		SubscriptionStatus: ptr("active"),
		LastSeenAt:         daysAgo(1),
		LoginCount30d:      25,
		OnboardingComplete: true,
		FeatureUsage:       featureJSON(t, map[string]int{"lists": 12, "exports": 3, "enrichment": 5}),
		CSATScore:          ptr(4.5),
		SupportSentiment:   ptr("positive"),
		CallsBooked:        4,
		CallsCompleted:     4,
		ShowRate:           ptr(100.0),
		NextCallDate:       ptr(scoreNow.Add(72 * time.Hour)),
	}
}

func TestCalculateHealthyCustomer(t *testing.T) {
	cfg := Default()
	a := Calculate(cfg, healthyCustomer(t), scoreNow)

	assert.Equal(t, types.StatusHealthy, a.HealthStatus)
	assert.GreaterOrEqual(t, a.HealthScore, 70.0)
	assert.Empty(t, a.RiskSignals)
	assert.Zero(t, a.Components.Penalty)
	assert.Equal(t, "Maintain current engagement", a.RecommendedAction)
	assert.False(t, a.LowConfidence)
	assert.Equal(t, 1.0, a.DataCompleteness)
}

func TestCalculateIsDeterministic(t *testing.T) {
	cfg := Default()
	c := healthyCustomer(t)
	first := Calculate(cfg, c, scoreNow)
	second := Calculate(cfg, c, scoreNow)
	assert.Equal(t, first, second)
}

func TestCalculateScoreStaysInRange(t *testing.T) {
	cfg := Default()

	worst := &types.UnifiedCustomer{
		Email:              "worst@example.com",
		SignupDate:         daysAgo(10),
		MRR:                ptr(10.0),
		SubscriptionStatus: ptr("canceled"),
		IsDelinquent:       true,
		PaymentFailures90d: 9,
		LastSeenAt:         daysAgo(120),
		CSATScore:          ptr(1.0),
		SupportSentiment:   ptr("negative"),
		Convos30d:          40,
		OpenTickets:        12,
		MentionedCancel:    true,
		CallsBooked:        5,
		ShowRate:           ptr(20.0),
	}
	a := Calculate(cfg, worst, scoreNow)
	assert.GreaterOrEqual(t, a.HealthScore, 0.0)
	assert.Equal(t, types.StatusCritical, a.HealthStatus)
	assert.LessOrEqual(t, a.ChurnRisk, 100.0)

	best := healthyCustomer(t)
	best.MRR = ptr(5000.0)
	b := Calculate(cfg, best, scoreNow)
	assert.LessOrEqual(t, b.HealthScore, 100.0)
}

func TestCalculateAllUnknownIsNeutral(t *testing.T) {
	cfg := Default()
	a := Calculate(cfg, &types.UnifiedCustomer{Email: "ghost@example.com"}, scoreNow)

	// Every factor falls back to a neutral value; nothing should read as
	// critical when we simply know nothing.
	assert.GreaterOrEqual(t, a.HealthScore, 50.0)
	assert.NotEqual(t, types.StatusCritical, a.HealthStatus)
	assert.True(t, a.LowConfidence)
	assert.Equal(t, 0.0, a.DataCompleteness)
}

func TestCancelMentionDropsScoreByPenalty(t *testing.T) {
	cfg := Default()
	c := healthyCustomer(t)
	base := Calculate(cfg, c, scoreNow)

	c.MentionedCancel = true
	flagged := Calculate(cfg, c, scoreNow)

	assert.InDelta(t, base.HealthScore-cfg.Penalties.CancelMention, flagged.HealthScore, 0.01)
	require.NotEmpty(t, flagged.RiskSignals)
	assert.Equal(t, "cancel_mention", flagged.RiskSignals[0].Type)
	assert.Equal(t, types.SeverityCritical, flagged.RiskSignals[0].Severity)
	assert.Greater(t, flagged.ChurnRisk, base.ChurnRisk)
}

func TestCanceledAndLongInactiveIsCritical(t *testing.T) {
	cfg := Default()
	c := &types.UnifiedCustomer{
		Email:              "churned@example.com",
		SignupDate:         daysAgo(200),
		MRR:                ptr(99.0),
		SubscriptionStatus: ptr("canceled"),
		LastSeenAt:         daysAgo(90),
	}
	a := Calculate(cfg, c, scoreNow)

	assert.Equal(t, types.StatusCritical, a.HealthStatus)
	assert.Equal(t, "Urgent: Schedule retention call", a.RecommendedAction)

	var found bool
	for _, s := range a.RiskSignals {
		if s.Type == "inactive" {
			found = true
			assert.Equal(t, types.SeverityHigh, s.Severity)
		}
	}
	assert.True(t, found, "expected an inactive risk signal")
}

func TestChurnRiskCapsAt100(t *testing.T) {
	cfg := Default()
	c := &types.UnifiedCustomer{
		Email:              "doomed@example.com",
		MRR:                ptr(400.0),
		SubscriptionStatus: ptr("past_due"),
		IsDelinquent:       true,
		MentionedCancel:    true,
		LastSeenAt:         daysAgo(60),
	}
	a := Calculate(cfg, c, scoreNow)

	// Stacked multipliers (1.5 * 1.4 * 1.3 * 1.2 * 1.1) would push risk far
	// past the cap without clamping.
	assert.Equal(t, 100.0, a.ChurnRisk)
}

func TestActivityScoreSteps(t *testing.T) {
	cfg := Default()
	cases := []struct {
		days int
		want float64
	}{
		{0, 100}, {1, 100}, {3, 90}, {7, 80}, {14, 65}, {30, 40}, {60, 20}, {61, 0}, {365, 0},
	}
	for _, tc := range cases {
		got := activityScore(cfg, &tc.days)
		assert.Equal(t, tc.want, got, "days=%d", tc.days)
	}
	assert.Equal(t, cfg.ActivityNeutral, activityScore(cfg, nil))
}

func TestPaymentScore(t *testing.T) {
	cfg := Default()

	active := &types.UnifiedCustomer{SubscriptionStatus: ptr("active")}
	assert.Equal(t, 100.0, paymentScore(cfg, active))

	trialing := &types.UnifiedCustomer{SubscriptionStatus: ptr("trialing")}
	assert.Equal(t, 80.0, paymentScore(cfg, trialing))

	unknown := &types.UnifiedCustomer{}
	assert.Equal(t, cfg.PaymentUnknown, paymentScore(cfg, unknown))

	// Delinquency caps an otherwise active account.
	delinquent := &types.UnifiedCustomer{SubscriptionStatus: ptr("active"), IsDelinquent: true}
	assert.Equal(t, cfg.DelinquentCeiling, paymentScore(cfg, delinquent))

	// Failures subtract but are capped.
	failing := &types.UnifiedCustomer{SubscriptionStatus: ptr("active"), PaymentFailures90d: 10}
	assert.Equal(t, 100.0-cfg.PaymentFailureCap, paymentScore(cfg, failing))

	canceled := &types.UnifiedCustomer{SubscriptionStatus: ptr("canceled")}
	assert.Equal(t, 0.0, paymentScore(cfg, canceled))
}

func TestSupportScore(t *testing.T) {
	cfg := Default()

	neutral := &types.UnifiedCustomer{}
	assert.Equal(t, cfg.CSATNeutral, supportScore(cfg, neutral))

	perfect := &types.UnifiedCustomer{CSATScore: ptr(5.0)}
	assert.Equal(t, 100.0, supportScore(cfg, perfect))

	negative := &types.UnifiedCustomer{CSATScore: ptr(3.0), SupportSentiment: ptr("negative")}
	assert.Equal(t, 40.0, supportScore(cfg, negative))

	// Conversation volume over the freeband subtracts, capped at 20.
	noisy := &types.UnifiedCustomer{CSATScore: ptr(5.0), Convos30d: 50}
	assert.Equal(t, 80.0, supportScore(cfg, noisy))
}

func TestEngagementScore(t *testing.T) {
	cfg := Default()

	zero := &types.UnifiedCustomer{}
	assert.Equal(t, 0.0, engagementScore(cfg, zero))

	full := &types.UnifiedCustomer{
		LoginCount30d:      40,
		OnboardingComplete: true,
		FeatureUsage:       featureJSON(t, map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}),
	}
	assert.Equal(t, 100.0, engagementScore(cfg, full))

	partial := &types.UnifiedCustomer{LoginCount30d: 10}
	assert.Equal(t, 25.0, engagementScore(cfg, partial))
}

func TestTenureAndMRRScores(t *testing.T) {
	cfg := Default()

	fresh := &types.UnifiedCustomer{SignupDate: daysAgo(10)}
	assert.Equal(t, 40.0, tenureScore(cfg, fresh, scoreNow))

	veteran := &types.UnifiedCustomer{SignupDate: daysAgo(400)}
	assert.Equal(t, 100.0, tenureScore(cfg, veteran, scoreNow))

	assert.Equal(t, cfg.TenureNeutral, tenureScore(cfg, &types.UnifiedCustomer{}, scoreNow))

	assert.Equal(t, cfg.MRRNeutral, mrrScore(cfg, &types.UnifiedCustomer{}))
	assert.Equal(t, cfg.MRRNeutral, mrrScore(cfg, &types.UnifiedCustomer{MRR: ptr(0.0)}))
	assert.Equal(t, 60.0, mrrScore(cfg, &types.UnifiedCustomer{MRR: ptr(25.0)}))
	assert.Equal(t, 90.0, mrrScore(cfg, &types.UnifiedCustomer{MRR: ptr(499.0)}))
	assert.Equal(t, 100.0, mrrScore(cfg, &types.UnifiedCustomer{MRR: ptr(500.0)}))
}

func TestRecommendedActions(t *testing.T) {
	cfg := Default()

	cancel := &types.UnifiedCustomer{
		SubscriptionStatus: ptr("canceled"),
		MentionedCancel:    true,
		LastSeenAt:         daysAgo(45),
	}
	a := Calculate(cfg, cancel, scoreNow)
	assert.Equal(t, types.StatusCritical, a.HealthStatus)
	assert.Equal(t, "Urgent: Contact immediately - cancel risk", a.RecommendedAction)

	delinquent := &types.UnifiedCustomer{
		SubscriptionStatus: ptr("past_due"),
		IsDelinquent:       true,
		PaymentFailures90d: 3,
		LastSeenAt:         daysAgo(45),
	}
	d := Calculate(cfg, delinquent, scoreNow)
	assert.Equal(t, types.StatusCritical, d.HealthStatus)
	assert.Equal(t, "Urgent: Resolve payment issue", d.RecommendedAction)

	expansion := healthyCustomer(t)
	expansion.MRR = ptr(900.0)
	e := Calculate(cfg, expansion, scoreNow)
	assert.Equal(t, types.StatusHealthy, e.HealthStatus)
	assert.Equal(t, "Explore expansion opportunities", e.RecommendedAction)
}

func TestRiskSignalsOrderedBySeverity(t *testing.T) {
	cfg := Default()
	c := &types.UnifiedCustomer{
		Email:           "stacked@example.com",
		SignupDate:      daysAgo(90),
		MentionedCancel: true,
		IsDelinquent:    true,
		LastSeenAt:      daysAgo(40),
		CSATScore:       ptr(1.5),
		OpenTickets:     5,
		CallsBooked:     4,
		ShowRate:        ptr(25.0),
	}
	a := Calculate(cfg, c, scoreNow)

	require.Len(t, a.RiskSignals, 7)
	order := []string{
		types.SeverityCritical, types.SeverityCritical,
		types.SeverityHigh, types.SeverityHigh,
		types.SeverityMedium, types.SeverityMedium, types.SeverityMedium,
	}
	for i, want := range order {
		assert.Equal(t, want, a.RiskSignals[i].Severity, "signal %d (%s)", i, a.RiskSignals[i].Type)
	}
}

func TestScoresRoundToTwoDecimals(t *testing.T) {
	cfg := Default()
	c := healthyCustomer(t)
	c.CSATScore = ptr(4.3)
	a := Calculate(cfg, c, scoreNow)

	assert.Equal(t, round2(a.HealthScore), a.HealthScore)
	assert.Equal(t, round2(a.ChurnRisk), a.ChurnRisk)
}

func TestLoadOverlay(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load("/nonexistent/scoring.yaml")
	assert.Error(t, err)
}

func TestValidateWeights(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Weights.Activity = 0.5
	assert.Error(t, cfg.Validate())
}
