package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listkit/gtm-backend/internal/adapters"
	"github.com/listkit/gtm-backend/internal/alerts"
	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	"github.com/listkit/gtm-backend/internal/data/repos/testutil"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/health"
	"github.com/listkit/gtm-backend/internal/unify"
)

type fakeAdapter struct {
	name     string
	facts    []*types.PartialFact
	fetchErr error
	gotSince []*time.Time
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, since *time.Time, emit adapters.EmitFunc) (adapters.Stats, error) {
	f.gotSince = append(f.gotSince, since)
	var stats adapters.Stats
	if f.fetchErr != nil {
		return stats, f.fetchErr
	}
	for _, fact := range f.facts {
		stats.Fetched++
		fact.FetchedAt = time.Now().UTC()
		if err := emit(ctx, fact); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

type noopThrottle struct{}

func (noopThrottle) Wait(context.Context) error { return nil }

func newTestOrchestrator(t *testing.T, sourceAdapters ...adapters.Adapter) (*Orchestrator, customer.CustomerRepo, syncrun.SyncRunRepo) {
	t.Helper()
	db := testutil.DB(t)
	logg := testutil.Logger(t)

	customers := customer.NewCustomerRepo(db, logg)
	runs := syncrun.NewSyncRunRepo(db, logg)
	unifier := unify.NewEngine(db, customers, logg)
	alerter := alerts.NewEngine(db, alertsrepo.NewAlertRepo(db, logg), &alerts.LogNotifier{Log: logg}, noopThrottle{}, logg)

	orch := NewOrchestrator(db, sourceAdapters, unifier, customers, runs, alerter, health.Default(), logg)
	orch.RescoreWorkers = 2
	return orch, customers, runs
}

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func profileFact(email string) *types.PartialFact {
	return &types.PartialFact{
		Email:   email,
		Source:  types.SourceIntercom,
		Profile: &types.ProfileFacts{Name: strp("Test User")},
	}
}

func TestRunMergesAndScores(t *testing.T) {
	email := "orch-basic@example.com"
	seen := time.Now().UTC().Add(-2 * 24 * time.Hour)

	intercomFake := &fakeAdapter{name: types.SourceIntercom, facts: []*types.PartialFact{
		{
			Email:  email,
			Source: types.SourceIntercom,
			Profile: &types.ProfileFacts{
				Name: strp("Orca Hestra"),
			},
			Revenue: &types.RevenueFacts{
				MRR:                f64p(299),
				SubscriptionStatus: strp("active"),
			},
		},
	}}
	userflowFake := &fakeAdapter{name: types.SourceUserflow, facts: []*types.PartialFact{
		{
			Email:    email,
			Source:   types.SourceUserflow,
			Activity: &types.ActivityFacts{LastSeenAt: &seen, LoginCount30d: 20, OnboardingComplete: true},
		},
	}}

	orch, customers, runs := newTestOrchestrator(t, intercomFake, userflowFake)

	report, err := orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err)

	assert.Len(t, report.Sources, 2)
	for _, src := range report.Sources {
		assert.Equal(t, types.RunStatusCompleted, src.Status)
	}
	assert.Equal(t, 1, report.Rescored)

	row, err := customers.GetByEmail(context.Background(), nil, email)
	require.NoError(t, err)
	require.NotNil(t, row)

	// Both sources merged into one row, and the scoring pass ran.
	assert.Equal(t, "Orca Hestra", *row.Name)
	assert.Equal(t, 20, row.LoginCount30d)
	require.NotNil(t, row.HealthScore)
	require.NotNil(t, row.HealthStatus)
	require.NotNil(t, row.CalculatedAt)

	list, err := runs.List(context.Background(), nil, types.SourceIntercom, 5)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, types.RunStatusCompleted, list[0].Status)
	assert.Equal(t, 1, list[0].RecordsSynced)
	assert.NotNil(t, list[0].CompletedAt)
}

func TestRunPassesWatermarkOnSecondPass(t *testing.T) {
	fake := &fakeAdapter{name: types.SourceCalendly, facts: []*types.PartialFact{
		{
			Email:      "orch-watermark@example.com",
			Source:     types.SourceCalendly,
			Scheduling: &types.SchedulingFacts{CallsBooked: 1},
		},
	}}
	orch, _, _ := newTestOrchestrator(t, fake)

	_, err := orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err)
	_, err = orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err)

	require.Len(t, fake.gotSince, 2)
	assert.Nil(t, fake.gotSince[0], "first pass has no watermark")
	assert.NotNil(t, fake.gotSince[1], "second pass resumes from the last completed run")
}

func TestRunIsolatesFailingSource(t *testing.T) {
	good := &fakeAdapter{name: types.SourceHubspot, facts: []*types.PartialFact{
		{
			Email:  "orch-isolate@example.com",
			Source: types.SourceHubspot,
			CRM:    &types.CRMFacts{LifecycleStage: strp("customer")},
		},
	}}
	bad := &fakeAdapter{name: types.SourceUserflow, fetchErr: errors.New("upstream 503")}

	orch, customers, runs := newTestOrchestrator(t, good, bad)

	report, err := orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err, "one failing source must not abort the pass")

	byName := map[string]SourceReport{}
	for _, src := range report.Sources {
		byName[src.Source] = src
	}
	assert.Equal(t, types.RunStatusCompleted, byName[types.SourceHubspot].Status)
	assert.Equal(t, types.RunStatusFailed, byName[types.SourceUserflow].Status)
	assert.Contains(t, byName[types.SourceUserflow].Error, "503")

	row, err := customers.GetByEmail(context.Background(), nil, "orch-isolate@example.com")
	require.NoError(t, err)
	require.NotNil(t, row, "the healthy source's merge still lands")

	failed, err := runs.List(context.Background(), nil, types.SourceUserflow, 1)
	require.NoError(t, err)
	require.NotEmpty(t, failed)
	assert.Equal(t, types.RunStatusFailed, failed[0].Status)
	assert.Contains(t, failed[0].Error, "503")
}

func TestRunAppendsHistoryOnScoreChange(t *testing.T) {
	email := "orch-history@example.com"
	fake := &fakeAdapter{name: types.SourceIntercom, facts: []*types.PartialFact{profileFact(email)}}

	orch, customers, _ := newTestOrchestrator(t, fake)
	db := testutil.DB(t)

	_, err := orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err)

	row, err := customers.GetByEmail(context.Background(), nil, email)
	require.NoError(t, err)
	require.NotNil(t, row)

	var count int64
	require.NoError(t, db.Model(&types.HealthScoreHistory{}).
		Where("customer_id = ?", row.ID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count, "first scoring writes one history row")
}

func TestRunSendsAlertsForRiskCustomers(t *testing.T) {
	email := "orch-cancel@example.com"
	fake := &fakeAdapter{name: types.SourceIntercom, facts: []*types.PartialFact{
		{
			Email:   email,
			Source:  types.SourceIntercom,
			Support: &types.SupportFacts{MentionedCancel: true, ConvosTotal: 3},
		},
	}}

	orch, _, _ := newTestOrchestrator(t, fake)

	report, err := orch.Run(context.Background(), types.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlertsSent)
}
