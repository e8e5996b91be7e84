package unify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/testutil"
	types "github.com/listkit/gtm-backend/internal/domain"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
)

func newTestEngine(t *testing.T) (*Engine, customer.CustomerRepo) {
	t.Helper()
	db := testutil.DB(t)
	logg := testutil.Logger(t)
	repo := customer.NewCustomerRepo(db, logg)
	return NewEngine(db, repo, logg), repo
}

func strp(s string) *string        { return &s }
func f64p(f float64) *float64      { return &f }
func timep(t time.Time) *time.Time { return &t }

func profileFact(email string, fetched time.Time) *types.PartialFact {
	return &types.PartialFact{
		Email:     email,
		Source:    types.SourceIntercom,
		SourceID:  "ic_1",
		FetchedAt: fetched,
		Profile: &types.ProfileFacts{
			Name:        strp("Grace Hopper"),
			CompanyName: strp("Acme"),
		},
	}
}

func TestMergeCreatesThenUpdates(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	email := "create-update@example.com"
	now := time.Now().UTC()

	outcome, err := engine.Merge(ctx, profileFact(email, now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	row, err := repo.GetByEmail(ctx, nil, email)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Grace Hopper", *row.Name)
	require.NotNil(t, row.LastIntercomSyncAt)

	later := profileFact(email, now.Add(time.Minute))
	later.Profile.Name = strp("G. Hopper")
	outcome, err = engine.Merge(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	row, err = repo.GetByEmail(ctx, nil, email)
	require.NoError(t, err)
	assert.Equal(t, "G. Hopper", *row.Name)
}

func TestMergeSkipsStaleFacts(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	email := "stale@example.com"
	now := time.Now().UTC()

	_, err := engine.Merge(ctx, profileFact(email, now))
	require.NoError(t, err)

	// A fact fetched before the recorded merge must not regress the row.
	old := profileFact(email, now.Add(-time.Hour))
	old.Profile.Name = strp("Stale Name")
	outcome, err := engine.Merge(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	row, err := repo.GetByEmail(ctx, nil, email)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", *row.Name)
}

func TestMergeIsIdempotent(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	email := "idempotent@example.com"
	now := time.Now().UTC()

	fact := profileFact(email, now)
	_, err := engine.Merge(ctx, fact)
	require.NoError(t, err)

	// Replaying the identical fact is a no-op: same fetch time, so stale.
	outcome, err := engine.Merge(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	row, err := repo.GetByEmail(ctx, nil, email)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", *row.Name)
}

func TestMergeDisjointGroupsDoNotClobber(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	email := "disjoint@example.com"
	now := time.Now().UTC()

	_, err := engine.Merge(ctx, profileFact(email, now))
	require.NoError(t, err)

	crm := &types.PartialFact{
		Email:     email,
		Source:    types.SourceHubspot,
		SourceID:  "hs_9",
		FetchedAt: now,
		CRM: &types.CRMFacts{
			AssignedAM:      strp("Sam Lee"),
			AssignedAMEmail: strp("sam@listkit.io"),
			LifecycleStage:  strp("customer"),
		},
	}
	outcome, err := engine.Merge(ctx, crm)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	sched := &types.PartialFact{
		Email:     email,
		Source:    types.SourceCalendly,
		SourceID:  "cal_3",
		FetchedAt: now,
		Scheduling: &types.SchedulingFacts{
			CallsBooked:    3,
			CallsCompleted: 2,
			ShowRate:       f64p(66.7),
		},
	}
	_, err = engine.Merge(ctx, sched)
	require.NoError(t, err)

	row, err := repo.GetByEmail(ctx, nil, email)
	require.NoError(t, err)

	// Each source's groups survive the others' merges.
	assert.Equal(t, "Grace Hopper", *row.Name)
	assert.Equal(t, "Sam Lee", *row.AssignedAM)
	assert.Equal(t, 3, row.CallsBooked)
	assert.Equal(t, "ic_1", *row.IntercomContactID)
	assert.Equal(t, "hs_9", *row.HubspotContactID)
	assert.Equal(t, "cal_3", *row.CalendlyInviteeID)
}

func TestMergeNormalizesEmail(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fact := profileFact("  MiXeD@Example.COM ", now)
	outcome, err := engine.Merge(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	upper := &types.PartialFact{
		Email:     "MIXED@EXAMPLE.COM",
		Source:    types.SourceUserflow,
		SourceID:  "uf_7",
		FetchedAt: now,
		Activity: &types.ActivityFacts{
			LastSeenAt:    timep(now),
			LoginCount30d: 12,
		},
	}
	outcome, err = engine.Merge(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome, "case variants must resolve to one customer")

	row, err := repo.GetByEmail(ctx, nil, "mixed@example.com")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 12, row.LoginCount30d)
}

func TestMergeRejectsBadFacts(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := engine.Merge(ctx, profileFact("   ", now))
	assert.ErrorIs(t, err, pkgerrors.ErrNoEmail)

	empty := &types.PartialFact{
		Email:     "empty@example.com",
		Source:    types.SourceIntercom,
		FetchedAt: now,
	}
	_, err = engine.Merge(ctx, empty)
	assert.ErrorIs(t, err, pkgerrors.ErrMalformedRecord)
}

func TestMergeSerializesPerEmail(t *testing.T) {
	engine, repo := newTestEngine(t)
	ctx := context.Background()
	email := "parallel@example.com"
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fact := profileFact(email, base.Add(time.Duration(i)*time.Second))
			_, _ = engine.Merge(ctx, fact)
		}(i)
	}
	wg.Wait()

	// Exactly one row regardless of racing creates.
	rows, err := repo.GetByEmails(ctx, nil, []string{email})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
