package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/testutil"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/health"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []*types.AlertRecord
	fail bool
}

func (n *captureNotifier) Send(_ context.Context, record *types.AlertRecord, _ *types.UnifiedCustomer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("channel unavailable")
	}
	n.sent = append(n.sent, record)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type noopThrottle struct{}

func (noopThrottle) Wait(context.Context) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *captureNotifier, alertsrepo.AlertRepo) {
	t.Helper()
	db := testutil.DB(t)
	logg := testutil.Logger(t)
	repo := alertsrepo.NewAlertRepo(db, logg)
	notifier := &captureNotifier{}
	engine := NewEngine(db, repo, notifier, noopThrottle{}, logg)
	return engine, notifier, repo
}

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func testCustomer() *types.UnifiedCustomer {
	return &types.UnifiedCustomer{
		ID:    uuid.New(),
		Email: uuid.NewString() + "@example.com",
	}
}

func assessment(score float64, status string, at time.Time) health.Assessment {
	return health.Assessment{
		HealthScore:  score,
		HealthStatus: status,
		CalculatedAt: at,
	}
}

func TestCancelMentionFiresOncePerCooldown(t *testing.T) {
	engine, notifier, repo := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testCustomer()
	c.MentionedCancel = true

	sent, err := engine.ProcessCustomer(ctx, c, Previous{}, assessment(25, types.StatusCritical, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, notifier.count())

	// A re-evaluation an hour later is inside the 168h cooldown.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{}, assessment(25, types.StatusCritical, now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Past the cooldown it fires again.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{}, assessment(25, types.StatusCritical, now.Add(169*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	records, err := repo.ListByCustomer(ctx, nil, c.ID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, types.AlertCancelMention, r.AlertType)
		assert.Equal(t, types.SeverityCritical, r.Severity)
		assert.NotNil(t, r.DeliveredAt)
	}
}

func TestDelinquentAlert(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testCustomer()
	c.IsDelinquent = true
	c.PaymentFailures90d = 2

	sent, err := engine.ProcessCustomer(ctx, c, Previous{}, assessment(30, types.StatusHighRisk, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, notifier.sent[0].Message, "delinquent")
}

func TestHealthDropAlert(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := testCustomer()

	// A 19-point slide is under the threshold.
	sent, err := engine.ProcessCustomer(ctx, c, Previous{Score: f64p(79)}, assessment(60, types.StatusAtRisk, now))
	require.NoError(t, err)
	assert.Zero(t, sent)

	// A 20-point slide fires.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{Score: f64p(80)}, assessment(60, types.StatusAtRisk, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, types.AlertHealthDrop, notifier.sent[0].AlertType)
}

func TestStatusChangeRefiresOnNewStatusOnly(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := testCustomer()

	// Slipping to at_risk is below the alerting line.
	sent, err := engine.ProcessCustomer(ctx, c, Previous{Status: strp(types.StatusHealthy)}, assessment(60, types.StatusAtRisk, now))
	require.NoError(t, err)
	assert.Zero(t, sent)

	sent, err = engine.ProcessCustomer(ctx, c, Previous{Status: strp(types.StatusAtRisk)}, assessment(40, types.StatusHighRisk, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, types.SeverityMedium, notifier.sent[0].Severity)

	// A further downgrade within the cooldown still fires: the status moved.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{Status: strp(types.StatusHighRisk)}, assessment(25, types.StatusCritical, now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, types.SeverityMedium, notifier.sent[1].Severity)

	// The same downgrade observed again within cooldown does not.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{Status: strp(types.StatusHighRisk)}, assessment(25, types.StatusCritical, now.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Improvements never alert.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{Status: strp(types.StatusCritical)}, assessment(75, types.StatusHealthy, now.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestInactivityFiresOnCrossingNotOnGrowth(t *testing.T) {
	engine, notifier, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testCustomer()
	seen := now.Add(-35 * 24 * time.Hour)
	c.LastSeenAt = &seen

	sent, err := engine.ProcessCustomer(ctx, c, Previous{}, assessment(40, types.StatusHighRisk, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, types.AlertInactivity, notifier.sent[0].AlertType)

	// Still inactive after the cooldown: the tracked value only grew, so
	// the customer never came back and the alert stays quiet.
	sent, err = engine.ProcessCustomer(ctx, c, Previous{}, assessment(35, types.StatusHighRisk, now.Add(340*time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, sent)

	// They came back (value reset below threshold) and went quiet again.
	returned := now.Add(345 * time.Hour)
	c.LastSeenAt = &returned
	sent, err = engine.ProcessCustomer(ctx, c, Previous{}, assessment(40, types.StatusHighRisk, returned.Add(32*24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestRecordPersistsWhenDeliveryFails(t *testing.T) {
	engine, notifier, repo := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	notifier.fail = true
	c := testCustomer()
	c.MentionedCancel = true

	sent, err := engine.ProcessCustomer(ctx, c, Previous{}, assessment(25, types.StatusCritical, now))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	records, err := repo.ListByCustomer(ctx, nil, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].DeliveredAt, "failed delivery must not be marked delivered")
}

func TestActiveCustomerNeverAlertsInactivity(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testCustomer()
	seen := now.Add(-2 * 24 * time.Hour)
	c.LastSeenAt = &seen

	sent, err := engine.ProcessCustomer(ctx, c, Previous{}, assessment(85, types.StatusHealthy, now))
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestLocalThrottleQueuesOverCap(t *testing.T) {
	logg := testutil.Logger(t)
	throttle := NewRateThrottle(nil, 2, logg)
	ctx := context.Background()

	require.NoError(t, throttle.Wait(ctx))
	require.NoError(t, throttle.Wait(ctx))

	// The third send has no slot for nearly an hour; it must block until
	// the context gives up rather than dropping through.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := throttle.Wait(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
