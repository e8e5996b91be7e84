package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/listkit/gtm-backend/internal/adapters"
	"github.com/listkit/gtm-backend/internal/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/health"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/logger"
	"github.com/listkit/gtm-backend/internal/unify"
)

// mergeAttempts bounds retries of a failed upsert before the record is
// counted as failed.
const mergeAttempts = 3

// SourceReport is one adapter's outcome within a pass.
type SourceReport struct {
	Source    string `json:"source"`
	Status    string `json:"status"`
	Synced    int    `json:"synced"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Unmatched int    `json:"unmatched"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes one full pipeline pass.
type Report struct {
	Mode       string         `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Sources    []SourceReport `json:"sources"`
	Rescored   int            `json:"rescored"`
	AlertsSent int            `json:"alerts_sent"`
}

// Orchestrator drives the pipeline: fetch every source in parallel, merge
// facts into unified rows, rescore what changed, and alert on the results.
type Orchestrator struct {
	db        *gorm.DB
	adapters  []adapters.Adapter
	unifier   *unify.Engine
	customers customer.CustomerRepo
	runs      syncrun.SyncRunRepo
	alerter   *alerts.Engine
	scoring   health.Config
	log       *logger.Logger

	// RescoreWorkers bounds scoring parallelism after the fetch phase.
	RescoreWorkers int
}

func NewOrchestrator(
	db *gorm.DB,
	sourceAdapters []adapters.Adapter,
	unifier *unify.Engine,
	customers customer.CustomerRepo,
	runs syncrun.SyncRunRepo,
	alerter *alerts.Engine,
	scoring health.Config,
	baseLog *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:             db,
		adapters:       sourceAdapters,
		unifier:        unifier,
		customers:      customers,
		runs:           runs,
		alerter:        alerter,
		scoring:        scoring,
		log:            baseLog.With("component", "sync"),
		RescoreWorkers: 8,
	}
}

// Run executes one pass. Incremental mode pulls records changed since each
// source's last completed run; full mode repulls everything and rescores
// the whole customer base. A failing source marks its own run failed
// without aborting the others.
func (o *Orchestrator) Run(ctx context.Context, mode string) (*Report, error) {
	if mode != types.ModeFull {
		mode = types.ModeIncremental
	}

	ctx, span := otel.Tracer("sync").Start(ctx, "sync.run",
		trace.WithAttributes(attribute.String("sync.mode", mode)))
	defer span.End()

	startedAt := time.Now().UTC()
	report := &Report{Mode: mode, StartedAt: startedAt}

	var mu sync.Mutex
	touched := map[string]struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]SourceReport, len(o.adapters))

	for i, adapter := range o.adapters {
		g.Go(func() error {
			result, emails := o.runSource(gctx, adapter, mode)
			results[i] = result

			mu.Lock()
			for e := range emails {
				touched[e] = struct{}{}
			}
			mu.Unlock()

			// Only cancellation aborts sibling sources; ordinary source
			// failures are already recorded on the run row.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		report.Sources = results
		return report, err
	}
	report.Sources = results

	emails := make([]string, 0, len(touched))
	if mode == types.ModeFull {
		all, err := o.customers.ListEmails(ctx, nil)
		if err != nil {
			return report, err
		}
		emails = all
	} else {
		for e := range touched {
			emails = append(emails, e)
		}
	}

	rescored, alertsSent, err := o.rescore(ctx, emails)
	report.Rescored = rescored
	report.AlertsSent = alertsSent
	report.Duration = time.Since(startedAt)

	o.log.Info("sync pass finished",
		"mode", mode,
		"sources", len(o.adapters),
		"rescored", rescored,
		"alerts_sent", alertsSent,
		"duration", report.Duration.String(),
	)
	return report, err
}

// runSource fetches one adapter under its own SyncRun row and merges every
// emitted fact. Returns the touched email set.
func (o *Orchestrator) runSource(ctx context.Context, adapter adapters.Adapter, mode string) (SourceReport, map[string]struct{}) {
	source := adapter.Name()
	ctx, span := otel.Tracer("sync").Start(ctx, "sync.source",
		trace.WithAttributes(attribute.String("sync.source", source)))
	defer span.End()
	log := o.log.With("source", source)
	result := SourceReport{Source: source}
	emails := map[string]struct{}{}

	run := &types.SyncRun{
		ID:        uuid.New(),
		Source:    source,
		Mode:      mode,
		Status:    types.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.runs.Create(ctx, nil, run); err != nil {
		result.Status = types.RunStatusFailed
		result.Error = err.Error()
		return result, emails
	}

	var since *time.Time
	if mode == types.ModeIncremental {
		last, err := o.runs.LastSuccessful(ctx, nil, source)
		if err != nil {
			log.Warn("could not read last successful run, doing a full pull", "error", err)
		} else if last != nil {
			since = &last.StartedAt
		}
	}

	emit := func(ctx context.Context, fact *types.PartialFact) error {
		outcome, err := o.mergeWithRetry(ctx, fact)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Warn("merge failed", "email", fact.Email, "error", err)
			result.Failed++
			return nil
		}
		switch outcome {
		case unify.OutcomeCreated:
			result.Created++
			result.Synced++
			emails[unify.NormalizeEmail(fact.Email)] = struct{}{}
		case unify.OutcomeUpdated:
			result.Updated++
			result.Synced++
			emails[unify.NormalizeEmail(fact.Email)] = struct{}{}
		default:
			result.Skipped++
		}
		return nil
	}

	stats, fetchErr := adapter.Fetch(ctx, since, emit)
	result.Skipped += stats.Skipped
	result.Unmatched = stats.Unmatched

	completedAt := time.Now().UTC()
	fields := map[string]any{
		"status":            types.RunStatusCompleted,
		"completed_at":      completedAt,
		"records_synced":    result.Synced,
		"records_created":   result.Created,
		"records_updated":   result.Updated,
		"records_skipped":   result.Skipped,
		"records_unmatched": result.Unmatched,
		"records_failed":    result.Failed,
		"duration_seconds":  completedAt.Sub(run.StartedAt).Seconds(),
	}
	result.Status = types.RunStatusCompleted

	if fetchErr != nil {
		log.Error("source fetch failed", "error", fetchErr)
		fields["status"] = types.RunStatusFailed
		fields["error"] = fetchErr.Error()
		result.Status = types.RunStatusFailed
		result.Error = fetchErr.Error()
	}

	if err := o.runs.Finalize(ctx, nil, run.ID, fields); err != nil {
		log.Error("failed to finalize run", "run_id", run.ID, "error", err)
	}

	return result, emails
}

// mergeWithRetry retries transient persistence failures. Bad input errors
// are permanent and returned immediately.
func (o *Orchestrator) mergeWithRetry(ctx context.Context, fact *types.PartialFact) (unify.Outcome, error) {
	var outcome unify.Outcome
	var err error
	for attempt := 0; attempt < mergeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return outcome, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		outcome, err = o.unifier.Merge(ctx, fact)
		if err == nil ||
			errors.Is(err, pkgerrors.ErrNoEmail) ||
			errors.Is(err, pkgerrors.ErrMalformedRecord) ||
			ctx.Err() != nil {
			return outcome, err
		}
	}
	return outcome, err
}

// rescore recomputes health for the given customers with bounded
// parallelism, snapshots history on score changes, and runs the alert
// rules against each fresh assessment.
func (o *Orchestrator) rescore(ctx context.Context, emails []string) (int, int, error) {
	if len(emails) == 0 {
		return 0, 0, nil
	}

	var (
		mu         sync.Mutex
		rescored   int
		alertsSent int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.RescoreWorkers)

	for _, email := range emails {
		g.Go(func() error {
			sent, err := o.rescoreOne(gctx, email)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				o.log.Error("rescore failed", "email", email, "error", err)
				return nil
			}
			mu.Lock()
			rescored++
			alertsSent += sent
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return rescored, alertsSent, err
}

func (o *Orchestrator) rescoreOne(ctx context.Context, email string) (int, error) {
	row, err := o.customers.GetByEmail(ctx, nil, email)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}

	// Snapshot the derived values before overwriting them; the alert rules
	// for drops and downgrades compare against these.
	prev := alerts.Previous{Score: row.HealthScore, Status: row.HealthStatus}

	assessment := health.Calculate(o.scoring, row, time.Now().UTC())

	signalsJSON, err := assessment.RiskSignalsJSON()
	if err != nil {
		return 0, err
	}
	componentsJSON, err := assessment.ComponentsJSON()
	if err != nil {
		return 0, err
	}

	fields := map[string]any{
		"health_score":       assessment.HealthScore,
		"health_status":      assessment.HealthStatus,
		"churn_risk":         assessment.ChurnRisk,
		"risk_signals":       signalsJSON,
		"recommended_action": assessment.RecommendedAction,
		"score_components":   componentsJSON,
		"data_completeness":  assessment.DataCompleteness,
		"low_confidence":     assessment.LowConfidence,
		"calculated_at":      assessment.CalculatedAt,
		"updated_at":         time.Now().UTC(),
	}
	if err := o.customers.UpdateFields(ctx, nil, row.ID, fields); err != nil {
		return 0, err
	}

	if prev.Score == nil || *prev.Score != assessment.HealthScore {
		history := &types.HealthScoreHistory{
			ID:              uuid.New(),
			CustomerID:      row.ID,
			HealthScore:     assessment.HealthScore,
			HealthStatus:    assessment.HealthStatus,
			ChurnRisk:       assessment.ChurnRisk,
			ScoreComponents: componentsJSON,
			RiskSignals:     signalsJSON,
			RecordedAt:      assessment.CalculatedAt,
		}
		if err := o.db.WithContext(ctx).Create(history).Error; err != nil {
			return 0, err
		}
	}

	// Alert rules read the refreshed derived fields off the row.
	score := assessment.HealthScore
	status := assessment.HealthStatus
	churn := assessment.ChurnRisk
	action := assessment.RecommendedAction
	row.HealthScore = &score
	row.HealthStatus = &status
	row.ChurnRisk = &churn
	row.RecommendedAction = &action

	return o.alerter.ProcessCustomer(ctx, row, prev, assessment)
}
