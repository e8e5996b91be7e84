package unify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	types "github.com/listkit/gtm-backend/internal/domain"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// Outcome classifies what a merge did to the unified row.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// Engine folds per-source partial facts into unified customer rows. Merges
// for the same email serialize; everything else runs concurrently.
type Engine struct {
	db        *gorm.DB
	customers customer.CustomerRepo
	locks     *keyLock
	log       *logger.Logger
}

func NewEngine(db *gorm.DB, customers customer.CustomerRepo, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:        db,
		customers: customers,
		locks:     newKeyLock(),
		log:       baseLog.With("component", "unify"),
	}
}

// NormalizeEmail canonicalizes the identity key. Emails that differ only in
// case or surrounding whitespace are the same customer.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Merge applies one fact to the unified row for its email, creating the row
// if absent. Only the field groups the fact carries are written; a fact
// fetched before the source's last recorded merge is skipped as stale.
func (e *Engine) Merge(ctx context.Context, fact *types.PartialFact) (Outcome, error) {
	email := NormalizeEmail(fact.Email)
	if email == "" {
		return OutcomeSkipped, pkgerrors.ErrNoEmail
	}
	if len(fact.Groups()) == 0 {
		return OutcomeSkipped, fmt.Errorf("%w: fact from %s carries no field groups", pkgerrors.ErrMalformedRecord, fact.Source)
	}

	unlock := e.locks.Lock(email)
	defer unlock()

	var outcome Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := e.customers.GetByEmailForUpdate(ctx, tx, email)
		if err != nil {
			return err
		}

		if existing == nil {
			row := &types.UnifiedCustomer{
				ID:    uuid.New(),
				Email: email,
			}
			applyFact(row, fact)
			if err := e.customers.Create(ctx, tx, row); err != nil {
				return err
			}
			outcome = OutcomeCreated
			return nil
		}

		last := lastSyncFor(existing, fact.Source)
		if last != nil && !fact.FetchedAt.After(*last) {
			e.log.Debug("skipping stale fact",
				"source", fact.Source,
				"email", email,
				"fetched_at", fact.FetchedAt,
			)
			outcome = OutcomeSkipped
			return nil
		}

		fields, err := factFields(fact)
		if err != nil {
			return err
		}
		if err := e.customers.UpdateFields(ctx, tx, existing.ID, fields); err != nil {
			return err
		}
		outcome = OutcomeUpdated
		return nil
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	return outcome, nil
}

func lastSyncFor(c *types.UnifiedCustomer, source string) *time.Time {
	switch source {
	case types.SourceIntercom:
		return c.LastIntercomSyncAt
	case types.SourceHubspot:
		return c.LastHubspotSyncAt
	case types.SourceCalendly:
		return c.LastCalendlySyncAt
	case types.SourceUserflow:
		return c.LastUserflowSyncAt
	default:
		return nil
	}
}

func lastSyncColumn(source string) string {
	switch source {
	case types.SourceIntercom:
		return "last_intercom_sync_at"
	case types.SourceHubspot:
		return "last_hubspot_sync_at"
	case types.SourceCalendly:
		return "last_calendly_sync_at"
	case types.SourceUserflow:
		return "last_userflow_sync_at"
	default:
		return ""
	}
}

func sourceIDColumn(source string) string {
	switch source {
	case types.SourceIntercom:
		return "intercom_contact_id"
	case types.SourceHubspot:
		return "hubspot_contact_id"
	case types.SourceCalendly:
		return "calendly_invitee_id"
	case types.SourceUserflow:
		return "userflow_user_id"
	default:
		return ""
	}
}

// applyFact fills a fresh row in place. Used on the create path where a
// struct insert is simpler than a column map.
func applyFact(row *types.UnifiedCustomer, fact *types.PartialFact) {
	fetched := fact.FetchedAt
	switch fact.Source {
	case types.SourceIntercom:
		row.LastIntercomSyncAt = &fetched
		if fact.SourceID != "" {
			id := fact.SourceID
			row.IntercomContactID = &id
		}
	case types.SourceHubspot:
		row.LastHubspotSyncAt = &fetched
		if fact.SourceID != "" {
			id := fact.SourceID
			row.HubspotContactID = &id
		}
	case types.SourceCalendly:
		row.LastCalendlySyncAt = &fetched
		if fact.SourceID != "" {
			id := fact.SourceID
			row.CalendlyInviteeID = &id
		}
	case types.SourceUserflow:
		row.LastUserflowSyncAt = &fetched
		if fact.SourceID != "" {
			id := fact.SourceID
			row.UserflowUserID = &id
		}
	}

	if p := fact.Profile; p != nil {
		row.Name = p.Name
		row.CompanyName = p.CompanyName
		row.LocationCountry = p.LocationCountry
		row.LocationCity = p.LocationCity
		row.SignupDate = p.SignupDate
	}
	if r := fact.Revenue; r != nil {
		row.StripeCustomerID = r.StripeCustomerID
		row.MRR = r.MRR
		row.ARR = r.ARR
		row.LTV = r.LTV
		row.PlanName = r.PlanName
		row.SubscriptionStatus = r.SubscriptionStatus
		row.SubscriptionCount = r.SubscriptionCount
		row.IsDelinquent = r.IsDelinquent
		row.LastPaymentAmount = r.LastPaymentAmount
		row.LastPaymentDate = r.LastPaymentDate
		row.PaymentFailures90d = r.PaymentFailures90d
		row.ChurnedAt = r.ChurnedAt
	}
	if a := fact.Activity; a != nil {
		row.LastSeenAt = a.LastSeenAt
		row.LoginCount7d = a.LoginCount7d
		row.LoginCount30d = a.LoginCount30d
		row.OnboardingComplete = a.OnboardingComplete
		if len(a.FeatureUsage) > 0 {
			if raw, err := json.Marshal(a.FeatureUsage); err == nil {
				row.FeatureUsage = raw
			}
		}
	}
	if s := fact.Support; s != nil {
		row.ConvosTotal = s.ConvosTotal
		row.Convos30d = s.Convos30d
		row.CSATScore = s.CSATScore
		row.SupportSentiment = s.SupportSentiment
		row.OpenTickets = s.OpenTickets
		row.MentionedCancel = s.MentionedCancel
	}
	if sc := fact.Scheduling; sc != nil {
		row.CallsBooked = sc.CallsBooked
		row.CallsCompleted = sc.CallsCompleted
		row.CallsNoShow = sc.CallsNoShow
		row.CallsCanceled = sc.CallsCanceled
		row.ShowRate = sc.ShowRate
		row.LastCallDate = sc.LastCallDate
		row.NextCallDate = sc.NextCallDate
	}
	if cr := fact.CRM; cr != nil {
		row.AssignedAM = cr.AssignedAM
		row.AssignedAMEmail = cr.AssignedAMEmail
		row.LifecycleStage = cr.LifecycleStage
		row.DealStage = cr.DealStage
		row.DealValue = cr.DealValue
		row.DealPipeline = cr.DealPipeline
		row.DealExpectedClose = cr.DealExpectedClose
	}
}

// factFields builds the column map for the update path. Only columns the
// fact's groups own appear, so concurrent merges from other sources never
// have their writes clobbered.
func factFields(fact *types.PartialFact) (map[string]any, error) {
	fields := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if col := lastSyncColumn(fact.Source); col != "" {
		fields[col] = fact.FetchedAt
	}
	if fact.SourceID != "" {
		if col := sourceIDColumn(fact.Source); col != "" {
			fields[col] = fact.SourceID
		}
	}

	if p := fact.Profile; p != nil {
		fields["name"] = p.Name
		fields["company_name"] = p.CompanyName
		fields["location_country"] = p.LocationCountry
		fields["location_city"] = p.LocationCity
		fields["signup_date"] = p.SignupDate
	}
	if r := fact.Revenue; r != nil {
		fields["stripe_customer_id"] = r.StripeCustomerID
		fields["mrr"] = r.MRR
		fields["arr"] = r.ARR
		fields["ltv"] = r.LTV
		fields["plan_name"] = r.PlanName
		fields["subscription_status"] = r.SubscriptionStatus
		fields["subscription_count"] = r.SubscriptionCount
		fields["is_delinquent"] = r.IsDelinquent
		fields["last_payment_amount"] = r.LastPaymentAmount
		fields["last_payment_date"] = r.LastPaymentDate
		fields["payment_failures_90d"] = r.PaymentFailures90d
		fields["churned_at"] = r.ChurnedAt
	}
	if a := fact.Activity; a != nil {
		fields["last_seen_at"] = a.LastSeenAt
		fields["login_count_7d"] = a.LoginCount7d
		fields["login_count_30d"] = a.LoginCount30d
		fields["onboarding_complete"] = a.OnboardingComplete
		if len(a.FeatureUsage) > 0 {
			raw, err := json.Marshal(a.FeatureUsage)
			if err != nil {
				return nil, fmt.Errorf("marshal feature usage: %w", err)
			}
			fields["feature_usage"] = raw
		}
	}
	if s := fact.Support; s != nil {
		fields["convos_total"] = s.ConvosTotal
		fields["convos_30d"] = s.Convos30d
		fields["csat_score"] = s.CSATScore
		fields["support_sentiment"] = s.SupportSentiment
		fields["open_tickets"] = s.OpenTickets
		fields["mentioned_cancel"] = s.MentionedCancel
	}
	if sc := fact.Scheduling; sc != nil {
		fields["calls_booked"] = sc.CallsBooked
		fields["calls_completed"] = sc.CallsCompleted
		fields["calls_no_show"] = sc.CallsNoShow
		fields["calls_canceled"] = sc.CallsCanceled
		fields["show_rate"] = sc.ShowRate
		fields["last_call_date"] = sc.LastCallDate
		fields["next_call_date"] = sc.NextCallDate
	}
	if cr := fact.CRM; cr != nil {
		fields["assigned_am"] = cr.AssignedAM
		fields["assigned_am_email"] = cr.AssignedAMEmail
		fields["lifecycle_stage"] = cr.LifecycleStage
		fields["deal_stage"] = cr.DealStage
		fields["deal_value"] = cr.DealValue
		fields["deal_pipeline"] = cr.DealPipeline
		fields["deal_expected_close"] = cr.DealExpectedClose
	}

	return fields, nil
}
