package adapters

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/listkit/gtm-backend/internal/clients/calendly"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// CalendlyAdapter owns the scheduling group. Events are walked per page and
// each event's invitees attributed by email; show rate covers past events
// only.
type CalendlyAdapter struct {
	client calendly.Client
	log    *logger.Logger
}

func NewCalendlyAdapter(client calendly.Client, baseLog *logger.Logger) *CalendlyAdapter {
	return &CalendlyAdapter{
		client: client,
		log:    baseLog.With("adapter", types.SourceCalendly),
	}
}

func (a *CalendlyAdapter) Name() string { return types.SourceCalendly }

type schedulingAgg struct {
	facts      types.SchedulingFacts
	inviteeID  string
	pastBooked int
}

func (a *CalendlyAdapter) Fetch(ctx context.Context, since *time.Time, emit EmitFunc) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	org, err := a.client.CurrentOrganization(ctx)
	if err != nil {
		return stats, err
	}

	byEmail := map[string]*schedulingAgg{}

	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := a.client.ListEvents(ctx, org, pageToken, since)
		if err != nil {
			return stats, err
		}

		for _, event := range page.Events {
			if err := a.foldEvent(ctx, event, now, byEmail, &stats); err != nil {
				return stats, err
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	for email, agg := range byEmail {
		if agg.pastBooked > 0 {
			rate := math.Round(float64(agg.facts.CallsCompleted)/float64(agg.pastBooked)*1000) / 10
			agg.facts.ShowRate = &rate
		}
		fact := &types.PartialFact{
			Email:      email,
			Source:     types.SourceCalendly,
			SourceID:   agg.inviteeID,
			FetchedAt:  now,
			Scheduling: &agg.facts,
		}
		if err := emit(ctx, fact); err != nil {
			return stats, err
		}
	}

	return stats, checkNotAllSkipped(types.SourceCalendly, stats)
}

func (a *CalendlyAdapter) foldEvent(ctx context.Context, event calendly.Event, now time.Time, byEmail map[string]*schedulingAgg, stats *Stats) error {
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := a.client.ListInvitees(ctx, event.UUID(), pageToken)
		if err != nil {
			return err
		}

		for _, invitee := range page.Invitees {
			stats.Fetched++
			email := strings.TrimSpace(strings.ToLower(invitee.Email))
			if email == "" {
				stats.Skipped++
				continue
			}

			agg, ok := byEmail[email]
			if !ok {
				agg = &schedulingAgg{inviteeID: invitee.UUID()}
				byEmail[email] = agg
			}

			agg.facts.CallsBooked++
			start := event.StartTime.UTC()

			switch {
			case invitee.Status == "canceled" || event.Status == "canceled":
				agg.facts.CallsCanceled++
			case start.After(now):
				if agg.facts.NextCallDate == nil || start.Before(*agg.facts.NextCallDate) {
					next := start
					agg.facts.NextCallDate = &next
				}
			case invitee.NoShow != nil:
				agg.facts.CallsNoShow++
				agg.pastBooked++
			default:
				agg.facts.CallsCompleted++
				agg.pastBooked++
				if agg.facts.LastCallDate == nil || start.After(*agg.facts.LastCallDate) {
					last := start
					agg.facts.LastCallDate = &last
				}
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}
