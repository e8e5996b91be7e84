package adapters

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/listkit/gtm-backend/internal/clients/hubspot"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// HubspotAdapter owns the crm group: account manager assignment, lifecycle
// stage, and the most recent associated deal.
type HubspotAdapter struct {
	client hubspot.Client
	log    *logger.Logger
}

func NewHubspotAdapter(client hubspot.Client, baseLog *logger.Logger) *HubspotAdapter {
	return &HubspotAdapter{
		client: client,
		log:    baseLog.With("adapter", types.SourceHubspot),
	}
}

func (a *HubspotAdapter) Name() string { return types.SourceHubspot }

func (a *HubspotAdapter) Fetch(ctx context.Context, since *time.Time, emit EmitFunc) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	owners, err := a.client.ListOwners(ctx)
	if err != nil {
		return stats, err
	}
	ownerByID := make(map[string]hubspot.Owner, len(owners))
	for _, o := range owners {
		ownerByID[o.ID] = o
	}

	// First pass: contacts. Keep id -> (email, crm fact) so the deal pass
	// can attach deal fields before anything is emitted.
	type pending struct {
		email    string
		sourceID string
		crm      *types.CRMFacts
	}
	byContactID := map[string]*pending{}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := a.client.ListContacts(ctx, after, since)
		if err != nil {
			return stats, err
		}

		for _, contact := range page.Contacts {
			stats.Fetched++
			email := strings.TrimSpace(strings.ToLower(contact.Properties["email"]))
			if email == "" {
				stats.Skipped++
				continue
			}

			crm := &types.CRMFacts{}
			if stage := contact.Properties["lifecyclestage"]; stage != "" {
				s := stage
				crm.LifecycleStage = &s
			}
			if ownerID := contact.Properties["hubspot_owner_id"]; ownerID != "" {
				if owner, ok := ownerByID[ownerID]; ok {
					name := owner.FullName()
					if name != "" {
						crm.AssignedAM = &name
					}
					if owner.Email != "" {
						am := owner.Email
						crm.AssignedAMEmail = &am
					}
				} else {
					stats.Unmatched++
				}
			}

			byContactID[contact.ID] = &pending{email: email, sourceID: contact.ID, crm: crm}
		}

		if page.After == "" {
			break
		}
		after = page.After
	}

	// Second pass: deals, joined to contacts via associations. A contact's
	// highest-value open deal wins.
	after = ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := a.client.ListDeals(ctx, after, since)
		if err != nil {
			return stats, err
		}

		for _, deal := range page.Deals {
			matched := false
			for _, contactID := range deal.ContactIDs() {
				p, ok := byContactID[contactID]
				if !ok {
					continue
				}
				matched = true
				applyDeal(p.crm, deal)
			}
			if !matched && len(deal.ContactIDs()) > 0 {
				stats.Unmatched++
			}
		}

		if page.After == "" {
			break
		}
		after = page.After
	}

	for _, p := range byContactID {
		fact := &types.PartialFact{
			Email:     p.email,
			Source:    types.SourceHubspot,
			SourceID:  p.sourceID,
			FetchedAt: now,
			CRM:       p.crm,
		}
		if err := emit(ctx, fact); err != nil {
			return stats, err
		}
	}

	return stats, checkNotAllSkipped(types.SourceHubspot, stats)
}

func applyDeal(crm *types.CRMFacts, deal hubspot.Deal) {
	amount, _ := strconv.ParseFloat(deal.Properties["amount"], 64)
	if crm.DealValue != nil && *crm.DealValue >= amount {
		return
	}

	if stage := deal.Properties["dealstage"]; stage != "" {
		s := stage
		crm.DealStage = &s
	}
	if pipeline := deal.Properties["pipeline"]; pipeline != "" {
		p := pipeline
		crm.DealPipeline = &p
	}
	if amount > 0 {
		crm.DealValue = &amount
	}
	if closeDate := deal.Properties["closedate"]; closeDate != "" {
		if t, err := time.Parse(time.RFC3339, closeDate); err == nil {
			utc := t.UTC()
			crm.DealExpectedClose = &utc
		}
	}
}
