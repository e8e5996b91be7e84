package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/listkit/gtm-backend/internal/clients/userflow"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// featurePrefix marks userflow attributes that carry per-feature usage
// counters, e.g. feature_lists_used -> lists.
const featurePrefix = "feature_"

// UserflowAdapter owns the activity group: recency, login counts,
// onboarding progress, and feature usage. Userflow has no changed-since
// filter, so every pass walks the full user list.
type UserflowAdapter struct {
	client userflow.Client
	log    *logger.Logger
}

func NewUserflowAdapter(client userflow.Client, baseLog *logger.Logger) *UserflowAdapter {
	return &UserflowAdapter{
		client: client,
		log:    baseLog.With("adapter", types.SourceUserflow),
	}
}

func (a *UserflowAdapter) Name() string { return types.SourceUserflow }

func (a *UserflowAdapter) Fetch(ctx context.Context, _ *time.Time, emit EmitFunc) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	startingAfter := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := a.client.ListUsers(ctx, startingAfter)
		if err != nil {
			return stats, err
		}

		for _, user := range page.Users {
			stats.Fetched++
			email := strings.TrimSpace(strings.ToLower(user.Email()))
			if email == "" {
				stats.Skipped++
				continue
			}

			activity := &types.ActivityFacts{
				LoginCount7d:       user.AttrInt("login_count_7d"),
				LoginCount30d:      user.AttrInt("login_count_30d"),
				OnboardingComplete: user.AttrBool("onboarding_complete"),
			}
			if user.LastSeenAt != nil {
				seen := user.LastSeenAt.UTC()
				activity.LastSeenAt = &seen
			}

			usage := map[string]int{}
			for key := range user.Attributes {
				if !strings.HasPrefix(key, featurePrefix) {
					continue
				}
				if n := user.AttrInt(key); n > 0 {
					usage[strings.TrimPrefix(key, featurePrefix)] = n
				}
			}
			if len(usage) > 0 {
				activity.FeatureUsage = usage
			}

			fact := &types.PartialFact{
				Email:     email,
				Source:    types.SourceUserflow,
				SourceID:  user.ID,
				FetchedAt: now,
				Activity:  activity,
			}
			if err := emit(ctx, fact); err != nil {
				return stats, err
			}
		}

		if !page.HasMore || page.NextStarting == "" {
			break
		}
		startingAfter = page.NextStarting
	}

	return stats, checkNotAllSkipped(types.SourceUserflow, stats)
}
