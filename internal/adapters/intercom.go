package adapters

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/listkit/gtm-backend/internal/clients/intercom"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// cancelKeywords flag a conversation as cancellation risk when any appears
// in the opening message.
var cancelKeywords = []string{
	"cancel",
	"cancellation",
	"refund",
	"downgrade",
	"switch to",
	"competitor",
	"unsubscribe",
	"terminate",
	"end my subscription",
	"close my account",
}

var negativeKeywords = []string{
	"frustrated", "frustrating", "disappointed", "angry", "terrible",
	"awful", "useless", "broken", "not working", "waste of money",
}

var positiveKeywords = []string{
	"love", "great", "awesome", "amazing", "fantastic", "thank you",
}

// IntercomAdapter owns the profile, support, and revenue groups. Revenue
// rides along as Stripe billing custom attributes on the contact.
type IntercomAdapter struct {
	client intercom.Client
	log    *logger.Logger
}

func NewIntercomAdapter(client intercom.Client, baseLog *logger.Logger) *IntercomAdapter {
	return &IntercomAdapter{
		client: client,
		log:    baseLog.With("adapter", types.SourceIntercom),
	}
}

func (a *IntercomAdapter) Name() string { return types.SourceIntercom }

func (a *IntercomAdapter) Fetch(ctx context.Context, since *time.Time, emit EmitFunc) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	startingAfter := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := a.client.ListContacts(ctx, startingAfter, since)
		if err != nil {
			return stats, err
		}

		for _, contact := range page.Contacts {
			stats.Fetched++
			fact, ok := contactFact(contact, now)
			if !ok {
				stats.Skipped++
				continue
			}

			// The support group always covers the contact's whole history.
			// Aggregating only a since-window would shrink counts and clear
			// a previously observed cancel mention on incremental passes.
			support, err := a.supportFacts(ctx, contact.ID, now)
			if err != nil {
				if ctx.Err() != nil {
					return stats, err
				}
				a.log.Warn("conversation history fetch failed, leaving support group untouched",
					"contact_id", contact.ID, "error", err)
			} else {
				fact.Support = support
			}

			if err := emit(ctx, fact); err != nil {
				return stats, err
			}
		}

		if page.NextStarting == "" {
			break
		}
		startingAfter = page.NextStarting
	}

	return stats, checkNotAllSkipped(types.SourceIntercom, stats)
}

// supportAgg accumulates one customer's conversations during a pass.
type supportAgg struct {
	facts     types.SupportFacts
	csatSum   float64
	csatCount int
	sentiment int
}

func (s *supportAgg) fold(convo intercom.Conversation, now time.Time) {
	s.facts.ConvosTotal++
	created := time.Unix(convo.CreatedAt, 0).UTC()
	if now.Sub(created) <= 30*24*time.Hour {
		s.facts.Convos30d++
	}
	if convo.State == "open" || convo.State == "snoozed" {
		s.facts.OpenTickets++
	}

	body := strings.ToLower(convo.Source.Body)
	for _, kw := range cancelKeywords {
		if strings.Contains(body, kw) {
			s.facts.MentionedCancel = true
			break
		}
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(body, kw) {
			s.sentiment--
			break
		}
	}
	for _, kw := range positiveKeywords {
		if strings.Contains(body, kw) {
			s.sentiment++
			break
		}
	}

	if convo.Rating != nil && convo.Rating.Rating > 0 {
		s.csatSum += float64(convo.Rating.Rating)
		s.csatCount++
	}
}

func (s *supportAgg) finish() *types.SupportFacts {
	if s.csatCount > 0 {
		avg := s.csatSum / float64(s.csatCount)
		s.facts.CSATScore = &avg
	}
	sentiment := "neutral"
	if s.sentiment > 0 {
		sentiment = "positive"
	} else if s.sentiment < 0 {
		sentiment = "negative"
	}
	s.facts.SupportSentiment = &sentiment
	return &s.facts
}

// supportFacts recomputes the support aggregates from the contact's full
// conversation history.
func (a *IntercomAdapter) supportFacts(ctx context.Context, contactID string, now time.Time) (*types.SupportFacts, error) {
	agg := &supportAgg{}

	startingAfter := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := a.client.ListContactConversations(ctx, contactID, startingAfter)
		if err != nil {
			return nil, err
		}
		for _, convo := range page.Conversations {
			agg.fold(convo, now)
		}

		if page.NextStarting == "" {
			break
		}
		startingAfter = page.NextStarting
	}

	return agg.finish(), nil
}

func contactFact(contact intercom.Contact, now time.Time) (*types.PartialFact, bool) {
	email := strings.TrimSpace(strings.ToLower(contact.Email))
	if email == "" {
		return nil, false
	}

	profile := &types.ProfileFacts{}
	if contact.Name != "" {
		name := contact.Name
		profile.Name = &name
	}
	if len(contact.Companies.Data) > 0 && contact.Companies.Data[0].Name != "" {
		company := contact.Companies.Data[0].Name
		profile.CompanyName = &company
	}
	if contact.Location.Country != "" {
		country := contact.Location.Country
		profile.LocationCountry = &country
	}
	if contact.Location.City != "" {
		city := contact.Location.City
		profile.LocationCity = &city
	}
	if contact.SignedUpAt != nil {
		signup := time.Unix(*contact.SignedUpAt, 0).UTC()
		profile.SignupDate = &signup
	}

	fact := &types.PartialFact{
		Email:     email,
		Source:    types.SourceIntercom,
		SourceID:  contact.ID,
		FetchedAt: now,
		Profile:   profile,
	}

	if revenue := revenueFacts(contact.CustomAttributes); revenue != nil {
		fact.Revenue = revenue
	}

	return fact, true
}

// stripeSubscription and stripePayment are the known sub-shapes of the
// contact's Stripe list attributes. Entries that do not decode to these
// shapes are ignored at the boundary instead of leaking into scoring.
type stripeSubscription struct {
	Status   string
	Price    float64
	Interval string
}

type stripePayment struct {
	Status string
	Amount float64
}

func stripeSubscriptions(attrs map[string]any) []stripeSubscription {
	list, ok := attrs["Stripe Subscriptions"].([]any)
	if !ok {
		return nil
	}
	var out []stripeSubscription
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sub := stripeSubscription{Interval: "month"}
		sub.Status, _ = attrString(entry, "status")
		if v, ok := attrFloat(entry, "price"); ok {
			sub.Price = v
		}
		if v, ok := attrString(entry, "interval"); ok {
			sub.Interval = v
		}
		out = append(out, sub)
	}
	return out
}

func stripePayments(attrs map[string]any) []stripePayment {
	list, ok := attrs["Stripe Payments"].([]any)
	if !ok {
		return nil
	}
	var out []stripePayment
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := stripePayment{}
		p.Status, _ = attrString(entry, "status")
		if v, ok := attrFloat(entry, "amount"); ok {
			p.Amount = v
		}
		out = append(out, p)
	}
	return out
}

// revenueFacts derives the billing snapshot from the contact's Stripe
// custom attributes. MRR comes from summing the active entries of the
// Stripe Subscriptions list (annual prices divided by 12), with the plan
// price and then a flat mrr attribute as fallbacks; LTV from succeeded
// Stripe Payments in cents. Returns nil when the contact carries no
// billing data at all, so non-paying contacts never clobber the revenue
// group.
func revenueFacts(attrs map[string]any) *types.RevenueFacts {
	if len(attrs) == 0 {
		return nil
	}

	r := &types.RevenueFacts{}
	found := false

	status, hasStatus := attrString(attrs, "stripe_subscription_status")
	if !hasStatus {
		status, hasStatus = attrString(attrs, "subscription_status")
	}

	var mrr float64
	subCount := 0
	for _, sub := range stripeSubscriptions(attrs) {
		if sub.Status != "active" {
			continue
		}
		subCount++
		switch strings.ToLower(sub.Interval) {
		case "year", "yearly", "annual", "annually":
			mrr += sub.Price / 12
		default:
			mrr += sub.Price
		}
	}
	if mrr == 0 && status == "active" {
		if v, ok := attrFloat(attrs, "stripe_plan_price"); ok && v > 0 {
			mrr = normalizeAmount(v)
			if subCount == 0 {
				subCount = 1
			}
		}
	}
	if mrr == 0 {
		interval, _ := attrString(attrs, "billing_interval")
		if v, ok := attrFloat(attrs, "mrr"); ok {
			mrr = monthlyAmount(v, interval)
		}
	}
	if mrr > 0 || subCount > 0 {
		m := math.Round(mrr*100) / 100
		r.MRR = &m
		arr := math.Round(mrr*12*100) / 100
		r.ARR = &arr
		r.SubscriptionCount = subCount
		found = true
	}

	var ltv float64
	for _, p := range stripePayments(attrs) {
		if p.Status == "succeeded" {
			ltv += p.Amount / 100
		}
	}
	if ltv == 0 {
		if v, ok := attrFloat(attrs, "ltv"); ok {
			ltv = normalizeAmount(v)
		}
	}
	if ltv > 0 {
		l := math.Round(ltv*100) / 100
		r.LTV = &l
		found = true
	}

	if v, ok := attrString(attrs, "stripe_id"); ok {
		r.StripeCustomerID = &v
		found = true
	} else if v, ok := attrString(attrs, "stripe_customer_id"); ok {
		r.StripeCustomerID = &v
		found = true
	}
	if v, ok := attrString(attrs, "stripe_plan"); ok {
		r.PlanName = &v
		found = true
	} else if v, ok := attrString(attrs, "plan_name"); ok {
		r.PlanName = &v
		found = true
	}
	if hasStatus {
		r.SubscriptionStatus = &status
		found = true
	}
	if v, ok := attrFloat(attrs, "subscription_count"); ok && r.SubscriptionCount == 0 {
		r.SubscriptionCount = int(v)
		found = true
	}
	if v, ok := attrs["stripe_delinquent"].(bool); ok {
		r.IsDelinquent = v
		found = true
	} else if v, ok := attrs["is_delinquent"].(bool); ok {
		r.IsDelinquent = v
		found = true
	}
	if v, ok := attrFloat(attrs, "payment_failures_90d"); ok {
		r.PaymentFailures90d = int(v)
		found = true
	}
	if v, ok := attrFloat(attrs, "stripe_last_charge_amount"); ok {
		amount := normalizeAmount(v)
		r.LastPaymentAmount = &amount
		found = true
	} else if v, ok := attrFloat(attrs, "last_payment_amount"); ok {
		amount := normalizeAmount(v)
		r.LastPaymentAmount = &amount
		found = true
	}
	if v, ok := attrFloat(attrs, "last_payment_at"); ok {
		at := time.Unix(int64(v), 0).UTC()
		r.LastPaymentDate = &at
		found = true
	}
	if v, ok := attrFloat(attrs, "churned_at"); ok {
		at := time.Unix(int64(v), 0).UTC()
		r.ChurnedAt = &at
		found = true
	}

	if !found {
		return nil
	}
	return r
}

// monthlyAmount converts a billing amount to monthly whole currency units.
// Stripe exports integer cents; anything over 1000 that has no fractional
// part is treated as cents. Annual plans divide by 12.
func monthlyAmount(amount float64, interval string) float64 {
	amount = normalizeAmount(amount)
	switch strings.ToLower(interval) {
	case "year", "yearly", "annual", "annually":
		amount /= 12
	}
	return math.Round(amount*100) / 100
}

func normalizeAmount(amount float64) float64 {
	if amount > 1000 && amount == math.Trunc(amount) {
		return amount / 100
	}
	return amount
}

func attrString(attrs map[string]any, key string) (string, bool) {
	v, ok := attrs[key].(string)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
