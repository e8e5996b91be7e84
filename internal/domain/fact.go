package domain

import "time"

// Source names. One adapter per source; each source owns a fixed set of
// field groups on UnifiedCustomer.
const (
	SourceIntercom = "intercom"
	SourceHubspot  = "hubspot"
	SourceCalendly = "calendly"
	SourceUserflow = "userflow"
)

// Field group names.
const (
	GroupProfile    = "profile"
	GroupRevenue    = "revenue"
	GroupActivity   = "activity"
	GroupSupport    = "support"
	GroupScheduling = "scheduling"
	GroupCRM        = "crm"
	GroupDerived    = "derived"
)

// PartialFact is one source's normalized view of one customer. Only the
// group pointers the source owns may be set; the unification engine writes
// exactly the non-nil groups and nothing else. Monetary amounts are in
// whole currency units, timestamps in UTC.
type PartialFact struct {
	Email     string
	Source    string
	SourceID  string
	FetchedAt time.Time

	Profile    *ProfileFacts
	Revenue    *RevenueFacts
	Activity   *ActivityFacts
	Support    *SupportFacts
	Scheduling *SchedulingFacts
	CRM        *CRMFacts
}

// Groups lists the field groups this fact carries.
func (f *PartialFact) Groups() []string {
	var out []string
	if f.Profile != nil {
		out = append(out, GroupProfile)
	}
	if f.Revenue != nil {
		out = append(out, GroupRevenue)
	}
	if f.Activity != nil {
		out = append(out, GroupActivity)
	}
	if f.Support != nil {
		out = append(out, GroupSupport)
	}
	if f.Scheduling != nil {
		out = append(out, GroupScheduling)
	}
	if f.CRM != nil {
		out = append(out, GroupCRM)
	}
	return out
}

type ProfileFacts struct {
	Name            *string
	CompanyName     *string
	LocationCountry *string
	LocationCity    *string
	SignupDate      *time.Time
}

type RevenueFacts struct {
	StripeCustomerID   *string
	MRR                *float64
	ARR                *float64
	LTV                *float64
	PlanName           *string
	SubscriptionStatus *string
	SubscriptionCount  int
	IsDelinquent       bool
	LastPaymentAmount  *float64
	LastPaymentDate    *time.Time
	PaymentFailures90d int
	ChurnedAt          *time.Time
}

type ActivityFacts struct {
	LastSeenAt         *time.Time
	LoginCount7d       int
	LoginCount30d      int
	OnboardingComplete bool
	// FeatureUsage maps feature key to use count in the window.
	FeatureUsage map[string]int
}

type SupportFacts struct {
	ConvosTotal      int
	Convos30d        int
	CSATScore        *float64
	SupportSentiment *string
	OpenTickets      int
	MentionedCancel  bool
}

type SchedulingFacts struct {
	CallsBooked    int
	CallsCompleted int
	CallsNoShow    int
	CallsCanceled  int
	ShowRate       *float64
	LastCallDate   *time.Time
	NextCallDate   *time.Time
}

type CRMFacts struct {
	AssignedAM        *string
	AssignedAMEmail   *string
	LifecycleStage    *string
	DealStage         *string
	DealValue         *float64
	DealPipeline      *string
	DealExpectedClose *time.Time
}
