package billing

import "time"

// Resource represents a countable tenant resource type constrained by a plan.
type Resource string

const (
	ResourceJobPostings Resource = "job_postings"
	ResourceSeats       Resource = "seats"
	ResourceCandidates  Resource = "candidates"
	ResourceInterviews  Resource = "interviews"
)

// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Feature represents a plan-specific capability.
type Feature string

const (
	FeatureAnalytics       Feature = "analytics"
	FeatureAPI             Feature = "api"
	FeatureCustomBranding  Feature = "custom_branding"
	FeaturePrioritySupport Feature = "priority_support"
)

// Money represents a monetary amount in the smallest currency unit.
// $49.00 USD is Amount: 4900, Currency: "USD".
type Money struct {
	Amount   int64
	Currency string
}

// Plan is an immutable catalog entry. ExternalPriceID links the plan to the
// gateway's price object; an empty value means the plan has no gateway
// counterpart and can only be activated directly. PeriodDays of zero means
// the subscription never expires.
type Plan struct {
	ID              string
	Name            string
	Level           int // explicit upgrade ordering, higher is bigger
	Price           Money
	ExternalPriceID string
	PeriodDays      int
	Limits          map[Resource]int64
	Features        []Feature
}

// IsPriced reports whether the plan is billed through the gateway.
func (p Plan) IsPriced() bool {
	return p.ExternalPriceID != ""
}

// ExpiryFrom computes the period boundary for a subscription starting at the
// given instant. Non-expiring plans return nil.
func (p Plan) ExpiryFrom(start time.Time) *time.Time {
	if p.PeriodDays <= 0 {
		return nil
	}
	expiry := start.AddDate(0, 0, p.PeriodDays).UTC()
	return &expiry
}
