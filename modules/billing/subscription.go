package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the stored state of a subscription.
type Status string

const (
	StatusPending  Status = "pending" // awaiting first payment or manual activation
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// allowedTransitions encodes the legal status changes. Expiry is a derived
// read-time view and never appears here: a row keeps StatusActive until the
// next write touches it.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusActive, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusCanceled: {StatusActive}, // user-initiated reactivation only
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is the authoritative one-per-tenant billing record. It is
// mutated only through the reconciliation engine and the command service,
// both of which go through Store.SaveSubscription inside a transaction.
type Subscription struct {
	TenantID               uuid.UUID // unique key, one subscription per tenant
	PlanID                 string
	Status                 Status
	ExternalCustomerID     string // gateway customer (cus_xxx), empty until known
	ExternalSubscriptionID string // gateway subscription (sub_xxx), never reused across tenants
	StartedAt              time.Time
	ExpiresAt              *time.Time // nil means non-expiring
	RenewedAt              *time.Time
	CanceledAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ChangeStatus applies a status transition, returning ErrInvalidTransition
// for moves the state machine does not allow. Timestamps that belong to the
// transition are maintained here so all writers stay consistent.
func (s *Subscription) ChangeStatus(to Status, now time.Time) error {
	if s.Status == to {
		return nil
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	from := s.Status
	s.Status = to
	s.UpdatedAt = now

	switch to {
	case StatusCanceled:
		t := now
		s.CanceledAt = &t
	case StatusActive:
		if from == StatusPastDue {
			t := now
			s.RenewedAt = &t
		}
		if from == StatusCanceled {
			s.CanceledAt = nil
		}
	}
	return nil
}

// IsExpired reports whether an active subscription has passed its period
// boundary. The stored status stays ACTIVE; readers must treat the row as
// logically expired.
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.Status == StatusActive && s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// IsValid is the single access-control predicate: active and not past the
// period boundary.
func (s *Subscription) IsValid(now time.Time) bool {
	return s.Status == StatusActive && (s.ExpiresAt == nil || s.ExpiresAt.After(now))
}

// EffectiveStatus returns the status a reader should present, mapping the
// derived expiry view onto StatusExpired.
func (s *Subscription) EffectiveStatus(now time.Time) Status {
	if s.IsExpired(now) {
		return StatusExpired
	}
	return s.Status
}
