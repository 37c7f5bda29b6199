package billing

import (
	"time"

	"github.com/google/uuid"
)

// HistoryAction identifies the kind of subscription change recorded.
type HistoryAction string

const (
	ActionCreated       HistoryAction = "CREATED"
	ActionUpgraded      HistoryAction = "UPGRADED"
	ActionDowngraded    HistoryAction = "DOWNGRADED"
	ActionRenewed       HistoryAction = "RENEWED"
	ActionCanceled      HistoryAction = "CANCELED"
	ActionReactivated   HistoryAction = "REACTIVATED"
	ActionExpired       HistoryAction = "EXPIRED"
	ActionPaymentFailed HistoryAction = "PAYMENT_FAILED"
)

// Actor identifies who triggered a subscription change.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
	ActorStripe Actor = "stripe"
)

// HistoryEvent is one row of the append-only audit trail. Rows are written
// in the same transaction as the subscription change they describe and are
// never mutated or deleted.
type HistoryEvent struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Action        HistoryAction
	PrevPlanName  string
	PrevPlanPrice Money
	NewPlanName   string
	NewPlanPrice  Money
	Reason        string
	Actor         Actor
	CreatedAt     time.Time
}

// newHistoryEvent snapshots the plan names and prices at transition time so
// the audit trail survives later catalog changes.
func newHistoryEvent(tenantID uuid.UUID, action HistoryAction, prev, next Plan, reason string, actor Actor, now time.Time) *HistoryEvent {
	return &HistoryEvent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Action:        action,
		PrevPlanName:  prev.Name,
		PrevPlanPrice: prev.Price,
		NewPlanName:   next.Name,
		NewPlanPrice:  next.Price,
		Reason:        reason,
		Actor:         actor,
		CreatedAt:     now,
	}
}

// actionForStatusChange maps a reconciled status flip onto the audit action
// the trail records for it.
func actionForStatusChange(from, to Status) HistoryAction {
	switch to {
	case StatusCanceled:
		return ActionCanceled
	case StatusPastDue:
		return ActionPaymentFailed
	case StatusActive:
		switch from {
		case StatusPastDue:
			return ActionRenewed
		case StatusCanceled:
			return ActionReactivated
		default:
			return ActionCreated
		}
	default:
		return ActionCreated
	}
}
