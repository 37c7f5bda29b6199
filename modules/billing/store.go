package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary for the billing core. Implementations
// must guarantee a unique key on TenantID and on ExternalSubscriptionID so
// concurrent writers serialize on the subscription row.
//
// Every multi-step mutation (read-check-write plus history append) runs
// inside WithinTx; correctness relies on the storage layer's transactional
// isolation, not on in-process locks.
type Store interface {
	// GetSubscription retrieves the tenant's subscription.
	// Returns ErrSubscriptionNotFound if none exists.
	GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// FindSubscriptionByExternalID resolves by the gateway subscription ID.
	// Returns ErrSubscriptionNotFound on a miss.
	FindSubscriptionByExternalID(ctx context.Context, externalSubID string) (*Subscription, error)

	// FindSubscriptionByExternalCustomer resolves by the gateway customer ID.
	// Returns ErrSubscriptionNotFound on a miss.
	FindSubscriptionByExternalCustomer(ctx context.Context, externalCustomerID string) (*Subscription, error)

	// SaveSubscription creates or updates the subscription. This is the
	// single authoritative write path; callers mutate a full Subscription
	// value, never individual fields.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// AppendHistory writes one audit row. The row is immutable once written.
	AppendHistory(ctx context.Context, event *HistoryEvent) error

	// ListHistory returns the tenant's audit trail, newest first.
	ListHistory(ctx context.Context, tenantID uuid.UUID) ([]HistoryEvent, error)

	// CreatePendingCheckout deletes prior uncompleted records for the same
	// contact email, then inserts the new one.
	CreatePendingCheckout(ctx context.Context, pc *PendingCheckout) error

	// AttachCheckoutSession fills in the gateway session ID on the record
	// identified by its opaque token. One-time operation.
	AttachCheckoutSession(ctx context.Context, token, externalSessionID string) error

	// FindCheckoutBySession resolves a pending checkout by gateway session
	// ID. Expired records are treated as absent (read-time filtering).
	// Returns ErrCheckoutNotFound on a miss.
	FindCheckoutBySession(ctx context.Context, externalSessionID string) (*PendingCheckout, error)

	// CompleteCheckout marks the record completed with a timestamp. Must be
	// the last write in the completion transaction.
	CompleteCheckout(ctx context.Context, id uuid.UUID) error

	// WithinTx runs fn atomically. The Store passed to fn operates inside
	// the transaction; any error rolls back every write made within it.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
