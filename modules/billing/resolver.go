package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// errResolverNotApplicable signals that a resolver strategy cannot locate a
// subscription for this event; the chain moves on to the next strategy.
var errResolverNotApplicable = errors.New("billing: resolver not applicable")

// subscriptionResolver is one strategy in the ordered identity-bridging
// chain for subscription-created events. Making the chain an explicit list
// keeps the precedence auditable and each strategy independently testable.
type subscriptionResolver struct {
	name    string
	resolve func(ctx context.Context, store Store, ev SubscriptionCreated) (*Subscription, error)
}

// creationResolvers is evaluated in order: the gateway subscription ID
// catches replays of events already applied, the gateway customer ID is the
// common path, and the customer-metadata tenant ID covers customers created
// before this service learned their gateway identifiers.
var creationResolvers = []subscriptionResolver{
	{
		name: "external_subscription_id",
		resolve: func(ctx context.Context, store Store, ev SubscriptionCreated) (*Subscription, error) {
			if ev.SubscriptionID == "" {
				return nil, errResolverNotApplicable
			}
			sub, err := store.FindSubscriptionByExternalID(ctx, ev.SubscriptionID)
			if errors.Is(err, ErrSubscriptionNotFound) {
				return nil, errResolverNotApplicable
			}
			return sub, err
		},
	},
	{
		name: "external_customer_id",
		resolve: func(ctx context.Context, store Store, ev SubscriptionCreated) (*Subscription, error) {
			if ev.CustomerID == "" {
				return nil, errResolverNotApplicable
			}
			sub, err := store.FindSubscriptionByExternalCustomer(ctx, ev.CustomerID)
			if errors.Is(err, ErrSubscriptionNotFound) {
				return nil, errResolverNotApplicable
			}
			return sub, err
		},
	},
	{
		name: "customer_metadata_tenant_id",
		resolve: func(ctx context.Context, store Store, ev SubscriptionCreated) (*Subscription, error) {
			if ev.TenantMetadata == "" {
				return nil, errResolverNotApplicable
			}
			tenantID, err := uuid.Parse(ev.TenantMetadata)
			if err != nil {
				return nil, errResolverNotApplicable
			}
			sub, err := store.GetSubscription(ctx, tenantID)
			if errors.Is(err, ErrSubscriptionNotFound) {
				return nil, errResolverNotApplicable
			}
			return sub, err
		},
	},
}

// resolveForCreation walks the chain and returns the resolved subscription
// together with the name of the strategy that matched. A full miss returns
// ErrSubscriptionNotFound; infrastructure errors pass through unchanged.
func resolveForCreation(ctx context.Context, store Store, ev SubscriptionCreated) (*Subscription, string, error) {
	for _, r := range creationResolvers {
		sub, err := r.resolve(ctx, store, ev)
		if errors.Is(err, errResolverNotApplicable) {
			continue
		}
		if err != nil {
			return nil, r.name, err
		}
		return sub, r.name, nil
	}
	return nil, "", ErrSubscriptionNotFound
}
