package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Reconciler folds gateway webhook events into the authoritative
// subscription state. Delivery is at-least-once and unordered, so every
// handler is idempotent: replays and stale events converge on the same
// stored state instead of failing. Events that reference nothing this
// service tracks are deliberate no-ops.
//
// Each event is applied in a single store transaction. Notifications are
// accumulated in an outbox and dispatched only after commit, so a rollback
// never leaks an email.
type Reconciler struct {
	store       Store
	catalog     *Catalog
	gateway     PaymentGateway
	provisioner TenantProvisioner
	notifier    Notifier
	cache       *ValidationCache
	log         *slog.Logger
}

// Option configures the optional collaborators shared by the reconciler
// and the command service: notification sink, validation cache, logger.
type Option func(*options)

type options struct {
	notifier Notifier
	cache    *ValidationCache
	log      *slog.Logger
}

// WithNotifier sets the post-commit notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithValidationCache sets the cache invalidated after subscription writes.
func WithValidationCache(c *ValidationCache) Option {
	return func(o *options) { o.cache = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewReconciler wires the reconciliation engine. Store, catalog, gateway
// and provisioner are required; the constructor panics on nil because the
// engine cannot run degraded.
func NewReconciler(store Store, catalog *Catalog, gateway PaymentGateway, provisioner TenantProvisioner, opts ...Option) *Reconciler {
	if store == nil {
		panic("billing: reconciler requires a store")
	}
	if catalog == nil {
		panic("billing: reconciler requires a catalog")
	}
	if gateway == nil {
		panic("billing: reconciler requires a payment gateway")
	}
	if provisioner == nil {
		panic("billing: reconciler requires a tenant provisioner")
	}

	o := applyOptions(opts)
	return &Reconciler{
		store:       store,
		catalog:     catalog,
		gateway:     gateway,
		provisioner: provisioner,
		notifier:    o.notifier,
		cache:       o.cache,
		log:         o.log,
	}
}

// HandleWebhook verifies the raw payload and applies the parsed event.
// Signature failures surface as ErrWebhookSignature before any domain
// logic runs.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := r.gateway.VerifyAndParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	return r.Apply(ctx, event)
}

// Apply reconciles one event. A nil return means the stored state now
// reflects the event (possibly because it already did); a non-nil return
// means nothing was written and the same event can be retried safely.
func (r *Reconciler) Apply(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case CheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, ev)
	case SubscriptionCreated:
		return r.applySubscriptionCreated(ctx, ev)
	case SubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, ev)
	case SubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ev)
	case InvoicePaymentSucceeded:
		return r.applyInvoiceSucceeded(ctx, ev)
	case InvoicePaymentFailed:
		return r.applyInvoiceFailed(ctx, ev)
	case UnknownEvent:
		r.log.DebugContext(ctx, "ignoring unhandled gateway event", "type", ev.Type)
		return nil
	default:
		return fmt.Errorf("billing: unexpected event %T", event)
	}
}

// applyCheckoutCompleted finishes a paid signup: it provisions the tenant,
// activates the subscription and marks the pending checkout completed, all
// in one transaction. Replays find the checkout already completed (or
// absent) and do nothing.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	now := time.Now().UTC()
	var (
		outbox   []Notification
		tenantID uuid.UUID
	)

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		pc, err := tx.FindCheckoutBySession(ctx, ev.SessionID)
		if errors.Is(err, ErrCheckoutNotFound) {
			// Replayed delivery, expired checkout, or an upgrade checkout
			// for an existing tenant; subscription.created covers the latter.
			r.log.DebugContext(ctx, "no pending checkout for session", "session_id", ev.SessionID)
			return nil
		}
		if err != nil {
			return err
		}
		if pc.Completed {
			return nil
		}

		plan, err := r.catalog.Get(pc.PlanID)
		if err != nil {
			return err
		}

		provisioned, err := r.provisioner.Provision(ctx, ProvisionRequest{
			ContactEmail:  pc.ContactEmail,
			ContactName:   pc.ContactName,
			CompanyName:   pc.CompanyName,
			CompanyDomain: pc.CompanyDomain,
			PlanID:        pc.PlanID,
		})
		if err != nil {
			return fmt.Errorf("provision tenant for checkout %s: %w", pc.ID, err)
		}
		tenantID = provisioned.TenantID

		sub, err := tx.GetSubscription(ctx, provisioned.TenantID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			sub = &Subscription{
				TenantID:  provisioned.TenantID,
				StartedAt: now,
				CreatedAt: now,
			}
		case err != nil:
			return err
		}

		prevPlan := r.planSnapshot(ctx, sub.PlanID) // zero value for a fresh subscription

		sub.PlanID = plan.ID
		sub.Status = StatusActive
		sub.ExpiresAt = plan.ExpiryFrom(now)
		sub.UpdatedAt = now
		if ev.CustomerID != "" {
			sub.ExternalCustomerID = ev.CustomerID
		} else if pc.ExternalCustomerID != "" {
			sub.ExternalCustomerID = pc.ExternalCustomerID
		}
		if ev.SubscriptionID != "" {
			sub.ExternalSubscriptionID = ev.SubscriptionID
		}

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, newHistoryEvent(sub.TenantID, ActionCreated, prevPlan, plan, "checkout completed", ActorStripe, now)); err != nil {
			return err
		}
		// Last write: if anything above fails the checkout stays open and
		// the gateway's redelivery gets a clean retry.
		if err := tx.CompleteCheckout(ctx, pc.ID); err != nil {
			return err
		}

		outbox = append(outbox, Notification{
			Kind:         NotifyWelcome,
			Recipient:    pc.ContactEmail,
			PlanName:     plan.Name,
			TempPassword: provisioned.TempPassword,
		})
		return nil
	})
	if err != nil {
		return err
	}

	if tenantID != uuid.Nil {
		r.cache.Invalidate(ctx, tenantID)
	}
	dispatchOutbox(ctx, r.notifier, r.log, outbox)
	return nil
}

// applySubscriptionCreated bridges a gateway subscription onto an existing
// tenant via the resolver chain, typically for upgrade checkouts where no
// pending record exists. A full resolution miss is a no-op; a price the
// catalog does not know is a configuration defect and fails the event.
func (r *Reconciler) applySubscriptionCreated(ctx context.Context, ev SubscriptionCreated) error {
	now := time.Now().UTC()
	var tenantID uuid.UUID

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		sub, strategy, err := resolveForCreation(ctx, tx, ev)
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Either checkout.session.completed will land and create it,
			// or the subscription belongs to another system entirely.
			r.log.DebugContext(ctx, "no owner for gateway subscription",
				"subscription_id", ev.SubscriptionID,
				"customer_id", ev.CustomerID,
			)
			return nil
		}
		if err != nil {
			return err
		}

		plan, err := r.catalog.FindByExternalPriceID(ev.PriceID)
		if err != nil {
			r.log.ErrorContext(ctx, "gateway price has no catalog plan",
				"price_id", ev.PriceID,
				"subscription_id", ev.SubscriptionID,
			)
			return err
		}

		if sub.ExternalSubscriptionID == ev.SubscriptionID && sub.PlanID == plan.ID {
			// Replay, or the command service already applied this change
			// synchronously. Still persist a customer ID learned here.
			if ev.CustomerID != "" && sub.ExternalCustomerID != ev.CustomerID {
				sub.ExternalCustomerID = ev.CustomerID
				sub.UpdatedAt = now
				return tx.SaveSubscription(ctx, sub)
			}
			return nil
		}

		prevPlan := r.planSnapshot(ctx, sub.PlanID)
		action := ActionUpgraded
		if plan.Level < prevPlan.Level {
			action = ActionDowngraded
		}

		sub.PlanID = plan.ID
		sub.ExternalSubscriptionID = ev.SubscriptionID
		if ev.CustomerID != "" {
			sub.ExternalCustomerID = ev.CustomerID
		}
		// Re-derive from the gateway snapshot rather than transition: the
		// new gateway subscription supersedes whatever state the old one
		// left behind. Only an already-active gateway subscription grants
		// access; anything else (incomplete, trialing setup) stays PENDING
		// until an update or paid invoice confirms it.
		sub.Status = StatusPending
		if ev.Status == "active" {
			sub.Status = StatusActive
		}
		sub.StartedAt = now
		sub.ExpiresAt = plan.ExpiryFrom(now)
		sub.UpdatedAt = now

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, newHistoryEvent(sub.TenantID, action, prevPlan, plan, "gateway subscription created", ActorStripe, now)); err != nil {
			return err
		}

		tenantID = sub.TenantID
		r.log.InfoContext(ctx, "bridged gateway subscription",
			"tenant_id", sub.TenantID,
			"subscription_id", ev.SubscriptionID,
			"strategy", strategy,
			"plan", plan.ID,
		)
		return nil
	})
	if err != nil {
		return err
	}

	if tenantID != uuid.Nil {
		r.cache.Invalidate(ctx, tenantID)
	}
	return nil
}

// applySubscriptionUpdated folds a gateway status change into the state
// machine. Unknown subscriptions and transitions the machine forbids are
// no-ops; the latter are the expected residue of out-of-order delivery.
func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error {
	target := mapExternalStatus(ev.Status)
	return r.reconcileStatus(ctx, ev.SubscriptionID, target, "gateway subscription updated")
}

// applySubscriptionDeleted cancels the local subscription. Already-canceled
// rows make replays free.
func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error {
	return r.reconcileStatus(ctx, ev.SubscriptionID, StatusCanceled, "gateway subscription deleted")
}

// applyInvoiceSucceeded flips PAST_DUE back to ACTIVE on a successful
// payment. The period boundary is owned by checkout and subscription
// events; a paid invoice never moves ExpiresAt.
func (r *Reconciler) applyInvoiceSucceeded(ctx context.Context, ev InvoicePaymentSucceeded) error {
	if ev.SubscriptionID == "" {
		// One-off invoice with no subscription attached.
		return nil
	}
	return r.reconcileStatus(ctx, ev.SubscriptionID, StatusActive, "invoice payment succeeded")
}

// applyInvoiceFailed marks the subscription PAST_DUE.
func (r *Reconciler) applyInvoiceFailed(ctx context.Context, ev InvoicePaymentFailed) error {
	if ev.SubscriptionID == "" {
		return nil
	}
	return r.reconcileStatus(ctx, ev.SubscriptionID, StatusPastDue, "invoice payment failed")
}

// planSnapshot resolves a plan for audit snapshots. A subscription can
// outlive its plan's catalog entry; the miss is logged and the plan ID
// stands in for the name so the trail stays interpretable. An empty ID
// means a fresh subscription with no prior plan.
func (r *Reconciler) planSnapshot(ctx context.Context, planID string) Plan {
	if planID == "" {
		return Plan{}
	}
	plan, err := r.catalog.Get(planID)
	if err != nil {
		r.log.WarnContext(ctx, "subscription references a plan missing from the catalog", "plan_id", planID)
		return Plan{ID: planID, Name: planID}
	}
	return plan
}

// reconcileStatus is the shared path for events that only move the status.
// It resolves by gateway subscription ID, treats misses and forbidden
// transitions as no-ops, and records the audit row for real changes.
func (r *Reconciler) reconcileStatus(ctx context.Context, externalSubID string, target Status, reason string) error {
	now := time.Now().UTC()
	var tenantID uuid.UUID

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		sub, err := tx.FindSubscriptionByExternalID(ctx, externalSubID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			r.log.DebugContext(ctx, "event for untracked subscription",
				"subscription_id", externalSubID,
				"reason", reason,
			)
			return nil
		}
		if err != nil {
			return err
		}
		if sub.Status == target {
			return nil
		}

		from := sub.Status
		if err := sub.ChangeStatus(target, now); err != nil {
			// Stale or out-of-order delivery; the stored state already
			// moved past this event. Swallowing it keeps the gateway from
			// retrying something that can never apply.
			r.log.WarnContext(ctx, "skipping out-of-order status change",
				"tenant_id", sub.TenantID,
				"from", from,
				"to", target,
				"reason", reason,
			)
			return nil
		}

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		plan := r.planSnapshot(ctx, sub.PlanID)
		if err := tx.AppendHistory(ctx, newHistoryEvent(sub.TenantID, actionForStatusChange(from, target), plan, plan, reason, ActorStripe, now)); err != nil {
			return err
		}

		tenantID = sub.TenantID
		return nil
	})
	if err != nil {
		return err
	}

	if tenantID != uuid.Nil {
		r.cache.Invalidate(ctx, tenantID)
	}
	return nil
}
