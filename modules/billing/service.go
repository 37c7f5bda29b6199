package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ReactivationPeriod is the fresh validity window granted when a canceled
// subscription is reactivated without going back through the gateway.
const ReactivationPeriod = 30 * 24 * time.Hour

// SignupRequest carries the contact and plan choice for a new signup.
// CompanyName empty means an individual candidate signup that lands in the
// shared candidates tenant.
type SignupRequest struct {
	Email         string
	Name          string
	CompanyName   string
	CompanyDomain string
	PlanID        string
	SuccessURL    string
	CancelURL     string
}

// CheckoutIntent is handed back to the frontend after a paid signup is
// initiated: the hosted checkout to redirect to plus the opaque token the
// success page can poll with.
type CheckoutIntent struct {
	Token       string
	SessionID   string
	CheckoutURL string
}

// UpgradeTarget selects the plan to move to. Exactly one field is set: the
// gateway price ID takes the prorated-billing path, the plan name takes the
// direct local path.
type UpgradeTarget struct {
	PriceID  string
	PlanName string
}

// CommandService is the synchronous command surface over subscriptions.
// Unlike the reconciler it is strict: illegal transitions and bad targets
// come back as domain errors instead of being swallowed, because here the
// caller is a user who can be told no.
type CommandService struct {
	store       Store
	catalog     *Catalog
	gateway     PaymentGateway
	provisioner TenantProvisioner
	notifier    Notifier
	cache       *ValidationCache
	log         *slog.Logger
}

// NewCommandService wires the command surface. Store, catalog, gateway and
// provisioner are required.
func NewCommandService(store Store, catalog *Catalog, gateway PaymentGateway, provisioner TenantProvisioner, opts ...Option) *CommandService {
	if store == nil {
		panic("billing: command service requires a store")
	}
	if catalog == nil {
		panic("billing: command service requires a catalog")
	}
	if gateway == nil {
		panic("billing: command service requires a payment gateway")
	}
	if provisioner == nil {
		panic("billing: command service requires a tenant provisioner")
	}

	o := applyOptions(opts)
	return &CommandService{
		store:       store,
		catalog:     catalog,
		gateway:     gateway,
		provisioner: provisioner,
		notifier:    o.notifier,
		cache:       o.cache,
		log:         o.log,
	}
}

// StartFreeSignup provisions the tenant and activates a free-tier
// subscription in one transaction. No gateway objects are involved; the
// subscription is usable the moment this returns.
func (s *CommandService) StartFreeSignup(ctx context.Context, req SignupRequest) (*Subscription, error) {
	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.IsPriced() {
		return nil, fmt.Errorf("%w: plan %s requires checkout", ErrInvalidCatalog, plan.ID)
	}

	now := time.Now().UTC()
	var (
		sub    *Subscription
		outbox []Notification
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		provisioned, err := s.provisioner.Provision(ctx, ProvisionRequest{
			ContactEmail:  req.Email,
			ContactName:   req.Name,
			CompanyName:   req.CompanyName,
			CompanyDomain: req.CompanyDomain,
			PlanID:        plan.ID,
		})
		if err != nil {
			return err
		}

		if _, err := tx.GetSubscription(ctx, provisioned.TenantID); err == nil {
			return fmt.Errorf("%w: tenant %s", ErrSubscriptionAlreadyExists, provisioned.TenantID)
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}

		sub = &Subscription{
			TenantID:  provisioned.TenantID,
			PlanID:    plan.ID,
			Status:    StatusActive,
			StartedAt: now,
			ExpiresAt: plan.ExpiryFrom(now),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, newHistoryEvent(sub.TenantID, ActionCreated, Plan{}, plan, "free signup", ActorUser, now)); err != nil {
			return err
		}

		outbox = append(outbox, Notification{
			Kind:         NotifyWelcome,
			Recipient:    req.Email,
			PlanName:     plan.Name,
			TempPassword: provisioned.TempPassword,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, sub.TenantID)
	dispatchOutbox(ctx, s.notifier, s.log, outbox)
	return sub, nil
}

// StartPaidSignup records the signup intent and opens a hosted checkout.
// Nothing is provisioned yet; activation happens when the gateway confirms
// payment through the webhook. A new intent for the same email replaces any
// prior uncompleted one.
func (s *CommandService) StartPaidSignup(ctx context.Context, req SignupRequest) (*CheckoutIntent, error) {
	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsPriced() {
		return nil, fmt.Errorf("%w: plan %s", ErrPlanNotPurchasable, plan.ID)
	}

	customerID, err := s.gateway.CreateCustomer(ctx, req.Email, req.Name, "")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pc := &PendingCheckout{
		ID:                 uuid.New(),
		Token:              NewCheckoutToken(),
		ExternalCustomerID: customerID,
		ContactEmail:       req.Email,
		ContactName:        req.Name,
		CompanyName:        req.CompanyName,
		CompanyDomain:      req.CompanyDomain,
		PlanID:             plan.ID,
		ExpiresAt:          now.Add(DefaultCheckoutTTL),
		CreatedAt:          now,
	}
	// The create purges the prior uncompleted intent before inserting;
	// running both in one transaction means a failed insert cannot leave
	// the email with no intent at all.
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.CreatePendingCheckout(ctx, pc)
	})
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, customerID, plan.ExternalPriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		return nil, err
	}
	// The record must know its session before the webhook can land; the
	// attach happens outside the create so a gateway failure above leaves
	// only an expiring orphan record behind.
	if err := s.store.AttachCheckoutSession(ctx, pc.Token, session.ID); err != nil {
		return nil, err
	}

	return &CheckoutIntent{
		Token:       pc.Token,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// StartEnterpriseSignup provisions the tenant with a PENDING subscription
// awaiting manual activation by sales. No gateway objects are created.
func (s *CommandService) StartEnterpriseSignup(ctx context.Context, req SignupRequest) (*Subscription, error) {
	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var sub *Subscription
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		provisioned, err := s.provisioner.Provision(ctx, ProvisionRequest{
			ContactEmail:  req.Email,
			ContactName:   req.Name,
			CompanyName:   req.CompanyName,
			CompanyDomain: req.CompanyDomain,
			PlanID:        plan.ID,
		})
		if err != nil {
			return err
		}

		if _, err := tx.GetSubscription(ctx, provisioned.TenantID); err == nil {
			return fmt.Errorf("%w: tenant %s", ErrSubscriptionAlreadyExists, provisioned.TenantID)
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}

		sub = &Subscription{
			TenantID:  provisioned.TenantID,
			PlanID:    plan.ID,
			Status:    StatusPending,
			StartedAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ActivateManually moves a PENDING subscription to ACTIVE, starting its
// billing period from now. Used by sales-assisted enterprise onboarding.
func (s *CommandService) ActivateManually(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	now := time.Now().UTC()
	var sub *Subscription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, tenantID)
		if err != nil {
			return err
		}

		plan, err := s.catalog.Get(sub.PlanID)
		if err != nil {
			return err
		}
		if err := sub.ChangeStatus(StatusActive, now); err != nil {
			return err
		}
		sub.StartedAt = now
		sub.ExpiresAt = plan.ExpiryFrom(now)

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, newHistoryEvent(tenantID, ActionCreated, Plan{}, plan, "manual activation", ActorSystem, now))
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, tenantID)
	return sub, nil
}

// Upgrade moves the tenant onto a strictly higher plan. The price-ID path
// goes through the gateway with immediate prorated invoicing and applies
// the local change on success, so the UI reflects the new plan without
// waiting for the webhook; the later webhook replay is idempotent against
// it. The plan-name path changes the local record directly.
func (s *CommandService) Upgrade(ctx context.Context, tenantID uuid.UUID, notifyEmail string, target UpgradeTarget) (*Subscription, error) {
	current, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCanceled {
		return nil, ErrAlreadyCanceled
	}

	currentPlan, err := s.catalog.Get(current.PlanID)
	if err != nil {
		return nil, err
	}

	var nextPlan Plan
	switch {
	case target.PriceID != "":
		nextPlan, err = s.catalog.FindByExternalPriceID(target.PriceID)
	case target.PlanName != "":
		nextPlan, err = s.catalog.FindByName(target.PlanName)
	default:
		return nil, fmt.Errorf("%w: empty upgrade target", ErrPlanNotFound)
	}
	if err != nil {
		return nil, err
	}

	// Strict monotonicity: same level or lower is rejected, whatever the
	// prices say.
	if nextPlan.Level <= currentPlan.Level {
		return nil, fmt.Errorf("%w: %s (level %d) -> %s (level %d)",
			ErrNotAnUpgrade, currentPlan.ID, currentPlan.Level, nextPlan.ID, nextPlan.Level)
	}

	if target.PriceID != "" {
		if current.ExternalSubscriptionID == "" {
			return nil, ErrNoExternalSubscription
		}
		if err := s.gateway.UpdateSubscriptionItem(ctx, current.ExternalSubscriptionID, nextPlan.ExternalPriceID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	var (
		sub    *Subscription
		outbox []Notification
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, tenantID)
		if err != nil {
			return err
		}

		sub.PlanID = nextPlan.ID
		sub.ExpiresAt = nextPlan.ExpiryFrom(now)
		sub.UpdatedAt = now

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, newHistoryEvent(tenantID, ActionUpgraded, currentPlan, nextPlan, "plan upgrade", ActorUser, now))
	})
	if err != nil {
		return nil, err
	}

	if notifyEmail != "" {
		outbox = append(outbox, Notification{
			Kind:      NotifyUpgrade,
			Recipient: notifyEmail,
			PlanName:  nextPlan.Name,
		})
	}

	s.cache.Invalidate(ctx, tenantID)
	dispatchOutbox(ctx, s.notifier, s.log, outbox)
	return sub, nil
}

// Cancel cancels the subscription. The gateway cancellation is best-effort:
// a gateway failure is logged and the local record is canceled anyway, so
// the user's intent always wins and the eventual subscription.deleted
// webhook reconciles to the same state.
func (s *CommandService) Cancel(ctx context.Context, tenantID uuid.UUID, notifyEmail string) (*Subscription, error) {
	current, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCanceled {
		return nil, ErrAlreadyCanceled
	}

	if current.ExternalSubscriptionID != "" {
		if err := s.gateway.CancelSubscription(ctx, current.ExternalSubscriptionID); err != nil {
			s.log.WarnContext(ctx, "gateway cancellation failed, canceling locally",
				"tenant_id", tenantID,
				"subscription_id", current.ExternalSubscriptionID,
				"error", err,
			)
		}
	}

	now := time.Now().UTC()
	var (
		sub    *Subscription
		outbox []Notification
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := sub.ChangeStatus(StatusCanceled, now); err != nil {
			return err
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		plan, _ := s.catalog.Get(sub.PlanID)
		return tx.AppendHistory(ctx, newHistoryEvent(tenantID, ActionCanceled, plan, plan, "user cancellation", ActorUser, now))
	})
	if err != nil {
		return nil, err
	}

	if notifyEmail != "" {
		plan, _ := s.catalog.Get(sub.PlanID)
		outbox = append(outbox, Notification{
			Kind:      NotifyCancellation,
			Recipient: notifyEmail,
			PlanName:  plan.Name,
		})
	}

	s.cache.Invalidate(ctx, tenantID)
	dispatchOutbox(ctx, s.notifier, s.log, outbox)
	return sub, nil
}

// Reactivate restores a canceled subscription with a fresh 30-day window.
// No gateway subscription is recreated; if the tenant should resume gateway
// billing they go through checkout again.
func (s *CommandService) Reactivate(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	now := time.Now().UTC()
	var sub *Subscription
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, tenantID)
		if err != nil {
			return err
		}
		if sub.Status != StatusCanceled {
			return ErrNotCanceled
		}
		if err := sub.ChangeStatus(StatusActive, now); err != nil {
			return err
		}
		expiry := now.Add(ReactivationPeriod)
		sub.ExpiresAt = &expiry

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		plan, _ := s.catalog.Get(sub.PlanID)
		return tx.AppendHistory(ctx, newHistoryEvent(tenantID, ActionReactivated, plan, plan, "user reactivation", ActorUser, now))
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, tenantID)
	return sub, nil
}

// CreateCheckoutSession opens a hosted checkout for an existing tenant,
// typically to move from a free plan onto a paid one. It is rejected while
// a valid ACTIVE subscription exists; the gateway customer is created on
// first use and persisted for all later gateway interactions.
func (s *CommandService) CreateCheckoutSession(ctx context.Context, tenantID uuid.UUID, email, priceID, successURL, cancelURL string) (*CheckoutSession, error) {
	sub, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if sub.IsValid(now) && sub.ExternalSubscriptionID != "" {
		return nil, fmt.Errorf("%w: tenant %s has an active gateway subscription", ErrSubscriptionAlreadyExists, tenantID)
	}

	plan, err := s.catalog.FindByExternalPriceID(priceID)
	if err != nil {
		return nil, err
	}

	if sub.ExternalCustomerID == "" {
		customerID, err := s.gateway.CreateCustomer(ctx, email, "", tenantID.String())
		if err != nil {
			return nil, err
		}
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
			fresh, err := tx.GetSubscription(ctx, tenantID)
			if err != nil {
				return err
			}
			fresh.ExternalCustomerID = customerID
			fresh.UpdatedAt = now
			return tx.SaveSubscription(ctx, fresh)
		})
		if err != nil {
			return nil, err
		}
		sub.ExternalCustomerID = customerID
	}

	return s.gateway.CreateCheckoutSession(ctx, sub.ExternalCustomerID, plan.ExternalPriceID, successURL, cancelURL)
}

// CreateBillingPortalSession opens the gateway's self-service portal for
// the tenant. A tenant that never touched the gateway has no customer
// record and gets ErrNoExternalCustomer.
func (s *CommandService) CreateBillingPortalSession(ctx context.Context, tenantID uuid.UUID, returnURL string) (*PortalSession, error) {
	sub, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, fmt.Errorf("%w: tenant %s", ErrNoExternalCustomer, tenantID)
	}
	return s.gateway.CreateBillingPortalSession(ctx, sub.ExternalCustomerID, returnURL)
}

// Validate is the access-control predicate: does the tenant hold a
// subscription that is ACTIVE and inside its period right now. Missing
// subscriptions are simply invalid, not errors. Results are memoized in the
// short-TTL cache when one is configured.
func (s *CommandService) Validate(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	if valid, ok := s.cache.Get(ctx, tenantID); ok {
		return valid, nil
	}

	sub, err := s.store.GetSubscription(ctx, tenantID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		s.cache.Set(ctx, tenantID, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	valid := sub.IsValid(time.Now().UTC())
	s.cache.Set(ctx, tenantID, valid)
	return valid, nil
}

// Subscription returns the tenant's subscription for display.
func (s *CommandService) Subscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return s.store.GetSubscription(ctx, tenantID)
}

// History returns the tenant's audit trail, newest first.
func (s *CommandService) History(ctx context.Context, tenantID uuid.UUID) ([]HistoryEvent, error) {
	return s.store.ListHistory(ctx, tenantID)
}

// Plans exposes the catalog for pricing pages.
func (s *CommandService) Plans() []Plan {
	return s.catalog.List()
}
