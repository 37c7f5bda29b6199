package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds gateway credentials.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeGateway implements PaymentGateway on the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the Stripe client. Both keys are required;
// a gateway that cannot verify webhooks must not start.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("billing: stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("billing: stripe webhook secret is required")
	}
	stripe.Key = cfg.SecretKey
	return &StripeGateway{webhookSecret: cfg.WebhookSecret}, nil
}

// CreateCustomer registers a Stripe customer carrying the tenant ID in
// metadata, which the reconciliation engine uses as a resolution fallback.
func (g *StripeGateway) CreateCustomer(_ context.Context, email, name, tenantHint string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"tenant_id": tenantHint,
		},
	}
	c, err := customer.New(params)
	if err != nil {
		return "", errors.Join(ErrGatewayFailure, err)
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a hosted subscription checkout.
func (g *StripeGateway) CreateCheckoutSession(_ context.Context, customerID, priceID, successURL, cancelURL string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	s, err := checkoutsession.New(params)
	if err != nil {
		return nil, errors.Join(ErrGatewayFailure, err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// UpdateSubscriptionItem swaps the subscription's single item to a new price
// with an immediate proration invoice. error_if_incomplete makes the call
// fail synchronously when the charge cannot complete, so the caller never
// applies a plan change the customer did not pay for.
func (g *StripeGateway) UpdateSubscriptionItem(_ context.Context, externalSubID, newPriceID string) error {
	current, err := stripesub.Get(externalSubID, nil)
	if err != nil {
		return errors.Join(ErrGatewayFailure, err)
	}
	if len(current.Items.Data) == 0 {
		return fmt.Errorf("%w: subscription %s has no items", ErrGatewayFailure, externalSubID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String("always_invoice"),
		PaymentBehavior:   stripe.String("error_if_incomplete"),
	}
	if _, err := stripesub.Update(externalSubID, params); err != nil {
		return errors.Join(ErrGatewayFailure, err)
	}
	return nil
}

// CancelSubscription cancels the gateway subscription immediately.
func (g *StripeGateway) CancelSubscription(_ context.Context, externalSubID string) error {
	if _, err := stripesub.Cancel(externalSubID, &stripe.SubscriptionCancelParams{}); err != nil {
		return errors.Join(ErrGatewayFailure, err)
	}
	return nil
}

// CreateBillingPortalSession opens Stripe's self-service billing portal.
func (g *StripeGateway) CreateBillingPortalSession(_ context.Context, customerID, returnURL string) (*PortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	s, err := portalsession.New(params)
	if err != nil {
		return nil, errors.Join(ErrGatewayFailure, err)
	}
	return &PortalSession{URL: s.URL}, nil
}

// VerifyAndParseWebhook checks the Stripe-Signature header against the
// payload and classifies the event into the internal union.
func (g *StripeGateway) VerifyAndParseWebhook(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, errors.Join(ErrWebhookSignature, err)
	}
	return classifyStripeEvent(event)
}

// classifyStripeEvent maps a verified Stripe event onto the internal union,
// extracting only the fields the reconciliation engine reads.
func classifyStripeEvent(event stripe.Event) (Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: parse checkout session: %w", ErrWebhookSignature, err)
		}
		ev := CheckoutCompleted{SessionID: session.ID}
		if session.Customer != nil {
			ev.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			ev.SubscriptionID = session.Subscription.ID
		}
		return ev, nil

	case "customer.subscription.created":
		sub, err := parseStripeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev := SubscriptionCreated{
			SubscriptionID: sub.ID,
			Status:         string(sub.Status),
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
			ev.TenantMetadata = sub.Customer.Metadata["tenant_id"]
		}
		if ev.TenantMetadata == "" {
			ev.TenantMetadata = sub.Metadata["tenant_id"]
		}
		if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			ev.PriceID = sub.Items.Data[0].Price.ID
		}
		return ev, nil

	case "customer.subscription.updated":
		sub, err := parseStripeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpdated{
			SubscriptionID: sub.ID,
			Status:         string(sub.Status),
		}, nil

	case "customer.subscription.deleted":
		sub, err := parseStripeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{SubscriptionID: sub.ID}, nil

	case "invoice.payment_succeeded":
		subID, err := invoiceSubscriptionID(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentSucceeded{SubscriptionID: subID}, nil

	case "invoice.payment_failed":
		subID, err := invoiceSubscriptionID(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{SubscriptionID: subID}, nil

	default:
		return UnknownEvent{Type: string(event.Type)}, nil
	}
}

func parseStripeSubscription(raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: parse subscription: %w", ErrWebhookSignature, err)
	}
	return &sub, nil
}

// invoiceSubscriptionID digs the subscription ID out of an invoice payload.
// Recent API versions nest it under parent.subscription_details; older
// payloads carry a top-level subscription field.
func invoiceSubscriptionID(raw json.RawMessage) (string, error) {
	var invoice map[string]any
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return "", fmt.Errorf("%w: parse invoice: %w", ErrWebhookSignature, err)
	}

	if parent, ok := invoice["parent"].(map[string]any); ok {
		if details, ok := parent["subscription_details"].(map[string]any); ok {
			if id, ok := details["subscription"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	if id, ok := invoice["subscription"].(string); ok {
		return id, nil
	}
	// An invoice without a subscription belongs to an entity this engine
	// does not track; the reconciler treats the empty ID as a no-op.
	return "", nil
}
