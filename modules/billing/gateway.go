package billing

import "context"

// PaymentGateway is the boundary to the external payment provider. The
// billing core treats the provider's objects as an untrusted, eventually
// consistent mirror and always re-derives internal state from the latest
// received snapshot.
type PaymentGateway interface {
	// CreateCustomer registers a gateway customer, tagging it with the
	// tenant ID so webhooks can bridge back to the tenant via metadata.
	CreateCustomer(ctx context.Context, email, name string, tenantHint string) (customerID string, err error)

	// CreateCheckoutSession opens a hosted checkout for the given price.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (*CheckoutSession, error)

	// UpdateSubscriptionItem swaps the subscription onto a new price with
	// immediate invoicing; the call fails synchronously if payment cannot
	// complete.
	UpdateSubscriptionItem(ctx context.Context, externalSubID, newPriceID string) error

	// CancelSubscription cancels the gateway subscription.
	CancelSubscription(ctx context.Context, externalSubID string) error

	// CreateBillingPortalSession opens the provider's self-service portal.
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)

	// VerifyAndParseWebhook checks the payload signature and classifies the
	// event. Signature or parse failures return ErrWebhookSignature; no
	// domain logic may run before verification succeeds.
	VerifyAndParseWebhook(payload []byte, signature string) (Event, error)
}

// CheckoutSession is a hosted checkout handed to the frontend.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is a pre-authenticated customer portal link.
type PortalSession struct {
	URL string
}

// Event is the tagged union of gateway webhook events. Each variant carries
// only the fields the reconciliation engine reads; anything the provider
// sends that the engine does not recognize arrives as UnknownEvent.
type Event interface {
	isEvent()
}

// CheckoutCompleted signals that a hosted checkout finished.
type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
}

// SubscriptionCreated signals that a gateway subscription came into
// existence, covering upgrade checkouts for tenants that already exist and
// therefore have no pending checkout.
type SubscriptionCreated struct {
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Status         string
	TenantMetadata string // tenant ID from the gateway customer metadata, if set
}

// SubscriptionUpdated carries only the status change; plan and period
// boundaries are owned by other events.
type SubscriptionUpdated struct {
	SubscriptionID string
	Status         string
}

// SubscriptionDeleted signals the gateway subscription is gone.
type SubscriptionDeleted struct {
	SubscriptionID string
}

// InvoicePaymentSucceeded signals a paid invoice for a subscription.
type InvoicePaymentSucceeded struct {
	SubscriptionID string
}

// InvoicePaymentFailed signals a failed invoice payment.
type InvoicePaymentFailed struct {
	SubscriptionID string
}

// UnknownEvent preserves forward compatibility with provider event types
// this engine does not handle; processing it is a deliberate no-op.
type UnknownEvent struct {
	Type string
}

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionCreated) isEvent()     {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (UnknownEvent) isEvent()            {}

// mapExternalStatus translates the gateway's subscription status into the
// internal state machine vocabulary for in-place status updates of an
// already-established subscription. Unrecognized values map to ACTIVE as
// the conservative default: better to keep a paying customer enabled than
// to lock them out on an unknown status string. Newly created gateway
// subscriptions do not use this table; they activate only on an explicit
// "active" and stay PENDING otherwise.
func mapExternalStatus(external string) Status {
	switch external {
	case "active", "trialing":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "unpaid":
		return StatusCanceled
	default:
		return StatusActive
	}
}
