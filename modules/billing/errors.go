package billing

import "errors"

var (
	// Catalog errors. A price ID miss is a configuration defect (catalog
	// drift between the plan table and the gateway), never a silent skip.
	ErrPlanNotFound       = errors.New("billing: plan not found")
	ErrPlanNotPurchasable = errors.New("billing: plan has no gateway price configured")
	ErrInvalidCatalog     = errors.New("billing: invalid plan catalog configuration")

	// Subscription domain errors. These are surfaced synchronously to
	// callers and must stay distinguishable from infrastructure failures.
	ErrSubscriptionNotFound      = errors.New("billing: subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("billing: subscription already exists")
	ErrInvalidTransition         = errors.New("billing: invalid subscription state transition")
	ErrNotAnUpgrade              = errors.New("billing: target plan is not an upgrade")
	ErrAlreadyCanceled           = errors.New("billing: subscription is already canceled")
	ErrNotCanceled               = errors.New("billing: subscription is not canceled")
	ErrNoExternalCustomer        = errors.New("billing: no gateway customer on file")
	ErrNoExternalSubscription    = errors.New("billing: no gateway subscription on file")

	// Pending checkout errors.
	ErrCheckoutNotFound  = errors.New("billing: pending checkout not found")
	ErrCheckoutCompleted = errors.New("billing: pending checkout already completed")

	// Gateway boundary errors.
	ErrWebhookSignature = errors.New("billing: webhook signature verification failed")
	ErrGatewayFailure   = errors.New("billing: payment gateway request failed")
)
