package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billing/modules/billing"
)

func seedPendingCheckout(t *testing.T, env *testEnv, sessionID, email, company string) *billing.PendingCheckout {
	t.Helper()
	now := time.Now().UTC()
	pc := &billing.PendingCheckout{
		ID:                 uuid.New(),
		Token:              billing.NewCheckoutToken(),
		ExternalSessionID:  sessionID,
		ExternalCustomerID: "cus_pending",
		ContactEmail:       email,
		ContactName:        "Jordan Reyes",
		CompanyName:        company,
		PlanID:             "starter",
		ExpiresAt:          now.Add(billing.DefaultCheckoutTTL),
		CreatedAt:          now,
	}
	require.NoError(t, env.store.CreatePendingCheckout(context.Background(), pc))
	return pc
}

func seedSubscription(t *testing.T, env *testEnv, sub *billing.Subscription) {
	t.Helper()
	now := time.Now().UTC()
	if sub.StartedAt.IsZero() {
		sub.StartedAt = now
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
		sub.UpdatedAt = now
	}
	require.NoError(t, env.store.SaveSubscription(context.Background(), sub))
}

func TestReconciler_CheckoutCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("provisions tenant and activates subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		seedPendingCheckout(t, env, "cs_100", "ops@acme.test", "Acme Recruiting")

		err := env.reconciler.Apply(ctx, billing.CheckoutCompleted{
			SessionID:      "cs_100",
			CustomerID:     "cus_live",
			SubscriptionID: "sub_live",
		})
		require.NoError(t, err)
		require.Equal(t, 1, env.provisioner.calls)

		tenantID := env.provisioner.byEmail["ops@acme.test"].TenantID
		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, "starter", sub.PlanID)
		assert.Equal(t, "cus_live", sub.ExternalCustomerID)
		assert.Equal(t, "sub_live", sub.ExternalSubscriptionID)
		require.NotNil(t, sub.ExpiresAt)
		assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *sub.ExpiresAt, time.Minute)

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, billing.ActionCreated, history[0].Action)
		assert.Equal(t, billing.ActorStripe, history[0].Actor)

		require.Len(t, env.notifier.sent, 1)
		welcome := env.notifier.sent[0]
		assert.Equal(t, billing.NotifyWelcome, welcome.Kind)
		assert.Equal(t, "ops@acme.test", welcome.Recipient)
		assert.Equal(t, "temp-secret", welcome.TempPassword)
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		seedPendingCheckout(t, env, "cs_101", "ops@acme.test", "Acme Recruiting")

		event := billing.CheckoutCompleted{
			SessionID:      "cs_101",
			CustomerID:     "cus_live",
			SubscriptionID: "sub_live",
		}
		require.NoError(t, env.reconciler.Apply(ctx, event))
		require.NoError(t, env.reconciler.Apply(ctx, event))

		tenantID := env.provisioner.byEmail["ops@acme.test"].TenantID
		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, history, 1, "replay must not append a second audit row")
		assert.Len(t, env.notifier.sent, 1, "replay must not resend the welcome notice")
	})

	t.Run("unknown session is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		err := env.reconciler.Apply(ctx, billing.CheckoutCompleted{SessionID: "cs_never_seen"})
		require.NoError(t, err)
		assert.Zero(t, env.provisioner.calls)
		assert.Empty(t, env.notifier.sent)
	})

	t.Run("expired checkout is treated as absent", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		pc := seedPendingCheckout(t, env, "cs_102", "late@acme.test", "")
		pc.ExpiresAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, env.store.CreatePendingCheckout(ctx, pc))

		err := env.reconciler.Apply(ctx, billing.CheckoutCompleted{SessionID: "cs_102"})
		require.NoError(t, err)
		assert.Zero(t, env.provisioner.calls)
	})

	t.Run("provisioning failure rolls the event back", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		seedPendingCheckout(t, env, "cs_103", "ops@acme.test", "Acme Recruiting")
		env.provisioner.err = assert.AnError

		err := env.reconciler.Apply(ctx, billing.CheckoutCompleted{SessionID: "cs_103"})
		require.Error(t, err)

		// The checkout must stay open so the gateway's redelivery retries.
		env.provisioner.err = nil
		require.NoError(t, env.reconciler.Apply(ctx, billing.CheckoutCompleted{SessionID: "cs_103"}))
		assert.Equal(t, 1, env.provisioner.calls)
		assert.Len(t, env.notifier.sent, 1)
	})
}

func TestReconciler_SubscriptionCreated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("resolves by external customer and upgrades the plan", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID:           tenantID,
			PlanID:             "free",
			Status:             billing.StatusActive,
			ExternalCustomerID: "cus_200",
		})

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_200",
			CustomerID:     "cus_200",
			PriceID:        "price_growth",
			Status:         "active",
		})
		require.NoError(t, err)

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "growth", sub.PlanID)
		assert.Equal(t, "sub_200", sub.ExternalSubscriptionID)
		assert.Equal(t, billing.StatusActive, sub.Status)
		require.NotNil(t, sub.ExpiresAt)

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, billing.ActionUpgraded, history[0].Action)
	})

	t.Run("falls back to customer metadata tenant ID", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID: tenantID,
			PlanID:   "free",
			Status:   billing.StatusActive,
		})

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_201",
			CustomerID:     "cus_unseen",
			PriceID:        "price_starter",
			Status:         "active",
			TenantMetadata: tenantID.String(),
		})
		require.NoError(t, err)

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "starter", sub.PlanID)
		assert.Equal(t, "cus_unseen", sub.ExternalCustomerID, "discovered customer ID must be persisted")
	})

	t.Run("no resolution is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_orphan",
			CustomerID:     "cus_orphan",
			PriceID:        "price_starter",
			Status:         "active",
		})
		require.NoError(t, err)
	})

	t.Run("unknown price fails the event", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID:           tenantID,
			PlanID:             "free",
			Status:             billing.StatusActive,
			ExternalCustomerID: "cus_202",
		})

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_202",
			CustomerID:     "cus_202",
			PriceID:        "price_not_in_catalog",
			Status:         "active",
		})
		require.ErrorIs(t, err, billing.ErrPlanNotFound)

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "free", sub.PlanID, "failed event must not change the subscription")
	})

	t.Run("replay after a synchronous upgrade is idempotent", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID:               tenantID,
			PlanID:                 "growth",
			Status:                 billing.StatusActive,
			ExternalCustomerID:     "cus_203",
			ExternalSubscriptionID: "sub_203",
		})

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_203",
			CustomerID:     "cus_203",
			PriceID:        "price_growth",
			Status:         "active",
		})
		require.NoError(t, err)

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		assert.Empty(t, history, "already-applied change must not add audit rows")
	})

	t.Run("non-active created status grants no access", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID:           tenantID,
			PlanID:             "free",
			Status:             billing.StatusActive,
			ExternalCustomerID: "cus_204",
		})

		err := env.reconciler.Apply(ctx, billing.SubscriptionCreated{
			SubscriptionID: "sub_204",
			CustomerID:     "cus_204",
			PriceID:        "price_growth",
			Status:         "incomplete",
		})
		require.NoError(t, err)

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "growth", sub.PlanID)
		assert.Equal(t, billing.StatusPending, sub.Status, "payment not confirmed yet")

		// A later status update activates it through the normal path.
		require.NoError(t, env.reconciler.Apply(ctx, billing.SubscriptionUpdated{
			SubscriptionID: "sub_204",
			Status:         "active",
		}))
		sub, err = env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})
}

func TestReconciler_StatusEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seedActive := func(t *testing.T, env *testEnv) (uuid.UUID, time.Time) {
		t.Helper()
		tenantID := uuid.New()
		expiry := time.Now().UTC().AddDate(0, 0, 12)
		seedSubscription(t, env, &billing.Subscription{
			TenantID:               tenantID,
			PlanID:                 "starter",
			Status:                 billing.StatusActive,
			ExternalCustomerID:     "cus_300",
			ExternalSubscriptionID: "sub_300",
			ExpiresAt:              &expiry,
		})
		return tenantID, expiry
	}

	t.Run("invoice failure marks past due without touching expiry", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, expiry := seedActive(t, env)

		err := env.reconciler.Apply(ctx, billing.InvoicePaymentFailed{SubscriptionID: "sub_300"})
		require.NoError(t, err)

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, sub.Status)
		require.NotNil(t, sub.ExpiresAt)
		assert.True(t, sub.ExpiresAt.Equal(expiry))

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, billing.ActionPaymentFailed, history[0].Action)
	})

	t.Run("invoice success flips past due back to active", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, expiry := seedActive(t, env)

		require.NoError(t, env.reconciler.Apply(ctx, billing.InvoicePaymentFailed{SubscriptionID: "sub_300"}))
		require.NoError(t, env.reconciler.Apply(ctx, billing.InvoicePaymentSucceeded{SubscriptionID: "sub_300"}))

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.NotNil(t, sub.RenewedAt)
		require.NotNil(t, sub.ExpiresAt)
		assert.True(t, sub.ExpiresAt.Equal(expiry), "a paid invoice never moves the period boundary")
	})

	t.Run("invoice success for an active subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, _ := seedActive(t, env)

		require.NoError(t, env.reconciler.Apply(ctx, billing.InvoicePaymentSucceeded{SubscriptionID: "sub_300"}))

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("invoice without subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		require.NoError(t, env.reconciler.Apply(ctx, billing.InvoicePaymentSucceeded{}))
	})

	t.Run("deletion cancels and replays free", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, _ := seedActive(t, env)

		event := billing.SubscriptionDeleted{SubscriptionID: "sub_300"}
		require.NoError(t, env.reconciler.Apply(ctx, event))
		require.NoError(t, env.reconciler.Apply(ctx, event))

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		assert.NotNil(t, sub.CanceledAt)

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("stale event after cancellation is swallowed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, _ := seedActive(t, env)

		require.NoError(t, env.reconciler.Apply(ctx, billing.SubscriptionDeleted{SubscriptionID: "sub_300"}))
		// A delayed past_due update arriving after the deletion: the state
		// machine forbids CANCELED -> PAST_DUE, so it must be a no-op, not
		// an error that makes the gateway retry forever.
		require.NoError(t, env.reconciler.Apply(ctx, billing.SubscriptionUpdated{
			SubscriptionID: "sub_300",
			Status:         "past_due",
		}))

		sub, err := env.store.GetSubscription(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
	})

	t.Run("audit trail survives a plan removed from the catalog", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		seedSubscription(t, env, &billing.Subscription{
			TenantID:               tenantID,
			PlanID:                 "legacy",
			Status:                 billing.StatusActive,
			ExternalCustomerID:     "cus_310",
			ExternalSubscriptionID: "sub_310",
		})

		require.NoError(t, env.reconciler.Apply(ctx, billing.InvoicePaymentFailed{
			SubscriptionID: "sub_310",
		}))

		history, err := env.store.ListHistory(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "legacy", history[0].PrevPlanName, "plan ID stands in for the name")
		assert.Equal(t, "legacy", history[0].NewPlanName)
	})

	t.Run("update for an untracked subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		require.NoError(t, env.reconciler.Apply(ctx, billing.SubscriptionUpdated{
			SubscriptionID: "sub_untracked",
			Status:         "past_due",
		}))
	})

	t.Run("unknown event type is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		require.NoError(t, env.reconciler.Apply(ctx, billing.UnknownEvent{Type: "charge.refunded"}))
	})
}
