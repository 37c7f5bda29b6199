package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billing/modules/billing"
)

func TestCatalog(t *testing.T) {
	t.Parallel()

	t.Run("lookups", func(t *testing.T) {
		t.Parallel()
		catalog := testCatalog(t)

		plan, err := catalog.Get("starter")
		require.NoError(t, err)
		assert.Equal(t, "Starter", plan.Name)
		assert.True(t, plan.IsPriced())

		plan, err = catalog.FindByName("GROWTH")
		require.NoError(t, err)
		assert.Equal(t, "growth", plan.ID, "name lookup is case-insensitive")

		plan, err = catalog.FindByExternalPriceID("price_starter")
		require.NoError(t, err)
		assert.Equal(t, "starter", plan.ID)

		_, err = catalog.Get("nope")
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
		_, err = catalog.FindByExternalPriceID("price_nope")
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("list is ordered by price ascending", func(t *testing.T) {
		t.Parallel()
		plans := testCatalog(t).List()
		require.Len(t, plans, 3)
		assert.Equal(t, "free", plans[0].ID)
		assert.Equal(t, "starter", plans[1].ID)
		assert.Equal(t, "growth", plans[2].ID)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		_, err := billing.NewCatalog()
		require.ErrorIs(t, err, billing.ErrInvalidCatalog)

		_, err = billing.NewCatalog(
			billing.Plan{ID: "a", Name: "A"},
			billing.Plan{ID: "a", Name: "B"},
		)
		require.ErrorIs(t, err, billing.ErrInvalidCatalog, "duplicate IDs")

		_, err = billing.NewCatalog(
			billing.Plan{ID: "a", Name: "Same"},
			billing.Plan{ID: "b", Name: "same"},
		)
		require.ErrorIs(t, err, billing.ErrInvalidCatalog, "names collide case-insensitively")

		_, err = billing.NewCatalog(
			billing.Plan{ID: "a", Name: "A", ExternalPriceID: "price_x"},
			billing.Plan{ID: "b", Name: "B", ExternalPriceID: "price_x"},
		)
		require.ErrorIs(t, err, billing.ErrInvalidCatalog, "duplicate gateway prices")

		_, err = billing.NewCatalog(billing.Plan{ID: "a", Name: "A", Level: -1})
		require.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}

func TestPlanExpiryFrom(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	free := billing.Plan{ID: "free", Name: "Free"}
	assert.Nil(t, free.ExpiryFrom(start))

	monthly := billing.Plan{ID: "starter", Name: "Starter", PeriodDays: 30}
	expiry := monthly.ExpiryFrom(start)
	require.NotNil(t, expiry)
	assert.Equal(t, start.AddDate(0, 0, 30), *expiry)
}
