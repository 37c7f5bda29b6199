package billing

import (
	"fmt"
	"slices"
	"strings"
)

// Catalog is the read-only plan lookup. It is built once at startup and
// validated eagerly so misconfigured plans fail the service before it can
// accept traffic.
type Catalog struct {
	plans   []Plan
	byID    map[string]Plan
	byName  map[string]Plan
	byPrice map[string]Plan
}

// NewCatalog validates the plan definitions and returns a catalog.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidCatalog)
	}

	c := &Catalog{
		plans:   slices.Clone(plans),
		byID:    make(map[string]Plan, len(plans)),
		byName:  make(map[string]Plan, len(plans)),
		byPrice: make(map[string]Plan, len(plans)),
	}

	for _, plan := range plans {
		if plan.ID == "" || plan.Name == "" {
			return nil, fmt.Errorf("%w: plan ID and name are required", ErrInvalidCatalog)
		}
		if plan.Level < 0 {
			return nil, fmt.Errorf("%w: plan %s has negative level", ErrInvalidCatalog, plan.ID)
		}
		if plan.PeriodDays < 0 {
			return nil, fmt.Errorf("%w: plan %s has negative billing period", ErrInvalidCatalog, plan.ID)
		}
		if _, exists := c.byID[plan.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate plan ID %s", ErrInvalidCatalog, plan.ID)
		}
		key := strings.ToLower(plan.Name)
		if _, exists := c.byName[key]; exists {
			return nil, fmt.Errorf("%w: duplicate plan name %s", ErrInvalidCatalog, plan.Name)
		}
		c.byID[plan.ID] = plan
		c.byName[key] = plan

		if plan.ExternalPriceID != "" {
			if _, exists := c.byPrice[plan.ExternalPriceID]; exists {
				return nil, fmt.Errorf("%w: duplicate external price ID %s", ErrInvalidCatalog, plan.ExternalPriceID)
			}
			c.byPrice[plan.ExternalPriceID] = plan
		}
	}

	slices.SortFunc(c.plans, func(a, b Plan) int {
		return int(a.Price.Amount - b.Price.Amount)
	})

	return c, nil
}

// MustNewCatalog panics on invalid plan definitions; used at startup where
// a broken catalog must prevent the service from starting.
func MustNewCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(id string) (Plan, error) {
	plan, ok := c.byID[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: id %s", ErrPlanNotFound, id)
	}
	return plan, nil
}

// FindByName returns the plan with the given name, case-insensitive.
func (c *Catalog) FindByName(name string) (Plan, error) {
	plan, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return Plan{}, fmt.Errorf("%w: name %s", ErrPlanNotFound, name)
	}
	return plan, nil
}

// FindByExternalPriceID returns the plan backed by the given gateway price.
// A miss means the catalog and the gateway have drifted apart; callers must
// surface it, never skip it.
func (c *Catalog) FindByExternalPriceID(priceID string) (Plan, error) {
	plan, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: external price %s", ErrPlanNotFound, priceID)
	}
	return plan, nil
}

// List returns all plans ordered by price ascending.
func (c *Catalog) List() []Plan {
	return slices.Clone(c.plans)
}
