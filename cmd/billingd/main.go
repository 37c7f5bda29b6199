// Command billingd runs the subscription and billing reconciliation
// service: catalog reads, signup initiation, subscription commands and the
// Stripe webhook intake.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hireloop/billing/modules/billing"
	"github.com/hireloop/billing/modules/billing/pgstore"
	"github.com/hireloop/billing/pkg/config"
	"github.com/hireloop/billing/pkg/email"
	"github.com/hireloop/billing/pkg/httpserver"
	"github.com/hireloop/billing/pkg/logger"
	"github.com/hireloop/billing/pkg/pg"
	"github.com/hireloop/billing/pkg/redis"
)

type appConfig struct {
	Logger logger.Config
	PG     pg.Config
	Redis  redis.Config
	HTTP   httpserver.Config
	Email  email.Config
	Stripe billing.StripeConfig
	Plans  plansConfig

	ValidationCacheTTL time.Duration `env:"VALIDATION_CACHE_TTL" envDefault:"1m"`
}

// plansConfig binds the gateway price IDs the catalog is keyed on. They
// differ per Stripe account, so they come from the environment rather than
// the plan table.
type plansConfig struct {
	StarterPriceID string `env:"STRIPE_PRICE_STARTER,required"`
	GrowthPriceID  string `env:"STRIPE_PRICE_GROWTH,required"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.FromConfig(cfg.Logger, "billingd")...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		fatal(log, "postgres connection failed", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		fatal(log, "migrations failed", err)
	}

	var cache *billing.ValidationCache
	if redisClient, err := redis.Connect(ctx, cfg.Redis); err != nil {
		log.WarnContext(ctx, "redis unavailable, validation cache disabled", "error", err)
	} else {
		defer redisClient.Close() //nolint:errcheck
		cache = billing.NewValidationCache(redisClient, cfg.ValidationCacheTTL)
	}

	gateway, err := billing.NewStripeGateway(cfg.Stripe)
	if err != nil {
		fatal(log, "stripe configuration invalid", err)
	}

	sender, err := email.NewPostmarkSender(cfg.Email)
	if err != nil {
		log.WarnContext(ctx, "postmark not configured, logging emails instead", "error", err)
		sender = email.NewDevSender(log)
	}
	notifier := billing.NewEmailNotifier(sender)

	catalog := billing.MustNewCatalog(defaultPlans(cfg.Plans)...)

	store := pgstore.New(pool)
	provisioner := pgstore.NewProvisioner(pool)

	opts := []billing.Option{
		billing.WithNotifier(notifier),
		billing.WithValidationCache(cache),
		billing.WithLogger(log),
	}
	reconciler := billing.NewReconciler(store, catalog, gateway, provisioner, opts...)
	service := billing.NewCommandService(store, catalog, gateway, provisioner, opts...)

	handler := billing.NewHandler(service, reconciler, log)

	srv := httpserver.New(cfg.HTTP, log)
	if err := srv.Run(ctx, handler.Routes()); err != nil {
		fatal(log, "http server failed", err)
	}
}

// defaultPlans is the production catalog. Free covers individual candidate
// accounts; Starter and Growth are the self-serve paid tiers; Enterprise is
// sales-assisted and activated manually.
func defaultPlans(cfg plansConfig) []billing.Plan {
	return []billing.Plan{
		{
			ID:     "free",
			Name:   "Free",
			Level:  0,
			Price:  billing.Money{Amount: 0, Currency: "USD"},
			Limits: map[billing.Resource]int64{
				billing.ResourceJobPostings: 1,
				billing.ResourceSeats:       1,
				billing.ResourceCandidates:  25,
				billing.ResourceInterviews:  5,
			},
		},
		{
			ID:              "starter",
			Name:            "Starter",
			Level:           1,
			Price:           billing.Money{Amount: 4900, Currency: "USD"},
			ExternalPriceID: cfg.StarterPriceID,
			PeriodDays:      30,
			Limits: map[billing.Resource]int64{
				billing.ResourceJobPostings: 5,
				billing.ResourceSeats:       3,
				billing.ResourceCandidates:  500,
				billing.ResourceInterviews:  50,
			},
			Features: []billing.Feature{billing.FeatureAnalytics},
		},
		{
			ID:              "growth",
			Name:            "Growth",
			Level:           2,
			Price:           billing.Money{Amount: 14900, Currency: "USD"},
			ExternalPriceID: cfg.GrowthPriceID,
			PeriodDays:      30,
			Limits: map[billing.Resource]int64{
				billing.ResourceJobPostings: 25,
				billing.ResourceSeats:       10,
				billing.ResourceCandidates:  5000,
				billing.ResourceInterviews:  billing.Unlimited,
			},
			Features: []billing.Feature{
				billing.FeatureAnalytics,
				billing.FeatureAPI,
			},
		},
		{
			ID:         "enterprise",
			Name:       "Enterprise",
			Level:      3,
			Price:      billing.Money{Amount: 49900, Currency: "USD"},
			PeriodDays: 365,
			Limits: map[billing.Resource]int64{
				billing.ResourceJobPostings: billing.Unlimited,
				billing.ResourceSeats:       billing.Unlimited,
				billing.ResourceCandidates:  billing.Unlimited,
				billing.ResourceInterviews:  billing.Unlimited,
			},
			Features: []billing.Feature{
				billing.FeatureAnalytics,
				billing.FeatureAPI,
				billing.FeatureCustomBranding,
				billing.FeaturePrioritySupport,
			},
		},
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
