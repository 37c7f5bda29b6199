// Package pgstore is the Postgres implementation of billing.Store on
// pgx. All multi-step mutations run in a single database transaction via
// WithinTx; uniqueness on tenant ID and on the gateway subscription ID is
// enforced by the schema, not in code.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hireloop/billing/modules/billing"
	"github.com/hireloop/billing/pkg/pg"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the same query methods serve both the ambient and transactional store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store over Postgres.
type Store struct {
	db   querier
	pool *pgxpool.Pool // nil inside a transaction
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

const subscriptionColumns = `tenant_id, plan_id, status, external_customer_id, external_subscription_id,
	started_at, expires_at, renewed_at, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	err := row.Scan(
		&sub.TenantID, &sub.PlanID, &status, &sub.ExternalCustomerID, &sub.ExternalSubscriptionID,
		&sub.StartedAt, &sub.ExpiresAt, &sub.RenewedAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.Status(status)
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
	sub, err := scanSubscription(row)
	if pg.IsNotFound(err) {
		return nil, fmt.Errorf("%w: tenant %s", billing.ErrSubscriptionNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) FindSubscriptionByExternalID(ctx context.Context, externalSubID string) (*billing.Subscription, error) {
	if externalSubID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`, externalSubID)
	sub, err := scanSubscription(row)
	if pg.IsNotFound(err) {
		return nil, fmt.Errorf("%w: external subscription %s", billing.ErrSubscriptionNotFound, externalSubID)
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription by external id: %w", err)
	}
	return sub, nil
}

func (s *Store) FindSubscriptionByExternalCustomer(ctx context.Context, externalCustomerID string) (*billing.Subscription, error) {
	if externalCustomerID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_customer_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, externalCustomerID)
	sub, err := scanSubscription(row)
	if pg.IsNotFound(err) {
		return nil, fmt.Errorf("%w: external customer %s", billing.ErrSubscriptionNotFound, externalCustomerID)
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription by external customer: %w", err)
	}
	return sub, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			external_customer_id = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			started_at = EXCLUDED.started_at,
			expires_at = EXCLUDED.expires_at,
			renewed_at = EXCLUDED.renewed_at,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = EXCLUDED.updated_at`,
		sub.TenantID, sub.PlanID, string(sub.Status), sub.ExternalCustomerID, sub.ExternalSubscriptionID,
		sub.StartedAt, sub.ExpiresAt, sub.RenewedAt, sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if pg.IsDuplicateKey(err) {
		return fmt.Errorf("%w: external subscription %s", billing.ErrSubscriptionAlreadyExists, sub.ExternalSubscriptionID)
	}
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, event *billing.HistoryEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscription_history (
			id, tenant_id, action,
			prev_plan_name, prev_plan_amount, prev_plan_currency,
			new_plan_name, new_plan_amount, new_plan_currency,
			reason, actor, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.TenantID, string(event.Action),
		event.PrevPlanName, event.PrevPlanPrice.Amount, event.PrevPlanPrice.Currency,
		event.NewPlanName, event.NewPlanPrice.Amount, event.NewPlanPrice.Currency,
		event.Reason, string(event.Actor), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, tenantID uuid.UUID) ([]billing.HistoryEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, action,
			prev_plan_name, prev_plan_amount, prev_plan_currency,
			new_plan_name, new_plan_amount, new_plan_currency,
			reason, actor, created_at
		 FROM subscription_history
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var events []billing.HistoryEvent
	for rows.Next() {
		var ev billing.HistoryEvent
		var action, actor string
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &action,
			&ev.PrevPlanName, &ev.PrevPlanPrice.Amount, &ev.PrevPlanPrice.Currency,
			&ev.NewPlanName, &ev.NewPlanPrice.Amount, &ev.NewPlanPrice.Currency,
			&ev.Reason, &actor, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Action = billing.HistoryAction(action)
		ev.Actor = billing.Actor(actor)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return events, nil
}

func (s *Store) CreatePendingCheckout(ctx context.Context, pc *billing.PendingCheckout) error {
	// At most one uncompleted intent per email: the newest one wins.
	_, err := s.db.Exec(ctx,
		`DELETE FROM pending_checkouts WHERE contact_email = $1 AND NOT completed`, pc.ContactEmail)
	if err != nil {
		return fmt.Errorf("purge pending checkouts: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO pending_checkouts (
			id, token, external_session_id, external_customer_id,
			contact_email, contact_name, company_name, company_domain,
			plan_id, expires_at, completed, completed_at, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pc.ID, pc.Token, pc.ExternalSessionID, pc.ExternalCustomerID,
		pc.ContactEmail, pc.ContactName, pc.CompanyName, pc.CompanyDomain,
		pc.PlanID, pc.ExpiresAt, pc.Completed, pc.CompletedAt, pc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pending checkout: %w", err)
	}
	return nil
}

func (s *Store) AttachCheckoutSession(ctx context.Context, token, externalSessionID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_checkouts SET external_session_id = $2 WHERE token = $1 AND NOT completed`,
		token, externalSessionID)
	if err != nil {
		return fmt.Errorf("attach checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: token", billing.ErrCheckoutNotFound)
	}
	return nil
}

func (s *Store) FindCheckoutBySession(ctx context.Context, externalSessionID string) (*billing.PendingCheckout, error) {
	if externalSessionID == "" {
		return nil, billing.ErrCheckoutNotFound
	}
	row := s.db.QueryRow(ctx,
		`SELECT id, token, external_session_id, external_customer_id,
			contact_email, contact_name, company_name, company_domain,
			plan_id, expires_at, completed, completed_at, created_at
		 FROM pending_checkouts
		 WHERE external_session_id = $1 AND (completed OR expires_at > now())`,
		externalSessionID)

	var pc billing.PendingCheckout
	err := row.Scan(
		&pc.ID, &pc.Token, &pc.ExternalSessionID, &pc.ExternalCustomerID,
		&pc.ContactEmail, &pc.ContactName, &pc.CompanyName, &pc.CompanyDomain,
		&pc.PlanID, &pc.ExpiresAt, &pc.Completed, &pc.CompletedAt, &pc.CreatedAt,
	)
	if pg.IsNotFound(err) {
		return nil, fmt.Errorf("%w: session %s", billing.ErrCheckoutNotFound, externalSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find checkout by session: %w", err)
	}
	return &pc, nil
}

func (s *Store) CompleteCheckout(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_checkouts SET completed = true, completed_at = now()
		 WHERE id = $1 AND NOT completed`, id)
	if err != nil {
		return fmt.Errorf("complete checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var completed bool
		if err := s.db.QueryRow(ctx,
			`SELECT completed FROM pending_checkouts WHERE id = $1`, id).Scan(&completed); err == nil && completed {
			return billing.ErrCheckoutCompleted
		}
		return fmt.Errorf("%w: id %s", billing.ErrCheckoutNotFound, id)
	}
	return nil
}

// WithinTx runs fn in one database transaction. Called on a store that is
// already transactional it joins the ambient transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, &Store{db: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
