// Package memstore is an in-memory billing.Store used by tests and local
// development. Transactions are simulated with a copy-on-write snapshot of
// the whole dataset under one mutex, which gives the same all-or-nothing
// semantics the SQL store provides without a database.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/billing/modules/billing"
)

// Store implements billing.Store in memory. Safe for concurrent use; the
// zero value is not usable, call New.
type Store struct {
	mu sync.Mutex
	d  dataset
}

// New returns an empty store.
func New() *Store {
	return &Store{d: dataset{
		subs:      make(map[uuid.UUID]billing.Subscription),
		history:   make(map[uuid.UUID][]billing.HistoryEvent),
		checkouts: make(map[uuid.UUID]billing.PendingCheckout),
	}}
}

// dataset holds everything by value so snapshots are plain map clones and
// callers can never alias stored state through returned pointers.
type dataset struct {
	subs      map[uuid.UUID]billing.Subscription // by tenant ID
	history   map[uuid.UUID][]billing.HistoryEvent
	checkouts map[uuid.UUID]billing.PendingCheckout
}

func (d *dataset) clone() dataset {
	c := dataset{
		subs:      maps.Clone(d.subs),
		history:   make(map[uuid.UUID][]billing.HistoryEvent, len(d.history)),
		checkouts: maps.Clone(d.checkouts),
	}
	for tenantID, events := range d.history {
		c.history[tenantID] = slices.Clone(events)
	}
	return c
}

func (d *dataset) getSubscription(tenantID uuid.UUID) (*billing.Subscription, error) {
	sub, ok := d.subs[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", billing.ErrSubscriptionNotFound, tenantID)
	}
	return &sub, nil
}

func (d *dataset) findByExternalID(externalSubID string) (*billing.Subscription, error) {
	if externalSubID != "" {
		for _, sub := range d.subs {
			if sub.ExternalSubscriptionID == externalSubID {
				return &sub, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: external subscription %s", billing.ErrSubscriptionNotFound, externalSubID)
}

func (d *dataset) findByExternalCustomer(externalCustomerID string) (*billing.Subscription, error) {
	if externalCustomerID != "" {
		for _, sub := range d.subs {
			if sub.ExternalCustomerID == externalCustomerID {
				return &sub, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: external customer %s", billing.ErrSubscriptionNotFound, externalCustomerID)
}

func (d *dataset) saveSubscription(sub *billing.Subscription) error {
	if sub.ExternalSubscriptionID != "" {
		for tenantID, existing := range d.subs {
			if tenantID != sub.TenantID && existing.ExternalSubscriptionID == sub.ExternalSubscriptionID {
				return fmt.Errorf("%w: external subscription %s belongs to tenant %s",
					billing.ErrSubscriptionAlreadyExists, sub.ExternalSubscriptionID, tenantID)
			}
		}
	}
	d.subs[sub.TenantID] = *sub
	return nil
}

func (d *dataset) appendHistory(event *billing.HistoryEvent) error {
	d.history[event.TenantID] = append(d.history[event.TenantID], *event)
	return nil
}

func (d *dataset) listHistory(tenantID uuid.UUID) ([]billing.HistoryEvent, error) {
	events := slices.Clone(d.history[tenantID])
	slices.Reverse(events) // stored oldest first, returned newest first
	return events, nil
}

func (d *dataset) createPendingCheckout(pc *billing.PendingCheckout) error {
	for id, existing := range d.checkouts {
		if !existing.Completed && existing.ContactEmail == pc.ContactEmail {
			delete(d.checkouts, id)
		}
	}
	d.checkouts[pc.ID] = *pc
	return nil
}

func (d *dataset) attachCheckoutSession(token, externalSessionID string) error {
	for id, pc := range d.checkouts {
		if pc.Token != token {
			continue
		}
		if pc.Completed {
			return billing.ErrCheckoutCompleted
		}
		pc.ExternalSessionID = externalSessionID
		d.checkouts[id] = pc
		return nil
	}
	return fmt.Errorf("%w: token", billing.ErrCheckoutNotFound)
}

func (d *dataset) findCheckoutBySession(externalSessionID string, now time.Time) (*billing.PendingCheckout, error) {
	if externalSessionID != "" {
		for _, pc := range d.checkouts {
			if pc.ExternalSessionID != externalSessionID {
				continue
			}
			if !pc.Completed && pc.IsExpired(now) {
				break // expired records are treated as absent
			}
			return &pc, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s", billing.ErrCheckoutNotFound, externalSessionID)
}

func (d *dataset) completeCheckout(id uuid.UUID, now time.Time) error {
	pc, ok := d.checkouts[id]
	if !ok {
		return fmt.Errorf("%w: id %s", billing.ErrCheckoutNotFound, id)
	}
	if pc.Completed {
		return billing.ErrCheckoutCompleted
	}
	pc.Completed = true
	pc.CompletedAt = &now
	d.checkouts[id] = pc
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getSubscription(tenantID)
}

func (s *Store) FindSubscriptionByExternalID(ctx context.Context, externalSubID string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.findByExternalID(externalSubID)
}

func (s *Store) FindSubscriptionByExternalCustomer(ctx context.Context, externalCustomerID string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.findByExternalCustomer(externalCustomerID)
}

func (s *Store) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.saveSubscription(sub)
}

func (s *Store) AppendHistory(ctx context.Context, event *billing.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.appendHistory(event)
}

func (s *Store) ListHistory(ctx context.Context, tenantID uuid.UUID) ([]billing.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listHistory(tenantID)
}

func (s *Store) CreatePendingCheckout(ctx context.Context, pc *billing.PendingCheckout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createPendingCheckout(pc)
}

func (s *Store) AttachCheckoutSession(ctx context.Context, token, externalSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.attachCheckoutSession(token, externalSessionID)
}

func (s *Store) FindCheckoutBySession(ctx context.Context, externalSessionID string) (*billing.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.findCheckoutBySession(externalSessionID, time.Now().UTC())
}

func (s *Store) CompleteCheckout(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.completeCheckout(id, time.Now().UTC())
}

// WithinTx holds the store lock for the whole closure and rolls back to a
// snapshot on error. fn receives an unlocked view over the live dataset;
// it must not call back into the outer store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(ctx, &txView{d: &s.d}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// txView is the in-transaction face of the store: same operations, no
// locking, because WithinTx already holds the lock.
type txView struct {
	d *dataset
}

func (t *txView) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	return t.d.getSubscription(tenantID)
}

func (t *txView) FindSubscriptionByExternalID(ctx context.Context, externalSubID string) (*billing.Subscription, error) {
	return t.d.findByExternalID(externalSubID)
}

func (t *txView) FindSubscriptionByExternalCustomer(ctx context.Context, externalCustomerID string) (*billing.Subscription, error) {
	return t.d.findByExternalCustomer(externalCustomerID)
}

func (t *txView) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	return t.d.saveSubscription(sub)
}

func (t *txView) AppendHistory(ctx context.Context, event *billing.HistoryEvent) error {
	return t.d.appendHistory(event)
}

func (t *txView) ListHistory(ctx context.Context, tenantID uuid.UUID) ([]billing.HistoryEvent, error) {
	return t.d.listHistory(tenantID)
}

func (t *txView) CreatePendingCheckout(ctx context.Context, pc *billing.PendingCheckout) error {
	return t.d.createPendingCheckout(pc)
}

func (t *txView) AttachCheckoutSession(ctx context.Context, token, externalSessionID string) error {
	return t.d.attachCheckoutSession(token, externalSessionID)
}

func (t *txView) FindCheckoutBySession(ctx context.Context, externalSessionID string) (*billing.PendingCheckout, error) {
	return t.d.findCheckoutBySession(externalSessionID, time.Now().UTC())
}

func (t *txView) CompleteCheckout(ctx context.Context, id uuid.UUID) error {
	return t.d.completeCheckout(id, time.Now().UTC())
}

// WithinTx inside a transaction joins the ambient one.
func (t *txView) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Store) error) error {
	return fn(ctx, t)
}
