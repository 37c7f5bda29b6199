package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/hireloop/billing/modules/billing"
	"github.com/hireloop/billing/modules/billing/memstore"
)

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	catalog, err := billing.NewCatalog(
		billing.Plan{
			ID:    "free",
			Name:  "Free",
			Level: 0,
			Price: billing.Money{Amount: 0, Currency: "USD"},
		},
		billing.Plan{
			ID:              "starter",
			Name:            "Starter",
			Level:           1,
			Price:           billing.Money{Amount: 4900, Currency: "USD"},
			ExternalPriceID: "price_starter",
			PeriodDays:      30,
		},
		billing.Plan{
			ID:              "growth",
			Name:            "Growth",
			Level:           2,
			Price:           billing.Money{Amount: 14900, Currency: "USD"},
			ExternalPriceID: "price_growth",
			PeriodDays:      30,
		},
	)
	if err != nil {
		t.Fatalf("building test catalog: %v", err)
	}
	return catalog
}

// fakeGateway satisfies billing.PaymentGateway with canned responses and
// call recording. The zero value succeeds on every call.
type fakeGateway struct {
	mu sync.Mutex

	customerSeq   int
	createdEmails []string

	sessionURL   string
	sessionSeq   int
	sessionErr   error
	customerErr  error
	updateErr    error
	cancelErr    error
	updateCalls  [][2]string // externalSubID, newPriceID
	cancelCalls  []string
	portalCalls  []string
	webhookEvent billing.Event
	webhookErr   error
}

func (g *fakeGateway) CreateCustomer(_ context.Context, email, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.customerErr != nil {
		return "", g.customerErr
	}
	g.customerSeq++
	g.createdEmails = append(g.createdEmails, email)
	return fmt.Sprintf("cus_%03d", g.customerSeq), nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, _, _, _, _ string) (*billing.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	g.sessionSeq++
	url := g.sessionURL
	if url == "" {
		url = "https://checkout.example.com/pay"
	}
	return &billing.CheckoutSession{ID: fmt.Sprintf("cs_%03d", g.sessionSeq), URL: url}, nil
}

func (g *fakeGateway) UpdateSubscriptionItem(_ context.Context, externalSubID, newPriceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return g.updateErr
	}
	g.updateCalls = append(g.updateCalls, [2]string{externalSubID, newPriceID})
	return nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, externalSubID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls = append(g.cancelCalls, externalSubID)
	return g.cancelErr
}

func (g *fakeGateway) CreateBillingPortalSession(_ context.Context, customerID, _ string) (*billing.PortalSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.portalCalls = append(g.portalCalls, customerID)
	return &billing.PortalSession{URL: "https://billing.example.com/portal"}, nil
}

func (g *fakeGateway) VerifyAndParseWebhook(_ []byte, _ string) (billing.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.webhookErr != nil {
		return nil, g.webhookErr
	}
	return g.webhookEvent, nil
}

// fakeProvisioner hands out one stable tenant per contact email so replays
// resolve to the same identity, mirroring the idempotent SQL provisioner.
type fakeProvisioner struct {
	mu      sync.Mutex
	byEmail map[string]*billing.Provisioned
	calls   int
	err     error
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{byEmail: make(map[string]*billing.Provisioned)}
}

func (p *fakeProvisioner) Provision(_ context.Context, req billing.ProvisionRequest) (*billing.Provisioned, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls++
	if existing, ok := p.byEmail[req.ContactEmail]; ok {
		return existing, nil
	}
	provisioned := &billing.Provisioned{
		TenantID:     uuid.New(),
		UserID:       uuid.New(),
		TempPassword: "temp-secret",
	}
	p.byEmail[req.ContactEmail] = provisioned
	return provisioned, nil
}

// fakeNotifier records notifications instead of sending them.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []billing.Notification
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, notification billing.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) sentKinds() []billing.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]billing.NotificationKind, 0, len(n.sent))
	for _, notification := range n.sent {
		kinds = append(kinds, notification.Kind)
	}
	return kinds
}

// testEnv wires the billing core against the memstore and the fakes.
type testEnv struct {
	store       *memstore.Store
	catalog     *billing.Catalog
	gateway     *fakeGateway
	provisioner *fakeProvisioner
	notifier    *fakeNotifier
	reconciler  *billing.Reconciler
	service     *billing.CommandService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       memstore.New(),
		catalog:     testCatalog(t),
		gateway:     &fakeGateway{},
		provisioner: newFakeProvisioner(),
		notifier:    &fakeNotifier{},
	}
	opts := []billing.Option{billing.WithNotifier(env.notifier)}
	env.reconciler = billing.NewReconciler(env.store, env.catalog, env.gateway, env.provisioner, opts...)
	env.service = billing.NewCommandService(env.store, env.catalog, env.gateway, env.provisioner, opts...)
	return env
}
