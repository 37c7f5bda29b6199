package billing

import (
	"context"

	"github.com/google/uuid"
)

// ProvisionRequest describes the identity to materialize when a signup is
// confirmed. Company signups get a dedicated tenant; individual candidate
// signups land in the shared candidates tenant.
type ProvisionRequest struct {
	ContactEmail  string
	ContactName   string
	CompanyName   string // empty for individual signups
	CompanyDomain string
	PlanID        string
}

// Provisioned reports the identity created for a confirmed signup. The
// temporary credential is returned in the clear exactly once so the welcome
// notification can carry it; only its hash is persisted.
type Provisioned struct {
	TenantID     uuid.UUID
	UserID       uuid.UUID
	TempPassword string
}

// TenantProvisioner is the delegated identity boundary: user record creation
// and default role assignment are owned elsewhere. It is called inside the
// reconciliation transaction so a provisioning failure rolls the whole
// event back.
type TenantProvisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Provisioned, error)
}
