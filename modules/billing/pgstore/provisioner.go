package pgstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/hireloop/billing/modules/billing"
	"github.com/hireloop/billing/pkg/pg"
)

// CandidatesTenantID is the well-known shared tenant that every individual
// candidate signup lands in. Company signups get a dedicated tenant.
var CandidatesTenantID = uuid.MustParse("00000000-0000-0000-0000-00000000c0de")

// Provisioner implements billing.TenantProvisioner on Postgres. Every
// operation is idempotent: a replayed provision for a known email reuses
// the existing tenant and user, resetting the temporary credential so the
// welcome notice stays truthful.
type Provisioner struct {
	pool *pgxpool.Pool
}

// NewProvisioner wraps a connection pool.
func NewProvisioner(pool *pgxpool.Pool) *Provisioner {
	return &Provisioner{pool: pool}
}

func (p *Provisioner) Provision(ctx context.Context, req billing.ProvisionRequest) (*billing.Provisioned, error) {
	email := strings.ToLower(strings.TrimSpace(req.ContactEmail))
	if email == "" {
		return nil, fmt.Errorf("pgstore: provision requires a contact email")
	}

	tempPassword := newTempPassword()
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash temporary password: %w", err)
	}

	// Reuse an existing user on replay instead of creating a duplicate.
	var existing billing.Provisioned
	err = p.pool.QueryRow(ctx,
		`SELECT id, tenant_id FROM users WHERE email = $1`, email,
	).Scan(&existing.UserID, &existing.TenantID)
	switch {
	case err == nil:
		if _, err := p.pool.Exec(ctx,
			`UPDATE users SET password_hash = $2 WHERE id = $1`, existing.UserID, hash); err != nil {
			return nil, fmt.Errorf("reset temporary credential: %w", err)
		}
		existing.TempPassword = tempPassword
		return &existing, nil
	case !pg.IsNotFound(err):
		return nil, fmt.Errorf("look up user: %w", err)
	}

	tenantID := CandidatesTenantID
	if req.CompanyName != "" {
		tenantID = uuid.New()
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO tenants (id, name, domain, kind) VALUES ($1, $2, $3, 'company')`,
			tenantID, req.CompanyName, req.CompanyDomain); err != nil {
			return nil, fmt.Errorf("create company tenant: %w", err)
		}
	} else {
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO tenants (id, name, domain, kind) VALUES ($1, 'Candidates', '', 'candidates')
			 ON CONFLICT (id) DO NOTHING`, tenantID); err != nil {
			return nil, fmt.Errorf("ensure candidates tenant: %w", err)
		}
	}

	userID := uuid.New()
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, tenant_id, email, name, password_hash) VALUES ($1, $2, $3, $4, $5)`,
		userID, tenantID, email, req.ContactName, hash); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &billing.Provisioned{
		TenantID:     tenantID,
		UserID:       userID,
		TempPassword: tempPassword,
	}, nil
}

// newTempPassword returns a 16-character URL-safe credential the user is
// told to replace at first sign-in.
func newTempPassword() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
