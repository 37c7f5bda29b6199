package billing

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// DefaultCheckoutTTL bounds how long a signup may wait on gateway
// confirmation before the pending record is treated as absent.
const DefaultCheckoutTTL = 24 * time.Hour

// PendingCheckout bridges a signup or upgrade intent and the eventual
// gateway confirmation. At most one uncompleted record exists per contact
// email; a record is completed exactly once and never resurrected.
type PendingCheckout struct {
	ID                 uuid.UUID
	Token              string // opaque success token handed to the frontend
	ExternalSessionID  string // gateway checkout session, empty until attached
	ExternalCustomerID string
	ContactEmail       string
	ContactName        string
	CompanyName        string // empty for individual candidate signups
	CompanyDomain      string
	PlanID             string
	ExpiresAt          time.Time
	Completed          bool
	CompletedAt        *time.Time
	CreatedAt          time.Time
}

// IsExpired reports whether the checkout window has closed. Expiry is
// enforced by read-time filtering, not a background sweep.
func (pc *PendingCheckout) IsExpired(now time.Time) bool {
	return now.After(pc.ExpiresAt)
}

// IsCompany reports whether completion should provision a dedicated tenant.
func (pc *PendingCheckout) IsCompany() bool {
	return pc.CompanyName != ""
}

// NewCheckoutToken generates the opaque success token for a pending
// checkout. 32 bytes of entropy keeps the token unguessable without making
// the URL unwieldy.
func NewCheckoutToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot do anything safely.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
