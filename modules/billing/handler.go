package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxWebhookBody caps the raw webhook payload. Stripe events are a few KB;
// anything larger is not a legitimate event.
const maxWebhookBody = 64 << 10

// Handler is the HTTP surface over the command service and the webhook
// intake. All routes are thin JSON wrappers; domain logic stays in the
// service and the reconciler.
type Handler struct {
	service    *CommandService
	reconciler *Reconciler
	log        *slog.Logger
}

// NewHandler builds the HTTP surface.
func NewHandler(service *CommandService, reconciler *Reconciler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{service: service, reconciler: reconciler, log: log}
}

// Routes mounts every billing endpoint on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/webhooks/stripe", h.handleStripeWebhook)

	r.Get("/plans", h.handleListPlans)
	r.Post("/signup/free", h.handleFreeSignup)
	r.Post("/signup/checkout", h.handlePaidSignup)
	r.Post("/signup/enterprise", h.handleEnterpriseSignup)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/subscription", h.handleGetSubscription)
		r.Get("/history", h.handleGetHistory)
		r.Get("/valid", h.handleValidate)
		r.Post("/activate", h.handleActivate)
		r.Post("/upgrade", h.handleUpgrade)
		r.Post("/cancel", h.handleCancel)
		r.Post("/reactivate", h.handleReactivate)
		r.Post("/checkout", h.handleCheckout)
		r.Post("/portal", h.handlePortal)
	})

	return r
}

// handleStripeWebhook verifies and applies one gateway event. Signature or
// parse failures are the caller's fault (4xx, no retry); anything that
// fails after verification is reported 5xx so the gateway redelivers.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds size limit")
		return
	}

	err = h.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrWebhookSignature):
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook verification failed")
		return
	case err != nil:
		h.log.ErrorContext(r.Context(), "webhook reconciliation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "reconciliation_failed", "event could not be applied")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Plans())
}

type signupPayload struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	CompanyName   string `json:"company_name,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	PlanID        string `json:"plan_id"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

func (p signupPayload) toRequest() SignupRequest {
	return SignupRequest{
		Email:         p.Email,
		Name:          p.Name,
		CompanyName:   p.CompanyName,
		CompanyDomain: p.CompanyDomain,
		PlanID:        p.PlanID,
		SuccessURL:    p.SuccessURL,
		CancelURL:     p.CancelURL,
	}
}

func (h *Handler) handleFreeSignup(w http.ResponseWriter, r *http.Request) {
	var payload signupPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	sub, err := h.service.StartFreeSignup(r.Context(), payload.toRequest())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, subscriptionView(sub))
}

func (h *Handler) handlePaidSignup(w http.ResponseWriter, r *http.Request) {
	var payload signupPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	intent, err := h.service.StartPaidSignup(r.Context(), payload.toRequest())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"token":        intent.Token,
		"session_id":   intent.SessionID,
		"checkout_url": intent.CheckoutURL,
	})
}

func (h *Handler) handleEnterpriseSignup(w http.ResponseWriter, r *http.Request) {
	var payload signupPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	sub, err := h.service.StartEnterpriseSignup(r.Context(), payload.toRequest())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, subscriptionView(sub))
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	sub, err := h.service.Subscription(r.Context(), tenantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	history, err := h.service.History(r.Context(), tenantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	valid, err := h.service.Validate(r.Context(), tenantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	sub, err := h.service.ActivateManually(r.Context(), tenantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Email    string `json:"email,omitempty"`
		PriceID  string `json:"price_id,omitempty"`
		PlanName string `json:"plan_name,omitempty"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	sub, err := h.service.Upgrade(r.Context(), tenantID, payload.Email, UpgradeTarget{
		PriceID:  payload.PriceID,
		PlanName: payload.PlanName,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Email string `json:"email,omitempty"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	sub, err := h.service.Cancel(r.Context(), tenantID, payload.Email)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	sub, err := h.service.Reactivate(r.Context(), tenantID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		Email      string `json:"email"`
		PriceID    string `json:"price_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	session, err := h.service.CreateCheckoutSession(r.Context(), tenantID, payload.Email, payload.PriceID, payload.SuccessURL, payload.CancelURL)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	})
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var payload struct {
		ReturnURL string `json:"return_url"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	session, err := h.service.CreateBillingPortalSession(r.Context(), tenantID, payload.ReturnURL)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"portal_url": session.URL})
}

// subscriptionView is the JSON shape of a subscription, presenting the
// derived effective status rather than the raw stored one.
func subscriptionView(sub *Subscription) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"tenant_id":   sub.TenantID,
		"plan_id":     sub.PlanID,
		"status":      sub.EffectiveStatus(now),
		"valid":       sub.IsValid(now),
		"started_at":  sub.StartedAt,
		"expires_at":  sub.ExpiresAt,
		"renewed_at":  sub.RenewedAt,
		"canceled_at": sub.CanceledAt,
	}
}

func tenantIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_tenant_id", "tenant ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}

// respondDomainError maps sentinel errors onto stable HTTP codes. Anything
// unrecognized is treated as an infrastructure failure.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrCheckoutNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrSubscriptionAlreadyExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyCanceled),
		errors.Is(err, ErrNotCanceled),
		errors.Is(err, ErrCheckoutCompleted):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrNotAnUpgrade),
		errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrPlanNotPurchasable),
		errors.Is(err, ErrNoExternalCustomer),
		errors.Is(err, ErrNoExternalSubscription):
		respondError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		h.log.ErrorContext(r.Context(), "billing request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "request could not be completed")
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
