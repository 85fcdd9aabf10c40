package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/mealplan-entitlements/internal/store"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// AdminStore is the persistence the admin endpoints read and write.
// *store.Store implements it.
type AdminStore interface {
	Events(ctx context.Context, tenantID string, limit int) ([]store.BillingEvent, error)
	SetUsage(ctx context.Context, tenantID string, resource pkgentitlements.Resource, count int64) error
}

// AdminHandlers serves operator endpoints.
type AdminHandlers struct {
	service EntitlementService
	store   AdminStore
}

// NewAdminHandlers creates the admin handlers.
func NewAdminHandlers(service EntitlementService, st AdminStore) *AdminHandlers {
	return &AdminHandlers{service: service, store: st}
}

type invalidateRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	All      bool   `json:"all,omitempty"`
}

// HandleInvalidate drops cached entitlements for one tenant or for all.
func (h *AdminHandlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)

	switch {
	case req.All && tenantID != "":
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Specify either tenantId or all, not both", nil)
		return
	case req.All:
		h.service.InvalidateAll()
		log.Info().Str("path", r.URL.Path).Msg("Admin invalidated all cached entitlements")
	case tenantID != "":
		h.service.Invalidate(tenantID)
		log.Info().Str("tenant_id", tenantID).Msg("Admin invalidated cached entitlements")
	default:
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "tenantId or all is required", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type billingEventsResponse struct {
	TenantID string               `json:"tenantId"`
	Events   []store.BillingEvent `json:"events"`
}

// HandleBillingEvents lists the applied subscription changes of a tenant,
// newest first.
func (h *AdminHandlers) HandleBillingEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if !isValidTenantID(tenantID) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_tenant", "Tenant id is invalid", nil)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxEventsLimit)
	}

	events, err := h.store.Events(r.Context(), tenantID, limit)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list billing events")
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list billing events", nil)
		return
	}
	if events == nil {
		events = []store.BillingEvent{}
	}
	writeJSON(w, http.StatusOK, billingEventsResponse{TenantID: tenantID, Events: events})
}

type setUsageRequest struct {
	Count *int64 `json:"count"`
}

// HandleSetUsage overwrites a tenant's stored count for a resource, e.g. after
// reconciling with the application database, and invalidates the tenant.
func (h *AdminHandlers) HandleSetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if !isValidTenantID(tenantID) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_tenant", "Tenant id is invalid", nil)
		return
	}
	resource, err := pkgentitlements.ParseResource(r.PathValue("resource"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_resource", err.Error(), nil)
		return
	}

	var req setUsageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Count == nil || *req.Count < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "count must be a non-negative integer", nil)
		return
	}

	if err := h.store.SetUsage(r.Context(), tenantID, resource, *req.Count); err != nil {
		if errors.Is(err, pkgentitlements.ErrUnknownResource) {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_resource", err.Error(), nil)
			return
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Str("resource", string(resource)).Msg("Failed to set usage")
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to set usage", nil)
		return
	}
	h.service.Invalidate(tenantID)
	log.Info().
		Str("tenant_id", tenantID).
		Str("resource", string(resource)).
		Int64("count", *req.Count).
		Msg("Admin set usage count")
	w.WriteHeader(http.StatusNoContent)
}
