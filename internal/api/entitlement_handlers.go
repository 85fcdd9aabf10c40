package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/mealplan-entitlements/internal/entitlements"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const (
	maxRequestBodyBytes = 64 << 10
	maxChecksPerRequest = 16
)

// EntitlementService is the part of *entitlements.Service the handlers use.
type EntitlementService interface {
	Gate
	GetEntitlements(ctx context.Context, tenantID string) (pkgentitlements.Entitlements, bool, error)
	Reserve(ctx context.Context, tenantID string, resource pkgentitlements.Resource, delta int64) (entitlements.Reservation, error)
	UpgradeHints(e pkgentitlements.Entitlements) []pkgentitlements.UpgradeHint
	Catalog() *pkgentitlements.Catalog
	Invalidate(tenantID string)
	InvalidateAll()
}

// EntitlementHandlers serves the tenant-facing entitlement endpoints.
type EntitlementHandlers struct {
	service EntitlementService
	now     func() time.Time
}

// NewEntitlementHandlers creates the handlers.
func NewEntitlementHandlers(service EntitlementService) *EntitlementHandlers {
	return &EntitlementHandlers{service: service, now: time.Now}
}

// HandleGetEntitlements returns the entitlement payload for the request's tenant.
func (h *EntitlementHandlers) HandleGetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	e, cached, err := h.service.GetEntitlements(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	payload := pkgentitlements.BuildPayload(tenantID, e, cached, h.service.UpgradeHints(e), h.now())
	w.Header().Set("Cache-Control", "private, max-age="+fmt.Sprint(payload.TTL))
	writeJSON(w, http.StatusOK, payload)
}

// checkRequest is one gate check. Exactly one of Feature or Resource is set,
// unless Checks lists several checks to evaluate together.
type checkRequest struct {
	Feature  string         `json:"feature,omitempty"`
	Level    string         `json:"level,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Delta    *int64         `json:"delta,omitempty"`
	Checks   []checkRequest `json:"checks,omitempty"`
}

func (c checkRequest) single() (pkgentitlements.Check, error) {
	switch {
	case c.Feature != "" && c.Resource != "":
		return nil, errors.New("a check names either a feature or a resource, not both")
	case c.Feature != "":
		req, err := pkgentitlements.ParseFeature(c.Feature, c.Level)
		if err != nil {
			return nil, err
		}
		return req, nil
	case c.Resource != "":
		resource, err := pkgentitlements.ParseResource(c.Resource)
		if err != nil {
			return nil, err
		}
		if err := pkgentitlements.ValidateDelta(c.delta()); err != nil {
			return nil, err
		}
		return pkgentitlements.RequireQuantity(resource, c.delta()), nil
	default:
		return nil, errors.New("a check must name a feature or a resource")
	}
}

// delta defaults to adding one item.
func (c checkRequest) delta() int64 {
	if c.Delta == nil {
		return 1
	}
	return *c.Delta
}

func (c checkRequest) toChecks() ([]pkgentitlements.Check, error) {
	if len(c.Checks) == 0 {
		check, err := c.single()
		if err != nil {
			return nil, err
		}
		return []pkgentitlements.Check{check}, nil
	}

	if c.Feature != "" || c.Resource != "" {
		return nil, errors.New("checks cannot be combined with a top-level feature or resource")
	}
	if len(c.Checks) > maxChecksPerRequest {
		return nil, fmt.Errorf("at most %d checks per request", maxChecksPerRequest)
	}
	checks := make([]pkgentitlements.Check, 0, len(c.Checks))
	for i, nested := range c.Checks {
		if len(nested.Checks) > 0 {
			return nil, fmt.Errorf("checks[%d]: nested checks are not supported", i)
		}
		check, err := nested.single()
		if err != nil {
			return nil, fmt.Errorf("checks[%d]: %w", i, err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// HandleCheck evaluates one or more checks. An allowed decision is returned
// with 200; a denial with 403 and an upgrade body.
func (h *EntitlementHandlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	checks, err := req.toChecks()
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_check", err.Error(), nil)
		return
	}

	decision, err := h.service.Check(r.Context(), GetTenantID(r.Context()), checks...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !decision.Allowed {
		writeDenial(w, decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type reserveRequest struct {
	Resource string `json:"resource"`
	Delta    *int64 `json:"delta,omitempty"`
}

// HandleReserve gates and records adding items of a resource.
func (h *EntitlementHandlers) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	resource, err := pkgentitlements.ParseResource(req.Resource)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_check", err.Error(), nil)
		return
	}
	delta := int64(1)
	if req.Delta != nil {
		delta = *req.Delta
	}
	if err := pkgentitlements.ValidateDelta(delta); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_check", err.Error(), nil)
		return
	}

	reservation, err := h.service.Reserve(r.Context(), GetTenantID(r.Context()), resource, delta)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !reservation.Decision.Allowed {
		writeDenial(w, reservation.Decision)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

type tiersResponse struct {
	Tiers []pkgentitlements.TierDefinition `json:"tiers"`
}

// HandleListTiers returns the active tier catalog, lowest tier first.
func (h *EntitlementHandlers) HandleListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tiersResponse{Tiers: h.service.Catalog().Definitions()})
}

// decodeJSONBody decodes a bounded JSON body into dst, writing a 400 on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		msg := "Invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "Request body too large"
		} else if strings.Contains(err.Error(), "unknown field") {
			msg = err.Error()
		}
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", msg, nil)
		return false
	}
	return true
}
