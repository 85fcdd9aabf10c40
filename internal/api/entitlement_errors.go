package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/mealplan-entitlements/internal/entitlements"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const (
	codeSubscriptionRequired = "subscription_required"
	codeProviderUnavailable  = "provider_unavailable"

	// providerRetryAfter is the Retry-After value, in seconds, sent when a
	// provider lookup fails transiently.
	providerRetryAfter = "1"
)

// writeDenial writes the 403 body for a denied gate decision.
func writeDenial(w http.ResponseWriter, decision pkgentitlements.Decision) {
	writeJSON(w, http.StatusForbidden, decision.DenialBody())
}

// writeServiceError maps an entitlement service error to an HTTP response.
// Denials never reach this function; they are decisions, not errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	tenantID := GetTenantID(r.Context())

	switch {
	case errors.Is(err, entitlements.ErrTenantRequired):
		writeErrorResponse(w, http.StatusBadRequest, "tenant_required", "A tenant id is required", nil)

	case errors.Is(err, pkgentitlements.ErrSubscriptionNotFound):
		writeJSON(w, http.StatusForbidden, pkgentitlements.DenialBody{
			Error:        "An active subscription is required",
			Code:         codeSubscriptionRequired,
			RequiredTier: pkgentitlements.TierStarter,
		})

	case errors.Is(err, pkgentitlements.ErrProviderUnavailable):
		w.Header().Set("Retry-After", providerRetryAfter)
		writeErrorResponse(w, http.StatusServiceUnavailable, codeProviderUnavailable,
			"Entitlements are temporarily unavailable, retry shortly", nil)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; nothing useful reaches it, so keep it out of error logs.
		log.Debug().Err(err).Str("tenant_id", tenantID).Str("path", r.URL.Path).Msg("Entitlement request abandoned by caller")
		writeErrorResponse(w, http.StatusServiceUnavailable, codeProviderUnavailable,
			"Request cancelled before entitlements were available", nil)

	case errors.Is(err, pkgentitlements.ErrUnknownFeature), errors.Is(err, pkgentitlements.ErrUnknownResource),
		errors.Is(err, pkgentitlements.ErrInvalidDelta):
		writeErrorResponse(w, http.StatusBadRequest, "invalid_check", err.Error(), nil)

	default:
		// Unknown tiers land here: a data defect, not something to retry.
		log.Error().Err(err).Str("tenant_id", tenantID).Str("path", r.URL.Path).Msg("Entitlement request failed")
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			"Failed to evaluate entitlements", nil)
	}
}
