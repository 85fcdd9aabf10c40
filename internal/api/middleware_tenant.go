package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/rcourtman/mealplan-entitlements/internal/logging"
)

type TenantContextKey string

const (
	TenantIDContextKey TenantContextKey = "tenant_id"

	// TenantIDHeader carries the tenant a request acts for. Callers are
	// trusted upstream services that have already authenticated the user.
	TenantIDHeader = "X-Tenant-ID"

	maxTenantIDLength = 128
)

// RequireTenant resolves the tenant from the request and rejects requests
// that do not name a valid one.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenantID == "" {
			writeErrorResponse(w, http.StatusBadRequest, "tenant_required",
				"The "+TenantIDHeader+" header is required", nil)
			return
		}
		if !isValidTenantID(tenantID) {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_tenant",
				"Tenant id contains invalid characters", nil)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDContextKey, tenantID)
		logging.FromContext(ctx).Debug().Str("tenant_id", tenantID).Str("path", r.URL.Path).Msg("Tenant resolved")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID returns the tenant resolved by RequireTenant, or "".
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(TenantIDContextKey).(string); ok {
		return id
	}
	return ""
}

func isValidTenantID(id string) bool {
	if id == "" || len(id) > maxTenantIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':', r == '@':
		default:
			return false
		}
	}
	return true
}
