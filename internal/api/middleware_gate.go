package api

import (
	"context"
	"net/http"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// Gate evaluates checks for a tenant. *entitlements.Service implements it.
type Gate interface {
	Check(ctx context.Context, tenantID string, checks ...pkgentitlements.Check) (pkgentitlements.Decision, error)
}

// RequireFeature guards next behind a feature requirement. Denied requests
// get a 403 with a self-describing upgrade body. The request must already
// carry a tenant (see RequireTenant).
func RequireFeature(gate Gate, req pkgentitlements.FeatureRequirement, next http.Handler) http.Handler {
	return requireChecks(gate, next, req)
}

// RequireQuantity guards next behind a quota check for adding delta units of
// resource. It only checks; callers that persist the new item should reserve
// capacity through the service instead.
func RequireQuantity(gate Gate, resource pkgentitlements.Resource, delta int64, next http.Handler) http.Handler {
	return requireChecks(gate, next, pkgentitlements.RequireQuantity(resource, delta))
}

func requireChecks(gate Gate, next http.Handler, checks ...pkgentitlements.Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := gate.Check(r.Context(), GetTenantID(r.Context()), checks...)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !decision.Allowed {
			writeDenial(w, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}
