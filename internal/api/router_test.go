package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/mealplan-entitlements/internal/billing"
	"github.com/rcourtman/mealplan-entitlements/internal/entitlements"
	"github.com/rcourtman/mealplan-entitlements/internal/store"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const testAdminToken = "admin-secret"

type testEnv struct {
	handler http.Handler
	store   *store.Store
	service *entitlements.Service
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := entitlements.NewService(st, st, entitlements.Options{
		Metrics: entitlements.NewMetrics(prometheus.NewRegistry()),
	})
	handler := NewRouter(RouterConfig{
		Service:    svc,
		Store:      st,
		Health:     st,
		Billing:    billing.NewNotifier(st, svc, nil),
		AdminToken: testAdminToken,
		Version:    "test",
	})
	return testEnv{handler: handler, store: st, service: svc}
}

func (e testEnv) seed(t *testing.T, tenantID string, tier pkgentitlements.Tier, customers, mealPlans int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.SaveSubscription(ctx, store.SubscriptionRecord{TenantID: tenantID, Tier: tier})
	require.NoError(t, err)
	require.NoError(t, e.store.SetUsage(ctx, tenantID, pkgentitlements.ResourceCustomers, customers))
	require.NoError(t, e.store.SetUsage(ctx, tenantID, pkgentitlements.ResourceMealPlans, mealPlans))
}

func (e testEnv) do(t *testing.T, method, path, tenantID, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetEntitlements_ReturnsPayloadAndCaches(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tenant-1", pkgentitlements.TierStarter, 8, 10)

	rec := env.do(t, http.MethodGet, "/api/v1/entitlements", "tenant-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	payload := decodeBody[pkgentitlements.Payload](t, rec)
	assert.Equal(t, "tenant-1", payload.TenantID)
	assert.Equal(t, pkgentitlements.TierStarter, payload.Tier)
	assert.Equal(t, pkgentitlements.StatusActive, payload.Status)
	assert.False(t, payload.Cached)
	assert.Equal(t, int64(8), payload.Usage.CustomerCount)
	require.Len(t, payload.Resources, 2)
	assert.Equal(t, "warning", payload.Resources[0].State)
	assert.NotEmpty(t, payload.UpgradeHints)

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements", "tenant-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[pkgentitlements.Payload](t, rec).Cached)
}

func TestGetEntitlements_TenantErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/entitlements", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tenant_required", decodeBody[APIError](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements", "tenant one", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements", "nobody", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody[pkgentitlements.DenialBody](t, rec)
	assert.Equal(t, "subscription_required", body.Code)
	assert.Equal(t, pkgentitlements.TierStarter, body.RequiredTier)
}

func TestCheck_Decisions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pro", pkgentitlements.TierProfessional, 20, 10)

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantCode     string
		wantRequired pkgentitlements.Tier
	}{
		{name: "feature_allowed", body: `{"feature":"export","level":"csv"}`, wantStatus: http.StatusOK},
		{name: "feature_denied", body: `{"feature":"analytics.advanced"}`, wantStatus: http.StatusForbidden,
			wantCode: pkgentitlements.CodeFeatureNotInPlan, wantRequired: pkgentitlements.TierEnterprise},
		{name: "quantity_at_limit", body: `{"resource":"customers","delta":1}`, wantStatus: http.StatusForbidden,
			wantCode: pkgentitlements.CodeLimitReached, wantRequired: pkgentitlements.TierEnterprise},
		{name: "quantity_default_delta", body: `{"resource":"mealPlans"}`, wantStatus: http.StatusOK},
		{name: "release_always_allowed", body: `{"resource":"customers","delta":-1}`, wantStatus: http.StatusOK},
		{name: "composite_short_circuits", body: `{"checks":[{"feature":"bulk_operations"},{"feature":"api_access"},{"resource":"customers"}]}`,
			wantStatus: http.StatusForbidden, wantCode: pkgentitlements.CodeFeatureNotInPlan, wantRequired: pkgentitlements.TierEnterprise},
		{name: "unknown_feature", body: `{"feature":"teleport"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_check"},
		{name: "unknown_resource", body: `{"resource":"recipes"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_check"},
		{name: "feature_and_resource", body: `{"feature":"api_access","resource":"customers"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_check"},
		{name: "empty_check", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_check"},
		{name: "unknown_field", body: `{"feature":"api_access","tier":"enterprise"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "malformed_json", body: `{"feature":`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/entitlements/check", "pro", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			switch tt.wantStatus {
			case http.StatusOK:
				assert.True(t, decodeBody[pkgentitlements.Decision](t, rec).Allowed)
			case http.StatusForbidden:
				body := decodeBody[pkgentitlements.DenialBody](t, rec)
				assert.Equal(t, tt.wantCode, body.Code)
				assert.Equal(t, tt.wantRequired, body.RequiredTier)
				assert.Equal(t, pkgentitlements.TierProfessional, body.CurrentTier)
				assert.NotEmpty(t, body.Error)
			default:
				assert.Equal(t, tt.wantCode, decodeBody[APIError](t, rec).Code)
			}
		})
	}
}

func TestCheck_LimitDenialCarriesCounts(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pro", pkgentitlements.TierProfessional, 20, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/check", "pro", `{"resource":"customers","delta":1}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody[pkgentitlements.DenialBody](t, rec)
	require.NotNil(t, body.Limit)
	require.NotNil(t, body.Current)
	assert.Equal(t, int64(20), *body.Limit)
	assert.Equal(t, int64(20), *body.Current)
}

func TestReserve_ConsumesCapacityUntilLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "starter", pkgentitlements.TierStarter, 8, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/reserve", "starter", `{"resource":"customers","delta":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reservation := decodeBody[entitlements.Reservation](t, rec)
	assert.True(t, reservation.Decision.Allowed)
	assert.True(t, reservation.Atomic)
	assert.Equal(t, int64(9), reservation.Current)

	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/reserve", "starter", `{"resource":"customers"}`)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, pkgentitlements.CodeLimitReached, decodeBody[pkgentitlements.DenialBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/reserve", "starter", `{"resource":"customers","delta":-2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), decodeBody[entitlements.Reservation](t, rec).Current)

	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/reserve", "starter", `{"resource":"pantry"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuantityEndpoints_RejectOutOfRangeDelta(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "starter", pkgentitlements.TierStarter, 9, 0)

	bodies := []string{
		`{"resource":"customers","delta":9223372036854775807}`,
		`{"resource":"customers","delta":-9223372036854775808}`,
		`{"resource":"customers","delta":1000001}`,
	}
	for _, body := range bodies {
		for _, path := range []string{"/api/v1/entitlements/check", "/api/v1/entitlements/reserve"} {
			rec := env.do(t, http.MethodPost, path, "starter", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s: %s", path, body, rec.Body.String())
			assert.Equal(t, "invalid_check", decodeBody[APIError](t, rec).Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/check", "starter",
		`{"checks":[{"feature":"export.pdf"},{"resource":"customers","delta":9223372036854775807}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	usage, err := env.store.Snapshot(context.Background(), "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(9), usage.CustomerCount)
}

func TestListTiers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tiers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[tiersResponse](t, rec)
	require.Len(t, body.Tiers, 3)
	assert.Equal(t, pkgentitlements.TierStarter, body.Tiers[0].Tier)
	assert.Equal(t, pkgentitlements.TierEnterprise, body.Tiers[2].Tier)
	assert.True(t, body.Tiers[2].Limits.Customers.IsUnlimited())
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/admin/entitlements/invalidate", "", `{"all":true}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/entitlements/invalidate", "", `{"all":true}`,
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/entitlements/invalidate", "", `{"all":true}`,
		"X-API-Token", testAdminToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminRoutes_DisabledWithoutToken(t *testing.T) {
	handler := NewRouter(RouterConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/entitlements/invalidate", strings.NewReader(`{"all":true}`))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminInvalidate_MakesUsageChangeVisible(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tenant-1", pkgentitlements.TierProfessional, 19, 0)
	auth := []string{"Authorization", "Bearer " + testAdminToken}

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/check", "tenant-1", `{"resource":"customers"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Written behind the cache's back: still served stale until invalidated.
	require.NoError(t, env.store.SetUsage(context.Background(), "tenant-1", pkgentitlements.ResourceCustomers, 20))
	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/check", "tenant-1", `{"resource":"customers"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/entitlements/invalidate", "", `{"tenantId":"tenant-1"}`, auth...)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/check", "tenant-1", `{"resource":"customers"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, body := range []string{`{}`, `{"tenantId":"a","all":true}`} {
		rec = env.do(t, http.MethodPost, "/api/v1/admin/entitlements/invalidate", "", body, auth...)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAdminSetUsage(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tenant-1", pkgentitlements.TierStarter, 0, 0)
	auth := []string{"Authorization", "Bearer " + testAdminToken}

	rec := env.do(t, http.MethodGet, "/api/v1/entitlements", "tenant-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/admin/tenants/tenant-1/usage/customers", "", `{"count":9}`, auth...)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/entitlements", "tenant-1", "")
	payload := decodeBody[pkgentitlements.Payload](t, rec)
	assert.False(t, payload.Cached)
	assert.Equal(t, int64(9), payload.Usage.CustomerCount)
	assert.Equal(t, "enforced", payload.Resources[0].State)

	rec = env.do(t, http.MethodPut, "/api/v1/admin/tenants/tenant-1/usage/recipes", "", `{"count":1}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, "/api/v1/admin/tenants/tenant-1/usage/customers", "", `{"count":-1}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, "/api/v1/admin/tenants/tenant-1/usage/customers", "", `{}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func subscriptionEventBody(id, tenantID, tier, status string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"customer.subscription.updated","created":4102444800,
		"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":%q,
		"metadata":{"tenant_id":%q,"tier":%q}}}}`, id, status, tenantID, tier)
}

func TestBillingEvent_UpgradeVisibleOnNextRead(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tenant-1", pkgentitlements.TierStarter, 0, 0)
	auth := []string{"Authorization", "Bearer " + testAdminToken}

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/check", "tenant-1", `{"feature":"custom_branding"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "",
		subscriptionEventBody("evt_1", "tenant-1", "professional", "active"), auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[billing.Result](t, rec)
	assert.True(t, result.Received)
	assert.Equal(t, billing.ResultApplied, result.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/entitlements/check", "tenant-1", `{"feature":"custom_branding"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Redelivery is acknowledged without reapplying.
	rec = env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "",
		subscriptionEventBody("evt_1", "tenant-1", "professional", "active"), auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.ResultDuplicate, decodeBody[billing.Result](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/v1/admin/tenants/tenant-1/billing-events?limit=10", "", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[billingEventsResponse](t, rec)
	require.Len(t, events.Events, 1)
	assert.Equal(t, "evt_1", events.Events[0].StripeEventID)

	rec = env.do(t, http.MethodGet, "/api/v1/admin/tenants/tenant-1/billing-events?limit=zero", "", "", auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingEvent_Errors(t *testing.T) {
	env := newTestEnv(t)
	auth := []string{"Authorization", "Bearer " + testAdminToken}

	rec := env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "", `not json`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "",
		subscriptionEventBody("evt_2", "tenant-1", "platinum", "active"), auth...)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unresolved_subscription", decodeBody[APIError](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/billing/subscription-events", "",
		`{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{}}}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.ResultIgnored, decodeBody[billing.Result](t, rec).Status)
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", "", "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, healthResponse{Status: "ok", Version: "test"}, decodeBody[healthResponse](t, rec))

	require.NoError(t, env.store.Close())
	rec = env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/nope", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/v1/tiers", "", "").Code)
}
