package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Service    EntitlementService
	Store      AdminStore
	Health     Pinger
	Billing    BillingEventHandler
	AdminToken string
	Version    string
}

// Router serves the entitlements HTTP API.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
}

// NewRouter creates a new router instance
func NewRouter(cfg RouterConfig) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
	}

	r.setupRoutes()
	return ErrorHandler(r.mux)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	entitlementHandlers := NewEntitlementHandlers(r.config.Service)
	adminHandlers := NewAdminHandlers(r.config.Service, r.config.Store)
	billingHandlers := NewBillingHandlers(r.config.Billing)
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return RequireAdminToken(r.config.AdminToken, h)
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /api/v1/tiers", entitlementHandlers.HandleListTiers)

	// Tenant-scoped routes
	r.mux.Handle("GET /api/v1/entitlements", RequireTenant(http.HandlerFunc(entitlementHandlers.HandleGetEntitlements)))
	r.mux.Handle("POST /api/v1/entitlements/check", RequireTenant(http.HandlerFunc(entitlementHandlers.HandleCheck)))
	r.mux.Handle("POST /api/v1/entitlements/reserve", RequireTenant(http.HandlerFunc(entitlementHandlers.HandleReserve)))

	// Admin routes
	r.mux.HandleFunc("POST /api/v1/admin/entitlements/invalidate", admin(adminHandlers.HandleInvalidate))
	r.mux.HandleFunc("GET /api/v1/admin/tenants/{tenant}/billing-events", admin(adminHandlers.HandleBillingEvents))
	r.mux.HandleFunc("PUT /api/v1/admin/tenants/{tenant}/usage/{resource}", admin(adminHandlers.HandleSetUsage))
	r.mux.HandleFunc("POST /api/v1/billing/subscription-events", admin(billingHandlers.HandleSubscriptionEvent))
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.config.Health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.config.Health.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Version: r.config.Version})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: r.config.Version})
}
