package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const defaultProviderTimeout = 2 * time.Second

// ErrTenantRequired is returned when a call carries no tenant id.
var ErrTenantRequired = errors.New("tenant id is required")

// Options configures a Service.
type Options struct {
	// TTL bounds how long computed entitlements are served from cache.
	TTL time.Duration
	// ProviderTimeout bounds each subscription and usage lookup.
	ProviderTimeout time.Duration
	// Catalog overrides the built-in tier catalog.
	Catalog *pkgentitlements.Catalog
	Metrics *Metrics
}

// Service computes, caches and enforces tenant entitlements.
type Service struct {
	subscriptions SubscriptionProvider
	usage         UsageProvider

	cache   *Cache
	catalog atomic.Pointer[pkgentitlements.Catalog]
	loads   singleflight.Group
	timeout time.Duration
	metrics *Metrics
}

// NewService wires a service to its providers.
func NewService(subscriptions SubscriptionProvider, usage UsageProvider, opts Options) *Service {
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = pkgentitlements.DefaultCatalog()
	}

	s := &Service{
		subscriptions: subscriptions,
		usage:         usage,
		cache:         NewCache(opts.TTL, opts.Metrics),
		timeout:       timeout,
		metrics:       opts.Metrics,
	}
	s.catalog.Store(catalog)
	return s
}

// Cache exposes the service cache, e.g. for the janitor.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Catalog returns the catalog currently in effect.
func (s *Service) Catalog() *pkgentitlements.Catalog {
	return s.catalog.Load()
}

// SetCatalog swaps the tier catalog and drops every cached entry computed
// from the previous one.
func (s *Service) SetCatalog(catalog *pkgentitlements.Catalog) {
	if catalog == nil {
		return
	}
	s.catalog.Store(catalog)
	s.cache.InvalidateAll()
	log.Info().Msg("Tier catalog replaced, entitlement cache cleared")
}

// GetEntitlements returns the tenant's entitlements and whether they were
// served from cache. Concurrent misses for the same tenant share one load.
func (s *Service) GetEntitlements(ctx context.Context, tenantID string) (pkgentitlements.Entitlements, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return pkgentitlements.Entitlements{}, false, ErrTenantRequired
	}

	if e, ok := s.cache.Get(tenantID); ok {
		return e, true, nil
	}

	gen := s.cache.Generation()
	key := tenantID + "\x00" + strconv.FormatUint(uint64(gen), 10)
	// The shared load must outlive any single caller; fetch bounds it with
	// the provider timeout. Each caller still stops waiting on its own ctx.
	loadCtx := context.WithoutCancel(ctx)
	results := s.loads.DoChan(key, func() (any, error) {
		return s.load(loadCtx, tenantID, gen)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return pkgentitlements.Entitlements{}, false, res.Err
		}
		return res.Val.(pkgentitlements.Entitlements), false, nil
	case <-ctx.Done():
		return pkgentitlements.Entitlements{}, false, ctx.Err()
	}
}

func (s *Service) load(ctx context.Context, tenantID string, gen Generation) (pkgentitlements.Entitlements, error) {
	sub, err := fetch(ctx, s, "subscription", tenantID, s.subscriptions.Subscription)
	if err != nil {
		return pkgentitlements.Entitlements{}, err
	}
	usage, err := fetch(ctx, s, "usage", tenantID, s.usage.Snapshot)
	if err != nil {
		return pkgentitlements.Entitlements{}, err
	}

	e, err := pkgentitlements.NewComputer(s.Catalog()).ComputeSubscription(sub, usage)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("tier", string(sub.Tier)).Msg("Subscription references a tier outside the catalog")
		return pkgentitlements.Entitlements{}, fmt.Errorf("compute entitlements for %q: %w", tenantID, err)
	}

	stamped, stored := s.cache.PutIfGeneration(tenantID, e, gen)
	if !stored {
		log.Debug().Str("tenant_id", tenantID).Msg("Entitlements invalidated during load, not cached")
	}
	return stamped, nil
}

// fetch runs one provider lookup bounded by the service timeout. Failures
// other than a missing subscription become retryable provider errors.
func fetch[T any](ctx context.Context, s *Service, provider, tenantID string, lookup func(context.Context, string) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	value, err := lookup(ctx, tenantID)
	s.metrics.observeProvider(provider, err, time.Since(start))
	if err == nil {
		return value, nil
	}

	var zero T
	if errors.Is(err, pkgentitlements.ErrSubscriptionNotFound) {
		return zero, err
	}
	log.Warn().Err(err).Str("tenant_id", tenantID).Str("provider", provider).Msg("Entitlement provider lookup failed")
	return zero, &pkgentitlements.ProviderError{Provider: provider, TenantID: tenantID, Err: err}
}

// Invalidate drops the tenant's cached entitlements. The next read recomputes.
func (s *Service) Invalidate(tenantID string) {
	s.cache.Invalidate(strings.TrimSpace(tenantID))
	log.Debug().Str("tenant_id", tenantID).Msg("Entitlements invalidated")
}

// InvalidateAll drops every cached entry.
func (s *Service) InvalidateAll() {
	s.cache.InvalidateAll()
	log.Info().Msg("All cached entitlements invalidated")
}

// CheckFeature gates a feature for the tenant.
func (s *Service) CheckFeature(ctx context.Context, tenantID string, req pkgentitlements.FeatureRequirement) (pkgentitlements.Decision, error) {
	return s.check(ctx, tenantID, "feature", req)
}

// CheckQuantity gates adding delta units of resource for the tenant.
func (s *Service) CheckQuantity(ctx context.Context, tenantID string, resource pkgentitlements.Resource, delta int64) (pkgentitlements.Decision, error) {
	return s.check(ctx, tenantID, "quantity", pkgentitlements.RequireQuantity(resource, delta))
}

// Check evaluates several checks with AND semantics.
func (s *Service) Check(ctx context.Context, tenantID string, checks ...pkgentitlements.Check) (pkgentitlements.Decision, error) {
	return s.check(ctx, tenantID, "composite", checks...)
}

func (s *Service) check(ctx context.Context, tenantID, kind string, checks ...pkgentitlements.Check) (pkgentitlements.Decision, error) {
	for _, c := range checks {
		if q, ok := c.(pkgentitlements.QuantityRequirement); ok {
			if err := pkgentitlements.ValidateDelta(q.Delta); err != nil {
				return pkgentitlements.Decision{}, err
			}
		}
	}
	e, _, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return pkgentitlements.Decision{}, err
	}
	decision := pkgentitlements.NewEnforcer(s.Catalog()).Check(e, checks...)
	s.metrics.recordDecision(kind, decision.Allowed)
	if !decision.Allowed {
		log.Debug().
			Str("tenant_id", tenantID).
			Str("tier", string(decision.CurrentTier)).
			Str("check", decision.Check).
			Str("code", decision.Code).
			Msg("Entitlement check denied")
	}
	return decision, nil
}

// UpgradeHints lists the features e lacks with the tier that grants each.
func (s *Service) UpgradeHints(e pkgentitlements.Entitlements) []pkgentitlements.UpgradeHint {
	return pkgentitlements.NewEnforcer(s.Catalog()).UpgradeHints(e)
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Decision pkgentitlements.Decision `json:"decision"`
	// Current is the stored count after the reservation.
	Current int64 `json:"current"`
	// Atomic reports whether the usage store enforced the limit itself.
	Atomic bool `json:"atomic"`
}

// Reserve gates adding delta units of resource and, when the usage provider
// supports it, records the increment in the same step so concurrent
// reservations cannot overshoot the limit. Without a reserving provider it
// behaves like CheckQuantity.
func (s *Service) Reserve(ctx context.Context, tenantID string, resource pkgentitlements.Resource, delta int64) (Reservation, error) {
	decision, err := s.CheckQuantity(ctx, tenantID, resource, delta)
	if err != nil {
		return Reservation{}, err
	}
	if !decision.Allowed {
		s.metrics.recordReservation(string(resource), "denied")
		return Reservation{Decision: decision}, nil
	}

	reserver, ok := s.usage.(QuantityReserver)
	if !ok {
		s.metrics.recordReservation(string(resource), "checked")
		return Reservation{Decision: decision}, nil
	}

	e, _, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return Reservation{}, err
	}
	limit, err := e.Limits.For(resource)
	if err != nil {
		return Reservation{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	current, reserved, err := reserver.Reserve(rctx, tenantID, resource, delta, limit)
	if err != nil {
		return Reservation{}, &pkgentitlements.ProviderError{Provider: "usage", TenantID: tenantID, Err: err}
	}
	s.Invalidate(tenantID)

	if !reserved {
		// The store refused the increment, e.g. another reservation consumed
		// the remaining capacity after the cached check. Its refusal is final.
		e.Usage = withCount(e.Usage, resource, current)
		decision = pkgentitlements.NewEnforcer(s.Catalog()).DenyQuantity(e, resource, delta, current)
		s.metrics.recordReservation(string(resource), "conflict")
		log.Debug().
			Str("tenant_id", tenantID).
			Str("resource", string(resource)).
			Int64("current", current).
			Int64("delta", delta).
			Msg("Reservation refused by usage store")
		return Reservation{Decision: decision, Current: current, Atomic: true}, nil
	}

	s.metrics.recordReservation(string(resource), "reserved")
	return Reservation{Decision: decision, Current: current, Atomic: true}, nil
}

func withCount(usage pkgentitlements.UsageSnapshot, resource pkgentitlements.Resource, count int64) pkgentitlements.UsageSnapshot {
	switch resource {
	case pkgentitlements.ResourceCustomers:
		usage.CustomerCount = count
	case pkgentitlements.ResourceMealPlans:
		usage.MealPlanCount = count
	}
	return usage
}
