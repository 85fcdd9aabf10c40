package entitlements

import (
	"context"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// SubscriptionProvider looks up a tenant's subscription record. It returns
// pkgentitlements.ErrSubscriptionNotFound when the tenant has none.
type SubscriptionProvider interface {
	Subscription(ctx context.Context, tenantID string) (pkgentitlements.Subscription, error)
}

// UsageProvider returns a tenant's current resource counts.
type UsageProvider interface {
	Snapshot(ctx context.Context, tenantID string) (pkgentitlements.UsageSnapshot, error)
}

// QuantityReserver is implemented by usage providers that can atomically
// increment a count while re-checking the limit. It reports the resulting
// count, or the unchanged count and false when the increment would exceed limit.
type QuantityReserver interface {
	Reserve(ctx context.Context, tenantID string, resource pkgentitlements.Resource, delta int64, limit pkgentitlements.Limit) (int64, bool, error)
}
