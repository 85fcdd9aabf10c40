package entitlements

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is how long computed entitlements stay valid in a cache.
const DefaultTTL = 5 * time.Minute

// SubscriptionStatus is the billing lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus normalizes a raw status.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusUnpaid,
		StatusIncomplete, StatusIncompleteExpired, StatusPaused:
		return status, nil
	}
	return "", fmt.Errorf("unknown subscription status %q", raw)
}

// Entitled reports whether the status grants the tier's entitlements.
// Past-due subscriptions keep access while payment is retried.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Subscription is the billing record the engine consumes.
type Subscription struct {
	TenantID string             `json:"tenantId"`
	Tier     Tier               `json:"tier"`
	Status   SubscriptionStatus `json:"status"`
}

// UsageSnapshot is a point-in-time count of a tenant's resources.
type UsageSnapshot struct {
	CustomerCount int64 `json:"customers"`
	MealPlanCount int64 `json:"mealPlans"`
}

// Count returns the observed count for resource.
func (u UsageSnapshot) Count(resource Resource) (int64, error) {
	switch resource {
	case ResourceCustomers:
		return u.CustomerCount, nil
	case ResourceMealPlans:
		return u.MealPlanCount, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, string(resource))
	}
}

// ResourceStatus is the derived quota state of one resource.
type ResourceStatus struct {
	Resource  Resource `json:"resource"`
	Limit     Limit    `json:"limit"`
	Current   int64    `json:"current"`
	AtLimit   bool     `json:"atLimit"`
	NearLimit bool     `json:"nearLimit"`
	// State is "ok", "warning" or "enforced".
	State string `json:"state"`
}

// Entitlements is the computed, immutable entitlement set of a tenant.
// It is a plain value: copies never alias each other.
type Entitlements struct {
	Tier     Tier
	Status   SubscriptionStatus
	Limits   Limits
	Features Features
	Usage    UsageSnapshot
	CachedAt time.Time
	TTL      time.Duration
}

// Resource returns the derived status of resource.
func (e Entitlements) Resource(resource Resource) (ResourceStatus, error) {
	limit, err := e.Limits.For(resource)
	if err != nil {
		return ResourceStatus{}, err
	}
	current, err := e.Usage.Count(resource)
	if err != nil {
		return ResourceStatus{}, err
	}
	status := ResourceStatus{
		Resource:  resource,
		Limit:     limit,
		Current:   current,
		AtLimit:   limit.Reached(current),
		NearLimit: limit.Near(current),
		State:     "ok",
	}
	switch {
	case status.AtLimit:
		status.State = "enforced"
	case status.NearLimit:
		status.State = "warning"
	}
	return status, nil
}

// ResourceStatuses returns the status of every resource in display order.
func (e Entitlements) ResourceStatuses() []ResourceStatus {
	out := make([]ResourceStatus, 0, len(Resources))
	for _, resource := range Resources {
		status, err := e.Resource(resource)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

// Stamp returns a copy carrying cache metadata.
func (e Entitlements) Stamp(at time.Time, ttl time.Duration) Entitlements {
	e.CachedAt = at
	e.TTL = ttl
	return e
}

// Expired reports whether more than TTL has elapsed since CachedAt.
func (e Entitlements) Expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// Remaining returns the time left before expiry, never negative.
func (e Entitlements) Remaining(now time.Time) time.Duration {
	left := e.TTL - now.Sub(e.CachedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Computer derives entitlements from a catalog. It holds no mutable state.
type Computer struct {
	catalog *Catalog
}

// NewComputer returns a computer over catalog, or the default catalog when nil.
func NewComputer(catalog *Catalog) *Computer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Computer{catalog: catalog}
}

// Catalog returns the catalog the computer reads from.
func (c *Computer) Catalog() *Catalog {
	return c.catalog
}

// Compute copies the tier's limits and features and echoes usage. The result
// has an active status and no cache metadata.
func (c *Computer) Compute(tier Tier, usage UsageSnapshot) (Entitlements, error) {
	def, err := c.catalog.DefinitionFor(tier)
	if err != nil {
		return Entitlements{}, err
	}
	return Entitlements{
		Tier:     def.Tier,
		Status:   StatusActive,
		Limits:   def.Limits,
		Features: def.Features,
		Usage:    usage,
	}, nil
}

// ComputeSubscription is Compute for a subscription record, echoing its status.
func (c *Computer) ComputeSubscription(sub Subscription, usage UsageSnapshot) (Entitlements, error) {
	e, err := c.Compute(sub.Tier, usage)
	if err != nil {
		return Entitlements{}, err
	}
	if sub.Status != "" {
		e.Status = sub.Status
	}
	return e, nil
}
