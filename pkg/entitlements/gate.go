package entitlements

import (
	"errors"
	"fmt"
)

// Denial codes carried by a Decision.
const (
	CodeFeatureNotInPlan     = "feature_not_in_plan"
	CodeLimitReached         = "limit_reached"
	CodeSubscriptionInactive = "subscription_inactive"
	CodeUnknownCheck         = "unknown_check"
)

// Decision is the outcome of a gate check. A denial is a normal outcome, not
// an error, and carries enough data to render an upgrade prompt.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Check        string `json:"check,omitempty"`
	CurrentTier  Tier   `json:"currentTier"`
	RequiredTier Tier   `json:"requiredTier,omitempty"`
	Limit        *int64 `json:"limit,omitempty"`
	Current      *int64 `json:"current,omitempty"`
}

// Check is a single gate. The set of checks is closed: feature and quantity.
type Check interface {
	Key() string
	evaluate(catalog *Catalog, e Entitlements) Decision
}

// MaxQuantityDelta bounds the magnitude of a single quantity check or
// reservation accepted from callers.
const MaxQuantityDelta int64 = 1_000_000

// ErrInvalidDelta marks a quantity delta outside ±MaxQuantityDelta.
var ErrInvalidDelta = errors.New("invalid quantity delta")

// ValidateDelta rejects deltas whose magnitude exceeds MaxQuantityDelta.
func ValidateDelta(delta int64) error {
	if delta > MaxQuantityDelta || delta < -MaxQuantityDelta {
		return fmt.Errorf("%w: %d is outside ±%d", ErrInvalidDelta, delta, MaxQuantityDelta)
	}
	return nil
}

// QuantityRequirement asks to add Delta units of Resource.
type QuantityRequirement struct {
	Resource Resource
	Delta    int64
}

// RequireQuantity builds a quantity requirement.
func RequireQuantity(resource Resource, delta int64) QuantityRequirement {
	return QuantityRequirement{Resource: resource, Delta: delta}
}

// Key returns the resource name.
func (q QuantityRequirement) Key() string {
	return string(q.Resource)
}

func (q QuantityRequirement) evaluate(catalog *Catalog, e Entitlements) Decision {
	decision := Decision{Allowed: true, Check: q.Key(), CurrentTier: e.Tier}

	limit, err := e.Limits.For(q.Resource)
	if err != nil {
		return denyUnknown(decision, err)
	}
	current, err := e.Usage.Count(q.Resource)
	if err != nil {
		return denyUnknown(decision, err)
	}
	if limit.Allows(current, q.Delta) {
		return decision
	}
	return limitReached(catalog, e, q, limit, current)
}

func limitReached(catalog *Catalog, e Entitlements, q QuantityRequirement, limit Limit, current int64) Decision {
	finite, _ := limit.Value()
	decision := Decision{
		Allowed:     false,
		Code:        CodeLimitReached,
		Reason:      fmt.Sprintf("limit reached: %s %d/%d", q.Resource, current, finite),
		Check:       q.Key(),
		CurrentTier: e.Tier,
		Limit:       &finite,
		Current:     &current,
	}
	if tier, ok := catalog.MinimumTier(func(def TierDefinition) bool {
		l, err := def.Limits.For(q.Resource)
		return err == nil && l.Allows(current, q.Delta)
	}); ok && e.Tier.Less(tier) {
		decision.RequiredTier = tier
	}
	return decision
}

func (r FeatureRequirement) evaluate(catalog *Catalog, e Entitlements) Decision {
	decision := Decision{Allowed: true, Check: r.Key(), CurrentTier: e.Tier}
	if r.SatisfiedBy(e.Features) {
		return decision
	}

	decision.Allowed = false
	decision.Code = CodeFeatureNotInPlan
	tier, ok := catalog.MinimumTier(func(def TierDefinition) bool {
		return r.SatisfiedBy(def.Features)
	})
	if ok {
		decision.RequiredTier = tier
		decision.Reason = fmt.Sprintf("%s requires the %s plan", r.DisplayName(), tier.DisplayName())
	} else {
		decision.Reason = fmt.Sprintf("%s is not available on any plan", r.DisplayName())
	}
	return decision
}

func denyUnknown(decision Decision, err error) Decision {
	decision.Allowed = false
	decision.Code = CodeUnknownCheck
	decision.Reason = err.Error()
	return decision
}

// Enforcer evaluates checks against entitlements. It is stateless per call;
// the catalog is only consulted to find the tier that would grant a denied check.
type Enforcer struct {
	catalog *Catalog
}

// NewEnforcer returns an enforcer over catalog, or the default catalog when nil.
func NewEnforcer(catalog *Catalog) *Enforcer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Enforcer{catalog: catalog}
}

// CheckFeature gates a feature.
func (g *Enforcer) CheckFeature(e Entitlements, req FeatureRequirement) Decision {
	return g.Check(e, req)
}

// CheckQuantity gates adding delta units of resource.
func (g *Enforcer) CheckQuantity(e Entitlements, resource Resource, delta int64) Decision {
	return g.Check(e, RequireQuantity(resource, delta))
}

// DenyQuantity builds the limit_reached denial for adding delta units of
// resource at the given current count, whatever the limit arithmetic says.
// It is used when the usage store refused an increment the cached usage
// allowed.
func (g *Enforcer) DenyQuantity(e Entitlements, resource Resource, delta, current int64) Decision {
	q := RequireQuantity(resource, delta)
	limit, err := e.Limits.For(resource)
	if err != nil {
		return denyUnknown(Decision{Check: q.Key(), CurrentTier: e.Tier}, err)
	}
	return limitReached(g.catalog, e, q, limit, current)
}

// Check evaluates checks in order with AND semantics and returns the first
// denial. With no checks it only verifies the subscription is entitled.
func (g *Enforcer) Check(e Entitlements, checks ...Check) Decision {
	if !e.Status.Entitled() {
		return Decision{
			Allowed:      false,
			Code:         CodeSubscriptionInactive,
			Reason:       fmt.Sprintf("subscription is %s", statusLabel(e.Status)),
			CurrentTier:  e.Tier,
			RequiredTier: e.Tier,
		}
	}

	allowed := Decision{Allowed: true, CurrentTier: e.Tier}
	for _, check := range checks {
		decision := check.evaluate(g.catalog, e)
		if !decision.Allowed {
			return decision
		}
		allowed.Check = decision.Check
	}
	return allowed
}

func statusLabel(status SubscriptionStatus) string {
	if status == "" {
		return "missing"
	}
	return string(status)
}

// UpgradeHint names a feature the current tier lacks and the tier that grants it.
type UpgradeHint struct {
	Feature      string `json:"feature"`
	Reason       string `json:"reason"`
	RequiredTier Tier   `json:"requiredTier"`
}

// UpgradeHints lists gated features e does not grant, lowest tier first.
func (g *Enforcer) UpgradeHints(e Entitlements) []UpgradeHint {
	hints := []UpgradeHint{}
	for _, req := range GatedFeatures() {
		decision := req.evaluate(g.catalog, e)
		if decision.Allowed || decision.RequiredTier == "" {
			continue
		}
		hints = append(hints, UpgradeHint{
			Feature:      decision.Check,
			Reason:       decision.Reason,
			RequiredTier: decision.RequiredTier,
		})
	}
	return hints
}
