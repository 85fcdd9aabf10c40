package entitlements

import "time"

// Payload is the normalized entitlement response for clients. The UI mirrors
// it for display; server-side gates never trust a client's copy.
type Payload struct {
	TenantID string             `json:"tenantId,omitempty"`
	Tier     Tier               `json:"tier"`
	TierName string             `json:"tierName"`
	Status   SubscriptionStatus `json:"status"`
	Limits   Limits             `json:"limits"`
	Features Features           `json:"features"`
	Usage    UsageSnapshot      `json:"usage"`

	// Resources carries the derived per-resource quota state.
	Resources []ResourceStatus `json:"resources"`

	// UpgradeHints lists features the tier lacks with the tier that grants them.
	UpgradeHints []UpgradeHint `json:"upgradeHints"`

	Cached   bool      `json:"cached"`
	CachedAt time.Time `json:"cachedAt"`
	// TTL is the number of whole seconds before the entitlements expire.
	TTL int64 `json:"ttl"`
}

// BuildPayload renders e for a client at time now.
func BuildPayload(tenantID string, e Entitlements, cached bool, hints []UpgradeHint, now time.Time) Payload {
	if hints == nil {
		hints = []UpgradeHint{}
	}
	return Payload{
		TenantID:     tenantID,
		Tier:         e.Tier,
		TierName:     e.Tier.DisplayName(),
		Status:       e.Status,
		Limits:       e.Limits,
		Features:     e.Features,
		Usage:        e.Usage,
		Resources:    e.ResourceStatuses(),
		UpgradeHints: hints,
		Cached:       cached,
		CachedAt:     e.CachedAt,
		TTL:          int64(e.Remaining(now) / time.Second),
	}
}

// DenialBody is the 403 body for a denied gate. It is self-describing so a
// client can render an upgrade prompt without another lookup.
type DenialBody struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	Check        string `json:"check,omitempty"`
	CurrentTier  Tier   `json:"currentTier,omitempty"`
	RequiredTier Tier   `json:"requiredTier,omitempty"`
	Limit        *int64 `json:"limit,omitempty"`
	Current      *int64 `json:"current,omitempty"`
}

// DenialBody converts a denied decision into a response body.
func (d Decision) DenialBody() DenialBody {
	return DenialBody{
		Error:        d.Reason,
		Code:         d.Code,
		Check:        d.Check,
		CurrentTier:  d.CurrentTier,
		RequiredTier: d.RequiredTier,
		Limit:        d.Limit,
		Current:      d.Current,
	}
}
