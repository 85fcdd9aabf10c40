package store

import (
	"errors"
	"time"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// ErrTenantNotFound is returned when no tenant matches a billing identifier.
var ErrTenantNotFound = errors.New("tenant not found")

// SubscriptionRecord is a stored subscription with its billing identifiers.
type SubscriptionRecord struct {
	TenantID             string                             `json:"tenantId"`
	Tier                 pkgentitlements.Tier               `json:"tier"`
	Status               pkgentitlements.SubscriptionStatus `json:"status"`
	StripeCustomerID     string                             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string                             `json:"stripeSubscriptionId,omitempty"`
	StripePriceID        string                             `json:"stripePriceId,omitempty"`
	// UpdatedAt orders changes: an older change never overwrites a newer one.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription returns the engine view of the record.
func (r SubscriptionRecord) Subscription() pkgentitlements.Subscription {
	return pkgentitlements.Subscription{
		TenantID: r.TenantID,
		Tier:     r.Tier,
		Status:   r.Status,
	}
}

// BillingEvent is an audit row for an applied subscription change.
type BillingEvent struct {
	ID            string                             `json:"id"`
	StripeEventID string                             `json:"stripeEventId"`
	TenantID      string                             `json:"tenantId"`
	Type          string                             `json:"type"`
	Tier          pkgentitlements.Tier               `json:"tier"`
	Status        pkgentitlements.SubscriptionStatus `json:"status"`
	CreatedAt     time.Time                          `json:"createdAt"`
}
