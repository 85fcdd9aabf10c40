// Package billing turns Stripe subscription events into stored subscription
// records and invalidates the affected tenant's cached entitlements.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/mealplan-entitlements/internal/store"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// Event types the notifier applies. Everything else is acknowledged and ignored.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Result values reported by Handle.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

var (
	// ErrInvalidEvent marks a payload that is not a usable Stripe event.
	ErrInvalidEvent = errors.New("invalid billing event")
	// ErrUnresolvedTenant marks a subscription that maps to no tenant.
	ErrUnresolvedTenant = errors.New("subscription does not map to a tenant")
	// ErrUnresolvedTier marks a subscription whose tier cannot be determined.
	ErrUnresolvedTier = errors.New("subscription does not map to a tier")
)

// SubscriptionStore is the persistence the notifier needs.
type SubscriptionStore interface {
	SubscriptionRecord(ctx context.Context, tenantID string) (store.SubscriptionRecord, error)
	TenantByCustomer(ctx context.Context, customerID string) (string, error)
	ApplySubscriptionChange(ctx context.Context, rec store.SubscriptionRecord, event store.BillingEvent) (store.BillingEvent, store.ApplyOutcome, error)
}

// Invalidator drops a tenant's cached entitlements.
type Invalidator interface {
	Invalidate(tenantID string)
}

// Result describes how an event was handled.
type Result struct {
	Received bool                               `json:"received"`
	Status   string                             `json:"status"`
	EventID  string                             `json:"eventId,omitempty"`
	TenantID string                             `json:"tenantId,omitempty"`
	Tier     pkgentitlements.Tier               `json:"tier,omitempty"`
	SubState pkgentitlements.SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	AuditID  string                             `json:"auditId,omitempty"`
}

// Notifier applies subscription change events.
type Notifier struct {
	store       SubscriptionStore
	invalidator Invalidator
	priceTiers  map[string]pkgentitlements.Tier
	now         func() time.Time
}

// NewNotifier creates a notifier. priceTiers maps Stripe price ids to tiers
// and is consulted after subscription and price metadata.
func NewNotifier(st SubscriptionStore, invalidator Invalidator, priceTiers map[string]pkgentitlements.Tier) *Notifier {
	prices := make(map[string]pkgentitlements.Tier, len(priceTiers))
	for id, tier := range priceTiers {
		prices[strings.TrimSpace(id)] = tier
	}
	return &Notifier{
		store:       st,
		invalidator: invalidator,
		priceTiers:  prices,
		now:         time.Now,
	}
}

// ParseEvent decodes a Stripe event payload.
func ParseEvent(payload []byte) (*stripelib.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrInvalidEvent)
	}
	return &event, nil
}

// Handle applies event. A change is persisted together with its audit row
// before the tenant's cache entry is invalidated, so the next read observes it.
func (n *Notifier) Handle(ctx context.Context, event *stripelib.Event) (Result, error) {
	start := time.Now()
	eventType := string(event.Type)
	result := Result{Received: true, EventID: event.ID, Status: ResultFailed}
	defer func() {
		EventsTotal.WithLabelValues(eventType, result.Status).Inc()
		EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		log.Info().
			Str("type", eventType).
			Str("event_id", event.ID).
			Msg("Billing event ignored (unhandled type)")
		result.Status = ResultIgnored
		return result, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return result, fmt.Errorf("%w: missing data.object", ErrInvalidEvent)
	}
	var sub stripelib.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return result, fmt.Errorf("%w: decode subscription: %v", ErrInvalidEvent, err)
	}

	rec, err := n.record(ctx, eventType, &sub)
	if err != nil {
		return result, err
	}
	if event.Created > 0 {
		rec.UpdatedAt = time.Unix(event.Created, 0).UTC()
	}

	audit, outcome, err := n.store.ApplySubscriptionChange(ctx, rec, store.BillingEvent{
		StripeEventID: event.ID,
		Type:          eventType,
		CreatedAt:     n.now(),
	})
	if err != nil {
		return result, fmt.Errorf("apply subscription change: %w", err)
	}

	result.TenantID = rec.TenantID
	switch outcome {
	case store.ApplyDuplicate:
		result.Status = ResultDuplicate
		log.Debug().Str("event_id", event.ID).Str("tenant_id", rec.TenantID).Msg("Billing event already applied")
		return result, nil
	case store.ApplyStale:
		result.Status = ResultStale
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Str("tenant_id", rec.TenantID).
			Time("event_time", rec.UpdatedAt).
			Msg("Billing event older than stored subscription, ignored")
		return result, nil
	}

	n.invalidator.Invalidate(rec.TenantID)
	result.Status = ResultApplied
	result.Tier = rec.Tier
	result.SubState = rec.Status
	result.AuditID = audit.ID
	log.Info().
		Str("event_id", event.ID).
		Str("type", eventType).
		Str("tenant_id", rec.TenantID).
		Str("tier", string(rec.Tier)).
		Str("status", string(rec.Status)).
		Msg("Subscription change applied")
	return result, nil
}

func (n *Notifier) record(ctx context.Context, eventType string, sub *stripelib.Subscription) (store.SubscriptionRecord, error) {
	customerID := ""
	if sub.Customer != nil {
		customerID = strings.TrimSpace(sub.Customer.ID)
	}

	tenantID, err := n.resolveTenant(ctx, sub.Metadata, customerID)
	if err != nil {
		return store.SubscriptionRecord{}, err
	}

	status := mapStatus(string(sub.Status))
	if eventType == EventSubscriptionDeleted {
		status = pkgentitlements.StatusCanceled
	}

	priceID := firstPriceID(sub)
	tier, ok := n.resolveTier(sub)
	if !ok {
		// A deletion may carry no plan data; the stored tier still applies.
		existing, lookupErr := n.store.SubscriptionRecord(ctx, tenantID)
		if eventType != EventSubscriptionDeleted || lookupErr != nil {
			return store.SubscriptionRecord{}, fmt.Errorf("%w: subscription %q price %q", ErrUnresolvedTier, sub.ID, priceID)
		}
		tier = existing.Tier
	}

	return store.SubscriptionRecord{
		TenantID:             tenantID,
		Tier:                 tier,
		Status:               status,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: strings.TrimSpace(sub.ID),
		StripePriceID:        priceID,
	}, nil
}

func (n *Notifier) resolveTenant(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if tenantID := strings.TrimSpace(metadata["tenant_id"]); tenantID != "" {
		return tenantID, nil
	}
	if customerID == "" {
		return "", fmt.Errorf("%w: no tenant_id metadata and no customer", ErrUnresolvedTenant)
	}
	tenantID, err := n.store.TenantByCustomer(ctx, customerID)
	if errors.Is(err, store.ErrTenantNotFound) {
		return "", fmt.Errorf("%w: customer %q", ErrUnresolvedTenant, customerID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup tenant by customer: %w", err)
	}
	return tenantID, nil
}

// resolveTier checks subscription metadata, then price metadata, then the
// configured price map.
func (n *Notifier) resolveTier(sub *stripelib.Subscription) (pkgentitlements.Tier, bool) {
	if tier, err := pkgentitlements.ParseTier(sub.Metadata["tier"]); err == nil {
		return tier, true
	}
	if sub.Items == nil {
		return "", false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if tier, err := pkgentitlements.ParseTier(item.Price.Metadata["tier"]); err == nil {
			return tier, true
		}
		if tier, ok := n.priceTiers[strings.TrimSpace(item.Price.ID)]; ok {
			return tier, true
		}
	}
	return "", false
}

func firstPriceID(sub *stripelib.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// mapStatus converts a Stripe subscription status. Unknown statuses fail
// closed as canceled.
func mapStatus(raw string) pkgentitlements.SubscriptionStatus {
	status, err := pkgentitlements.ParseSubscriptionStatus(raw)
	if err != nil {
		log.Warn().Str("status", raw).Msg("Unknown Stripe subscription status, treating as canceled")
		return pkgentitlements.StatusCanceled
	}
	return status
}
