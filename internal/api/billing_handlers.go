package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/mealplan-entitlements/internal/billing"
)

const maxBillingEventBytes = 1 << 20

// BillingEventHandler applies a decoded subscription event.
// *billing.Notifier implements it.
type BillingEventHandler interface {
	Handle(ctx context.Context, event *stripelib.Event) (billing.Result, error)
}

// BillingHandlers ingests subscription change events.
type BillingHandlers struct {
	handler BillingEventHandler
}

// NewBillingHandlers creates the billing handlers.
func NewBillingHandlers(handler BillingEventHandler) *BillingHandlers {
	return &BillingHandlers{handler: handler}
}

// HandleSubscriptionEvent accepts a Stripe event whose signature was verified
// upstream. A non-2xx reply makes the sender retry, so failures that a retry
// cannot fix are reported as 4xx and transient ones as 5xx.
func (h *BillingHandlers) HandleSubscriptionEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBillingEventBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Billing event payload too large", nil)
		return
	}

	event, err := billing.ParseEvent(payload)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
		return
	}

	result, err := h.handler.Handle(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidEvent):
			writeErrorResponse(w, http.StatusBadRequest, "invalid_event", err.Error(),
				map[string]string{"event_id": event.ID})
		case errors.Is(err, billing.ErrUnresolvedTenant), errors.Is(err, billing.ErrUnresolvedTier):
			log.Warn().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Billing event could not be mapped")
			writeErrorResponse(w, http.StatusUnprocessableEntity, "unresolved_subscription", err.Error(),
				map[string]string{"event_id": event.ID})
		default:
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to apply billing event")
			writeErrorResponse(w, http.StatusInternalServerError, "billing_event_failed",
				"Failed to apply billing event", map[string]string{"event_id": event.ID})
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
