package entitlements

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTier marks a tier value that is not in the catalog. It is a
	// data or configuration defect and must not be retried.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrUnknownFeature marks a feature, level or export format name that
	// cannot be parsed into a requirement.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrUnknownResource marks a resource name with no quota.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrProviderUnavailable marks a transient failure of an external
	// collaborator (usage or subscription lookup). Callers should retry with
	// backoff and must not treat it as a gate decision.
	ErrProviderUnavailable = errors.New("entitlement provider unavailable")

	// ErrSubscriptionNotFound is returned when a tenant has no subscription record.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// UnknownTierError carries the offending raw tier value.
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier %q", e.Tier)
}

func (e *UnknownTierError) Is(target error) bool {
	return target == ErrUnknownTier
}

// ProviderError wraps a failed usage or subscription lookup.
type ProviderError struct {
	Provider string
	TenantID string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider unavailable for tenant %q: %v", e.Provider, e.TenantID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
