package entitlements

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Limit is a resource capacity. Unlimited sorts above every finite value.
type Limit int64

// Unlimited is the sentinel for a limit with no cap.
const Unlimited Limit = -1

// FiniteLimit returns a finite limit, panicking on negative input.
func FiniteLimit(n int64) Limit {
	if n < 0 {
		panic(fmt.Sprintf("entitlements: negative finite limit %d", n))
	}
	return Limit(n)
}

// IsUnlimited reports whether l has no cap.
func (l Limit) IsUnlimited() bool {
	return l == Unlimited
}

// AtLeast reports whether l grants at least as much capacity as other.
func (l Limit) AtLeast(other Limit) bool {
	if l.IsUnlimited() {
		return true
	}
	if other.IsUnlimited() {
		return false
	}
	return l >= other
}

// Allows reports whether adding delta to current stays within capacity.
// The limit is inclusive: current+delta == limit is allowed.
// Non-positive deltas never consume capacity and are always allowed.
func (l Limit) Allows(current, delta int64) bool {
	if l.IsUnlimited() || delta <= 0 {
		return true
	}
	// Compare against the remaining capacity so a huge delta cannot wrap.
	return delta <= int64(l)-max(current, 0)
}

// Reached reports current >= limit. Always false when unlimited.
func (l Limit) Reached(current int64) bool {
	if l.IsUnlimited() {
		return false
	}
	return current >= int64(l)
}

// Near reports current >= 80% of the limit. Always false when unlimited.
func (l Limit) Near(current int64) bool {
	if l.IsUnlimited() {
		return false
	}
	// l - l/5 is ceil(0.8*l) for non-negative l.
	return current >= int64(l)-int64(l)/5
}

// Value returns the finite value and false when unlimited.
func (l Limit) Value() (int64, bool) {
	if l.IsUnlimited() {
		return 0, false
	}
	return int64(l), true
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// ParseLimit accepts a non-negative integer or "unlimited".
func ParseLimit(raw string) (Limit, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "unlimited") {
		return Unlimited, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return Limit(n), nil
}

// MarshalJSON encodes unlimited as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(int64(l), 10)), nil
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseLimit(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid limit %s", string(data))
	}
	if n < 0 {
		return fmt.Errorf("invalid limit %d", n)
	}
	*l = Limit(n)
	return nil
}

// UnmarshalText lets YAML and flag decoding accept "unlimited" or integers.
func (l *Limit) UnmarshalText(text []byte) error {
	parsed, err := ParseLimit(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
