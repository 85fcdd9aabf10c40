// Package entitlements defines the tier catalog and the pure decision logic that
// gates meal-planning features and resource quotas per subscription tier.
//
// Nothing in this package performs I/O. Caching, usage lookup and HTTP mapping
// live in internal packages that build on these contracts.
package entitlements

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tier is a subscription tier.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// TierOrder lists tiers from lowest to highest.
var TierOrder = []Tier{TierStarter, TierProfessional, TierEnterprise}

// ParseTier converts a raw tier name into a Tier. Unknown names return ErrUnknownTier.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !tier.Valid() {
		return "", &UnknownTierError{Tier: raw}
	}
	return tier, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.rank() >= 0
}

func (t Tier) rank() int {
	for i, known := range TierOrder {
		if known == t {
			return i
		}
	}
	return -1
}

// Less reports whether t sorts below other in tier order.
func (t Tier) Less(other Tier) bool {
	return t.rank() < other.rank()
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierStarter:
		return "Starter"
	case TierProfessional:
		return "Professional"
	case TierEnterprise:
		return "Enterprise"
	default:
		return "Unknown"
	}
}

// UnmarshalText rejects unknown tiers at the decoding boundary.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AnalyticsLevel is the depth of analytics a tier unlocks. Levels are ordered.
type AnalyticsLevel int

const (
	AnalyticsNone AnalyticsLevel = iota
	AnalyticsBasic
	AnalyticsAdvanced
)

var analyticsLevelNames = map[AnalyticsLevel]string{
	AnalyticsNone:     "none",
	AnalyticsBasic:    "basic",
	AnalyticsAdvanced: "advanced",
}

// ParseAnalyticsLevel converts "none", "basic" or "advanced" into a level.
func ParseAnalyticsLevel(raw string) (AnalyticsLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for level, name := range analyticsLevelNames {
		if name == normalized {
			return level, nil
		}
	}
	return AnalyticsNone, fmt.Errorf("%w: analytics level %q", ErrUnknownFeature, raw)
}

func (l AnalyticsLevel) String() string {
	if name, ok := analyticsLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AnalyticsLevel(%d)", int(l))
}

// Satisfies reports whether l meets or exceeds required.
func (l AnalyticsLevel) Satisfies(required AnalyticsLevel) bool {
	return l >= required
}

func (l AnalyticsLevel) MarshalText() ([]byte, error) {
	if _, ok := analyticsLevelNames[l]; !ok {
		return nil, fmt.Errorf("invalid analytics level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *AnalyticsLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAnalyticsLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ExportFormat is a single export format. Formats are not ordered.
type ExportFormat uint8

const (
	ExportPDF ExportFormat = 1 << iota
	ExportCSV
	ExportExcel
)

var exportFormatNames = []struct {
	format ExportFormat
	name   string
}{
	{ExportPDF, "pdf"},
	{ExportCSV, "csv"},
	{ExportExcel, "excel"},
}

// ParseExportFormat converts "pdf", "csv" or "excel" into a format.
func ParseExportFormat(raw string) (ExportFormat, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, entry := range exportFormatNames {
		if entry.name == normalized {
			return entry.format, nil
		}
	}
	return 0, fmt.Errorf("%w: export format %q", ErrUnknownFeature, raw)
}

func (f ExportFormat) String() string {
	for _, entry := range exportFormatNames {
		if entry.format == f {
			return entry.name
		}
	}
	return fmt.Sprintf("ExportFormat(%d)", uint8(f))
}

// ExportFormatSet is an immutable set of export formats.
type ExportFormatSet uint8

// NewExportFormatSet builds a set from the given formats.
func NewExportFormatSet(formats ...ExportFormat) ExportFormatSet {
	var set ExportFormatSet
	for _, f := range formats {
		set |= ExportFormatSet(f)
	}
	return set
}

// Has reports set membership.
func (s ExportFormatSet) Has(f ExportFormat) bool {
	return f != 0 && s&ExportFormatSet(f) == ExportFormatSet(f)
}

// Contains reports whether s is a superset of other.
func (s ExportFormatSet) Contains(other ExportFormatSet) bool {
	return s&other == other
}

// Formats returns the members in a stable order.
func (s ExportFormatSet) Formats() []ExportFormat {
	out := make([]ExportFormat, 0, len(exportFormatNames))
	for _, entry := range exportFormatNames {
		if s.Has(entry.format) {
			out = append(out, entry.format)
		}
	}
	return out
}

func (s ExportFormatSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(exportFormatNames))
	for _, f := range s.Formats() {
		names = append(names, f.String())
	}
	sort.Strings(names)
	return json.Marshal(names)
}

func (s *ExportFormatSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set ExportFormatSet
	for _, name := range names {
		f, err := ParseExportFormat(name)
		if err != nil {
			return err
		}
		set |= ExportFormatSet(f)
	}
	*s = set
	return nil
}
