package entitlements

import (
	"fmt"
	"strings"
)

// Feature is a gated capability family.
type Feature string

const (
	FeatureAnalytics      Feature = "analytics"
	FeatureExport         Feature = "export"
	FeatureAPIAccess      Feature = "api_access"
	FeatureBulkOperations Feature = "bulk_operations"
	FeatureCustomBranding Feature = "custom_branding"
)

// FeatureRequirement is a parsed feature gate. Level is only meaningful for
// analytics and Format only for exports.
type FeatureRequirement struct {
	Feature Feature
	Level   AnalyticsLevel
	Format  ExportFormat
}

// RequireAnalytics builds an analytics requirement at the given level.
func RequireAnalytics(level AnalyticsLevel) FeatureRequirement {
	return FeatureRequirement{Feature: FeatureAnalytics, Level: level}
}

// RequireExport builds an export format requirement.
func RequireExport(format ExportFormat) FeatureRequirement {
	return FeatureRequirement{Feature: FeatureExport, Format: format}
}

// RequireFlag builds a requirement for a boolean feature.
func RequireFlag(feature Feature) FeatureRequirement {
	return FeatureRequirement{Feature: feature}
}

// ParseFeature parses feature names such as "analytics.advanced", "export.excel",
// "api_access", "custom_branding" or "bulk_operations". The optional level
// qualifies bare "analytics" (default basic) and bare "export" (format name).
func ParseFeature(name, level string) (FeatureRequirement, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	family, qualifier, _ := strings.Cut(normalized, ".")
	if qualifier == "" {
		qualifier = strings.ToLower(strings.TrimSpace(level))
	}

	switch family {
	case "analytics":
		if qualifier == "" {
			return RequireAnalytics(AnalyticsBasic), nil
		}
		lvl, err := ParseAnalyticsLevel(qualifier)
		if err != nil {
			return FeatureRequirement{}, err
		}
		return RequireAnalytics(lvl), nil
	case "export", "exports":
		if qualifier == "" {
			return FeatureRequirement{}, fmt.Errorf("%w: export requires a format", ErrUnknownFeature)
		}
		format, err := ParseExportFormat(qualifier)
		if err != nil {
			return FeatureRequirement{}, err
		}
		return RequireExport(format), nil
	case "api_access", "apiaccess", "api":
		return RequireFlag(FeatureAPIAccess), nil
	case "bulk_operations", "bulkoperations", "bulk":
		return RequireFlag(FeatureBulkOperations), nil
	case "custom_branding", "custombranding", "branding":
		return RequireFlag(FeatureCustomBranding), nil
	default:
		return FeatureRequirement{}, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}
}

// Key returns the canonical feature key, e.g. "analytics.advanced".
func (r FeatureRequirement) Key() string {
	switch r.Feature {
	case FeatureAnalytics:
		return "analytics." + r.Level.String()
	case FeatureExport:
		return "export." + r.Format.String()
	default:
		return string(r.Feature)
	}
}

// SatisfiedBy reports whether features grant the requirement.
func (r FeatureRequirement) SatisfiedBy(f Features) bool {
	switch r.Feature {
	case FeatureAnalytics:
		return f.Analytics.Satisfies(r.Level)
	case FeatureExport:
		return f.ExportFormats.Has(r.Format)
	case FeatureAPIAccess:
		return f.APIAccess
	case FeatureBulkOperations:
		return f.BulkOperations
	case FeatureCustomBranding:
		return f.CustomBranding
	default:
		return false
	}
}

// DisplayName returns a human-readable name for the requirement.
func (r FeatureRequirement) DisplayName() string {
	switch r.Feature {
	case FeatureAnalytics:
		if r.Level == AnalyticsAdvanced {
			return "Advanced analytics"
		}
		return "Analytics"
	case FeatureExport:
		switch r.Format {
		case ExportExcel:
			return "Excel export"
		case ExportCSV:
			return "CSV export"
		default:
			return "PDF export"
		}
	case FeatureAPIAccess:
		return "API access"
	case FeatureBulkOperations:
		return "Bulk operations"
	case FeatureCustomBranding:
		return "Custom branding"
	default:
		return string(r.Feature)
	}
}

// GatedFeatures lists every distinct feature requirement, lowest first.
func GatedFeatures() []FeatureRequirement {
	return []FeatureRequirement{
		RequireExport(ExportPDF),
		RequireExport(ExportCSV),
		RequireAnalytics(AnalyticsBasic),
		RequireFlag(FeatureBulkOperations),
		RequireFlag(FeatureCustomBranding),
		RequireAnalytics(AnalyticsAdvanced),
		RequireExport(ExportExcel),
		RequireFlag(FeatureAPIAccess),
	}
}
