package entitlements

import (
	"errors"
	"fmt"
	"strings"
)

// Resource is a countable, quota-limited resource.
type Resource string

const (
	ResourceCustomers Resource = "customers"
	ResourceMealPlans Resource = "meal_plans"
)

// Resources lists every quota-limited resource in display order.
var Resources = []Resource{ResourceCustomers, ResourceMealPlans}

// ParseResource converts a raw resource name. "mealPlans" is accepted as an alias.
func ParseResource(raw string) (Resource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "customers", "customer":
		return ResourceCustomers, nil
	case "meal_plans", "mealplans", "meal_plan", "mealplan":
		return ResourceMealPlans, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, raw)
	}
}

// Limits holds the quantity limits of a tier.
type Limits struct {
	Customers Limit `json:"customers" yaml:"customers"`
	MealPlans Limit `json:"mealPlans" yaml:"meal_plans"`
}

// For returns the limit for resource.
func (l Limits) For(resource Resource) (Limit, error) {
	switch resource {
	case ResourceCustomers:
		return l.Customers, nil
	case ResourceMealPlans:
		return l.MealPlans, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, string(resource))
	}
}

// Features holds the feature flags of a tier.
type Features struct {
	Analytics      AnalyticsLevel  `json:"analytics"`
	APIAccess      bool            `json:"apiAccess"`
	BulkOperations bool            `json:"bulkOperations"`
	CustomBranding bool            `json:"customBranding"`
	ExportFormats  ExportFormatSet `json:"exportFormats"`
}

// TierDefinition is the static definition of a single tier.
type TierDefinition struct {
	Tier       Tier     `json:"tier"`
	Limits     Limits   `json:"limits"`
	Features   Features `json:"features"`
	PriceCents int64    `json:"priceCents"`
}

// Catalog maps every tier to its definition. A Catalog is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	defs map[Tier]TierDefinition
}

var defaultDefinitions = []TierDefinition{
	{
		Tier:   TierStarter,
		Limits: Limits{Customers: 9, MealPlans: 50},
		Features: Features{
			Analytics:     AnalyticsNone,
			ExportFormats: NewExportFormatSet(ExportPDF),
		},
		PriceCents: 19900,
	},
	{
		Tier:   TierProfessional,
		Limits: Limits{Customers: 20, MealPlans: 200},
		Features: Features{
			Analytics:      AnalyticsBasic,
			BulkOperations: true,
			CustomBranding: true,
			ExportFormats:  NewExportFormatSet(ExportPDF, ExportCSV),
		},
		PriceCents: 29900,
	},
	{
		Tier:   TierEnterprise,
		Limits: Limits{Customers: Unlimited, MealPlans: 1000},
		Features: Features{
			Analytics:      AnalyticsAdvanced,
			APIAccess:      true,
			BulkOperations: true,
			CustomBranding: true,
			ExportFormats:  NewExportFormatSet(ExportPDF, ExportCSV, ExportExcel),
		},
		PriceCents: 39900,
	},
}

var defaultCatalog = MustCatalog(defaultDefinitions...)

// DefaultCatalog returns the built-in tier catalog.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// MustCatalog is NewCatalog that panics on invalid definitions.
func MustCatalog(defs ...TierDefinition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates defs and builds a catalog. Every tier must be defined
// exactly once and limits must not decrease from one tier to the next.
func NewCatalog(defs ...TierDefinition) (*Catalog, error) {
	byTier := make(map[Tier]TierDefinition, len(defs))
	for _, def := range defs {
		if !def.Tier.Valid() {
			return nil, &UnknownTierError{Tier: string(def.Tier)}
		}
		if _, dup := byTier[def.Tier]; dup {
			return nil, fmt.Errorf("tier %q defined more than once", def.Tier)
		}
		if def.Limits.MealPlans.IsUnlimited() {
			return nil, fmt.Errorf("tier %q: meal plan limit must be finite", def.Tier)
		}
		if def.PriceCents < 0 {
			return nil, fmt.Errorf("tier %q: negative price", def.Tier)
		}
		byTier[def.Tier] = def
	}

	var errs []error
	for _, tier := range TierOrder {
		if _, ok := byTier[tier]; !ok {
			errs = append(errs, fmt.Errorf("tier %q is not defined", tier))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for i := 1; i < len(TierOrder); i++ {
		lower, higher := byTier[TierOrder[i-1]], byTier[TierOrder[i]]
		if err := checkMonotonic(lower, higher); err != nil {
			return nil, err
		}
	}

	return &Catalog{defs: byTier}, nil
}

func checkMonotonic(lower, higher TierDefinition) error {
	var errs []error
	fail := func(field string) {
		errs = append(errs, fmt.Errorf("tier %q grants less %s than %q", higher.Tier, field, lower.Tier))
	}
	if !higher.Limits.Customers.AtLeast(lower.Limits.Customers) {
		fail("customers")
	}
	if !higher.Limits.MealPlans.AtLeast(lower.Limits.MealPlans) {
		fail("meal plans")
	}
	if !higher.Features.Analytics.Satisfies(lower.Features.Analytics) {
		fail("analytics")
	}
	if !higher.Features.ExportFormats.Contains(lower.Features.ExportFormats) {
		fail("export formats")
	}
	if lower.Features.APIAccess && !higher.Features.APIAccess {
		fail("api access")
	}
	if lower.Features.BulkOperations && !higher.Features.BulkOperations {
		fail("bulk operations")
	}
	if lower.Features.CustomBranding && !higher.Features.CustomBranding {
		fail("custom branding")
	}
	return errors.Join(errs...)
}

// DefinitionFor returns the definition of tier.
func (c *Catalog) DefinitionFor(tier Tier) (TierDefinition, error) {
	def, ok := c.defs[tier]
	if !ok {
		return TierDefinition{}, &UnknownTierError{Tier: string(tier)}
	}
	return def, nil
}

// Definitions returns all definitions in tier order.
func (c *Catalog) Definitions() []TierDefinition {
	out := make([]TierDefinition, 0, len(TierOrder))
	for _, tier := range TierOrder {
		out = append(out, c.defs[tier])
	}
	return out
}

// MinimumTier returns the lowest tier whose definition satisfies match.
func (c *Catalog) MinimumTier(match func(TierDefinition) bool) (Tier, bool) {
	for _, tier := range TierOrder {
		if match(c.defs[tier]) {
			return tier, true
		}
	}
	return "", false
}
