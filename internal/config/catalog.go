package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// catalogFile is the on-disk YAML layout of a tier catalog:
//
//	tiers:
//	  starter:
//	    price_cents: 19900
//	    limits: {customers: 9, meal_plans: 50}
//	    features:
//	      analytics: none
//	      export_formats: [pdf]
type catalogFile struct {
	Tiers map[string]tierFile `yaml:"tiers"`
}

type tierFile struct {
	PriceCents int64        `yaml:"price_cents"`
	Limits     limitsFile   `yaml:"limits"`
	Features   featuresFile `yaml:"features"`
}

type limitsFile struct {
	Customers string `yaml:"customers"`
	MealPlans string `yaml:"meal_plans"`
}

type featuresFile struct {
	Analytics      string   `yaml:"analytics"`
	ExportFormats  []string `yaml:"export_formats"`
	APIAccess      bool     `yaml:"api_access"`
	BulkOperations bool     `yaml:"bulk_operations"`
	CustomBranding bool     `yaml:"custom_branding"`
}

// LoadCatalogFile reads and validates a YAML tier catalog.
func LoadCatalogFile(path string) (*pkgentitlements.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog decodes a YAML tier catalog. Unknown keys, tiers, levels and
// formats are rejected, as is a catalog whose limits decrease between tiers.
func ParseCatalog(data []byte) (*pkgentitlements.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog is empty")
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	defs := make([]pkgentitlements.TierDefinition, 0, len(file.Tiers))
	for name, tf := range file.Tiers {
		def, err := tf.definition(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return pkgentitlements.NewCatalog(defs...)
}

func (tf tierFile) definition(name string) (pkgentitlements.TierDefinition, error) {
	tier, err := pkgentitlements.ParseTier(name)
	if err != nil {
		return pkgentitlements.TierDefinition{}, err
	}

	customers, err := parseLimitField(tf.Limits.Customers)
	if err != nil {
		return pkgentitlements.TierDefinition{}, fmt.Errorf("tier %s customers: %w", tier, err)
	}
	mealPlans, err := parseLimitField(tf.Limits.MealPlans)
	if err != nil {
		return pkgentitlements.TierDefinition{}, fmt.Errorf("tier %s meal_plans: %w", tier, err)
	}

	analytics := pkgentitlements.AnalyticsNone
	if strings.TrimSpace(tf.Features.Analytics) != "" {
		analytics, err = pkgentitlements.ParseAnalyticsLevel(tf.Features.Analytics)
		if err != nil {
			return pkgentitlements.TierDefinition{}, fmt.Errorf("tier %s: %w", tier, err)
		}
	}

	formats := make([]pkgentitlements.ExportFormat, 0, len(tf.Features.ExportFormats))
	for _, raw := range tf.Features.ExportFormats {
		format, err := pkgentitlements.ParseExportFormat(raw)
		if err != nil {
			return pkgentitlements.TierDefinition{}, fmt.Errorf("tier %s: %w", tier, err)
		}
		formats = append(formats, format)
	}

	return pkgentitlements.TierDefinition{
		Tier:   tier,
		Limits: pkgentitlements.Limits{Customers: customers, MealPlans: mealPlans},
		Features: pkgentitlements.Features{
			Analytics:      analytics,
			APIAccess:      tf.Features.APIAccess,
			BulkOperations: tf.Features.BulkOperations,
			CustomBranding: tf.Features.CustomBranding,
			ExportFormats:  pkgentitlements.NewExportFormatSet(formats...),
		},
		PriceCents: tf.PriceCents,
	}, nil
}

func parseLimitField(raw string) (pkgentitlements.Limit, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, errors.New("limit is required")
	}
	return pkgentitlements.ParseLimit(raw)
}
