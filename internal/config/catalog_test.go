package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const validCatalogYAML = `
tiers:
  starter:
    price_cents: 19900
    limits: {customers: 12, meal_plans: 50}
    features:
      analytics: none
      export_formats: [pdf]
  professional:
    price_cents: 29900
    limits: {customers: 25, meal_plans: 200}
    features:
      analytics: basic
      export_formats: [pdf, csv]
      bulk_operations: true
      custom_branding: true
  enterprise:
    price_cents: 39900
    limits: {customers: unlimited, meal_plans: 1000}
    features:
      analytics: advanced
      export_formats: [pdf, csv, excel]
      api_access: true
      bulk_operations: true
      custom_branding: true
`

func TestParseCatalog_Valid(t *testing.T) {
	catalog, err := ParseCatalog([]byte(validCatalogYAML))
	require.NoError(t, err)

	starter, err := catalog.DefinitionFor(pkgentitlements.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, pkgentitlements.Limit(12), starter.Limits.Customers)

	enterprise, err := catalog.DefinitionFor(pkgentitlements.TierEnterprise)
	require.NoError(t, err)
	assert.True(t, enterprise.Limits.Customers.IsUnlimited())
	assert.True(t, enterprise.Features.ExportFormats.Has(pkgentitlements.ExportExcel))
	assert.Equal(t, pkgentitlements.AnalyticsAdvanced, enterprise.Features.Analytics)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr error
	}{
		{
			name:    "unknown_tier",
			mutate:  func(s string) string { return strings.Replace(s, "  starter:", "  gold:", 1) },
			wantErr: pkgentitlements.ErrUnknownTier,
		},
		{
			name:    "unknown_format",
			mutate:  func(s string) string { return strings.Replace(s, "[pdf, csv, excel]", "[pdf, csv, docx]", 1) },
			wantErr: pkgentitlements.ErrUnknownFeature,
		},
		{
			name:    "unknown_level",
			mutate:  func(s string) string { return strings.Replace(s, "analytics: advanced", "analytics: premium", 1) },
			wantErr: pkgentitlements.ErrUnknownFeature,
		},
		{
			name:   "unknown_key",
			mutate: func(s string) string { return strings.Replace(s, "price_cents: 19900", "price_cents: 19900\n    colour: blue", 1) },
		},
		{
			name:   "non_monotonic",
			mutate: func(s string) string { return strings.Replace(s, "customers: 25", "customers: 5", 1) },
		},
		{
			name:   "missing_limit",
			mutate: func(s string) string { return strings.Replace(s, "{customers: 12, meal_plans: 50}", "{meal_plans: 50}", 1) },
		},
		{
			name:   "missing_tier",
			mutate: func(s string) string { return s[:strings.Index(s, "  enterprise:")] },
		},
		{
			name:   "empty",
			mutate: func(string) string { return "" },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.mutate(validCatalogYAML)))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v", err)
			}
		})
	}
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	_, err := LoadCatalogFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCatalogWatcher_AppliesValidChangesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalogYAML), 0o644))

	applied := make(chan *pkgentitlements.Catalog, 4)
	cw, err := NewCatalogWatcher(path, func(c *pkgentitlements.Catalog) { applied <- c })
	require.NoError(t, err)
	t.Cleanup(cw.Stop)

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go cw.handleEvents(events, errs)

	// Unchanged content is skipped.
	events <- fsnotify.Event{Name: path, Op: fsnotify.Write}

	broken := strings.Replace(validCatalogYAML, "customers: 25", "customers: 5", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))
	events <- fsnotify.Event{Name: path, Op: fsnotify.Write}

	// Events for other files are ignored.
	events <- fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write}

	updated := strings.Replace(validCatalogYAML, "customers: 12", "customers: 15", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	events <- fsnotify.Event{Name: path, Op: fsnotify.Write}

	select {
	case catalog := <-applied:
		starter, err := catalog.DefinitionFor(pkgentitlements.TierStarter)
		require.NoError(t, err)
		assert.Equal(t, pkgentitlements.Limit(15), starter.Limits.Customers)
	case <-time.After(2 * time.Second):
		t.Fatal("expected catalog change to be applied")
	}
	assert.Len(t, applied, 0, "only the valid change is applied")

	errs <- errors.New("watch error")
}

func TestCatalogWatcher_ForcedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalogYAML), 0o644))

	calls := 0
	cw, err := NewCatalogWatcher(path, func(*pkgentitlements.Catalog) { calls++ })
	require.NoError(t, err)
	t.Cleanup(cw.Stop)

	cw.Reload()
	assert.Equal(t, 1, calls)
	cw.Stop()
	cw.Stop()
}
