package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/mealplan-entitlements/internal/config"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// errCheckDenied makes `check` exit non-zero for a denied decision.
var errCheckDenied = errors.New("check denied")

var catalogFile string

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Print the tier catalog as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := catalogFromFlag()
		if err != nil {
			return err
		}
		return writeIndented(cmd, map[string]interface{}{"tiers": catalog.Definitions()})
	},
}

var checkFlags struct {
	tier      string
	status    string
	customers int64
	mealPlans int64
	feature   string
	level     string
	resource  string
	delta     int64
	payload   bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a gate decision offline for a tier and usage",
	Example: `  entitlementsd check --tier professional --feature analytics.advanced
  entitlementsd check --tier starter --customers 9 --resource customers --delta 1
  entitlementsd check --tier enterprise --payload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := catalogFromFlag()
		if err != nil {
			return err
		}
		tier, err := pkgentitlements.ParseTier(checkFlags.tier)
		if err != nil {
			return err
		}
		status, err := pkgentitlements.ParseSubscriptionStatus(checkFlags.status)
		if err != nil {
			return err
		}

		e, err := pkgentitlements.NewComputer(catalog).ComputeSubscription(
			pkgentitlements.Subscription{Tier: tier, Status: status},
			pkgentitlements.UsageSnapshot{CustomerCount: checkFlags.customers, MealPlanCount: checkFlags.mealPlans},
		)
		if err != nil {
			return err
		}
		enforcer := pkgentitlements.NewEnforcer(catalog)

		if checkFlags.payload {
			now := time.Now()
			e = e.Stamp(now, pkgentitlements.DefaultTTL)
			return writeIndented(cmd, pkgentitlements.BuildPayload("", e, false, enforcer.UpgradeHints(e), now))
		}

		checks, err := checksFromFlags()
		if err != nil {
			return err
		}
		decision := enforcer.Check(e, checks...)
		if err := writeIndented(cmd, decision); err != nil {
			return err
		}
		if !decision.Allowed {
			return errCheckDenied
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{tiersCmd, checkCmd} {
		cmd.Flags().StringVar(&catalogFile, "catalog", "", "tier catalog YAML file (default: $"+config.EnvPrefix+"CATALOG_FILE or built-in)")
	}

	flags := checkCmd.Flags()
	flags.StringVar(&checkFlags.tier, "tier", "", "subscription tier (starter, professional, enterprise)")
	flags.StringVar(&checkFlags.status, "status", string(pkgentitlements.StatusActive), "subscription status")
	flags.Int64Var(&checkFlags.customers, "customers", 0, "current customer count")
	flags.Int64Var(&checkFlags.mealPlans, "meal-plans", 0, "current meal plan count")
	flags.StringVar(&checkFlags.feature, "feature", "", "feature to check, e.g. analytics.advanced or export.csv")
	flags.StringVar(&checkFlags.level, "level", "", "analytics level or export format for a bare --feature")
	flags.StringVar(&checkFlags.resource, "resource", "", "resource to check (customers, meal_plans)")
	flags.Int64Var(&checkFlags.delta, "delta", 1, "units to add for a --resource check")
	flags.BoolVar(&checkFlags.payload, "payload", false, "print the full entitlements payload instead of a decision")
	_ = checkCmd.MarkFlagRequired("tier")
}

func checksFromFlags() ([]pkgentitlements.Check, error) {
	var checks []pkgentitlements.Check
	if checkFlags.feature != "" {
		req, err := pkgentitlements.ParseFeature(checkFlags.feature, checkFlags.level)
		if err != nil {
			return nil, err
		}
		checks = append(checks, req)
	}
	if checkFlags.resource != "" {
		resource, err := pkgentitlements.ParseResource(checkFlags.resource)
		if err != nil {
			return nil, err
		}
		if err := pkgentitlements.ValidateDelta(checkFlags.delta); err != nil {
			return nil, err
		}
		checks = append(checks, pkgentitlements.RequireQuantity(resource, checkFlags.delta))
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("nothing to check: pass --feature and/or --resource, or --payload")
	}
	return checks, nil
}

func catalogFromFlag() (*pkgentitlements.Catalog, error) {
	path := strings.TrimSpace(catalogFile)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvPrefix + "CATALOG_FILE"))
	}
	if path == "" {
		return pkgentitlements.DefaultCatalog(), nil
	}
	return config.LoadCatalogFile(path)
}

func writeIndented(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
