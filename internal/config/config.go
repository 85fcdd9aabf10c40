package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "ENTITLEMENTS_"

// Config holds the runtime configuration of the entitlements service.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	DataDir     string

	LogLevel  string
	LogFormat string

	CacheTTL        time.Duration
	ProviderTimeout time.Duration

	// CatalogFile optionally overrides the built-in tier catalog.
	CatalogFile string
	// AdminToken guards admin and billing endpoints. Empty disables them.
	AdminToken string
	// PriceTiers maps Stripe price ids to tiers.
	PriceTiers map[string]pkgentitlements.Tier

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		MetricsAddr:     ":9091",
		DataDir:         "./data",
		LogLevel:        "info",
		LogFormat:       "auto",
		CacheTTL:        pkgentitlements.DefaultTTL,
		ProviderTimeout: 2 * time.Second,
		PriceTiers:      map[string]pkgentitlements.Tier{},
		EnvOverrides:    map[string]bool{},
	}
}

// Load reads .env files and ENTITLEMENTS_* variables on top of the defaults.
// Variables already present in the environment take precedence over .env files.
func Load() (*Config, error) {
	cfg := Default()
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	envFile := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			c.EnvOverrides[name] = true
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		c.EnvOverrides[name] = true
		return nil
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("CATALOG_FILE", &c.CatalogFile)
	str("ADMIN_TOKEN", &c.AdminToken)

	if err := dur("CACHE_TTL", &c.CacheTTL); err != nil {
		return err
	}
	if err := dur("PROVIDER_TIMEOUT", &c.ProviderTimeout); err != nil {
		return err
	}

	if raw, ok := os.LookupEnv(EnvPrefix + "STRIPE_PRICE_TIERS"); ok && strings.TrimSpace(raw) != "" {
		prices, err := ParsePriceTiers(raw)
		if err != nil {
			return fmt.Errorf("%sSTRIPE_PRICE_TIERS: %w", EnvPrefix, err)
		}
		c.PriceTiers = prices
		c.EnvOverrides["STRIPE_PRICE_TIERS"] = true
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache TTL must be positive, got %s", c.CacheTTL))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider timeout must be positive, got %s", c.ProviderTimeout))
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	for priceID, tier := range c.PriceTiers {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("price %q maps to unknown tier %q", priceID, tier))
		}
	}
	return errors.Join(errs...)
}

// ParsePriceTiers parses "price_a=starter,price_b=professional".
func ParsePriceTiers(raw string) (map[string]pkgentitlements.Tier, error) {
	out := make(map[string]pkgentitlements.Tier)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		priceID, tierName, ok := strings.Cut(pair, "=")
		priceID = strings.TrimSpace(priceID)
		if !ok || priceID == "" {
			return nil, fmt.Errorf("malformed price mapping %q", pair)
		}
		tier, err := pkgentitlements.ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", priceID, err)
		}
		out[priceID] = tier
	}
	return out, nil
}
